package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"reqflow/backend/internal/capability"
	"reqflow/backend/internal/events"
	"reqflow/backend/pkg/models"
)

// Archiver persists terminal runs. The live registry stays in memory; only
// finished runs go to storage.
type Archiver interface {
	SaveRun(ctx context.Context, run *models.WorkflowRun) error
}

// Options are the server-side workflow defaults; per-run config overrides
// the subset it sets.
type Options struct {
	MaxConcurrentPerPhase map[models.Phase]int
	PerItemTimeout        time.Duration
	MaxAttempts           int
	RetryDelay            time.Duration
	ClarificationTimeout  time.Duration
	PassThreshold         float64
	SearchTopK            int
	// RegistryGrace keeps a terminal run queryable before it is dropped
	// from the registry; the archive keeps it after that.
	RegistryGrace time.Duration
}

// DefaultOptions are the ceilings used when neither the server config nor
// the submission sets a value. Validation and rewrite phases are
// LLM-call-bound and get a smaller ceiling than mining.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentPerPhase: map[models.Phase]int{
			models.PhaseMining:     8,
			models.PhaseKGBuild:    8,
			models.PhaseValidating: 3,
			models.PhaseRewriting:  3,
			models.PhaseQAReview:   3,
		},
		PerItemTimeout:       2 * time.Minute,
		MaxAttempts:          3,
		RetryDelay:           500 * time.Millisecond,
		ClarificationTimeout: 10 * time.Minute,
		PassThreshold:        0.7,
		SearchTopK:           5,
		RegistryGrace:        time.Minute,
	}
}

func (o Options) withConfig(cfg models.WorkflowConfig) Options {
	if cfg.PerItemTimeout > 0 {
		o.PerItemTimeout = cfg.PerItemTimeout
	}
	if cfg.MaxAttempts > 0 {
		o.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.ClarificationTimeout > 0 {
		o.ClarificationTimeout = cfg.ClarificationTimeout
	}
	if cfg.PassThreshold > 0 {
		o.PassThreshold = cfg.PassThreshold
	}
	if len(cfg.MaxConcurrentPerPhase) > 0 {
		merged := make(map[models.Phase]int, len(o.MaxConcurrentPerPhase))
		for p, n := range o.MaxConcurrentPerPhase {
			merged[p] = n
		}
		for p, n := range cfg.MaxConcurrentPerPhase {
			if n > 0 {
				merged[p] = n
			}
		}
		o.MaxConcurrentPerPhase = merged
	}
	return o
}

func (o Options) poolFor(phase models.Phase) PoolOptions {
	ceiling := o.MaxConcurrentPerPhase[phase]
	if ceiling < 1 {
		ceiling = 1
	}
	return PoolOptions{
		MaxConcurrent:  ceiling,
		PerItemTimeout: o.PerItemTimeout,
		MaxAttempts:    o.MaxAttempts,
		RetryDelay:     o.RetryDelay,
	}
}

// Submission is one caller batch: raw documents to mine, pre-authored
// items, or both.
type Submission struct {
	CorrelationID string
	TenantID      string
	Documents     []*models.RequirementDocument
	Items         []*models.RequirementItem
	Config        models.WorkflowConfig
}

// Orchestrator sequences delegators through the phase state machine,
// carries the requirement set between phases, escalates to the
// clarification gate, and owns the scoped registry of active runs.
type Orchestrator struct {
	mu   sync.Mutex
	runs map[string]*activeRun

	hub       *events.Hub
	gate      *Gate
	delegator *Delegator
	caps      capability.Client
	store     Archiver
	logger    Logger
	defaults  Options
}

type activeRun struct {
	// mu guards the run's fields and the items it holds. Phase workers
	// append history and rewrite item text while Status snapshots the run.
	mu     sync.Mutex
	run    *models.WorkflowRun
	docs   []*models.RequirementDocument
	opts   Options
	cancel context.CancelFunc
	done   chan struct{}
}

// snapshot deep-copies the run so callers can read and marshal it while
// phase workers are still writing it.
func (ar *activeRun) snapshot() *models.WorkflowRun {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	run := *ar.run
	run.Items = make([]*models.RequirementItem, len(ar.run.Items))
	for i, item := range ar.run.Items {
		cp := *item
		if item.Score != nil {
			score := *item.Score
			cp.Score = &score
		}
		cp.History = append([]models.PhaseOutcome(nil), item.History...)
		run.Items[i] = &cp
	}
	return &run
}

// NewOrchestrator wires the workflow service. store may be nil when no
// archive is configured (tests, ephemeral deployments).
func NewOrchestrator(hub *events.Hub, delegator *Delegator, caps capability.Client, store Archiver, logger Logger, defaults Options) *Orchestrator {
	return &Orchestrator{
		runs:      make(map[string]*activeRun),
		hub:       hub,
		gate:      NewGate(),
		delegator: delegator,
		caps:      caps,
		store:     store,
		logger:    logger,
		defaults:  defaults,
	}
}

// Submit accepts a batch and starts its run, returning the run's
// correlation id (generated when the submission carries none). A
// correlation id with an active run is rejected with ErrDuplicateRun; ids
// of archived (terminal, dropped) runs may be reused.
func (s *Orchestrator) Submit(sub Submission) (string, error) {
	if sub.CorrelationID == "" {
		sub.CorrelationID = uuid.New().String()
	}
	if len(sub.Documents) == 0 && len(sub.Items) == 0 {
		return "", Fatal(fmt.Errorf("submission %s has no documents and no items", sub.CorrelationID))
	}
	if err := assignIDs(sub); err != nil {
		return "", err
	}

	run := &models.WorkflowRun{
		CorrelationID: sub.CorrelationID,
		TenantID:      sub.TenantID,
		Phase:         models.PhasePending,
		Items:         sub.Items,
		StartedAt:     time.Now().UTC(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{
		run:    run,
		docs:   sub.Documents,
		opts:   s.defaults.withConfig(sub.Config),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if _, exists := s.runs[sub.CorrelationID]; exists {
		s.mu.Unlock()
		cancel()
		return "", ErrDuplicateRun
	}
	s.runs[sub.CorrelationID] = ar
	s.mu.Unlock()

	s.logger.Info("workflow accepted",
		"correlation_id", sub.CorrelationID,
		"documents", len(sub.Documents),
		"items", len(sub.Items),
	)
	go s.execute(ctx, ar)
	return sub.CorrelationID, nil
}

// assignIDs backfills missing document and item ids and rejects duplicates.
// The pool keys results by id, so a collision would double one slot and
// silently drop another.
func assignIDs(sub Submission) error {
	docIDs := make(map[string]struct{}, len(sub.Documents))
	for _, doc := range sub.Documents {
		if doc.ID == "" {
			doc.ID = uuid.New().String()
		}
		if _, dup := docIDs[doc.ID]; dup {
			return Fatal(fmt.Errorf("duplicate document id %q in submission %s", doc.ID, sub.CorrelationID))
		}
		docIDs[doc.ID] = struct{}{}
	}
	itemIDs := make(map[string]struct{}, len(sub.Items))
	for _, item := range sub.Items {
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		if _, dup := itemIDs[item.ID]; dup {
			return Fatal(fmt.Errorf("duplicate item id %q in submission %s", item.ID, sub.CorrelationID))
		}
		itemIDs[item.ID] = struct{}{}
	}
	return nil
}

// tenantFrom pulls the tenant id the auth middleware injected. Live-run
// lookups are scoped to it the same way the archive queries are.
func tenantFrom(ctx context.Context) string {
	if id, ok := ctx.Value("tenant_id").(string); ok {
		return id
	}
	return ""
}

// lookup resolves a correlation id for the calling tenant. A run owned by
// another tenant is indistinguishable from a missing one.
func (s *Orchestrator) lookup(ctx context.Context, correlationID string) (*activeRun, error) {
	s.mu.Lock()
	ar, ok := s.runs[correlationID]
	s.mu.Unlock()
	if !ok || ar.run.TenantID != tenantFrom(ctx) {
		return nil, ErrRunNotFound
	}
	return ar, nil
}

// Cancel requests cooperative cancellation of an active run. In-flight
// delegators observe it within one item-timeout window.
func (s *Orchestrator) Cancel(ctx context.Context, correlationID string) error {
	ar, err := s.lookup(ctx, correlationID)
	if err != nil {
		return err
	}
	ar.mu.Lock()
	terminal := ar.run.Phase.Terminal()
	ar.mu.Unlock()
	if terminal {
		return ErrRunNotFound
	}
	ar.cancel()
	return nil
}

// Answer resolves a pending clarification question for a run.
func (s *Orchestrator) Answer(ctx context.Context, correlationID, questionID, value string) error {
	if _, err := s.lookup(ctx, correlationID); err != nil {
		return err
	}
	return s.gate.Answer(correlationID, questionID, value)
}

// Status returns a point-in-time copy of an active or recently finished
// run. The copy shares nothing mutable with the phase workers, so callers
// can marshal it while the run executes.
func (s *Orchestrator) Status(ctx context.Context, correlationID string) (*models.WorkflowRun, error) {
	ar, err := s.lookup(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	return ar.snapshot(), nil
}

// Subscribe attaches to a run's event stream (replay plus live events).
func (s *Orchestrator) Subscribe(ctx context.Context, correlationID string) (<-chan models.WorkflowEvent, func(), error) {
	if _, err := s.lookup(ctx, correlationID); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.hub.Subscribe(correlationID)
	return ch, cancel, nil
}

// execute drives one run through the state machine. The next phase is
// computed purely from the previous PhaseResult; cancellation and phase
// exhaustion are the only conditions that abort the whole run.
func (s *Orchestrator) execute(ctx context.Context, ar *activeRun) {
	run := ar.run
	handlers := &handlerSet{
		caps:          s.caps,
		passThreshold: ar.opts.PassThreshold,
		searchTopK:    ar.opts.SearchTopK,
		guard:         &ar.mu,
	}

	var result *models.PhaseResult
	for {
		if ctx.Err() != nil {
			s.finish(ar, models.PhaseFailed, (&CancelledError{CorrelationID: run.CorrelationID}).Error())
			return
		}

		next := NextPhase(run.Phase, result)
		s.transition(ar, next, result)
		if next.Terminal() {
			reason := ""
			if next == models.PhaseFailed && result != nil {
				reason = (&PhaseExhaustedError{Phase: result.Phase, Total: result.Stats.Total}).Error()
			}
			s.finish(ar, next, reason)
			return
		}

		result = s.runPhase(ctx, ar, next, handlers)
		if ctx.Err() != nil {
			s.finish(ar, models.PhaseFailed, (&CancelledError{CorrelationID: run.CorrelationID}).Error())
			return
		}
		if next == models.PhaseMining && len(run.Items) == 0 {
			s.finish(ar, models.PhaseFailed, "no requirement items after mining")
			return
		}
	}
}

func (s *Orchestrator) runPhase(ctx context.Context, ar *activeRun, phase models.Phase, handlers *handlerSet) *models.PhaseResult {
	run := ar.run
	opts := ar.opts.poolFor(phase)

	switch phase {
	case models.PhaseMining:
		return s.runMining(ctx, ar, opts)
	case models.PhaseKGBuild:
		if _, err := s.caps.BuildGraph(ctx, run.Items); err != nil {
			s.logger.Warn("knowledge graph build failed, linking against existing graph",
				"correlation_id", run.CorrelationID, "error", err)
		}
		return s.delegator.RunPhase(ctx, run.CorrelationID, phase, run.Items, handlers.link, opts, &ar.mu)
	case models.PhaseValidating:
		return s.delegator.RunPhase(ctx, run.CorrelationID, phase, run.Items, handlers.validate, opts, &ar.mu)
	case models.PhaseRewriting:
		return s.delegator.RunPhase(ctx, run.CorrelationID, phase, run.Items, handlers.rewrite, opts, &ar.mu)
	case models.PhaseQAReview:
		return s.delegator.RunPhase(ctx, run.CorrelationID, phase, run.Items, handlers.review, opts, &ar.mu)
	case models.PhaseClarification:
		return s.runClarification(ctx, ar)
	default:
		return &models.PhaseResult{Phase: phase, Outcomes: map[string]models.PhaseOutcome{}}
	}
}

// runMining mines submitted documents into requirement items and appends
// them to any caller-authored items.
func (s *Orchestrator) runMining(ctx context.Context, ar *activeRun, opts PoolOptions) *models.PhaseResult {
	run := ar.run

	mine := func(ctx context.Context, doc *models.RequirementDocument) ([]*models.RequirementItem, error) {
		return s.caps.Mine(ctx, doc.Content)
	}
	result, mined := s.delegator.RunMining(ctx, run.CorrelationID, ar.docs, mine, opts)

	ar.mu.Lock()
	seen := make(map[string]struct{}, len(run.Items)+len(mined))
	for _, item := range run.Items {
		seen[item.ID] = struct{}{}
	}
	for _, item := range mined {
		// Miners may return items without ids or re-echo one we already
		// hold; either way the item gets a fresh unique id.
		if _, dup := seen[item.ID]; item.ID == "" || dup {
			item.ID = uuid.New().String()
		}
		seen[item.ID] = struct{}{}
	}
	run.Items = append(run.Items, mined...)
	ar.mu.Unlock()
	return result
}

// runClarification opens one question per flagged item and waits for all of
// them. Questions for overlapping issues are independent instances; each is
// resolved exactly once by a human answer, the timeout default, or run
// cancellation.
func (s *Orchestrator) runClarification(ctx context.Context, ar *activeRun) *models.PhaseResult {
	run := ar.run
	agg := NewAggregator(models.PhaseClarification)

	var flagged []*models.RequirementItem
	for _, item := range run.Items {
		if item.Verdict == models.VerdictFail {
			flagged = append(flagged, item)
		}
	}

	var wg sync.WaitGroup
	for _, item := range flagged {
		question := models.ClarificationQuestion{
			QuestionID:    uuid.New().String(),
			CorrelationID: run.CorrelationID,
			ItemID:        item.ID,
			Prompt:        fmt.Sprintf("Requirement %q scored below the pass threshold. Accept as-is or reject for manual review?", item.Text),
			Options:       []string{"accept", "reject"},
			CreatedAt:     time.Now().UTC(),
		}
		s.hub.Publish(run.CorrelationID, models.EventQuestion, question)

		wg.Add(1)
		go func(item *models.RequirementItem, question models.ClarificationQuestion) {
			defer wg.Done()

			answer, err := s.gate.Ask(ctx, question, ar.opts.ClarificationTimeout)
			if err != nil {
				agg.Add(item.ID, models.PhaseOutcome{
					Phase:    models.PhaseClarification,
					Verdict:  models.VerdictError,
					Detail:   err.Error(),
					Attempts: 1,
				})
				return
			}

			outcome := models.PhaseOutcome{Phase: models.PhaseClarification, Attempts: 1}
			if answer.Value == "accept" {
				outcome.Verdict = models.VerdictPass
				outcome.Detail = "accepted by reviewer"
			} else {
				outcome.Verdict = models.VerdictFail
				outcome.Detail = "routed to manual review"
				if answer.Escalated {
					outcome.Detail = "clarification timed out, routed to manual review"
				}
			}
			ar.mu.Lock()
			item.Verdict = outcome.Verdict
			item.History = append(item.History, outcome)
			ar.mu.Unlock()
			agg.Add(item.ID, outcome)
		}(item, question)
	}
	wg.Wait()

	return agg.Result()
}

// transition records a phase change and publishes it as a workflow_status
// event with the finished phase's stats.
func (s *Orchestrator) transition(ar *activeRun, next models.Phase, result *models.PhaseResult) {
	run := ar.run

	ar.mu.Lock()
	from := run.Phase
	run.Phase = next
	ar.mu.Unlock()

	payload := models.StatusPayload{From: from, To: next}
	if result != nil {
		stats := result.Stats
		payload.Stats = &stats
	}
	s.hub.Publish(run.CorrelationID, models.EventWorkflowStatus, payload)
	s.logger.Debug("phase transition", "correlation_id", run.CorrelationID, "from", from, "to", next)
}

// finish moves the run to its terminal state, publishes the workflow_result
// event, archives the run, and schedules the registry drop. Every failure
// mode ends here: the caller always gets a deterministic answer.
func (s *Orchestrator) finish(ar *activeRun, terminal models.Phase, reason string) {
	run := ar.run
	now := time.Now().UTC()

	ar.mu.Lock()
	from := run.Phase
	run.Phase = terminal
	run.FailureReason = reason
	run.EndedAt = &now
	ar.mu.Unlock()

	if from != terminal {
		s.hub.Publish(run.CorrelationID, models.EventWorkflowStatus, models.StatusPayload{From: from, To: terminal})
	}
	s.hub.Publish(run.CorrelationID, models.EventWorkflowResult, models.ResultPayload{
		Phase:         terminal,
		FailureReason: reason,
		Items:         run.Items,
	})

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.store.SaveRun(ctx, run); err != nil {
			s.logger.Error("failed to archive run", "correlation_id", run.CorrelationID, "error", err)
		}
	}

	s.gate.Drop(run.CorrelationID)
	s.hub.Complete(run.CorrelationID)
	close(ar.done)
	s.logger.Info("workflow finished",
		"correlation_id", run.CorrelationID,
		"phase", terminal,
		"reason", reason,
	)

	time.AfterFunc(ar.opts.RegistryGrace, func() {
		s.mu.Lock()
		delete(s.runs, run.CorrelationID)
		s.mu.Unlock()
	})
}

// Wait blocks until the run reaches a terminal state. The MCP submit tool's
// wait mode and the tests use it.
func (s *Orchestrator) Wait(ctx context.Context, correlationID string) error {
	ar, err := s.lookup(ctx, correlationID)
	if err != nil {
		return err
	}
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
