package workflow

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"reqflow/backend/internal/events"
	"reqflow/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ItemHandler runs one phase's capability call for one item. It returns the
// outcome to record, or an error classified transient/fatal for the pool's
// retry policy.
type ItemHandler func(ctx context.Context, item *models.RequirementItem) (models.PhaseOutcome, error)

// Delegator coordinates a single phase run: it owns the task queue, worker
// pool and aggregator for that phase, forwards a progress event after every
// item, and hands back an immutable PhaseResult.
type Delegator struct {
	hub    *events.Hub
	logger Logger

	itemsDone metric.Int64Counter
	retries   metric.Int64Counter
	phaseSecs metric.Float64Histogram
}

// NewDelegator wires a delegator to the event hub and meter.
func NewDelegator(hub *events.Hub, logger Logger, meter metric.Meter) *Delegator {
	d := &Delegator{hub: hub, logger: logger}

	var err error
	if d.itemsDone, err = meter.Int64Counter("workflow.items.completed"); err != nil {
		logger.Warn("failed to create items counter", "error", err)
	}
	if d.retries, err = meter.Int64Counter("workflow.items.retries"); err != nil {
		logger.Warn("failed to create retries counter", "error", err)
	}
	if d.phaseSecs, err = meter.Float64Histogram("workflow.phase.duration_seconds"); err != nil {
		logger.Warn("failed to create phase histogram", "error", err)
	}
	return d
}

// RunPhase fans items into the pool behind the phase's concurrency ceiling
// and aggregates the outcomes. Every input item gets exactly one outcome;
// a worker writes only the slot addressed by its item id. guard serializes
// those writes with concurrent run snapshots.
func (d *Delegator) RunPhase(
	ctx context.Context,
	correlationID string,
	phase models.Phase,
	items []*models.RequirementItem,
	handler ItemHandler,
	opts PoolOptions,
	guard sync.Locker,
) *models.PhaseResult {
	start := time.Now()
	agg := NewAggregator(phase)
	queue := NewTaskQueue(items, func(it *models.RequirementItem) string { return it.ID })

	byID := make(map[string]*models.RequirementItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	poolHandler := func(ctx context.Context, task Task[*models.RequirementItem]) (models.PhaseOutcome, error) {
		return handler(ctx, task.Payload)
	}

	onDone := func(id string, res PoolResult[models.PhaseOutcome]) {
		outcome := res.Value
		if res.Err != nil {
			outcome = models.PhaseOutcome{
				Phase:   phase,
				Verdict: models.VerdictError,
				Detail:  res.Err.Error(),
			}
		}
		outcome.Phase = phase
		outcome.Attempts = res.Attempts

		// The worker that owns this invocation is the only writer of the
		// item's slot for this phase.
		if item := byID[id]; item != nil {
			guard.Lock()
			item.History = append(item.History, outcome)
			if outcome.Verdict != models.VerdictError {
				item.Verdict = outcome.Verdict
				if outcome.Score != nil {
					item.Score = outcome.Score
				}
			}
			guard.Unlock()
		}

		agg.Add(id, outcome)
		d.count(ctx, phase, res.Attempts)
		d.progress(correlationID, phase, id, len(items), agg.Snapshot())
	}

	RunPool(ctx, queue, poolHandler, opts, onDone)

	result := agg.Result()
	if d.phaseSecs != nil {
		d.phaseSecs.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("phase", string(phase))))
	}
	d.logger.Info("phase finished",
		"correlation_id", correlationID,
		"phase", phase,
		"passed", result.Stats.Passed,
		"failed", result.Stats.Failed,
		"errored", result.Stats.Errored,
	)
	return result
}

// RunMining drains documents through the miner and collects the extracted
// items. The phase result is keyed by document id; the returned items are
// ordered by document, then by the miner's extraction order, so identical
// inputs produce an identically ordered batch.
func (d *Delegator) RunMining(
	ctx context.Context,
	correlationID string,
	docs []*models.RequirementDocument,
	mine func(ctx context.Context, doc *models.RequirementDocument) ([]*models.RequirementItem, error),
	opts PoolOptions,
) (*models.PhaseResult, []*models.RequirementItem) {
	start := time.Now()
	agg := NewAggregator(models.PhaseMining)
	queue := NewTaskQueue(docs, func(doc *models.RequirementDocument) string { return doc.ID })

	handler := func(ctx context.Context, task Task[*models.RequirementDocument]) ([]*models.RequirementItem, error) {
		return mine(ctx, task.Payload)
	}

	onDone := func(id string, res PoolResult[[]*models.RequirementItem]) {
		outcome := models.PhaseOutcome{Phase: models.PhaseMining, Verdict: models.VerdictPass, Attempts: res.Attempts}
		if res.Err != nil {
			outcome.Verdict = models.VerdictError
			outcome.Detail = res.Err.Error()
		}
		agg.Add(id, outcome)
		d.count(ctx, models.PhaseMining, res.Attempts)
		d.progress(correlationID, models.PhaseMining, id, len(docs), agg.Snapshot())
	}

	results := RunPool(ctx, queue, handler, opts, onDone)

	var items []*models.RequirementItem
	for _, doc := range docs {
		if res, ok := results[doc.ID]; ok && res.Err == nil {
			for _, item := range res.Value {
				if item.SourceRef == "" {
					item.SourceRef = doc.ID
				}
				items = append(items, item)
			}
		}
	}

	if d.phaseSecs != nil {
		d.phaseSecs.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("phase", string(models.PhaseMining))))
	}
	d.logger.Info("mining finished",
		"correlation_id", correlationID,
		"documents", len(docs),
		"items", len(items),
	)
	return agg.Result(), items
}

func (d *Delegator) count(ctx context.Context, phase models.Phase, attempts int) {
	attrs := metric.WithAttributes(attribute.String("phase", string(phase)))
	if d.itemsDone != nil {
		d.itemsDone.Add(ctx, 1, attrs)
	}
	if d.retries != nil && attempts > 1 {
		d.retries.Add(ctx, int64(attempts-1), attrs)
	}
}

func (d *Delegator) progress(correlationID string, phase models.Phase, itemID string, total int, stats models.PhaseStats) {
	d.hub.Publish(correlationID, models.EventAgentMessage, models.ProgressPayload{
		Phase:     phase,
		ItemID:    itemID,
		Completed: stats.Total,
		Total:     total,
		Passed:    stats.Passed,
		Failed:    stats.Failed,
		Errored:   stats.Errored,
	})
}
