package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"reqflow/backend/internal/capability"
	"reqflow/backend/internal/events"
	"reqflow/backend/pkg/models"
)

type testLogger struct{}

func (testLogger) Debug(msg string, args ...any) {}
func (testLogger) Info(msg string, args ...any)  {}
func (testLogger) Warn(msg string, args ...any)  {}
func (testLogger) Error(msg string, args ...any) {}

// fakeCaps is a deterministic capability client: scores come from a text
// lookup table and everything else is canned.
type fakeCaps struct {
	mu           sync.Mutex
	scores       map[string]float64
	defaultScore float64
	mined        map[string][]*models.RequirementItem
	evaluate     func(ctx context.Context, text string) (*capability.Evaluation, error)
}

func (f *fakeCaps) Evaluate(ctx context.Context, text string) (*capability.Evaluation, error) {
	if f.evaluate != nil {
		return f.evaluate(ctx, text)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.scores[text]
	if !ok {
		s = f.defaultScore
	}
	return &capability.Evaluation{Score: s, Verdict: "scored"}, nil
}

func (f *fakeCaps) Suggest(ctx context.Context, text string) ([]capability.Atom, error) {
	return []capability.Atom{{Kind: "clarify", Text: "add a measurable bound"}}, nil
}

func (f *fakeCaps) Rewrite(ctx context.Context, text string, atoms []capability.Atom) (string, error) {
	return text + " (clarified)", nil
}

func (f *fakeCaps) Mine(ctx context.Context, document string) ([]*models.RequirementItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.mined[document]
	out := make([]*models.RequirementItem, len(items))
	for i, it := range items {
		cp := *it
		out[i] = &cp
	}
	return out, nil
}

func (f *fakeCaps) BuildGraph(ctx context.Context, items []*models.RequirementItem) (*capability.Graph, error) {
	return &capability.Graph{Nodes: len(items)}, nil
}

func (f *fakeCaps) Search(ctx context.Context, query string, topK int) ([]capability.Hit, error) {
	return nil, nil
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.PerItemTimeout = 2 * time.Second
	opts.RetryDelay = time.Millisecond
	opts.ClarificationTimeout = 5 * time.Second
	opts.RegistryGrace = time.Minute
	return opts
}

func newTestOrchestrator(t *testing.T, caps capability.Client, opts Options) *Orchestrator {
	t.Helper()
	hub := events.NewHub(1000, time.Minute)
	logger := testLogger{}
	delegator := NewDelegator(hub, logger, noop.NewMeterProvider().Meter("test"))
	return NewOrchestrator(hub, delegator, caps, nil, logger, opts)
}

func items(texts ...string) []*models.RequirementItem {
	out := make([]*models.RequirementItem, len(texts))
	for i, text := range texts {
		out[i] = &models.RequirementItem{ID: fmt.Sprintf("req-%d", i+1), Text: text}
	}
	return out
}

func mustSubmit(t *testing.T, orch *Orchestrator, sub Submission) {
	t.Helper()
	_, err := orch.Submit(sub)
	require.NoError(t, err)
}

func waitTerminal(t *testing.T, orch *Orchestrator, correlationID string) *models.WorkflowRun {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, orch.Wait(ctx, correlationID))
	run, err := orch.Status(context.Background(), correlationID)
	require.NoError(t, err)
	return run
}

func TestOrchestrator_HappyPathCompletes(t *testing.T) {
	caps := &fakeCaps{defaultScore: 0.9}
	orch := newTestOrchestrator(t, caps, testOptions())

	mustSubmit(t, orch, Submission{
		CorrelationID: "run-happy",
		Items:         items("The API must respond within 200ms", "All writes are audit logged"),
	})

	run := waitTerminal(t, orch, "run-happy")
	assert.Equal(t, models.PhaseCompleted, run.Phase)
	assert.Empty(t, run.FailureReason)
	require.NotNil(t, run.EndedAt)
	for _, item := range run.Items {
		assert.Equal(t, models.VerdictPass, item.Verdict)
		require.NotNil(t, item.Score)
		assert.InDelta(t, 0.9, *item.Score, 1e-9)
		assert.NotEmpty(t, item.History)
	}
}

func TestOrchestrator_EventStreamOrderedWithSingleResult(t *testing.T) {
	caps := &fakeCaps{defaultScore: 0.9}
	orch := newTestOrchestrator(t, caps, testOptions())

	mustSubmit(t, orch, Submission{
		CorrelationID: "run-events",
		Items:         items("One requirement"),
	})

	ch, cancel, err := orch.Subscribe(context.Background(), "run-events")
	require.NoError(t, err)
	defer cancel()

	waitTerminal(t, orch, "run-events")

	var last uint64
	var results int
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			require.Equal(t, last+1, ev.Sequence, "event stream must be gap-free")
			last = ev.Sequence
			if ev.Kind == models.EventWorkflowResult {
				results++
				var payload models.ResultPayload
				require.NoError(t, json.Unmarshal(ev.Payload, &payload))
				assert.Equal(t, models.PhaseCompleted, payload.Phase)
				assert.Equal(t, 1, results, "workflow_result must be published exactly once")
				return
			}
		case <-deadline:
			t.Fatal("no workflow_result event")
		}
	}
}

func TestOrchestrator_MinesDocumentsIntoItems(t *testing.T) {
	caps := &fakeCaps{
		defaultScore: 0.9,
		mined: map[string][]*models.RequirementItem{
			"doc body": {
				{Text: "The service must retry failed payments once"},
				{Text: "Orders are archived after 90 days"},
			},
		},
	}
	orch := newTestOrchestrator(t, caps, testOptions())

	mustSubmit(t, orch, Submission{
		CorrelationID: "run-mining",
		Documents:     []*models.RequirementDocument{{ID: "doc-1", Content: "doc body"}},
	})

	run := waitTerminal(t, orch, "run-mining")
	assert.Equal(t, models.PhaseCompleted, run.Phase)
	require.Len(t, run.Items, 2)
	for _, item := range run.Items {
		assert.NotEmpty(t, item.ID, "mined items must get ids")
		assert.Equal(t, "doc-1", item.SourceRef)
		assert.Equal(t, models.VerdictPass, item.Verdict)
	}
}

func TestOrchestrator_EmptyDocumentYieldsFailure(t *testing.T) {
	caps := &fakeCaps{defaultScore: 0.9, mined: map[string][]*models.RequirementItem{}}
	orch := newTestOrchestrator(t, caps, testOptions())

	mustSubmit(t, orch, Submission{
		CorrelationID: "run-empty-doc",
		Documents:     []*models.RequirementDocument{{ID: "doc-1", Content: "nothing in here"}},
	})

	run := waitTerminal(t, orch, "run-empty-doc")
	assert.Equal(t, models.PhaseFailed, run.Phase)
	assert.Contains(t, run.FailureReason, "no requirement items")
}

func TestOrchestrator_ClarificationAnswerResumesRun(t *testing.T) {
	// Both items stay below the threshold through rewriting, so QA flags
	// them and the run suspends on two independent questions.
	caps := &fakeCaps{
		defaultScore: 0.9,
		scores: map[string]float64{
			"vague req one":              0.2,
			"vague req one (clarified)":  0.2,
			"vague req two":              0.3,
			"vague req two (clarified)":  0.3,
		},
	}
	orch := newTestOrchestrator(t, caps, testOptions())

	mustSubmit(t, orch, Submission{
		CorrelationID: "run-clarify",
		Items:         items("vague req one", "vague req two"),
	})

	ch, cancel, err := orch.Subscribe(context.Background(), "run-clarify")
	require.NoError(t, err)
	defer cancel()

	// Collect both question events.
	questions := make(map[string]models.ClarificationQuestion)
	deadline := time.After(5 * time.Second)
	for len(questions) < 2 {
		select {
		case ev := <-ch:
			if ev.Kind == models.EventQuestion {
				var q models.ClarificationQuestion
				require.NoError(t, json.Unmarshal(ev.Payload, &q))
				questions[q.ItemID] = q
			}
		case <-deadline:
			t.Fatalf("only saw %d question events", len(questions))
		}
	}

	q1 := questions["req-1"]
	q2 := questions["req-2"]

	require.NoError(t, orch.Answer(context.Background(), "run-clarify", q1.QuestionID, "accept"))
	// The first answer wins; a second one is rejected while the run still waits on q2.
	assert.ErrorIs(t, orch.Answer(context.Background(), "run-clarify", q1.QuestionID, "reject"), ErrAlreadyAnswered)
	require.NoError(t, orch.Answer(context.Background(), "run-clarify", q2.QuestionID, "reject"))

	run := waitTerminal(t, orch, "run-clarify")
	assert.Equal(t, models.PhaseCompleted, run.Phase)

	byID := make(map[string]*models.RequirementItem)
	for _, item := range run.Items {
		byID[item.ID] = item
	}
	assert.Equal(t, models.VerdictPass, byID["req-1"].Verdict)
	assert.Equal(t, models.VerdictFail, byID["req-2"].Verdict)
}

func TestOrchestrator_ClarificationTimeoutEscalates(t *testing.T) {
	caps := &fakeCaps{
		defaultScore: 0.9,
		scores: map[string]float64{
			"unanswerable req":             0.2,
			"unanswerable req (clarified)": 0.2,
		},
	}
	opts := testOptions()
	opts.ClarificationTimeout = 50 * time.Millisecond
	orch := newTestOrchestrator(t, caps, opts)

	mustSubmit(t, orch, Submission{
		CorrelationID: "run-timeout",
		Items:         items("unanswerable req"),
	})

	run := waitTerminal(t, orch, "run-timeout")
	assert.Equal(t, models.PhaseCompleted, run.Phase)
	require.Len(t, run.Items, 1)
	item := run.Items[0]
	assert.Equal(t, models.VerdictFail, item.Verdict)

	lastOutcome := item.History[len(item.History)-1]
	assert.Contains(t, lastOutcome.Detail, "timed out")
}

func TestOrchestrator_DuplicateCorrelationIDRejected(t *testing.T) {
	caps := &fakeCaps{defaultScore: 0.9}
	orch := newTestOrchestrator(t, caps, testOptions())

	sub := Submission{CorrelationID: "run-dup", Items: items("a requirement")}
	mustSubmit(t, orch, sub)
	_, err := orch.Submit(sub)
	assert.ErrorIs(t, err, ErrDuplicateRun)

	waitTerminal(t, orch, "run-dup")
	// Still rejected while the terminal run sits in the registry grace window.
	_, err = orch.Submit(sub)
	assert.ErrorIs(t, err, ErrDuplicateRun)
}

func TestOrchestrator_EmptySubmissionRejected(t *testing.T) {
	orch := newTestOrchestrator(t, &fakeCaps{defaultScore: 0.9}, testOptions())

	_, err := orch.Submit(Submission{CorrelationID: "run-nothing"})
	require.Error(t, err)
	assert.False(t, IsTransient(err))

	_, statusErr := orch.Status(context.Background(), "run-nothing")
	assert.ErrorIs(t, statusErr, ErrRunNotFound)
}

func TestOrchestrator_CancelStopsRun(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	caps := &fakeCaps{
		evaluate: func(ctx context.Context, text string) (*capability.Evaluation, error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	orch := newTestOrchestrator(t, caps, testOptions())

	mustSubmit(t, orch, Submission{
		CorrelationID: "run-cancel",
		Items:         items("a requirement"),
	})

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached validation")
	}
	require.NoError(t, orch.Cancel(context.Background(), "run-cancel"))

	run := waitTerminal(t, orch, "run-cancel")
	assert.Equal(t, models.PhaseFailed, run.Phase)
	assert.Contains(t, run.FailureReason, "cancelled")

	// A terminal run cannot be cancelled again.
	assert.ErrorIs(t, orch.Cancel(context.Background(), "run-cancel"), ErrRunNotFound)
}

func TestOrchestrator_CancelUnknownRun(t *testing.T) {
	orch := newTestOrchestrator(t, &fakeCaps{defaultScore: 0.9}, testOptions())
	assert.ErrorIs(t, orch.Cancel(context.Background(), "no-such-run"), ErrRunNotFound)
}

func TestOrchestrator_AllItemsErroredFailsRun(t *testing.T) {
	caps := &fakeCaps{
		evaluate: func(ctx context.Context, text string) (*capability.Evaluation, error) {
			return nil, Fatal(errors.New("model rejected the input"))
		},
	}
	orch := newTestOrchestrator(t, caps, testOptions())

	mustSubmit(t, orch, Submission{
		CorrelationID: "run-exhausted",
		Items:         items("req a", "req b"),
	})

	run := waitTerminal(t, orch, "run-exhausted")
	assert.Equal(t, models.PhaseFailed, run.Phase)
	assert.True(t, strings.Contains(run.FailureReason, "exhausted"), run.FailureReason)
}

func TestOrchestrator_PartialErrorsStillComplete(t *testing.T) {
	caps := &fakeCaps{
		evaluate: func(ctx context.Context, text string) (*capability.Evaluation, error) {
			if text == "poison" {
				return nil, Fatal(errors.New("model rejected the input"))
			}
			return &capability.Evaluation{Score: 0.9, Verdict: "scored"}, nil
		},
	}
	orch := newTestOrchestrator(t, caps, testOptions())

	mustSubmit(t, orch, Submission{
		CorrelationID: "run-partial",
		Items:         items("poison", "a fine requirement"),
	})

	run := waitTerminal(t, orch, "run-partial")
	assert.Equal(t, models.PhaseCompleted, run.Phase)

	byText := make(map[string]*models.RequirementItem)
	for _, item := range run.Items {
		byText[item.Text] = item
	}
	assert.Equal(t, models.VerdictPass, byText["a fine requirement"].Verdict)
	// The poisoned item keeps its error history without sinking the batch.
	require.NotEmpty(t, byText["poison"].History)
}

func TestOrchestrator_GeneratesCorrelationID(t *testing.T) {
	orch := newTestOrchestrator(t, &fakeCaps{defaultScore: 0.9}, testOptions())

	id, err := orch.Submit(Submission{Items: items("a requirement")})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	run := waitTerminal(t, orch, id)
	assert.Equal(t, id, run.CorrelationID)
}

func TestOrchestrator_StatusSnapshotIsDetached(t *testing.T) {
	caps := &fakeCaps{
		defaultScore: 0.9,
		evaluate: func(ctx context.Context, text string) (*capability.Evaluation, error) {
			time.Sleep(2 * time.Millisecond)
			return &capability.Evaluation{Score: 0.9, Verdict: "scored"}, nil
		},
	}
	orch := newTestOrchestrator(t, caps, testOptions())

	texts := make([]string, 8)
	for i := range texts {
		texts[i] = fmt.Sprintf("requirement %d", i)
	}
	mustSubmit(t, orch, Submission{CorrelationID: "run-snapshot", Items: items(texts...)})

	// Poll and marshal snapshots while phase workers are writing the run.
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for {
			run, err := orch.Status(context.Background(), "run-snapshot")
			if err != nil {
				return
			}
			if _, err := json.Marshal(run); err != nil {
				return
			}
			if run.Phase.Terminal() {
				return
			}
		}
	}()

	run := waitTerminal(t, orch, "run-snapshot")
	assert.Equal(t, models.PhaseCompleted, run.Phase)
	select {
	case <-polled:
	case <-time.After(5 * time.Second):
		t.Fatal("status poller never observed the terminal phase")
	}

	// Scribbling over one snapshot must not leak into the next.
	snap, err := orch.Status(context.Background(), "run-snapshot")
	require.NoError(t, err)
	require.NotEmpty(t, snap.Items)
	require.NotEmpty(t, snap.Items[0].History)
	snap.Items[0].Text = "scribbled over"
	snap.Items[0].History[0].Detail = "scribbled over"

	again, err := orch.Status(context.Background(), "run-snapshot")
	require.NoError(t, err)
	assert.NotEqual(t, "scribbled over", again.Items[0].Text)
	assert.NotEqual(t, "scribbled over", again.Items[0].History[0].Detail)
}

func TestOrchestrator_DocumentsWithoutIDsMineIndependently(t *testing.T) {
	caps := &fakeCaps{
		defaultScore: 0.9,
		mined: map[string][]*models.RequirementItem{
			"doc one body": {{Text: "req from doc one"}},
			"doc two body": {{Text: "req from doc two"}},
		},
	}
	orch := newTestOrchestrator(t, caps, testOptions())

	mustSubmit(t, orch, Submission{
		CorrelationID: "run-anon-docs",
		Documents: []*models.RequirementDocument{
			{Content: "doc one body"},
			{Content: "doc two body"},
		},
	})

	run := waitTerminal(t, orch, "run-anon-docs")
	assert.Equal(t, models.PhaseCompleted, run.Phase)
	require.Len(t, run.Items, 2)

	texts := make(map[string]int)
	ids := make(map[string]int)
	for _, item := range run.Items {
		texts[item.Text]++
		ids[item.ID]++
		assert.NotEmpty(t, item.SourceRef, "mined items must point at their document")
	}
	assert.Equal(t, 1, texts["req from doc one"])
	assert.Equal(t, 1, texts["req from doc two"])
	for id, n := range ids {
		assert.Equal(t, 1, n, "item id %s must be unique", id)
	}
}

func TestOrchestrator_DuplicateIDsInSubmissionRejected(t *testing.T) {
	orch := newTestOrchestrator(t, &fakeCaps{defaultScore: 0.9}, testOptions())

	_, err := orch.Submit(Submission{
		CorrelationID: "run-dup-docs",
		Documents: []*models.RequirementDocument{
			{ID: "doc-1", Content: "first"},
			{ID: "doc-1", Content: "second"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate document id")

	_, err = orch.Submit(Submission{
		CorrelationID: "run-dup-items",
		Items: []*models.RequirementItem{
			{ID: "req-1", Text: "first"},
			{ID: "req-1", Text: "second"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate item id")
}

func tenantCtx(id string) context.Context {
	return context.WithValue(context.Background(), "tenant_id", id)
}

func TestOrchestrator_RunsAreTenantScoped(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	caps := &fakeCaps{
		evaluate: func(ctx context.Context, text string) (*capability.Evaluation, error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	orch := newTestOrchestrator(t, caps, testOptions())

	mustSubmit(t, orch, Submission{
		CorrelationID: "run-tenant",
		TenantID:      "tenant-a",
		Items:         items("a requirement"),
	})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached validation")
	}

	// Another tenant cannot observe, cancel or answer the run.
	other := tenantCtx("tenant-b")
	_, err := orch.Status(other, "run-tenant")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, orch.Cancel(other, "run-tenant"), ErrRunNotFound)
	assert.ErrorIs(t, orch.Answer(other, "run-tenant", "q-1", "accept"), ErrRunNotFound)
	_, _, err = orch.Subscribe(other, "run-tenant")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, orch.Wait(other, "run-tenant"), ErrRunNotFound)

	// The owning tenant keeps the full surface.
	owner, cancel := context.WithTimeout(tenantCtx("tenant-a"), 10*time.Second)
	defer cancel()
	_, err = orch.Status(owner, "run-tenant")
	require.NoError(t, err)
	require.NoError(t, orch.Cancel(owner, "run-tenant"))
	require.NoError(t, orch.Wait(owner, "run-tenant"))

	run, err := orch.Status(owner, "run-tenant")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseFailed, run.Phase)
}
