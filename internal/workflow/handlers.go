package workflow

import (
	"context"
	"fmt"
	"sync"

	"reqflow/backend/internal/capability"
	"reqflow/backend/pkg/models"
)

// handlerSet builds the per-phase ItemHandlers over the capability client.
// Each handler is the single owner of its item for the duration of the
// invocation and touches no sibling items; guard serializes the rewrite
// handler's text swap with concurrent run snapshots.
type handlerSet struct {
	caps          capability.Client
	passThreshold float64
	searchTopK    int
	guard         sync.Locker
}

// link annotates an item with its knowledge-graph neighbours. The graph
// itself is built once per batch before the pool runs.
func (h *handlerSet) link(ctx context.Context, item *models.RequirementItem) (models.PhaseOutcome, error) {
	hits, err := h.caps.Search(ctx, item.Text, h.searchTopK)
	if err != nil {
		return models.PhaseOutcome{}, err
	}

	related := 0
	for _, hit := range hits {
		if hit.ItemID != item.ID {
			related++
		}
	}
	return models.PhaseOutcome{
		Verdict: models.VerdictPass,
		Detail:  fmt.Sprintf("linked %d related requirements", related),
	}, nil
}

// validate scores the item and judges it against the pass threshold.
func (h *handlerSet) validate(ctx context.Context, item *models.RequirementItem) (models.PhaseOutcome, error) {
	eval, err := h.caps.Evaluate(ctx, item.Text)
	if err != nil {
		return models.PhaseOutcome{}, err
	}
	return h.judge(eval), nil
}

// rewrite improves an item that failed validation and re-evaluates the new
// text. Items that already pass are carried through untouched.
func (h *handlerSet) rewrite(ctx context.Context, item *models.RequirementItem) (models.PhaseOutcome, error) {
	if item.Verdict == models.VerdictPass {
		return models.PhaseOutcome{
			Verdict: models.VerdictPass,
			Score:   item.Score,
			Detail:  "passed validation, unchanged",
		}, nil
	}

	atoms, err := h.caps.Suggest(ctx, item.Text)
	if err != nil {
		return models.PhaseOutcome{}, err
	}
	rewritten, err := h.caps.Rewrite(ctx, item.Text, atoms)
	if err != nil {
		return models.PhaseOutcome{}, err
	}
	eval, err := h.caps.Evaluate(ctx, rewritten)
	if err != nil {
		return models.PhaseOutcome{}, err
	}

	outcome := h.judge(eval)
	h.guard.Lock()
	if item.Score == nil || eval.Score > *item.Score {
		item.Text = rewritten
		outcome.Improved = true
		outcome.Detail = "rewritten from suggestions"
	} else {
		outcome.Detail = "rewrite did not improve score, kept original"
	}
	h.guard.Unlock()
	return outcome, nil
}

// review is the QA pass: a fresh evaluation flags items still below the
// threshold for clarification.
func (h *handlerSet) review(ctx context.Context, item *models.RequirementItem) (models.PhaseOutcome, error) {
	eval, err := h.caps.Evaluate(ctx, item.Text)
	if err != nil {
		return models.PhaseOutcome{}, err
	}
	outcome := h.judge(eval)
	if outcome.Verdict == models.VerdictFail {
		outcome.Detail = "below pass threshold, needs clarification"
	}
	return outcome, nil
}

func (h *handlerSet) judge(eval *capability.Evaluation) models.PhaseOutcome {
	score := eval.Score
	verdict := models.VerdictFail
	if score >= h.passThreshold {
		verdict = models.VerdictPass
	}
	return models.PhaseOutcome{
		Score:   &score,
		Verdict: verdict,
		Detail:  eval.Verdict,
	}
}
