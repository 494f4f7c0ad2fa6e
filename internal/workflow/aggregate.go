package workflow

import (
	"sync"

	"reqflow/backend/pkg/models"
)

// Aggregator merges per-item outcomes into phase statistics in a single
// pass. It is safe for concurrent Add calls from pool workers; counters are
// O(1) and the average score is a running mean over non-error outcomes,
// which stays numerically stable without a separate sum pass.
type Aggregator struct {
	mu       sync.Mutex
	phase    models.Phase
	outcomes map[string]models.PhaseOutcome
	stats    models.PhaseStats
	scored   int
}

// NewAggregator creates an aggregator for one phase run.
func NewAggregator(phase models.Phase) *Aggregator {
	return &Aggregator{
		phase:    phase,
		outcomes: make(map[string]models.PhaseOutcome),
	}
}

// Add records the outcome for one item id. Aggregation is idempotent per
// id: a second Add for the same id replaces the first and the counters are
// adjusted, so re-delivered results cannot inflate the stats.
func (a *Aggregator) Add(id string, outcome models.PhaseOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.outcomes[id]; ok {
		a.remove(prev)
	}
	a.outcomes[id] = outcome
	a.stats.Total = len(a.outcomes)

	switch outcome.Verdict {
	case models.VerdictPass:
		a.stats.Passed++
	case models.VerdictFail:
		a.stats.Failed++
	default:
		a.stats.Errored++
	}
	if outcome.Improved {
		a.stats.Improved++
	}
	if outcome.Verdict != models.VerdictError && outcome.Score != nil {
		a.scored++
		a.stats.AvgScore += (*outcome.Score - a.stats.AvgScore) / float64(a.scored)
	}
}

// remove backs one outcome out of the counters. Caller holds the lock.
func (a *Aggregator) remove(outcome models.PhaseOutcome) {
	switch outcome.Verdict {
	case models.VerdictPass:
		a.stats.Passed--
	case models.VerdictFail:
		a.stats.Failed--
	default:
		a.stats.Errored--
	}
	if outcome.Improved {
		a.stats.Improved--
	}
	if outcome.Verdict != models.VerdictError && outcome.Score != nil {
		// Rebuild the mean without the removed sample.
		if a.scored == 1 {
			a.stats.AvgScore = 0
			a.scored = 0
		} else {
			total := a.stats.AvgScore * float64(a.scored)
			a.scored--
			a.stats.AvgScore = (total - *outcome.Score) / float64(a.scored)
		}
	}
}

// Snapshot returns the running counters for progress reporting.
func (a *Aggregator) Snapshot() models.PhaseStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Result finalizes the phase. The returned PhaseResult owns its outcome map
// and is immutable from the caller's point of view.
func (a *Aggregator) Result() *models.PhaseResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	outcomes := make(map[string]models.PhaseOutcome, len(a.outcomes))
	for id, o := range a.outcomes {
		outcomes[id] = o
	}
	return &models.PhaseResult{
		Phase:    a.phase,
		Outcomes: outcomes,
		Stats:    a.stats,
	}
}
