package workflow

import (
	"reqflow/backend/pkg/models"
)

// NextPhase is the pipeline transition function. It is pure: the next state
// depends only on the finished phase and its PhaseResult, never on external
// signals, so the pipeline is deterministic given identical inputs and
// identical handler outputs.
//
//	Pending → Mining → KGBuild → Validating → [Rewriting iff failed>0]
//	        → QAReview → [Clarification iff flagged] → Completed
//
// A phase in which every item errored escalates to Failed.
func NextPhase(current models.Phase, result *models.PhaseResult) models.Phase {
	if current.Terminal() {
		return current
	}
	if result != nil && result.Stats.Total > 0 && result.Stats.Errored == result.Stats.Total {
		return models.PhaseFailed
	}

	switch current {
	case models.PhasePending:
		return models.PhaseMining
	case models.PhaseMining:
		return models.PhaseKGBuild
	case models.PhaseKGBuild:
		return models.PhaseValidating
	case models.PhaseValidating:
		if result != nil && result.Stats.Failed > 0 {
			return models.PhaseRewriting
		}
		return models.PhaseQAReview
	case models.PhaseRewriting:
		return models.PhaseQAReview
	case models.PhaseQAReview:
		if result != nil && result.Stats.Failed > 0 {
			return models.PhaseClarification
		}
		return models.PhaseCompleted
	case models.PhaseClarification:
		return models.PhaseCompleted
	default:
		return models.PhaseFailed
	}
}
