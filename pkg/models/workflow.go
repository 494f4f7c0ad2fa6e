// Package models defines the domain models for the requirements workflow service.
package models

import (
	"time"
)

// Phase identifies one stage of the validation/mining pipeline.
type Phase string

const (
	PhasePending       Phase = "pending"
	PhaseMining        Phase = "mining"
	PhaseKGBuild       Phase = "kg_build"
	PhaseValidating    Phase = "validating"
	PhaseRewriting     Phase = "rewriting"
	PhaseQAReview      Phase = "qa_review"
	PhaseClarification Phase = "clarification"
	PhaseCompleted     Phase = "completed"
	PhaseFailed        Phase = "failed"
)

// Terminal reports whether the phase is a terminal state of the pipeline.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Verdict is the per-item judgement recorded by a phase worker.
type Verdict string

const (
	VerdictPass  Verdict = "pass"
	VerdictFail  Verdict = "fail"
	VerdictError Verdict = "error"
)

// RequirementItem is a single requirement under validation. Workers address
// an item only through its stable ID; the outcome history is append-only and
// written by exactly one worker per (item, phase) pair.
type RequirementItem struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	SourceRef string         `json:"source_ref,omitempty"`
	Score     *float64       `json:"score,omitempty"`
	Verdict   Verdict        `json:"verdict,omitempty"`
	History   []PhaseOutcome `json:"history,omitempty"`
}

// PhaseOutcome is the result of one phase for one item.
type PhaseOutcome struct {
	Phase    Phase    `json:"phase"`
	Score    *float64 `json:"score,omitempty"`
	Verdict  Verdict  `json:"verdict"`
	Detail   string   `json:"detail,omitempty"`
	Attempts int      `json:"attempts"`
	Improved bool     `json:"improved,omitempty"`
}

// PhaseStats summarizes a finished phase. AvgScore covers only items with a
// non-error outcome.
type PhaseStats struct {
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Errored  int     `json:"errored"`
	Improved int     `json:"improved"`
	AvgScore float64 `json:"avg_score"`
}

// PhaseResult is the aggregated output of one phase run. It is immutable
// once returned by a delegator.
type PhaseResult struct {
	Phase    Phase                   `json:"phase"`
	Outcomes map[string]PhaseOutcome `json:"outcomes"`
	Stats    PhaseStats              `json:"stats"`
}

// WorkflowRun ties one submitted batch to its pipeline execution. One run
// per correlation id; a second submission with the same id is rejected while
// the first is active.
type WorkflowRun struct {
	CorrelationID string             `json:"correlation_id"`
	TenantID      string             `json:"tenant_id,omitempty"`
	Phase         Phase              `json:"phase"`
	Items         []*RequirementItem `json:"items"`
	FailureReason string             `json:"failure_reason,omitempty"`
	StartedAt     time.Time          `json:"started_at"`
	EndedAt       *time.Time         `json:"ended_at,omitempty"`
}

// RequirementDocument is a raw source document submitted for mining.
type RequirementDocument struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// WorkflowConfig is the recognized per-run configuration surface. Zero
// values fall back to server defaults.
type WorkflowConfig struct {
	MaxConcurrentPerPhase map[Phase]int `json:"max_concurrent_per_phase,omitempty"`
	PerItemTimeout        time.Duration `json:"per_item_timeout,omitempty"`
	MaxAttempts           int           `json:"max_attempts,omitempty"`
	ClarificationTimeout  time.Duration `json:"clarification_timeout,omitempty"`
	PassThreshold         float64       `json:"pass_threshold,omitempty"`
}
