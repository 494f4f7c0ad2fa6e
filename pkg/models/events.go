package models

import (
	"encoding/json"
	"time"
)

// EventKind classifies a workflow event on the per-correlation stream.
type EventKind string

const (
	EventAgentMessage   EventKind = "agent_message"
	EventWorkflowStatus EventKind = "workflow_status"
	EventWorkflowResult EventKind = "workflow_result"
	EventQuestion       EventKind = "question"
)

// WorkflowEvent is one record on a correlation id's event stream. Sequence
// numbers are assigned by the broadcaster: strictly increasing per
// correlation id, no gaps. Consumers must order by Sequence, never by
// arrival time.
type WorkflowEvent struct {
	CorrelationID string          `json:"correlation_id"`
	Sequence      uint64          `json:"sequence"`
	Kind          EventKind       `json:"kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ProgressPayload is the agent_message payload with running phase counters.
type ProgressPayload struct {
	Phase     Phase  `json:"phase"`
	ItemID    string `json:"item_id"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Passed    int    `json:"passed"`
	Failed    int    `json:"failed"`
	Errored   int    `json:"errored"`
}

// StatusPayload is the workflow_status payload emitted on phase transitions.
type StatusPayload struct {
	From  Phase       `json:"from"`
	To    Phase       `json:"to"`
	Stats *PhaseStats `json:"stats,omitempty"`
}

// ResultPayload is the workflow_result payload emitted exactly once, when
// the run reaches a terminal state.
type ResultPayload struct {
	Phase         Phase              `json:"phase"`
	FailureReason string             `json:"failure_reason,omitempty"`
	Items         []*RequirementItem `json:"items,omitempty"`
}
