package models

import "time"

// ClarificationQuestion is published when QA review flags an item below the
// pass threshold. It is resolved exactly once: the first accepted answer
// wins, later answers for the same question id are rejected.
type ClarificationQuestion struct {
	QuestionID    string    `json:"question_id"`
	CorrelationID string    `json:"correlation_id"`
	ItemID        string    `json:"item_id"`
	Prompt        string    `json:"prompt"`
	Options       []string  `json:"options,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ClarificationAnswer resolves a question. Escalated marks answers produced
// by the timeout policy rather than a human.
type ClarificationAnswer struct {
	QuestionID string    `json:"question_id"`
	Value      string    `json:"value"`
	Escalated  bool      `json:"escalated,omitempty"`
	AnsweredAt time.Time `json:"answered_at"`
}
