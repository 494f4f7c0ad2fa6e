package workflow

import (
	"context"
	"sync"
	"time"

	"reqflow/backend/pkg/models"
)

// defaultAnswerValue is the timeout policy: an unanswered question resolves
// as a low-confidence fail routed to manual review, it never blocks the run
// forever.
const defaultAnswerValue = "fail"

// Gate suspends a run's forward progress on unresolved issues until a human
// answers, a timeout fires, or the run is cancelled. Each question is a
// single-resolution future: the first accepted answer wins and later
// answers are rejected with ErrAlreadyAnswered.
type Gate struct {
	mu   sync.Mutex
	runs map[string]map[string]*pendingQuestion
}

type pendingQuestion struct {
	answer   chan models.ClarificationAnswer
	resolved bool
}

// NewGate creates an empty clarification gate.
func NewGate() *Gate {
	return &Gate{runs: make(map[string]map[string]*pendingQuestion)}
}

// Ask registers the question and blocks until it is resolved. Only the
// asking run is suspended; other correlation ids are unaffected. A timeout
// produces the escalated default answer. Cancellation of the parent run
// context returns ctx.Err with no answer.
func (g *Gate) Ask(ctx context.Context, q models.ClarificationQuestion, timeout time.Duration) (models.ClarificationAnswer, error) {
	pq := &pendingQuestion{answer: make(chan models.ClarificationAnswer, 1)}

	g.mu.Lock()
	byID, ok := g.runs[q.CorrelationID]
	if !ok {
		byID = make(map[string]*pendingQuestion)
		g.runs[q.CorrelationID] = byID
	}
	byID[q.QuestionID] = pq
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ans := <-pq.answer:
		return ans, nil
	case <-timer.C:
		return g.resolveDefault(q.QuestionID, pq), nil
	case <-ctx.Done():
		g.mu.Lock()
		pq.resolved = true
		g.mu.Unlock()
		return models.ClarificationAnswer{}, ctx.Err()
	}
}

// resolveDefault claims the question for the timeout policy. If a human
// answer raced in first, that answer wins.
func (g *Gate) resolveDefault(questionID string, pq *pendingQuestion) models.ClarificationAnswer {
	g.mu.Lock()
	if !pq.resolved {
		pq.resolved = true
		g.mu.Unlock()
		return models.ClarificationAnswer{
			QuestionID: questionID,
			Value:      defaultAnswerValue,
			Escalated:  true,
			AnsweredAt: time.Now().UTC(),
		}
	}
	g.mu.Unlock()
	return <-pq.answer
}

// Answer resolves a pending question. Exactly one call per question id
// succeeds; the question entry stays behind as a tombstone until the run is
// dropped, so a second call reports ErrAlreadyAnswered rather than
// ErrQuestionNotFound.
func (g *Gate) Answer(correlationID, questionID, value string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	byID, ok := g.runs[correlationID]
	if !ok {
		return ErrQuestionNotFound
	}
	pq, ok := byID[questionID]
	if !ok {
		return ErrQuestionNotFound
	}
	if pq.resolved {
		return ErrAlreadyAnswered
	}
	pq.resolved = true
	pq.answer <- models.ClarificationAnswer{
		QuestionID: questionID,
		Value:      value,
		AnsweredAt: time.Now().UTC(),
	}
	return nil
}

// Drop forgets every question for a correlation id, pending or resolved.
// Callers cancel the run context first so pending Ask calls unblock.
func (g *Gate) Drop(correlationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.runs, correlationID)
}
