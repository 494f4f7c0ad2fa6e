// Package workflow implements the multi-phase validation/mining pipeline:
// the phase state machine, the bounded worker pool, per-phase delegators,
// result aggregation and the human clarification gate.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"reqflow/backend/pkg/models"
)

// Sentinel errors returned by the caller-facing surface.
var (
	// ErrDuplicateRun rejects a submission whose correlation id already has
	// an active run.
	ErrDuplicateRun = errors.New("correlation id already has an active run")
	// ErrRunNotFound is returned by Cancel/Answer/Status for unknown ids.
	ErrRunNotFound = errors.New("workflow run not found")
	// ErrQuestionNotFound is returned when answering an unknown question.
	ErrQuestionNotFound = errors.New("clarification question not found")
	// ErrAlreadyAnswered is returned for a second answer to the same
	// question; the first accepted answer wins.
	ErrAlreadyAnswered = errors.New("clarification question already answered")
)

// TransientError marks a capability call failure that is worth retrying
// within the worker pool (network, timeout, rate limit).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a capability call failure that retrying cannot fix
// (malformed input, rejected request). It fails the single item only.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Fatal wraps err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// retryable is implemented by collaborator errors that carry their own
// retry classification (e.g. the capability client's CallError).
type retryable interface {
	Retryable() bool
}

// IsTransient reports whether err should be retried by the pool. Context
// deadline errors count as transient: the per-item timeout cancels only that
// attempt and the slot is retried or marked failed. Unclassified errors are
// treated as fatal so a miscoded handler cannot spin the retry budget.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// PhaseExhaustedError escalates a phase in which every item errored; it is
// one of the two conditions that abort the whole run.
type PhaseExhaustedError struct {
	Phase models.Phase
	Total int
}

func (e *PhaseExhaustedError) Error() string {
	return fmt.Sprintf("phase %s exhausted: all %d items errored", e.Phase, e.Total)
}

// CancelledError records a cooperative cancellation of a run.
type CancelledError struct {
	CorrelationID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("workflow %s cancelled", e.CorrelationID)
}
