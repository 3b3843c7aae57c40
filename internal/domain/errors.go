package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that's not ENQUEUED
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in ENQUEUED state")

	// ErrStaleDelivery is returned when a job is ENQUEUED but not due or not dispatched,
	// which happens when a queue message outlives the run it was published for
	ErrStaleDelivery = errors.New("job is not due or not dispatched")

	// ErrJobNotCancellable is returned when cancelling a job that already reached a terminal state
	ErrJobNotCancellable = errors.New("job is in a terminal state and cannot be cancelled")

	// ErrJobNotTerminal is returned when deleting a job that may still run
	ErrJobNotTerminal = errors.New("job is not in a terminal state")

	// ErrJobNotRunning is returned when completing a run for a job that is not RUNNING
	ErrJobNotRunning = errors.New("job is not running")

	// ErrDuplicateIdempotencyKey is returned when a job with the same idempotency key exists
	ErrDuplicateIdempotencyKey = errors.New("job with this idempotency key already exists")

	// ErrInvalidPayload is returned when job input is malformed
	ErrInvalidPayload = errors.New("invalid job payload")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
