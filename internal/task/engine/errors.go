package engine

import (
	"errors"
	"time"
)

var (
	ErrDisabled    = errors.New("worker pool disabled")
	ErrStopped     = errors.New("worker pool not running")
	ErrStopping    = errors.New("worker pool shutting down")
	ErrQueueFull   = errors.New("worker pool queue full")
	ErrOverlapSkip = errors.New("task already queued or running")
	ErrCircuitOpen = errors.New("task circuit open")
)

// NoRetry marks a permanent failure; the engine records it without
// retrying. A nil err stays nil.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

func IsNoRetry(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type permanentError struct{ error }

func (e *permanentError) Unwrap() error { return e.error }

// RetryAfter attaches a server-suggested delay (for example a Retry-After
// header) to err. The engine caps it at RetryMaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &delayedError{error: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type delayedError struct {
	error
	after time.Duration
}

func (e *delayedError) Unwrap() error             { return e.error }
func (e *delayedError) RetryAfter() time.Duration { return e.after }
