package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrRateLimited      = errors.New("rate limited")
	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrNoHandler        = errors.New("no handler registered")
	ErrCancelled        = errors.New("cancelled")
	ErrPreempted        = errors.New("preempted")
	ErrHandlerTimeout   = errors.New("handler timeout")
	ErrLeaseLost        = errors.New("lease lost")
	ErrInternal         = errors.New("internal error")
)

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Transient marks a handler error as retryable (network blip, ERP timeout
// mid-operation, one bad batch).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Permanent marks a handler error as non-retryable (business rule rejection,
// missing credentials, malformed payload discovered in flight).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient reports whether err was classified retryable. Unclassified
// errors are treated as permanent so an unknown failure is never replayed
// against the ERP.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
