package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when the caller's context ends before the result is ready.
	// The computation itself keeps running and populates the cache.
	ErrTimeout = errors.New("timed out waiting for computation")

	// ErrComputationFailure matches any *ComputationError
	ErrComputationFailure = errors.New("computation failed")

	// ErrCorruptEntry marks a stored entry that failed its type or shape check.
	// It is logged and counted, never returned for a read that can recompute.
	ErrCorruptEntry = errors.New("corrupt cache entry")

	// ErrClosed is returned once the manager is closed
	ErrClosed = errors.New("cache manager closed")

	// ErrPending is returned by non-blocking reads while the value is being computed
	ErrPending = errors.New("result pending")

	errDropped = errors.New("computation dropped before it started")
)

// ComputationError is a failure surfaced after retries
type ComputationError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("computing %s failed after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *ComputationError) Unwrap() error {
	return e.Err
}

// Is makes every ComputationError match ErrComputationFailure
func (e *ComputationError) Is(target error) bool {
	return target == ErrComputationFailure
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks an error that must not be retried
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}
