package imagestore

import (
	"context"
	"errors"
)

// ErrorClass represents whether a gateway error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates a transient failure (store unavailable).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates a semantic failure that retrying cannot fix.
	ErrorClassFatal
	// ErrorClassUnknown indicates the error does not come from the gateway contract.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyError maps a gateway error onto an ErrorClass.
//
// Only ErrStoreUnavailable is retryable. ErrNotFound and ErrInvalidImagePayload
// are semantic outcomes and caller cancellation stops retries, so all of those
// are fatal. Anything else is unknown and is not retried either.
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassUnknown
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassFatal
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidImagePayload):
		return ErrorClassFatal
	case errors.Is(err, ErrStoreUnavailable):
		return ErrorClassRetryable
	default:
		return ErrorClassUnknown
	}
}

// IsRetryable checks if a gateway error should trigger retry logic.
func IsRetryable(err error) bool {
	return ClassifyError(err) == ErrorClassRetryable
}
