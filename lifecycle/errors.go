package lifecycle

import (
	"errors"
	"fmt"

	"github.com/onnwee/live-banner/imagestore"
	"github.com/onnwee/live-banner/templates"
)

// Errors a transition can report. The first five belong to the packages that
// raise them and are repeated here so callers need only this package.
var (
	ErrNotFound            = imagestore.ErrNotFound
	ErrStoreUnavailable    = imagestore.ErrStoreUnavailable
	ErrInvalidImagePayload = imagestore.ErrInvalidImagePayload
	ErrInvalidRenderProps  = templates.ErrInvalidRenderProps
	ErrUnknownTemplate     = templates.ErrUnknownTemplate

	// ErrPublishInconsistency means the live bucket was updated but the
	// remote platform was not.
	ErrPublishInconsistency = errors.New("publish inconsistency")
	// ErrLockContention means another transition for the same user held the
	// lock for longer than the configured wait. Callers should retry.
	ErrLockContention = errors.New("transition already in progress")
)

// PublishError wraps a publisher failure that happened after the store write.
// It matches both ErrPublishInconsistency and the publisher's own error.
type PublishError struct {
	UserID    string
	Direction Direction
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s: user %s %s: %v", ErrPublishInconsistency, e.UserID, e.Direction, e.Err)
}

func (e *PublishError) Unwrap() []error { return []error{ErrPublishInconsistency, e.Err} }

// IsRetryable reports whether a failed transition is worth redelivering
// unchanged: lock contention and store outages are, semantic failures are not.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrLockContention), errors.Is(err, ErrStoreUnavailable):
		return true
	case errors.Is(err, ErrPublishInconsistency):
		// the store is already updated; a redelivery re-publishes
		return true
	default:
		return false
	}
}
