package lifecycle

import (
	"context"
	"log/slog"
)

// renderSlots bounds concurrent compositions. Rendering a 1500x500 PNG is the
// only CPU heavy step of a transition.
type renderSlots chan struct{}

func newRenderSlots(n int) renderSlots {
	if n < 1 {
		n = 1
	}
	return make(renderSlots, n)
}

// acquire blocks until a slot is free or ctx is done.
func (s renderSlots) acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s renderSlots) release() {
	select {
	case <-s:
	default:
		slog.Warn("render slot released twice", slog.String("component", "lifecycle"))
	}
}

// Active is the number of renders currently running.
func (s renderSlots) Active() int { return len(s) }

// Max is the configured limit.
func (s renderSlots) Max() int { return cap(s) }
