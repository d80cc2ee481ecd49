// Package stream turns "went live" and "went offline" signals into banner
// transitions.
//
// The handler keeps a per-user phase (offline or live). A signal that matches
// the recorded phase is a duplicate delivery and does nothing; otherwise the
// lifecycle engine runs the transition and the phase moves only when the
// engine succeeds, so a redelivered signal retries a failed transition.
// Forced transitions from the admin surface ignore the recorded phase.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/live-banner/feature"
	"github.com/onnwee/live-banner/lifecycle"
	"github.com/onnwee/live-banner/telemetry"
)

// Options adjust a single transition.
type Options struct {
	// Force runs the transition even when the phase already matches.
	Force bool
}

// Outcome is what a signal did.
type Outcome struct {
	UserID    string              `json:"user_id"`
	Direction lifecycle.Direction `json:"direction"`
	Phase     Phase               `json:"phase"`
	Duplicate bool                `json:"duplicate"`
	Result    lifecycle.Result    `json:"-"`
}

// Handler owns the phase record and drives the engine.
type Handler struct {
	engine   *lifecycle.Engine
	features feature.Registry
	phases   PhaseStore
	audit    AuditLog
}

// NewHandler wires a handler. audit may be nil.
func NewHandler(engine *lifecycle.Engine, features feature.Registry, phases PhaseStore, audit AuditLog) *Handler {
	return &Handler{engine: engine, features: features, phases: phases, audit: audit}
}

// GoLive handles a "user went live" signal.
func (h *Handler) GoLive(ctx context.Context, userID string) (Outcome, error) {
	return h.Transition(ctx, userID, lifecycle.Up, Options{})
}

// GoOffline handles a "user went offline" signal.
func (h *Handler) GoOffline(ctx context.Context, userID string) (Outcome, error) {
	return h.Transition(ctx, userID, lifecycle.Down, Options{})
}

// Transition moves userID's banner in direction dir.
func (h *Handler) Transition(ctx context.Context, userID string, dir lifecycle.Direction, opts Options) (Outcome, error) {
	out := Outcome{UserID: userID, Direction: dir}
	if userID == "" {
		return out, errors.New("user id is required")
	}
	target := PhaseOffline
	if dir == lifecycle.Up {
		target = PhaseLive
	}
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("user", userID), slog.String("direction", string(dir)), slog.String("component", "stream"))
	start := time.Now()

	err := h.engine.WithUserLock(ctx, userID, func(ctx context.Context) error {
		phase, err := h.phases.Phase(ctx, userID)
		if err != nil {
			return err
		}
		out.Phase = phase
		if phase == target && !opts.Force {
			out.Duplicate = true
			return nil
		}
		enabled, err := h.features.ListEnabled(ctx, userID)
		if err != nil {
			return err
		}
		// A user who disables the banner while live still gets the original
		// restored when the stream ends.
		if dir == lifecycle.Down && phase == PhaseLive {
			enabled = enabled.With(feature.KindBanner)
		}
		res, err := h.engine.Transition(ctx, userID, dir, enabled)
		out.Result = res
		if err != nil {
			return err
		}
		// Nothing was backed up when activation skipped, so the user stays
		// offline and a later offline signal has nothing to undo.
		if dir == lifecycle.Up && res.Skipped {
			return nil
		}
		// The engine has committed; the phase must follow even if the caller
		// has gone away.
		if err := h.phases.SetPhase(context.WithoutCancel(ctx), userID, target); err != nil {
			return err
		}
		out.Phase = target
		return nil
	})

	outcome := outcomeOf(out, err)
	if out.Duplicate {
		log.Debug("duplicate stream signal ignored", slog.String("phase", string(out.Phase)))
		telemetry.ObserveTransition(string(dir), "duplicate", 0)
		return out, nil
	}
	telemetry.ObserveTransition(string(dir), outcome, time.Since(start))
	h.record(ctx, out, opts, outcome, err)
	if err != nil {
		log.Warn("banner transition failed", slog.String("outcome", outcome), slog.Any("err", err))
		return out, err
	}
	log.Info("banner transition done", slog.String("outcome", outcome), slog.String("phase", string(out.Phase)), slog.Bool("forced", opts.Force))
	return out, nil
}

func outcomeOf(out Outcome, err error) string {
	switch {
	case errors.Is(err, lifecycle.ErrLockContention):
		return OutcomeRejected
	case err != nil:
		return OutcomeFailed
	case out.Result.Skipped:
		return OutcomeSkipped
	case len(out.Result.Warnings) > 0:
		return OutcomeWarning
	default:
		return OutcomeApplied
	}
}

func (h *Handler) record(ctx context.Context, out Outcome, opts Options, outcome string, err error) {
	if h.audit == nil {
		return
	}
	e := newEntry(out.UserID, string(out.Direction), opts.Force)
	e.Outcome = outcome
	if err != nil {
		e.Error = err.Error()
	}
	if out.Result.Skipped && out.Result.Reason != "" {
		e.Warnings = append(e.Warnings, out.Result.Reason)
	}
	for _, w := range out.Result.Warnings {
		e.Warnings = append(e.Warnings, w.Error())
	}
	if rerr := h.audit.Record(context.WithoutCancel(ctx), e); rerr != nil {
		slog.Warn("audit record failed", slog.String("user", out.UserID), slog.Any("err", rerr), slog.String("component", "stream"))
	}
}

// Forget drops userID's images and phase record.
func (h *Handler) Forget(ctx context.Context, userID string) error {
	return h.engine.WithUserLock(ctx, userID, func(ctx context.Context) error {
		if err := h.engine.Purge(ctx, userID); err != nil {
			return err
		}
		return h.phases.DeleteUser(ctx, userID)
	})
}

// State returns userID's recorded banner state.
func (h *Handler) State(ctx context.Context, userID string) (State, error) {
	return h.phases.State(ctx, userID)
}

// History lists userID's recent transitions.
func (h *Handler) History(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if h.audit == nil {
		return nil, nil
	}
	return h.audit.List(ctx, userID, limit)
}
