package stream

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/onnwee/live-banner/feature"
	"github.com/onnwee/live-banner/telemetry"
	"github.com/onnwee/live-banner/twitchapi"
)

// StreamLister reports which of the given users are live.
type StreamLister interface {
	GetStreams(ctx context.Context, userIDs []string) ([]twitchapi.Stream, error)
}

// Poller reconciles recorded phases with Helix stream status, so a lost
// webhook delivery only delays a transition by one interval.
type Poller struct {
	Streams  StreamLister
	Features feature.Store
	Phases   PhaseStore
	Handler  *Handler
	Interval time.Duration
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("stream poller started", slog.Duration("interval", interval), slog.String("component", "stream_poller"))
	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("stream poll failed", slog.Any("err", err), slog.String("component", "stream_poller"))
		}
		select {
		case <-ctx.Done():
			slog.Info("stream poller stopped", slog.String("component", "stream_poller"))
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one reconciliation cycle. Users with the banner enabled and users
// recorded as live are checked; per-user transition errors are logged and do
// not stop the cycle.
func (p *Poller) Poll(ctx context.Context) error {
	telemetry.IncPollCycle()
	enabled, err := p.Features.UsersWithFeature(ctx, feature.KindBanner)
	if err != nil {
		return err
	}
	recorded, err := p.Phases.LiveUsers(ctx)
	if err != nil {
		return err
	}
	users := slices.Compact(slices.Sorted(slices.Values(append(enabled, recorded...))))
	if len(users) == 0 {
		telemetry.SetLiveUsers(0)
		return nil
	}
	streams, err := p.Streams.GetStreams(ctx, users)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(streams))
	for _, s := range streams {
		live[s.UserID] = true
	}

	nLive := 0
	for _, id := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var out Outcome
		if live[id] {
			out, err = p.Handler.GoLive(ctx, id)
		} else {
			out, err = p.Handler.GoOffline(ctx, id)
		}
		if err != nil {
			slog.Warn("poller transition failed", slog.String("user", id), slog.Bool("live", live[id]), slog.Any("err", err), slog.String("component", "stream_poller"))
			continue
		}
		if out.Phase == PhaseLive {
			nLive++
		}
	}
	telemetry.SetLiveUsers(nLive)
	return nil
}
