// Package oauth schedules refreshes of per-user tokens persisted in the
// oauth_tokens table. It performs jittered checks and refreshes every token of
// a provider whose expiry falls within a configured window.
package oauth

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/live-banner/db"
)

// RefreshFunc refreshes one token and persists the result.
type RefreshFunc func(ctx context.Context, tok db.OAuthToken) (db.OAuthToken, error)

// Refresher keeps a provider's tokens fresh.
type Refresher struct {
	DB       *sql.DB
	Provider string
	// Interval is how often to wake up and check (default 5m).
	Interval time.Duration
	// Window refreshes tokens whose remaining lifetime is at most this (default 15m).
	Window  time.Duration
	Refresh RefreshFunc
}

func (r *Refresher) defaults() (time.Duration, time.Duration) {
	interval, window := r.Interval, r.Window
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return interval, window
}

// Start launches the refresh loop in a goroutine.
func (r *Refresher) Start(ctx context.Context) {
	interval, _ := r.defaults()
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("token refresh pass failed", slog.String("provider", r.Provider), slog.Any("err", err), slog.String("component", "oauth_refresher"))
			}
			// per-iteration jitter of +-20% of interval
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
			nextSleep := max(interval+jitter, interval/2)
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}

// RunOnce refreshes every token of the provider expiring within the window.
// Failures for one user do not stop the others; they are joined into the
// returned error.
func (r *Refresher) RunOnce(ctx context.Context) (int, error) {
	if r.Refresh == nil {
		return 0, errors.New("refresher has no refresh func")
	}
	_, window := r.defaults()
	toks, err := db.ListExpiringOAuthTokens(ctx, r.DB, r.Provider, time.Now().Add(window))
	if err != nil {
		return 0, err
	}
	var errs []error
	refreshed := 0
	for _, tok := range toks {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		if tok.RefreshToken == "" {
			continue
		}
		ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
		_, err := r.Refresh(ctx2, tok)
		cancel()
		if err != nil {
			slog.Warn("token refresh failed", slog.String("provider", r.Provider), slog.String("user", tok.UserID), slog.Any("err", err), slog.String("component", "oauth_refresher"))
			errs = append(errs, err)
			continue
		}
		refreshed++
		slog.Info("token refreshed", slog.String("provider", r.Provider), slog.String("user", tok.UserID), slog.String("component", "oauth_refresher"))
	}
	return refreshed, errors.Join(errs...)
}
