// Package server exposes the HTTP API: the Twitch EventSub webhook that drives
// banner transitions, the admin surface for features, settings and forced
// transitions, the Twitter account connect flow, and health and metrics
// endpoints. It injects correlation IDs into request contexts for consistent
// logging.
package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/live-banner/config"
	"github.com/onnwee/live-banner/feature"
	"github.com/onnwee/live-banner/imagestore"
	"github.com/onnwee/live-banner/lifecycle"
	"github.com/onnwee/live-banner/stream"
	"github.com/onnwee/live-banner/telemetry"
	"github.com/onnwee/live-banner/templates"
	"github.com/onnwee/live-banner/twitchapi"
	"github.com/onnwee/live-banner/twitterapi"
)

// Deps are the collaborators the HTTP layer calls into. DB, Helix and
// Twitter may be nil; the routes that need them answer 503.
type Deps struct {
	Config   *config.Config
	DB       *sql.DB
	Stream   *stream.Handler
	Engine   *lifecycle.Engine
	Store    imagestore.Gateway
	Features feature.Store
	Settings feature.SettingsStore
	Composer *templates.Composer
	Messages MessageLog
	Helix    *twitchapi.HelixClient
	Twitter  *twitterapi.DBTokens
}

func (d Deps) validate() error {
	switch {
	case d.Config == nil:
		return errors.New("server: config is required")
	case d.Stream == nil || d.Engine == nil || d.Store == nil:
		return errors.New("server: stream handler, engine and store are required")
	case d.Features == nil || d.Settings == nil || d.Composer == nil:
		return errors.New("server: features, settings and composer are required")
	}
	return nil
}

// NewMux returns the HTTP handler with all routes. ctx bounds the background
// goroutines (rate limiter and message log cleanup).
func NewMux(ctx context.Context, deps Deps) (http.Handler, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Messages == nil {
		deps.Messages = NewMemoryMessageLog()
	}
	authCfg := newAuthConfig(deps.Config)
	rateLimiter := newIPRateLimiter(ctx, newRateLimiterConfig(deps.Config))
	go pruneMessages(ctx, deps.Messages)

	h := NewHandlers(deps)
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	mux.HandleFunc("POST /webhooks/twitch", h.HandleTwitchWebhook)

	mux.HandleFunc("GET /auth/twitter/start", h.HandleTwitterOAuthStart)
	mux.HandleFunc("GET /auth/twitter/callback", h.HandleTwitterOAuthCallback)

	admin := http.NewServeMux()
	admin.HandleFunc("GET /admin/templates", h.HandleTemplates)
	admin.HandleFunc("GET /admin/users/{user}/features", h.HandleListFeatures)
	admin.HandleFunc("PUT /admin/users/{user}/features/{kind}", h.HandleEnableFeature)
	admin.HandleFunc("DELETE /admin/users/{user}/features/{kind}", h.HandleDisableFeature)
	admin.HandleFunc("GET /admin/users/{user}/settings", h.HandleGetSettings)
	admin.HandleFunc("PUT /admin/users/{user}/settings", h.HandlePutSettings)
	admin.HandleFunc("GET /admin/users/{user}/preview", h.HandlePreview)
	admin.HandleFunc("GET /admin/users/{user}/state", h.HandleState)
	admin.HandleFunc("POST /admin/users/{user}/transitions", h.HandleTransition)
	admin.HandleFunc("GET /admin/users/{user}/transitions", h.HandleTransitionHistory)
	admin.HandleFunc("POST /admin/users/{user}/subscribe", h.HandleSubscribe)
	admin.HandleFunc("DELETE /admin/users/{user}", h.HandleDeleteUser)
	mux.Handle("/admin/", adminAuth(rateLimitMiddleware(admin, rateLimiter), authCfg))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+routeOf(r.URL.Path),
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(routeOf(r.URL.Path)),
			telemetry.HTTPURLAttr(r.URL.Path),
		)
		defer span.End()
		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
	return withCORSConfig(handler, newCORSConfig(deps.Config)), nil
}

// routeOf collapses user ids out of admin paths so span names stay low-cardinality.
func routeOf(path string) string {
	if rest, ok := strings.CutPrefix(path, "/admin/users/"); ok {
		_, tail, found := strings.Cut(rest, "/")
		if !found {
			return "/admin/users/{user}"
		}
		return "/admin/users/{user}/" + tail
	}
	return path
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, deps Deps) error {
	handler, err := NewMux(ctx, deps)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// transitions render and publish inside the request
		WriteTimeout: deps.Config.TransitionTimeout + deps.Config.LockWait + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err), slog.String("component", "http"))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err), slog.String("component", "http"))
		return err
	}
	return nil
}
