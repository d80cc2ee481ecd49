// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	TransitionsTotal       *prometheus.CounterVec // direction, outcome
	StoreRetries           *prometheus.CounterVec // op
	PublishAttempts        *prometheus.CounterVec // result
	PublishInconsistencies prometheus.Counter
	WebhookEvents          *prometheus.CounterVec // type, result
	TokenRefreshes         *prometheus.CounterVec // provider, result
	PollCycles             prometheus.Counter

	// Histograms (seconds)
	TransitionDuration *prometheus.HistogramVec // direction
	RenderDuration     prometheus.Observer

	// Gauges
	RendersInFlight prometheus.Gauge
	LiveUsers       prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "banner_transitions_total", Help: "Stream transitions handled, by direction and outcome"}, []string{"direction", "outcome"})
		StoreRetries = promauto.NewCounterVec(prometheus.CounterOpts{Name: "banner_store_retries_total", Help: "Image store operations retried after a transient failure"}, []string{"op"})
		PublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "banner_publish_attempts_total", Help: "Banner publish attempts by result"}, []string{"result"})
		PublishInconsistencies = promauto.NewCounter(prometheus.CounterOpts{Name: "banner_publish_inconsistencies_total", Help: "Transitions whose store write succeeded but publish failed"})
		WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "banner_webhook_events_total", Help: "EventSub deliveries by message type and result"}, []string{"type", "result"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "banner_token_refreshes_total", Help: "OAuth token refreshes by provider and result"}, []string{"provider", "result"})
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "banner_poll_cycles_total", Help: "Live status poll cycles"})
		TransitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "banner_transition_duration_seconds", Help: "Engine transition duration seconds", Buckets: prometheus.DefBuckets}, []string{"direction"})
		RenderDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "banner_render_duration_seconds", Help: "Banner composition duration seconds", Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5}})
		RendersInFlight = promauto.NewGauge(prometheus.GaugeOpts{Name: "banner_renders_in_flight", Help: "Compositions currently running"})
		LiveUsers = promauto.NewGauge(prometheus.GaugeOpts{Name: "banner_live_users", Help: "Users whose banner phase is live, as of the last poll"})
	})
}

// ObserveTransition counts a transition outcome.
func ObserveTransition(direction, outcome string, d time.Duration) {
	if TransitionsTotal != nil {
		TransitionsTotal.WithLabelValues(direction, outcome).Inc()
	}
	if TransitionDuration != nil && d > 0 {
		TransitionDuration.WithLabelValues(direction).Observe(d.Seconds())
	}
}

// IncStoreRetry counts one retried store operation.
func IncStoreRetry(op string) {
	if StoreRetries != nil {
		StoreRetries.WithLabelValues(op).Inc()
	}
}

// IncPublish counts a publish attempt.
func IncPublish(result string) {
	if PublishAttempts != nil {
		PublishAttempts.WithLabelValues(result).Inc()
	}
}

// IncPublishInconsistency counts a publish failure after a successful store write.
func IncPublishInconsistency() {
	if PublishInconsistencies != nil {
		PublishInconsistencies.Inc()
	}
}

// IncWebhook counts an EventSub delivery.
func IncWebhook(msgType, result string) {
	if WebhookEvents != nil {
		WebhookEvents.WithLabelValues(msgType, result).Inc()
	}
}

// IncTokenRefresh counts a token refresh.
func IncTokenRefresh(provider, result string) {
	if TokenRefreshes != nil {
		TokenRefreshes.WithLabelValues(provider, result).Inc()
	}
}

// IncPollCycle counts one live status poll.
func IncPollCycle() {
	if PollCycles != nil {
		PollCycles.Inc()
	}
}

// SetLiveUsers records how many users are live.
func SetLiveUsers(n int) {
	if LiveUsers != nil {
		LiveUsers.Set(float64(n))
	}
}

// TrackRender marks a render in flight and returns a func that ends it.
func TrackRender() func() {
	start := time.Now()
	if RendersInFlight != nil {
		RendersInFlight.Inc()
	}
	return func() {
		if RendersInFlight != nil {
			RendersInFlight.Dec()
		}
		if RenderDuration != nil {
			RenderDuration.Observe(time.Since(start).Seconds())
		}
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
