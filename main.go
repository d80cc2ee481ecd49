// Command live-banner runs the banner service. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Builds the lifecycle engine over the configured image store (memory or
//     S3) and the Twitter publisher.
//   - Starts background jobs: the Helix live-status poller and the Twitter
//     token refresher.
//   - Exposes the HTTP server with the EventSub webhook, admin API, health
//     probes and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/live-banner/config"
	"github.com/onnwee/live-banner/db"
	"github.com/onnwee/live-banner/feature"
	"github.com/onnwee/live-banner/imagestore"
	"github.com/onnwee/live-banner/imagestore/memory"
	"github.com/onnwee/live-banner/imagestore/s3store"
	"github.com/onnwee/live-banner/lifecycle"
	"github.com/onnwee/live-banner/oauth"
	"github.com/onnwee/live-banner/server"
	"github.com/onnwee/live-banner/stream"
	"github.com/onnwee/live-banner/telemetry"
	"github.com/onnwee/live-banner/templates"
	"github.com/onnwee/live-banner/twitchapi"
	"github.com/onnwee/live-banner/twitterapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("live-banner", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; databases created before they existed fall
	// back to the embedded base schema.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL", slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	} else {
		slog.Info("versioned migrations completed successfully", slog.String("component", "db_migrate"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newImageStore(ctx, cfg)
	if err != nil {
		slog.Error("image store init failed", slog.Any("err", err))
		os.Exit(1)
	}

	features := feature.NewPostgresStore(database)
	settings := features.Settings()
	composer := templates.NewComposer(nil)
	if _, err := composer.Prepare(feature.DefaultSettings().RenderRequest("")); err != nil {
		slog.Error("default banner settings do not resolve against the template registry", slog.Any("err", err))
		os.Exit(1)
	}

	var (
		publisher lifecycle.Publisher = lifecycle.NopPublisher
		tokens    *twitterapi.DBTokens
	)
	if cfg.TwitterReady() {
		tokens = &twitterapi.DBTokens{
			DB:    database,
			OAuth: twitterapi.NewOAuthConfig(cfg.TwitterClientID, cfg.TwitterClientSecret, cfg.TwitterRedirectURI, cfg.TwitterTokenURL),
		}
		publisher = twitterapi.NewClient(cfg.TwitterAPIBase, tokens)
		(&oauth.Refresher{
			DB:       database,
			Provider: twitterapi.Provider,
			Interval: cfg.TokenRefreshInterval,
			Window:   cfg.TokenRefreshWindow,
			Refresh:  tokens.Refresh,
		}).Start(ctx)
	} else {
		slog.Warn("twitter not configured, banners are stored but not published (need TWITTER_CLIENT_ID + TWITTER_CLIENT_SECRET)")
	}

	engine, err := lifecycle.NewEngine(cfg.LifecycleConfig(), store, composer, settings, publisher)
	if err != nil {
		slog.Error("engine init failed", slog.Any("err", err))
		os.Exit(1)
	}
	phases := stream.NewPostgresPhaseStore(database)
	streamHandler := stream.NewHandler(engine, features, phases, stream.NewPostgresAuditLog(database))

	var helix *twitchapi.HelixClient
	if cfg.TwitchReady() {
		helix = &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret, TokenURL: cfg.TwitchTokenURL},
			ClientID:       cfg.TwitchClientID,
			BaseURL:        cfg.TwitchAPIBase,
		}
		// Best-effort check of the app credentials at startup.
		tctx, cancel := context.WithTimeout(ctx, 8*time.Second)
		if tok, err := helix.AppTokenSource.Get(tctx); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		} else if len(tok) > 6 {
			slog.Info("twitch app token acquired", slog.String("tail", "***"+tok[len(tok)-6:]))
		}
		cancel()
	}
	if cfg.StreamPollInterval > 0 {
		poller := &stream.Poller{
			Streams:  helix,
			Features: features,
			Phases:   phases,
			Handler:  streamHandler,
			Interval: cfg.StreamPollInterval,
		}
		go poller.Run(ctx)
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	go func() {
		err := server.Start(ctx, cfg.HTTPAddr, server.Deps{
			Config:   cfg,
			DB:       database,
			Stream:   streamHandler,
			Engine:   engine,
			Store:    store,
			Features: features,
			Settings: settings,
			Composer: composer,
			Messages: server.NewKVMessageLog(database),
			Helix:    helix,
			Twitter:  tokens,
		})
		if err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

func newImageStore(ctx context.Context, cfg *config.Config) (imagestore.Gateway, error) {
	switch cfg.StorageType {
	case "s3":
		slog.Info("using s3 image store", slog.String("endpoint", cfg.S3Endpoint), slog.String("region", cfg.S3Region))
		return s3store.NewStore(ctx, s3store.Options{Region: cfg.S3Region, Endpoint: cfg.S3Endpoint})
	default:
		slog.Warn("using in-memory image store, banners are lost on restart")
		return memory.NewStore(), nil
	}
}
