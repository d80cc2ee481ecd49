// Package lifecycle runs the banner transitions triggered by a user going live
// or offline.
//
// Activation backs up the user's current live image, renders the "live"
// composite, writes it to the live bucket and publishes it. Deactivation
// writes the backup back to the live bucket and publishes it. The backup is
// always written before the live image is overwritten and is never deleted,
// so the original survives in at least one bucket at every step and both
// operations can be repeated safely.
//
// Transitions for one user are serialized by a per-user lock; different users
// never contend. Once the first write of a transition starts the sequence is
// detached from the caller's cancellation and bounded only by the transition
// timeout.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/live-banner/feature"
	"github.com/onnwee/live-banner/imagestore"
	"github.com/onnwee/live-banner/telemetry"
	"github.com/onnwee/live-banner/templates"
)

// Direction is the way a transition moves the banner.
type Direction string

const (
	// Up activates the live banner.
	Up Direction = "up"
	// Down restores the original banner.
	Down Direction = "down"
)

// ParseDirection accepts up/down and the live/offline aliases.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "up", "live", "online":
		return Up, nil
	case "down", "offline":
		return Down, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// Publisher pushes an image to the user's remote profile. EmptyPayload asks
// for the banner to be removed.
type Publisher interface {
	Publish(ctx context.Context, userID string, image imagestore.Payload) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, userID string, image imagestore.Payload) error

func (f PublisherFunc) Publish(ctx context.Context, userID string, image imagestore.Payload) error {
	return f(ctx, userID, image)
}

// NopPublisher accepts every image. Used when no remote platform is configured.
var NopPublisher Publisher = PublisherFunc(func(context.Context, string, imagestore.Payload) error { return nil })

// FailurePolicy decides what a publish failure after a store write means.
type FailurePolicy string

const (
	// PolicyWarn reports the failure in Result.Warnings and succeeds.
	PolicyWarn FailurePolicy = "warn"
	// PolicyFail returns the failure as the transition's error.
	PolicyFail FailurePolicy = "fail"
)

// Config tunes an Engine.
type Config struct {
	LiveBucket           string
	BackupBucket         string
	StoreRetry           RetryPolicy
	PublishRetry         RetryPolicy
	PublishFailurePolicy FailurePolicy
	LockWait             time.Duration
	TransitionTimeout    time.Duration
	MaxConcurrentRenders int
}

// DefaultConfig matches the documented environment defaults.
func DefaultConfig() Config {
	return Config{
		LiveBucket:           "banner-live",
		BackupBucket:         "banner-backup",
		StoreRetry:           RetryPolicy{MaxAttempts: 3, Initial: 200 * time.Millisecond, Max: 2 * time.Second},
		PublishRetry:         RetryPolicy{MaxAttempts: 3, Initial: 500 * time.Millisecond, Max: 5 * time.Second},
		PublishFailurePolicy: PolicyWarn,
		LockWait:             10 * time.Second,
		TransitionTimeout:    60 * time.Second,
		MaxConcurrentRenders: 2,
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.LiveBucket == "" || c.BackupBucket == "":
		return errors.New("live and backup buckets are required")
	case c.LiveBucket == c.BackupBucket:
		return errors.New("live and backup buckets must differ")
	case c.PublishFailurePolicy != PolicyWarn && c.PublishFailurePolicy != PolicyFail:
		return fmt.Errorf("publish failure policy %q must be warn or fail", c.PublishFailurePolicy)
	case c.LockWait <= 0 || c.TransitionTimeout <= 0:
		return errors.New("lock wait and transition timeout must be positive")
	}
	return nil
}

// Result describes a completed transition.
type Result struct {
	UserID    string
	Direction Direction
	// Skipped is set when the transition had nothing to do.
	Skipped bool
	Reason  string
	// BackupReused is set when activation could not read the live image and
	// kept the existing backup instead.
	BackupReused bool
	Warnings     []error
}

// Inconsistent reports whether the remote platform may not match the store.
func (r Result) Inconsistent() bool {
	for _, w := range r.Warnings {
		if errors.Is(w, ErrPublishInconsistency) {
			return true
		}
	}
	return false
}

// Engine runs activate and deactivate transitions.
type Engine struct {
	cfg       Config
	store     imagestore.Gateway
	composer  *templates.Composer
	settings  feature.SettingsStore
	publisher Publisher
	locks     *userLocks
	renders   renderSlots
}

// NewEngine wires an engine. A nil composer uses the default templates and a
// nil publisher publishes nowhere.
func NewEngine(cfg Config, store imagestore.Gateway, composer *templates.Composer, settings feature.SettingsStore, publisher Publisher) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("lifecycle config: %w", err)
	}
	if store == nil || settings == nil {
		return nil, errors.New("lifecycle: image store and settings store are required")
	}
	if composer == nil {
		composer = templates.NewComposer(nil)
	}
	if publisher == nil {
		publisher = NopPublisher
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		composer:  composer,
		settings:  settings,
		publisher: publisher,
		locks:     newUserLocks(),
		renders:   newRenderSlots(cfg.MaxConcurrentRenders),
	}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// WithUserLock runs fn while holding userID's transition lock. Activate and
// Deactivate called with the ctx passed to fn reuse the held lock.
func (e *Engine) WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	if holdsLock(ctx, userID) {
		return fn(ctx)
	}
	release, err := e.locks.acquire(ctx, userID, e.cfg.LockWait)
	if err != nil {
		return err
	}
	defer release()
	return fn(withHeldLock(ctx, userID))
}

// Transition dispatches to Activate or Deactivate.
func (e *Engine) Transition(ctx context.Context, userID string, dir Direction, enabled feature.Set) (Result, error) {
	switch dir {
	case Up:
		return e.Activate(ctx, userID, enabled)
	case Down:
		return e.Deactivate(ctx, userID, enabled)
	default:
		return Result{}, fmt.Errorf("unknown direction %q", dir)
	}
}

// Activate swaps the user's live image for a rendered composite.
func (e *Engine) Activate(ctx context.Context, userID string, enabled feature.Set) (res Result, err error) {
	res = Result{UserID: userID, Direction: Up}
	if !enabled.Has(feature.KindBanner) {
		res.Skipped, res.Reason = true, "banner feature not enabled"
		return res, nil
	}
	ctx, span := telemetry.StartSpan(ctx, "lifecycle", "lifecycle.activate", telemetry.UserAttr(userID), telemetry.DirectionAttr(string(Up)))
	defer endSpan(span, &err)

	err = e.WithUserLock(ctx, userID, func(ctx context.Context) error {
		return e.activate(ctx, userID, &res)
	})
	return res, err
}

func (e *Engine) activate(ctx context.Context, userID string, res *Result) error {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("user", userID), slog.String("component", "lifecycle"))

	// Resolve and validate the render before any write, so a bad template
	// leaves both buckets untouched.
	settings, err := e.settings.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("load banner settings: %w", err)
	}
	plan, err := e.composer.Prepare(settings.RenderRequest(userID))
	if err != nil {
		return fmt.Errorf("prepare render: %w", err)
	}

	original, err := retryStore(ctx, e.cfg.StoreRetry, "get_live", func(ctx context.Context) (imagestore.Payload, error) {
		return e.store.Get(ctx, e.cfg.LiveBucket, userID)
	})
	writeBackup := true
	switch {
	case errors.Is(err, imagestore.ErrNotFound):
		original = imagestore.EmptyPayload
	case err != nil:
		// The live image is unreadable. An existing backup still holds an
		// original, so activation can go ahead without touching it.
		if _, berr := retryStore(ctx, e.cfg.StoreRetry, "get_backup", func(ctx context.Context) (imagestore.Payload, error) {
			return e.store.Get(ctx, e.cfg.BackupBucket, userID)
		}); berr != nil {
			return fmt.Errorf("read live image: %w", err)
		}
		log.Warn("live image unreadable, reusing existing backup", slog.Any("err", err))
		writeBackup, res.BackupReused = false, true
	case isComposite(original):
		// Our own composite is live (forced re-activation, or a crash
		// between the live write and the phase update). The backup already
		// holds the original and must not be replaced by the composite.
		log.Info("live image is a rendered banner, keeping existing backup")
		writeBackup = false
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.TransitionTimeout)
	defer cancel()

	if writeBackup {
		if _, err := retryStore(wctx, e.cfg.StoreRetry, "put_backup", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.store.Put(ctx, e.cfg.BackupBucket, userID, original)
		}); err != nil {
			return fmt.Errorf("write backup: %w", err)
		}
	}

	img, err := e.render(wctx, plan)
	if err != nil {
		return fmt.Errorf("render banner: %w", err)
	}
	rendered := imagestore.Encode(img.Data)

	if _, err := retryStore(wctx, e.cfg.StoreRetry, "put_live", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.store.Put(ctx, e.cfg.LiveBucket, userID, rendered)
	}); err != nil {
		return fmt.Errorf("write live image: %w", err)
	}

	log.Info("live banner stored", slog.Bool("backup_written", writeBackup), slog.Int("bytes", len(img.Data)))
	return e.publish(wctx, userID, Up, rendered, res)
}

// Deactivate restores the backed up original to the live bucket.
func (e *Engine) Deactivate(ctx context.Context, userID string, enabled feature.Set) (res Result, err error) {
	res = Result{UserID: userID, Direction: Down}
	if !enabled.Has(feature.KindBanner) {
		res.Skipped, res.Reason = true, "banner feature not enabled"
		return res, nil
	}
	ctx, span := telemetry.StartSpan(ctx, "lifecycle", "lifecycle.deactivate", telemetry.UserAttr(userID), telemetry.DirectionAttr(string(Down)))
	defer endSpan(span, &err)

	err = e.WithUserLock(ctx, userID, func(ctx context.Context) error {
		return e.deactivate(ctx, userID, &res)
	})
	return res, err
}

func (e *Engine) deactivate(ctx context.Context, userID string, res *Result) error {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("user", userID), slog.String("component", "lifecycle"))

	backup, err := retryStore(ctx, e.cfg.StoreRetry, "get_backup", func(ctx context.Context) (imagestore.Payload, error) {
		return e.store.Get(ctx, e.cfg.BackupBucket, userID)
	})
	if errors.Is(err, imagestore.ErrNotFound) {
		log.Info("no backup to restore")
		res.Skipped, res.Reason = true, "no backup to restore"
		return nil
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.TransitionTimeout)
	defer cancel()

	if _, err := retryStore(wctx, e.cfg.StoreRetry, "put_live", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.store.Put(ctx, e.cfg.LiveBucket, userID, backup)
	}); err != nil {
		return fmt.Errorf("restore live image: %w", err)
	}
	log.Info("original banner restored", slog.Bool("empty", backup.IsEmpty()))
	return e.publish(wctx, userID, Down, backup, res)
}

func (e *Engine) render(ctx context.Context, plan *templates.Plan) (templates.RenderedImage, error) {
	if err := e.renders.acquire(ctx); err != nil {
		return templates.RenderedImage{}, err
	}
	defer e.renders.release()
	defer telemetry.TrackRender()()
	return plan.Render(ctx)
}

func (e *Engine) publish(ctx context.Context, userID string, dir Direction, image imagestore.Payload, res *Result) error {
	err := retryPublish(ctx, e.cfg.PublishRetry, func(ctx context.Context) error {
		return e.publisher.Publish(ctx, userID, image)
	})
	if err == nil {
		return nil
	}
	telemetry.IncPublishInconsistency()
	perr := &PublishError{UserID: userID, Direction: dir, Err: err}
	if e.cfg.PublishFailurePolicy == PolicyFail {
		return perr
	}
	telemetry.LoggerWithCorr(ctx).Warn("publish failed after store write", slog.String("user", userID), slog.String("direction", string(dir)), slog.Any("err", err), slog.String("component", "lifecycle"))
	res.Warnings = append(res.Warnings, perr)
	return nil
}

// Purge deletes userID's images from both buckets, for account deletion.
func (e *Engine) Purge(ctx context.Context, userID string) error {
	return e.WithUserLock(ctx, userID, func(ctx context.Context) error {
		for _, bucket := range []string{e.cfg.LiveBucket, e.cfg.BackupBucket} {
			_, err := retryStore(ctx, e.cfg.StoreRetry, "delete", func(ctx context.Context) (struct{}, error) {
				return struct{}{}, e.store.Delete(ctx, bucket, userID)
			})
			if err != nil {
				return fmt.Errorf("delete %s/%s: %w", bucket, userID, err)
			}
		}
		return nil
	})
}

// RenderSlots reports active and maximum concurrent renders.
func (e *Engine) RenderSlots() (active, limit int) { return e.renders.Active(), e.renders.Max() }

func isComposite(p imagestore.Payload) bool {
	if p.IsEmpty() {
		return false
	}
	data, err := p.Decode()
	return err == nil && templates.IsComposite(data)
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		telemetry.RecordError(span, *err)
	} else {
		telemetry.SetSpanSuccess(span)
	}
	span.End()
}
