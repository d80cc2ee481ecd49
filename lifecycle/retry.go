package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/live-banner/imagestore"
	"github.com/onnwee/live-banner/telemetry"
)

// RetryPolicy bounds retries of one external call.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	return b
}

func (p RetryPolicy) attempts() uint {
	if p.MaxAttempts < 1 {
		return 1
	}
	return uint(p.MaxAttempts)
}

// retryStore runs a gateway call, retrying only ErrStoreUnavailable.
func retryStore[T any](ctx context.Context, p RetryPolicy, op string, fn func(context.Context) (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !imagestore.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.attempts()),
		backoff.WithNotify(func(err error, next time.Duration) {
			telemetry.IncStoreRetry(op)
			slog.Warn("image store call failed, retrying", slog.String("op", op), slog.Duration("next", next), slog.Any("err", err), slog.String("component", "lifecycle"))
		}),
	)
}

// permanent is implemented by publisher errors that retrying cannot fix
// (bad credentials, rejected image).
type permanent interface{ Permanent() bool }

func isPermanent(err error) bool {
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}

// retryPublish runs a publisher call with its own policy.
func retryPublish(ctx context.Context, p RetryPolicy, fn func(context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		switch {
		case err == nil:
			telemetry.IncPublish("ok")
			return struct{}{}, nil
		case isPermanent(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			telemetry.IncPublish("error")
			return struct{}{}, backoff.Permanent(err)
		default:
			telemetry.IncPublish("error")
			return struct{}{}, err
		}
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.attempts()),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("publish failed, retrying", slog.Duration("next", next), slog.Any("err", err), slog.String("component", "lifecycle"))
		}),
	)
	return err
}
