package vrc

import (
	"context"
	"time"

	logx "sleepchat/pkg/logx"
)

// Backoff configures Do. MaxRetries is the total number of attempts.
type Backoff struct {
	Base       time.Duration
	MaxRetries int
	// Final, when set, marks retryable errors that must not be retried.
	Final func(error) bool

	// Sleep waits d or until ctx is done. Defaults to a timer wait.
	Sleep func(ctx context.Context, d time.Duration) error
	Log   logx.Logger
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. Retryable failures (429/503) wait Base*2^attempt
// between attempts. The last error is returned unchanged.
func Do[T any](ctx context.Context, b Backoff, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := b.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	sleep := b.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !Retryable(err) || attempt == attempts-1 || (b.Final != nil && b.Final(err)) {
			return zero, err
		}

		delay := b.Base << attempt
		b.Log.Warn("request throttled; retrying",
			logx.Int("status", StatusOf(err)),
			logx.Duration("delay", delay),
			logx.Int("attempt", attempt+1),
			logx.Int("max_attempts", attempts),
		)
		if err := sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// SleepContext blocks for d or until ctx is canceled.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
