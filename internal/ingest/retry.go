package ingest

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"
)

// RetryConfig configures retry behaviour for data-source calls.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig retries three times: 500ms, 1s, then gives up.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

// withBackoff calls fn until it succeeds, returns a permanent error, the
// attempts run out or ctx is done. It returns the last error seen.
func withBackoff(ctx context.Context, cfg RetryConfig, op string, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("data source call succeeded after retry", "op", op, "attempts", attempt)
			}
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) || attempt == attempts || ctx.Err() != nil {
			break
		}

		delay := backoffDelay(cfg, attempt)
		slog.Warn("data source call failed, retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"err", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

// backoffDelay is initialDelay × multiplier^(attempt−1), capped at maxDelay.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}
