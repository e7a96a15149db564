// Package retry provides exponential backoff with optional jitter around a
// fallible operation. Call sites inject a classifier so non-retryable failures
// (bad input, 4xx) are surfaced immediately even when attempts remain.
package retry

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool

	// Retryable reports whether the error is worth another attempt.
	// Nil means everything is retryable.
	Retryable func(error) bool
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	return c
}

// delayBefore returns the wait before attempt n (n >= 2): the capped
// exponential, scaled by a random factor in [0.5, 1.5] when jitter is on.
func (c Config) delayBefore(attempt int, r *rand.Rand) time.Duration {
	d := time.Duration(float64(c.BaseDelay) * pow(c.Multiplier, attempt-2))
	if d > c.MaxDelay || d < 0 { // overflow guard
		d = c.MaxDelay
	}
	if c.Jitter && r != nil {
		d = time.Duration(float64(d) * (0.5 + r.Float64()))
		if d > c.MaxDelay {
			d = c.MaxDelay
		}
	}
	return d
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

// Do executes op up to cfg.MaxAttempts times. The name is only used for logs.
func Do[T any](ctx context.Context, name string, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	cfg = cfg.normalized()
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			d := cfg.delayBefore(attempt, r)
			slog.Warn("retrying", "op", name, "attempt", attempt, "delay", d.String())
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, errors.Wrap(ctx.Err(), name)
			case <-t.C:
			}
		}

		out, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("succeeded after retry", "op", name, "attempt", attempt)
			}
			return out, nil
		}
		lastErr = err
		slog.Warn("attempt failed", "op", name, "attempt", attempt, "error", err.Error())

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, errors.Wrap(ctx.Err(), name)
		}
	}

	slog.Error("attempts exhausted", "op", name, "attempts", cfg.MaxAttempts, "error", lastErr.Error())
	return zero, lastErr
}
