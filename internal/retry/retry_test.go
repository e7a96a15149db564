package retry

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func fastCfg() Config {
	return Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestDo_succeedsFirstAttempt(t *testing.T) {
	calls := 0
	out, err := Do(context.Background(), "op", fastCfg(), func(ctx context.Context) (int, error) {
		calls++
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, out)
	require.Equal(t, 1, calls)
}

func TestDo_retriesThenSucceeds(t *testing.T) {
	calls := 0
	out, err := Do(context.Background(), "op", fastCfg(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("boom")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.Equal(t, 3, calls)
}

func TestDo_exhaustsAttemptsAndPropagatesLastError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), "op", fastCfg(), func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.Errorf("boom %d", calls)
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
	require.Contains(t, err.Error(), "boom 3")
}

func TestDo_nonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	cfg := fastCfg()
	permanent := errors.New("bad request")
	cfg.Retryable = func(err error) bool { return !errors.Is(err, permanent) }

	_, err := Do(context.Background(), "op", cfg, func(ctx context.Context) (int, error) {
		calls++
		return 0, permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
}

func TestDo_contextCancelledStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := Config{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
	_, err := Do(ctx, "op", cfg, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("boom")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDelayBefore_boundedByMaxDelay(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2, Jitter: true}.normalized()
	r := rand.New(rand.NewSource(1))
	for attempt := 2; attempt <= 30; attempt++ {
		d := cfg.delayBefore(attempt, r)
		require.LessOrEqual(t, d, 10*time.Second, "attempt %d", attempt)
		require.Greater(t, d, time.Duration(0))
	}
}

func TestDelayBefore_jitterWithinFactorRange(t *testing.T) {
	cfg := Config{BaseDelay: 1000 * time.Millisecond, MaxDelay: time.Hour, Multiplier: 2, Jitter: true}.normalized()
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		d := cfg.delayBefore(2, r) // un-jittered value is exactly BaseDelay
		require.GreaterOrEqual(t, d, 500*time.Millisecond)
		require.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}
