package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() *Config {
	return &Config{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2}
}

func TestWithExponentialBackoff_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	result := WithExponentialBackoff(context.Background(), fastConfig(), "test", func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, calls)
}

func TestWithExponentialBackoff_GivesUp(t *testing.T) {
	boom := errors.New("down")
	result := WithExponentialBackoff(context.Background(), fastConfig(), "test", func(context.Context, int) error {
		return boom
	})

	assert.False(t, result.Success)
	assert.Equal(t, 4, result.Attempts)
	assert.ErrorIs(t, result.LastError, boom)
}

func TestWithExponentialBackoff_ShouldRetryStopsEarly(t *testing.T) {
	cfg := fastConfig()
	permanent := errors.New("bad credentials")
	cfg.ShouldRetry = func(err error) bool { return !errors.Is(err, permanent) }

	result := WithExponentialBackoff(context.Background(), cfg, "test", func(context.Context, int) error {
		return permanent
	})
	assert.Equal(t, 1, result.Attempts)
	assert.False(t, result.Success)
}

func TestWithExponentialBackoff_ContextCancelled(t *testing.T) {
	cfg := &Config{MaxAttempts: 10, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}
	ctx, cancel := context.WithCancel(context.Background())

	result := WithExponentialBackoff(ctx, cfg, "test", func(context.Context, int) error {
		cancel()
		return errors.New("down")
	})
	assert.Equal(t, 1, result.Attempts)
	assert.ErrorIs(t, result.LastError, context.Canceled)
}

func TestBackoff(t *testing.T) {
	cfg := &Config{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, backoff(cfg, 1))
	assert.Equal(t, 2*time.Second, backoff(cfg, 2))
	assert.Equal(t, 4*time.Second, backoff(cfg, 3))
	assert.Equal(t, 5*time.Second, backoff(cfg, 4))
}

func TestConnectWith(t *testing.T) {
	attempts := 0
	conn, err := ConnectWith(context.Background(), fastConfig(), "db", func(context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("refused")
		}
		return "conn", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "conn", conn)

	_, err = ConnectWith(context.Background(), fastConfig(), "db", func(context.Context) (int, error) {
		return 0, errors.New("refused")
	})
	assert.ErrorContains(t, err, "connect db failed after 4 attempts")
}
