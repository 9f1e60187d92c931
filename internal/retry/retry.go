// Package retry re-attempts infrastructure connections with exponential backoff.
//
// It is used for dialing stores and RPC endpoints at startup. Ledger, agent
// and sponsor operations are never retried here; resubmission is the caller's call.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/attested-rebalancer/internal/logging"
)

// Config configures retry behavior
type Config struct {
	MaxAttempts  int           // Maximum number of attempts, including the first
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Upper bound on any single delay
	Multiplier   float64       // Growth factor between delays
	ShouldRetry  func(err error) bool
}

// DefaultConfig returns the startup retry policy.
// Pattern: 500ms, 1s, 2s, 4s, max 10s
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// Result describes a finished retry loop
type Result struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// Func is one attempt
type Func func(ctx context.Context, attempt int) error

// WithExponentialBackoff runs fn until it succeeds, the attempts run out,
// ShouldRetry refuses the error, or ctx is done.
func WithExponentialBackoff(ctx context.Context, cfg *Config, op string, fn Func) *Result {
	logger := logging.FromContext(ctx).WithField("operation", op)
	start := time.Now()
	result := &Result{}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt

		err := fn(ctx, attempt)
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(start)
			if attempt > 1 {
				logger.WithField("attempts", attempt).Info("Connected after retry")
			}
			return result
		}
		result.LastError = err

		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			logger.WithError(err).Warn("Error is not retryable")
			break
		}
		if attempt >= cfg.MaxAttempts {
			logger.WithError(err).WithField("attempts", attempt).Error("Giving up after max attempts")
			break
		}

		delay := backoff(cfg, attempt)
		logger.WithError(err).WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": cfg.MaxAttempts,
			"delay":       delay.String(),
		}).Warn("Attempt failed, backing off")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		}
	}

	result.TotalDuration = time.Since(start)
	return result
}

// backoff is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay
func backoff(cfg *Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// Connect dials with the default policy and returns the first successful connection
func Connect[T any](ctx context.Context, name string, dial func(ctx context.Context) (T, error)) (T, error) {
	return ConnectWith(ctx, DefaultConfig(), name, dial)
}

// ConnectWith is Connect with an explicit policy
func ConnectWith[T any](ctx context.Context, cfg *Config, name string, dial func(ctx context.Context) (T, error)) (T, error) {
	var conn T
	result := WithExponentialBackoff(ctx, cfg, "connect "+name, func(ctx context.Context, _ int) error {
		c, err := dial(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if !result.Success {
		var zero T
		return zero, fmt.Errorf("connect %s failed after %d attempts: %w", name, result.Attempts, result.LastError)
	}
	return conn, nil
}
