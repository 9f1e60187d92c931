package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/attested-rebalancer/internal/substrate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errVenue = errors.New("venue down")

func fail(context.Context) error { return errVenue }
func ok(context.Context) error   { return nil }

func newBreaker() (*CircuitBreaker, *substrate.ManualClock) {
	clock := substrate.NewManualClock(time.Unix(1_700_000_000, 0))
	return New(Config{Name: "venue", MaxFailures: 3, Timeout: time.Minute, HalfOpenMaxCalls: 2}, clock, nil), clock
}

func TestCircuitBreaker_OpensOnConsecutiveFailures(t *testing.T) {
	cb, _ := newBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errVenue)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, uint64(1), cb.Stats().Refused)
}

func TestCircuitBreaker_RecoversAfterTimeout(t *testing.T) {
	cb, clock := newBreaker()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}

	clock.Advance(time.Minute)
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().TotalCalls)
}

func TestCircuitBreaker_ProbeFailureReopens(t *testing.T) {
	cb, clock := newBreaker()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}

	clock.Advance(time.Minute)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errVenue)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)
}

func TestCircuitBreaker_FailureRate(t *testing.T) {
	cb, _ := newBreaker()
	ctx := context.Background()

	require.NoError(t, cb.Execute(ctx, ok))
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State(), "too few calls to judge")
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State(), "two of three failed")

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(ctx, ok))
}

func TestNew_Defaults(t *testing.T) {
	cb := New(Config{Name: "x"}, nil, nil)
	assert.Equal(t, DefaultConfig("x"), cb.cfg)
}
