// Package adapter holds the seams to external systems: the trading adapter
// that would move funds for an executed strategy, and the chain RPC endpoint.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/attested-rebalancer/internal/circuitbreaker"
	"github.com/attested-rebalancer/internal/logging"
	"github.com/attested-rebalancer/internal/types"
)

// AdapterError wraps errors with additional context
type AdapterError struct {
	Op      string // Operation that failed (e.g., "Rebalance", "ChainID")
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("adapter error [%s]: %v (details: %+v)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("adapter error [%s]: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{Op: op, Err: err, Details: details}
}

// NoopRebalancer accepts every strategy without moving funds. Fund movement
// belongs to an external venue adapter.
type NoopRebalancer struct {
	logger *logging.Logger
}

// NewNoopRebalancer creates the stub rebalancer
func NewNoopRebalancer(logger *logging.Logger) *NoopRebalancer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &NoopRebalancer{logger: logger.WithComponent("rebalancer")}
}

// Rebalance implements ledger.Rebalancer
func (r *NoopRebalancer) Rebalance(ctx context.Context, s types.Strategy) error {
	if err := ctx.Err(); err != nil {
		return NewAdapterError("Rebalance", err, map[string]interface{}{"fingerprint": s.Fingerprint.Hex()})
	}
	r.logger.WithFields(map[string]interface{}{
		"fingerprint": s.Fingerprint.Hex(),
		"owner":       s.Owner.Hex(),
		"targets":     len(s.Allocations),
		"automatic":   s.Automatic,
	}).Debug("Rebalance accepted; no venue configured")
	return nil
}

// Rebalancer moves funds toward an executed strategy's allocations
type Rebalancer interface {
	Rebalance(ctx context.Context, s types.Strategy) error
}

// GuardedRebalancer refuses to call a venue whose breaker is open, so a
// failing venue fails strategy executions fast instead of timing each out.
type GuardedRebalancer struct {
	next    Rebalancer
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedRebalancer wraps next with breaker
func NewGuardedRebalancer(next Rebalancer, breaker *circuitbreaker.CircuitBreaker) *GuardedRebalancer {
	return &GuardedRebalancer{next: next, breaker: breaker}
}

// Rebalance implements ledger.Rebalancer
func (g *GuardedRebalancer) Rebalance(ctx context.Context, s types.Strategy) error {
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.Rebalance(ctx, s)
	})
	if err == nil {
		return nil
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return err
	}
	return NewAdapterError("Rebalance", err, map[string]interface{}{"fingerprint": s.Fingerprint.Hex()})
}

// Breaker exposes the breaker for health reporting
func (g *GuardedRebalancer) Breaker() *circuitbreaker.CircuitBreaker {
	return g.breaker
}
