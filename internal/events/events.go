// Package events carries the observability records emitted by the ledger,
// agents and fee sponsor, and the sinks that persist them.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/attested-rebalancer/internal/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Kind names an event
type Kind string

// Event kinds
const (
	PortfolioCreated       Kind = "PortfolioCreated"
	PortfolioUpdated       Kind = "PortfolioUpdated"
	RiskAnalysisSubmitted  Kind = "RiskAnalysisSubmitted"
	StrategySubmitted      Kind = "StrategySubmitted"
	StrategyExecuted       Kind = "StrategyExecuted"
	AutomaticRebalance     Kind = "AutomaticRebalanceTriggered"
	RebalanceFailed        Kind = "RebalanceFailed"
	SessionKeyCreated      Kind = "SessionKeyCreated"
	SessionKeyRevoked      Kind = "SessionKeyRevoked"
	OperationExecuted      Kind = "OperationExecuted"
	SponsoredOperation     Kind = "SponsoredOperation"
	AgentCreated           Kind = "AgentCreated"
	AttesterUpdated        Kind = "AttesterUpdated"
	ExecutionPoolUpdated   Kind = "ExecutionPoolUpdated"
	FeeUpdated             Kind = "FeeUpdated"
	MinIntervalUpdated     Kind = "MinRebalanceIntervalUpdated"
	Paused                 Kind = "Paused"
	Unpaused               Kind = "Unpaused"
	TokensRescued          Kind = "TokensRescued"
	AdminTransferred       Kind = "AdminTransferred"
	AllocationSumToggled   Kind = "AllocationSumEnforcementUpdated"
	DailyLimitUpdated      Kind = "DailyLimitUpdated"
	SelectorWhitelisted    Kind = "SelectorWhitelistUpdated"
	VerifyingSignerUpdated Kind = "VerifyingSignerUpdated"
)

// Event is one observability record
type Event struct {
	ID          string            `json:"id"`
	Kind        Kind              `json:"kind"`
	Contract    common.Address    `json:"contract"`
	Subject     common.Address    `json:"subject"`
	Fingerprint common.Hash       `json:"fingerprint,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// New builds an event with a fresh ID
func New(kind Kind, contract, subject common.Address, at time.Time) Event {
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Contract:  contract,
		Subject:   subject,
		Timestamp: at,
	}
}

// With returns a copy of e carrying an extra attribute
func (e Event) With(key, value string) Event {
	attrs := make(map[string]string, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	e.Attributes = attrs
	return e
}

// WithFingerprint returns a copy of e bound to a strategy
func (e Event) WithFingerprint(fp common.Hash) Event {
	e.Fingerprint = fp
	return e
}

// Sink receives events. Emit must not block the caller for long.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// Emit sends e to sink, logging and swallowing sink failures. Events are
// observability only and never decide the outcome of a state change.
func Emit(ctx context.Context, sink Sink, logger *logging.Logger, e Event) {
	if sink == nil {
		return
	}
	if err := sink.Emit(ctx, e); err != nil && logger != nil {
		logger.WithError(err).WithField("kind", string(e.Kind)).Warn("Failed to emit event")
	}
}

// MemorySink keeps every event in memory
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit implements Sink
func (s *MemorySink) Emit(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events returns a snapshot of everything emitted so far
func (s *MemorySink) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// OfKind returns the emitted events of one kind
func (s *MemorySink) OfKind(kind Kind) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Recent returns up to limit of the most recent events, newest first
func (s *MemorySink) Recent(limit int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	out := make([]Event, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	return out
}

// LogSink writes events to a logger
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a sink backed by logger
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger.WithComponent("events")}
}

// Emit implements Sink
func (s *LogSink) Emit(_ context.Context, e Event) error {
	fields := map[string]interface{}{
		"event_id": e.ID,
		"kind":     string(e.Kind),
		"contract": e.Contract.Hex(),
		"subject":  e.Subject.Hex(),
	}
	if e.Fingerprint != (common.Hash{}) {
		fields["fingerprint"] = e.Fingerprint.Hex()
	}
	for k, v := range e.Attributes {
		fields[k] = v
	}
	s.logger.WithFields(fields).Info("event")
	return nil
}

// MultiSink fans out to several sinks and returns the first error
type MultiSink []Sink

// Emit implements Sink
func (m MultiSink) Emit(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if err := s.Emit(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
