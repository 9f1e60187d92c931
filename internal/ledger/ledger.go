// Package ledger implements the portfolio ledger and strategy registry.
//
// Both live at one substrate address. Every mutating operation validates all
// of its preconditions before the first write, so a rejected call leaves no
// trace. Callers are expected to run mutations inside substrate.Serializer.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/attested-rebalancer/internal/attestation"
	apperrors "github.com/attested-rebalancer/internal/errors"
	"github.com/attested-rebalancer/internal/events"
	"github.com/attested-rebalancer/internal/logging"
	"github.com/attested-rebalancer/internal/substrate"
	"github.com/attested-rebalancer/internal/types"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultMinRebalanceInterval is the minimum gap between the last analysis
// and an automatic rebalance
const DefaultMinRebalanceInterval = time.Hour

// MaxFeeBps caps the protocol fee at 10%
const MaxFeeBps = 1000

// Rebalancer is the seam where an external trading adapter moves funds
type Rebalancer interface {
	Rebalance(ctx context.Context, strategy types.Strategy) error
}

// FailurePolicy decides what an adapter failure does to a consumed strategy
type FailurePolicy int

const (
	// RevertOnFailure restores the strategy and counters when the adapter fails
	RevertOnFailure FailurePolicy = iota
	// ConsumeOnFailure keeps the strategy executed when the adapter fails
	ConsumeOnFailure
)

// String returns a string representation of the policy.
func (p FailurePolicy) String() string {
	if p == ConsumeOnFailure {
		return "consume"
	}
	return "revert"
}

// Config holds the ledger's construction parameters
type Config struct {
	Address              common.Address
	Admin                common.Address
	Attester             common.Address
	ExecutionPool        common.Address
	FeeBps               uint16
	FeeRecipient         common.Address
	MinRebalanceInterval time.Duration
	EnforceAllocationSum bool
	FailurePolicy        FailurePolicy
}

// Ledger is the authoritative store of portfolios, risk history and strategies
type Ledger struct {
	mu sync.RWMutex

	cfg        Config
	paused     bool
	portfolios map[common.Address]*types.Portfolio
	history    map[common.Address][]types.RiskReport
	strategies map[common.Hash]*types.Strategy
	balances   map[common.Address]*big.Int // Keyed by token; zero address is the native balance
	metrics    types.LedgerMetrics

	clock      substrate.Clock
	rebalancer Rebalancer
	sink       events.Sink
	logger     *logging.Logger
}

// New creates a ledger. A nil clock uses the system clock and a nil rebalancer is a no-op.
func New(cfg Config, clock substrate.Clock, rebalancer Rebalancer, sink events.Sink, logger *logging.Logger) (*Ledger, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("ledger address is required")
	}
	if cfg.Admin == (common.Address{}) {
		return nil, fmt.Errorf("ledger admin is required")
	}
	if cfg.FeeBps > MaxFeeBps {
		return nil, fmt.Errorf("fee %d bps exceeds cap of %d", cfg.FeeBps, MaxFeeBps)
	}
	if cfg.MinRebalanceInterval == 0 {
		cfg.MinRebalanceInterval = DefaultMinRebalanceInterval
	}
	if clock == nil {
		clock = substrate.SystemClock{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Ledger{
		cfg:        cfg,
		portfolios: make(map[common.Address]*types.Portfolio),
		history:    make(map[common.Address][]types.RiskReport),
		strategies: make(map[common.Hash]*types.Strategy),
		balances:   make(map[common.Address]*big.Int),
		clock:      clock,
		rebalancer: rebalancer,
		sink:       sink,
		logger:     logger.WithComponent("ledger"),
	}, nil
}

// Address implements substrate.Contract
func (l *Ledger) Address() common.Address {
	return l.cfg.Address
}

func (l *Ledger) emit(ctx context.Context, e events.Event) {
	events.Emit(ctx, l.sink, l.logger, e)
}

func (l *Ledger) event(kind events.Kind, subject common.Address) events.Event {
	return events.New(kind, l.cfg.Address, subject, l.clock.Now())
}

// CreatePortfolio stores a portfolio for owner, overwriting any prior record
func (l *Ledger) CreatePortfolio(ctx context.Context, owner common.Address, dataRef common.Hash, autoRebalance bool, thresholdBps uint16) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused {
		return apperrors.NewPausedError()
	}
	if dataRef == (common.Hash{}) {
		return apperrors.NewInvalidParametersError("dataRef", "must not be zero")
	}
	if thresholdBps > types.MaxThresholdBps {
		return apperrors.NewInvalidParametersError("threshold", fmt.Sprintf("must be at most %d bps", types.MaxThresholdBps))
	}

	l.portfolios[owner] = &types.Portfolio{
		Owner:         owner,
		DataRef:       dataRef,
		AutoRebalance: autoRebalance,
		ThresholdBps:  thresholdBps,
		CreatedAt:     l.clock.Now(),
	}
	l.metrics.TotalPortfolios++

	l.emit(ctx, l.event(events.PortfolioCreated, owner).
		With("auto_rebalance", fmt.Sprint(autoRebalance)).
		With("threshold_bps", fmt.Sprint(thresholdBps)))
	return nil
}

// UpdatePortfolio changes an existing portfolio. A zero dataRef keeps the current reference.
func (l *Ledger) UpdatePortfolio(ctx context.Context, owner common.Address, newDataRef common.Hash, autoRebalance bool, thresholdBps uint16) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused {
		return apperrors.NewPausedError()
	}
	p, ok := l.portfolios[owner]
	if !ok {
		return apperrors.NewPortfolioNotFoundError(owner.Hex())
	}
	if thresholdBps > types.MaxThresholdBps {
		return apperrors.NewInvalidParametersError("threshold", fmt.Sprintf("must be at most %d bps", types.MaxThresholdBps))
	}

	if newDataRef != (common.Hash{}) {
		p.DataRef = newDataRef
	}
	p.AutoRebalance = autoRebalance
	p.ThresholdBps = thresholdBps

	l.emit(ctx, l.event(events.PortfolioUpdated, owner).
		With("auto_rebalance", fmt.Sprint(autoRebalance)).
		With("threshold_bps", fmt.Sprint(thresholdBps)))
	return nil
}

// SubmitRiskAnalysis appends an attested risk report. Any caller may relay it;
// only the attestation decides acceptance.
func (l *Ledger) SubmitRiskAnalysis(ctx context.Context, caller, owner common.Address, report types.RiskReport, sig []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused {
		return apperrors.NewPausedError()
	}
	for i, s := range report.Scores() {
		if s > types.MaxRiskScore {
			return apperrors.NewInvalidParametersError("report", fmt.Sprintf("score %d is %d, above %d", i, s, types.MaxRiskScore))
		}
	}

	digest, err := attestation.RiskReportDigest(owner, report)
	if err != nil {
		return apperrors.NewInternalError("failed to build risk report digest", err)
	}
	signer, recoverErr := attestation.Recover(digest, sig)
	if l.cfg.Attester == (common.Address{}) || signer != l.cfg.Attester {
		l.logger.WithFields(map[string]interface{}{
			"owner":     owner.Hex(),
			"caller":    caller.Hex(),
			"recovered": signer.Hex(),
		}).WithError(recoverErr).Security("Rejected risk report attestation")
		return apperrors.NewInvalidTEESignatureError(signer.Hex())
	}

	p, ok := l.portfolios[owner]
	if !ok {
		return apperrors.NewPortfolioNotFoundError(owner.Hex())
	}

	now := l.clock.Now()
	stored := report
	stored.Timestamp = now
	stored.Attestation = append([]byte(nil), sig...)
	l.history[owner] = append(l.history[owner], stored)
	p.LastAnalysis = now
	p.LastRiskScore = report.PortfolioRisk

	l.emit(ctx, l.event(events.RiskAnalysisSubmitted, owner).
		With("portfolio_risk", fmt.Sprint(report.PortfolioRisk)).
		With("relayer", caller.Hex()))
	return nil
}

// GetPortfolio returns a copy of the owner's portfolio
func (l *Ledger) GetPortfolio(owner common.Address) (*types.Portfolio, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.portfolios[owner]
	if !ok {
		return nil, apperrors.NewPortfolioNotFoundError(owner.Hex())
	}
	cp := *p
	return &cp, nil
}

// GetRiskHistory returns every accepted report for owner, oldest first
func (l *Ledger) GetRiskHistory(owner common.Address) []types.RiskReport {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h := l.history[owner]
	out := make([]types.RiskReport, len(h))
	copy(out, h)
	return out
}

// GetLatestRiskReport returns the newest report, or the zero report when there is none.
// A zero Timestamp means "no report yet".
func (l *Ledger) GetLatestRiskReport(owner common.Address) types.RiskReport {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h := l.history[owner]
	if len(h) == 0 {
		return types.RiskReport{}
	}
	return h[len(h)-1]
}

// Metrics returns the monotonic usage counters
func (l *Ledger) Metrics() types.LedgerMetrics {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.metrics
}
