// Package types provides common type definitions for the attested rebalancer.
package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Basis point limits
const (
	// MaxBps is 100% expressed in basis points
	MaxBps = 10000
	// MaxThresholdBps is the largest deviation threshold a portfolio may carry (50%)
	MaxThresholdBps = 5000
	// MaxRiskScore is the upper bound of every risk score component
	MaxRiskScore = 100
)

// MaxValidityPeriod caps how long a submitted strategy stays executable
const MaxValidityPeriod = 24 * time.Hour

// Portfolio is the per-owner configuration record held by the ledger
type Portfolio struct {
	Owner         common.Address `json:"owner"`
	DataRef       common.Hash    `json:"dataRef"`       // Reference to encrypted off-system configuration
	LastAnalysis  time.Time      `json:"lastAnalysis"`  // Timestamp of the last accepted risk report
	LastRiskScore uint8          `json:"lastRiskScore"` // Composite score of the last report
	AutoRebalance bool           `json:"autoRebalance"`
	ThresholdBps  uint16         `json:"thresholdBps"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// RiskReport is an attested risk analysis. Immutable once appended.
type RiskReport struct {
	ConcentrationRisk uint8     `json:"concentrationRisk"`
	ProtocolRisk      uint8     `json:"protocolRisk"`
	CorrelationRisk   uint8     `json:"correlationRisk"`
	LiquidityRisk     uint8     `json:"liquidityRisk"`
	LeverageRisk      uint8     `json:"leverageRisk"`
	PortfolioRisk     uint8     `json:"portfolioRisk"`
	Timestamp         time.Time `json:"timestamp"`
	Attestation       []byte    `json:"attestation,omitempty"`
}

// Scores returns the six component scores in canonical order
func (r RiskReport) Scores() [6]uint8 {
	return [6]uint8{
		r.ConcentrationRisk,
		r.ProtocolRisk,
		r.CorrelationRisk,
		r.LiquidityRisk,
		r.LeverageRisk,
		r.PortfolioRisk,
	}
}

// IsZero reports whether the report is the "no report yet" placeholder
func (r RiskReport) IsZero() bool {
	return r.Timestamp.IsZero()
}

// Allocation pairs a target asset with its allocation in basis points
type Allocation struct {
	Asset common.Address `json:"asset"`
	Bps   uint16         `json:"bps"`
}

// Strategy is an attested rebalancing proposal with a single-execution lifecycle
type Strategy struct {
	Fingerprint common.Hash    `json:"fingerprint"`
	Owner       common.Address `json:"owner"`
	Allocations []Allocation   `json:"allocations"`
	Attestation []byte         `json:"attestation,omitempty"`
	SubmittedAt time.Time      `json:"submittedAt"`
	Deadline    time.Time      `json:"deadline"`
	Executed    bool           `json:"executed"`
	Automatic   bool           `json:"automatic"` // Registered through the auto-rebalance path
}

// Assets returns the target assets in order
func (s *Strategy) Assets() []common.Address {
	assets := make([]common.Address, len(s.Allocations))
	for i, a := range s.Allocations {
		assets[i] = a.Asset
	}
	return assets
}

// StrategyProposal is the attester-produced body of an automatic rebalance
type StrategyProposal struct {
	Allocations    []Allocation  `json:"allocations"`
	ValidityPeriod time.Duration `json:"validityPeriod"`
}

// SessionKey is a delegated signing key scoped to targets, selectors and a deadline
type SessionKey struct {
	Key              common.Address   `json:"key"`
	ValidUntil       time.Time        `json:"validUntil"`
	SpendLimit       *big.Int         `json:"spendLimit,omitempty"` // nil or zero means no ceiling
	Spent            *big.Int         `json:"spent"`
	AllowedTargets   []common.Address `json:"allowedTargets"`
	AllowedSelectors [][4]byte        `json:"allowedSelectors"`
	Active           bool             `json:"active"`
}

// AllowsTarget reports whether target is in the key's target list
func (k *SessionKey) AllowsTarget(target common.Address) bool {
	for _, t := range k.AllowedTargets {
		if t == target {
			return true
		}
	}
	return false
}

// AllowsSelector reports whether selector is permitted. An empty selector
// list leaves the key unscoped by selector.
func (k *SessionKey) AllowsSelector(selector [4]byte) bool {
	if len(k.AllowedSelectors) == 0 {
		return true
	}
	for _, s := range k.AllowedSelectors {
		if s == selector {
			return true
		}
	}
	return false
}

// RemainingSpend returns how much value the key may still move, or nil when unlimited
func (k *SessionKey) RemainingSpend() *big.Int {
	if k.SpendLimit == nil || k.SpendLimit.Sign() == 0 {
		return nil
	}
	spent := k.Spent
	if spent == nil {
		spent = new(big.Int)
	}
	remaining := new(big.Int).Sub(k.SpendLimit, spent)
	if remaining.Sign() < 0 {
		return new(big.Int)
	}
	return remaining
}

// SponsorshipWindow tracks sponsored operations for one owner in the current day
type SponsorshipWindow struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"windowStart"`
}

// LedgerMetrics are coarse monotonic usage counters
type LedgerMetrics struct {
	TotalPortfolios uint64 `json:"totalPortfolios"`
	TotalExecutions uint64 `json:"totalExecutions"`
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
