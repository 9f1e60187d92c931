// Package sponsor implements the fee sponsor: it pays for operations that
// target the ledger with a whitelisted selector, carry a sponsorship
// signature from the verifying signer and fit the owner's daily quota.
package sponsor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/attested-rebalancer/internal/agent"
	"github.com/attested-rebalancer/internal/attestation"
	apperrors "github.com/attested-rebalancer/internal/errors"
	"github.com/attested-rebalancer/internal/events"
	"github.com/attested-rebalancer/internal/ledger"
	"github.com/attested-rebalancer/internal/logging"
	"github.com/attested-rebalancer/internal/substrate"
	"github.com/attested-rebalancer/internal/types"
	"github.com/attested-rebalancer/internal/userop"
	"github.com/ethereum/go-ethereum/common"
)

// Defaults
const (
	DefaultDailyLimit  = 10
	DefaultMaxValidity = time.Hour
)

// DefaultSelectors are the ledger operations sponsored out of the box
var DefaultSelectors = [][4]byte{
	ledger.SelectorCreatePortfolio,
	ledger.SelectorUpdatePortfolio,
	ledger.SelectorSubmitStrategy,
	ledger.SelectorExecuteStrategy,
}

// Config holds the sponsor's construction parameters
type Config struct {
	Address             common.Address
	Admin               common.Address
	Ledger              common.Address
	VerifyingSigner     common.Address
	ChainID             *big.Int
	DailyLimit          int
	MaxValidity         time.Duration
	MaxCostPerOperation *big.Int // nil or zero means unlimited
}

// Context carries what validation learned into PostOperation
type Context struct {
	Sender     common.Address
	Selector   [4]byte
	ValidUntil time.Time
	ValidAfter time.Time
	MaxCost    *big.Int
	Window     types.SponsorshipWindow
}

// Stats are totals over successful sponsored operations
type Stats struct {
	Sponsored uint64   `json:"sponsored"`
	TotalCost *big.Int `json:"totalCost"`
}

// Sponsor decides which operations it pays for
type Sponsor struct {
	mu sync.RWMutex

	cfg       Config
	whitelist map[[4]byte]bool
	stats     Stats

	quota  QuotaStore
	clock  substrate.Clock
	sink   events.Sink
	logger *logging.Logger
}

// New creates a sponsor. A nil quota store keeps windows in memory.
func New(cfg Config, quota QuotaStore, clock substrate.Clock, sink events.Sink, logger *logging.Logger) (*Sponsor, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("sponsor address is required")
	}
	if cfg.Admin == (common.Address{}) {
		return nil, fmt.Errorf("sponsor admin is required")
	}
	if cfg.Ledger == (common.Address{}) {
		return nil, fmt.Errorf("ledger address is required")
	}
	if cfg.DailyLimit < 0 {
		return nil, fmt.Errorf("daily limit must not be negative")
	}
	if cfg.DailyLimit == 0 {
		cfg.DailyLimit = DefaultDailyLimit
	}
	if cfg.MaxValidity <= 0 {
		cfg.MaxValidity = DefaultMaxValidity
	}
	if cfg.ChainID == nil {
		cfg.ChainID = new(big.Int)
	}
	if quota == nil {
		quota = NewMemoryQuotaStore()
	}
	if clock == nil {
		clock = substrate.SystemClock{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	whitelist := make(map[[4]byte]bool, len(DefaultSelectors))
	for _, sel := range DefaultSelectors {
		whitelist[sel] = true
	}

	return &Sponsor{
		cfg:       cfg,
		whitelist: whitelist,
		stats:     Stats{TotalCost: new(big.Int)},
		quota:     quota,
		clock:     clock,
		sink:      sink,
		logger:    logger.WithComponent("sponsor"),
	}, nil
}

// Address returns the sponsor's substrate address
func (s *Sponsor) Address() common.Address {
	return s.cfg.Address
}

// ValidateOperation decides whether the sponsor pays for op. Every check
// runs before the quota reservation, so a rejection consumes no quota.
func (s *Sponsor) ValidateOperation(ctx context.Context, op *userop.Operation, maxCost *big.Int) (*Context, error) {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	calls, batch, err := agent.DecodeCallData(op.CallData)
	if err != nil || batch || len(calls) != 1 {
		return nil, apperrors.NewInvalidTargetError("callData")
	}
	call := calls[0]
	if call.Target != cfg.Ledger {
		return nil, apperrors.NewInvalidTargetError(call.Target.Hex())
	}
	selector, ok := call.Selector()
	if !ok || !s.IsWhitelisted(selector) {
		return nil, apperrors.NewSelectorNotWhitelistedError("0x" + hex.EncodeToString(selector[:]))
	}

	data, err := userop.DecodeSponsorData(op.PaymasterAndData)
	if err != nil {
		return nil, s.rejectSignature(op.Sender, err.Error())
	}
	if data.Sponsor != cfg.Address {
		return nil, s.rejectSignature(op.Sender, "sponsor data names a different sponsor")
	}

	digest, err := userop.SponsorDigest(op, cfg.ChainID, data.Sponsor, data.ValidUntil, data.ValidAfter)
	if err != nil {
		return nil, apperrors.NewInvalidParametersError("operation", err.Error())
	}
	if !attestation.IsTrusted(digest, data.Signature, cfg.VerifyingSigner) {
		return nil, s.rejectSignature(op.Sender, "signature does not recover to the verifying signer")
	}

	now := s.clock.Now()
	switch {
	case data.ValidUntil.Unix() <= 0:
		return nil, s.rejectSignature(op.Sender, "validUntil is required")
	case now.Before(data.ValidAfter):
		return nil, s.rejectSignature(op.Sender, "sponsorship not yet valid")
	case now.After(data.ValidUntil):
		return nil, s.rejectSignature(op.Sender, "sponsorship expired")
	case data.ValidUntil.Sub(data.ValidAfter) > cfg.MaxValidity:
		return nil, s.rejectSignature(op.Sender, "sponsorship window exceeds maximum validity")
	}

	if cfg.MaxCostPerOperation != nil && cfg.MaxCostPerOperation.Sign() > 0 &&
		maxCost != nil && maxCost.Cmp(cfg.MaxCostPerOperation) > 0 {
		return nil, apperrors.NewInvalidParametersError("maxCost", "exceeds per-operation sponsorship cap")
	}

	window, err := s.quota.Reserve(ctx, op.Sender, now, cfg.DailyLimit)
	if errors.Is(err, ErrQuotaExhausted) {
		s.logger.WithFields(map[string]interface{}{
			"sender": op.Sender.Hex(),
			"count":  window.Count,
		}).Warn("Daily sponsorship limit reached")
		return nil, apperrors.NewDailyLimitExceededError(op.Sender.Hex(), cfg.DailyLimit)
	}
	if err != nil {
		return nil, apperrors.NewInternalError("quota store unavailable", err)
	}

	return &Context{
		Sender:     op.Sender,
		Selector:   selector,
		ValidUntil: data.ValidUntil,
		ValidAfter: data.ValidAfter,
		MaxCost:    maxCost,
		Window:     window,
	}, nil
}

func (s *Sponsor) rejectSignature(sender common.Address, reason string) error {
	s.logger.WithFields(map[string]interface{}{
		"sender": sender.Hex(),
		"reason": reason,
	}).Security("Sponsorship signature rejected")
	return apperrors.NewInvalidSignatureError(reason)
}

// PostOperation records the outcome of a sponsored operation. Only
// successful operations are counted.
func (s *Sponsor) PostOperation(ctx context.Context, sc *Context, success bool, actualCost *big.Int) {
	if sc == nil || !success {
		return
	}
	if actualCost == nil {
		actualCost = new(big.Int)
	}

	s.mu.Lock()
	s.stats.Sponsored++
	s.stats.TotalCost.Add(s.stats.TotalCost, actualCost)
	s.mu.Unlock()

	e := events.New(events.SponsoredOperation, s.cfg.Address, sc.Sender, s.clock.Now()).
		With("selector", "0x"+hex.EncodeToString(sc.Selector[:])).
		With("actual_cost", actualCost.String()).
		With("window_count", fmt.Sprintf("%d", sc.Window.Count))
	events.Emit(ctx, s.sink, s.logger, e)
}

// IsWhitelisted reports whether selector is sponsored
func (s *Sponsor) IsWhitelisted(selector [4]byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.whitelist[selector]
}

// DailyLimit returns the per-owner sponsored operations per window
func (s *Sponsor) DailyLimit() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.DailyLimit
}

// VerifyingSigner returns the key whose signature authorizes sponsorship
func (s *Sponsor) VerifyingSigner() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.VerifyingSigner
}

// Window returns the owner's current quota window
func (s *Sponsor) Window(ctx context.Context, owner common.Address) (types.SponsorshipWindow, error) {
	return s.quota.Window(ctx, owner)
}

// Stats returns a copy of the sponsorship totals
func (s *Sponsor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Sponsored: s.stats.Sponsored, TotalCost: new(big.Int).Set(s.stats.TotalCost)}
}

func (s *Sponsor) admin(ctx context.Context, caller common.Address, action string, fn func() error) error {
	s.mu.Lock()
	if caller != s.cfg.Admin {
		s.mu.Unlock()
		s.logger.WithFields(map[string]interface{}{
			"caller": caller.Hex(),
			"action": action,
		}).Warn("Admin action refused")
		return apperrors.NewUnauthorizedCallerError(caller.Hex(), action)
	}
	err := fn()
	s.mu.Unlock()
	return err
}

// SetDailyLimit changes the per-owner window cap
func (s *Sponsor) SetDailyLimit(ctx context.Context, caller common.Address, limit int) error {
	if err := s.admin(ctx, caller, "setDailyLimit", func() error {
		if limit <= 0 {
			return apperrors.NewInvalidParametersError("limit", "must be positive")
		}
		s.cfg.DailyLimit = limit
		return nil
	}); err != nil {
		return err
	}
	s.emit(ctx, events.DailyLimitUpdated, caller, "limit", fmt.Sprintf("%d", limit))
	return nil
}

// SetSelectorWhitelisted adds or removes a sponsored ledger selector
func (s *Sponsor) SetSelectorWhitelisted(ctx context.Context, caller common.Address, selector [4]byte, allowed bool) error {
	if err := s.admin(ctx, caller, "setSelectorWhitelisted", func() error {
		if allowed {
			s.whitelist[selector] = true
		} else {
			delete(s.whitelist, selector)
		}
		return nil
	}); err != nil {
		return err
	}
	s.emit(ctx, events.SelectorWhitelisted, caller, "selector", "0x"+hex.EncodeToString(selector[:]))
	return nil
}

// SetVerifyingSigner replaces the sponsorship signing key
func (s *Sponsor) SetVerifyingSigner(ctx context.Context, caller, signer common.Address) error {
	if err := s.admin(ctx, caller, "setVerifyingSigner", func() error {
		if signer == (common.Address{}) {
			return apperrors.NewInvalidParametersError("signer", "must not be the zero address")
		}
		s.cfg.VerifyingSigner = signer
		return nil
	}); err != nil {
		return err
	}
	s.emit(ctx, events.VerifyingSignerUpdated, caller, "signer", signer.Hex())
	return nil
}

func (s *Sponsor) emit(ctx context.Context, kind events.Kind, subject common.Address, key, value string) {
	e := events.New(kind, s.cfg.Address, subject, s.clock.Now()).With(key, value)
	events.Emit(ctx, s.sink, s.logger, e)
}
