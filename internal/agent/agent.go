// Package agent implements the delegated execution agent: a per-owner
// account that executes operations signed by its owner or by a scoped
// session key.
package agent

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/attested-rebalancer/internal/attestation"
	"github.com/attested-rebalancer/internal/auth"
	apperrors "github.com/attested-rebalancer/internal/errors"
	"github.com/attested-rebalancer/internal/events"
	"github.com/attested-rebalancer/internal/ledger"
	"github.com/attested-rebalancer/internal/logging"
	"github.com/attested-rebalancer/internal/substrate"
	"github.com/attested-rebalancer/internal/types"
	"github.com/attested-rebalancer/internal/userop"
	"github.com/ethereum/go-ethereum/common"
)

// Config holds an agent's fixed parameters
type Config struct {
	Address    common.Address
	EntryPoint common.Address
	ChainID    *big.Int
	Ledger     common.Address // Target of scoped automation keys
}

// Validation is the outcome of a successful ValidateOperation
type Validation struct {
	Signer common.Address
	Role   auth.Role
	Batch  bool
	Calls  []Call
	Value  *big.Int // Total value moved by Calls
}

// Agent is a delegated execution account
type Agent struct {
	mu sync.RWMutex

	cfg         Config
	owner       common.Address
	initialized bool
	nonce       uint64
	balance     *big.Int
	keys        keySet

	router substrate.Caller
	clock  substrate.Clock
	sink   events.Sink
	logger *logging.Logger
}

// keySet implements auth.SessionKeyLookup over the live key table
type keySet map[common.Address]*types.SessionKey

func (s keySet) SessionKey(key common.Address) (*types.SessionKey, bool) {
	k, ok := s[key]
	return k, ok
}

// New creates an uninitialized agent
func New(cfg Config, router substrate.Caller, clock substrate.Clock, sink events.Sink, logger *logging.Logger) *Agent {
	if cfg.ChainID == nil {
		cfg.ChainID = new(big.Int)
	}
	if clock == nil {
		clock = substrate.SystemClock{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Agent{
		cfg:     cfg,
		balance: new(big.Int),
		keys:    make(keySet),
		router:  router,
		clock:   clock,
		sink:    sink,
		logger:  logger.WithComponent("agent").WithField("agent", cfg.Address.Hex()),
	}
}

// Address implements substrate.Contract
func (a *Agent) Address() common.Address {
	return a.cfg.Address
}

// Initialize binds the agent to its owner. It may run only once.
func (a *Agent) Initialize(owner common.Address) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.initialized {
		return apperrors.NewInvalidParametersError("agent", "already initialized")
	}
	if owner == (common.Address{}) {
		return apperrors.NewInvalidParametersError("owner", "must not be the zero address")
	}
	a.owner = owner
	a.initialized = true
	return nil
}

// Owner returns the agent's owner, or the zero address before initialization
func (a *Agent) Owner() common.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.owner
}

// Initialized reports whether Initialize has run
func (a *Agent) Initialized() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.initialized
}

// Nonce returns the nonce the next operation must carry
func (a *Agent) Nonce() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nonce
}

// Balance returns the agent's native balance
func (a *Agent) Balance() *big.Int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return new(big.Int).Set(a.balance)
}

// SessionKey returns a copy of the delegated key registered under key
func (a *Agent) SessionKey(key common.Address) (*types.SessionKey, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	k, ok := a.keys[key]
	if !ok {
		return nil, false
	}
	return cloneKey(k), true
}

// ValidateOperation authorizes op without changing any state
func (a *Agent) ValidateOperation(op *userop.Operation) (*Validation, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.initialized {
		return nil, apperrors.NewInvalidParametersError("agent", "not initialized")
	}
	if op.Sender != a.cfg.Address {
		return nil, apperrors.NewInvalidParametersError("sender", "operation is not addressed to this agent")
	}
	if nonce := op.NonceValue(); !nonce.IsUint64() || nonce.Uint64() != a.nonce {
		return nil, apperrors.NewInvalidParametersError("nonce", fmt.Sprintf("expected %d", a.nonce))
	}

	hash, err := op.Hash(a.cfg.EntryPoint, a.cfg.ChainID)
	if err != nil {
		return nil, apperrors.NewInvalidParametersError("operation", err.Error())
	}
	signer := attestation.Verify(hash, op.Signature)

	calls, batch, err := DecodeCallData(op.CallData)
	if err != nil {
		if signer != a.owner {
			return nil, a.rejectKey(signer, err.Error())
		}
		return nil, apperrors.NewInvalidParametersError("callData", err.Error())
	}

	total := totalValue(calls)

	policy := auth.Policy{Owner: a.owner, Keys: a.keys}
	decision := policy.Authorizes(signer)
	switch decision.Role {
	case auth.RoleOwner:
	case auth.RoleSessionKey:
		call := auth.Call{Batch: batch, Value: total}
		if !batch {
			call.Target = calls[0].Target
			call.Selector, call.HasData = calls[0].Selector()
		}
		if err := auth.CheckScope(decision.Scope, a.clock.Now(), call); err != nil {
			return nil, a.rejectKey(signer, err.Error())
		}
	default:
		return nil, a.rejectKey(signer, "signer is neither owner nor a registered session key")
	}

	if total.Cmp(a.balance) > 0 {
		return nil, apperrors.NewInvalidParametersError("value", "exceeds agent balance")
	}

	return &Validation{
		Signer: signer,
		Role:   decision.Role,
		Batch:  batch,
		Calls:  calls,
		Value:  total,
	}, nil
}

func (a *Agent) rejectKey(signer common.Address, reason string) error {
	a.logger.WithFields(map[string]interface{}{
		"signer": signer.Hex(),
		"reason": reason,
	}).Security("Operation signer rejected")
	return apperrors.NewInvalidSessionKeyError(signer.Hex(), reason)
}

// ExecuteValidated consumes the nonce and performs the validated calls with
// the agent as caller. Calls run in order and stop at the first failure; the
// nonce stays consumed. A call's value leaves the agent only once that call
// succeeded, and session spend accrues only for a successful operation.
func (a *Agent) ExecuteValidated(ctx context.Context, op *userop.Operation, v *Validation) ([]byte, error) {
	a.mu.Lock()
	if nonce := op.NonceValue(); !nonce.IsUint64() || nonce.Uint64() != a.nonce {
		a.mu.Unlock()
		return nil, apperrors.NewInvalidParametersError("nonce", fmt.Sprintf("expected %d", a.nonce))
	}
	if v.Value.Cmp(a.balance) > 0 {
		a.mu.Unlock()
		return nil, apperrors.NewInvalidParametersError("value", "exceeds agent balance")
	}
	a.nonce++
	nonce := a.nonce - 1
	a.mu.Unlock()

	out, err := a.dispatch(ctx, v.Calls)
	if err == nil && v.Role == auth.RoleSessionKey {
		a.accrueSpend(v.Signer, v.Value)
	}

	e := a.event(events.OperationExecuted, v.Signer).
		With("role", v.Role.String()).
		With("nonce", fmt.Sprintf("%d", nonce)).
		With("calls", fmt.Sprintf("%d", len(v.Calls))).
		With("success", fmt.Sprintf("%t", err == nil))
	a.emit(ctx, e)

	if err != nil {
		a.logger.WithError(err).WithField("nonce", nonce).Warn("Operation execution failed")
		return nil, err
	}
	return out, nil
}

// HandleOperation validates op and executes it
func (a *Agent) HandleOperation(ctx context.Context, op *userop.Operation) ([]byte, error) {
	v, err := a.ValidateOperation(op)
	if err != nil {
		return nil, err
	}
	return a.ExecuteValidated(ctx, op, v)
}

func (a *Agent) dispatch(ctx context.Context, calls []Call) ([]byte, error) {
	if a.router == nil {
		return nil, apperrors.NewInternalError("agent has no call router", nil)
	}
	var out []byte
	for i, c := range calls {
		if err := a.covers(c.Value); err != nil {
			return nil, fmt.Errorf("call %d to %s: %w", i, c.Target.Hex(), err)
		}
		res, err := a.router.Call(ctx, a.cfg.Address, c.Target, c.Value, c.Data)
		if err != nil {
			return nil, fmt.Errorf("call %d to %s: %w", i, c.Target.Hex(), err)
		}
		if err := a.withdraw(c.Value); err != nil {
			return nil, fmt.Errorf("call %d to %s: %w", i, c.Target.Hex(), err)
		}
		out = res
	}
	return out, nil
}

// covers reports whether the balance can pay amount
func (a *Agent) covers(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if amount.Cmp(a.balance) > 0 {
		return apperrors.NewInvalidParametersError("value", "exceeds agent balance")
	}
	return nil
}

func (a *Agent) withdraw(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if amount.Cmp(a.balance) > 0 {
		return apperrors.NewInvalidParametersError("value", "exceeds agent balance")
	}
	a.balance.Sub(a.balance, amount)
	return nil
}

func (a *Agent) accrueSpend(key common.Address, amount *big.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k, ok := a.keys[key]
	if !ok {
		return
	}
	if k.Spent == nil {
		k.Spent = new(big.Int)
	}
	k.Spent.Add(k.Spent, amount)
}

func totalValue(calls []Call) *big.Int {
	total := new(big.Int)
	for _, c := range calls {
		if c.Value != nil {
			total.Add(total, c.Value)
		}
	}
	return total
}

// Deposit credits native value to the agent
func (a *Agent) Deposit(amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance.Add(a.balance, amount)
}

func (a *Agent) onlyOwner(caller common.Address) error {
	if !a.initialized {
		return apperrors.NewInvalidParametersError("agent", "not initialized")
	}
	if caller != a.owner && caller != a.cfg.Address {
		a.logger.WithField("caller", caller.Hex()).Warn("Key management refused for non-owner")
		return apperrors.NewNotOwnerError(caller.Hex())
	}
	return nil
}

// CreateSessionKey registers or replaces a delegated key
func (a *Agent) CreateSessionKey(ctx context.Context, caller, key common.Address, validUntil time.Time, spendLimit *big.Int, targets []common.Address, selectors [][4]byte) error {
	a.mu.Lock()
	if err := a.onlyOwner(caller); err != nil {
		a.mu.Unlock()
		return err
	}
	switch {
	case key == (common.Address{}):
		a.mu.Unlock()
		return apperrors.NewInvalidParametersError("key", "must not be the zero address")
	case key == a.owner:
		a.mu.Unlock()
		return apperrors.NewInvalidParametersError("key", "owner cannot be a session key")
	case !validUntil.After(a.clock.Now()):
		a.mu.Unlock()
		return apperrors.NewInvalidParametersError("validUntil", "must be in the future")
	case len(targets) == 0:
		a.mu.Unlock()
		return apperrors.NewInvalidParametersError("targets", "at least one target is required")
	}

	sk := &types.SessionKey{
		Key:              key,
		ValidUntil:       validUntil,
		Spent:            new(big.Int),
		AllowedTargets:   append([]common.Address(nil), targets...),
		AllowedSelectors: append([][4]byte(nil), selectors...),
		Active:           true,
	}
	if spendLimit != nil && spendLimit.Sign() > 0 {
		sk.SpendLimit = new(big.Int).Set(spendLimit)
	}
	a.keys[key] = sk
	a.mu.Unlock()

	a.logger.WithFields(map[string]interface{}{
		"key":         key.Hex(),
		"valid_until": validUntil.Unix(),
		"targets":     len(targets),
		"selectors":   len(selectors),
	}).Info("Session key created")
	a.emit(ctx, a.event(events.SessionKeyCreated, key).
		With("valid_until", fmt.Sprintf("%d", validUntil.Unix())))
	return nil
}

// CreateScopedAutomationKey registers a key limited to submitting and
// executing strategies on the ledger for duration
func (a *Agent) CreateScopedAutomationKey(ctx context.Context, caller, key common.Address, duration time.Duration) error {
	if duration <= 0 {
		return apperrors.NewInvalidParametersError("duration", "must be positive")
	}
	return a.CreateSessionKey(ctx, caller, key, a.clock.Now().Add(duration), nil,
		[]common.Address{a.cfg.Ledger},
		[][4]byte{ledger.SelectorSubmitStrategy, ledger.SelectorExecuteStrategy})
}

// RevokeSessionKey deactivates a delegated key
func (a *Agent) RevokeSessionKey(ctx context.Context, caller, key common.Address) error {
	a.mu.Lock()
	if err := a.onlyOwner(caller); err != nil {
		a.mu.Unlock()
		return err
	}
	k, ok := a.keys[key]
	if !ok {
		a.mu.Unlock()
		return apperrors.NewInvalidParametersError("key", "unknown session key")
	}
	k.Active = false
	a.mu.Unlock()

	a.logger.WithField("key", key.Hex()).Info("Session key revoked")
	a.emit(ctx, a.event(events.SessionKeyRevoked, key))
	return nil
}

// SessionKeys returns copies of every registered key
func (a *Agent) SessionKeys() []types.SessionKey {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]types.SessionKey, 0, len(a.keys))
	for _, k := range a.keys {
		out = append(out, *cloneKey(k))
	}
	return out
}

func (a *Agent) emit(ctx context.Context, e events.Event) {
	events.Emit(ctx, a.sink, a.logger, e)
}

func (a *Agent) event(kind events.Kind, subject common.Address) events.Event {
	return events.New(kind, a.cfg.Address, subject, a.clock.Now())
}

func cloneKey(k *types.SessionKey) *types.SessionKey {
	c := *k
	if k.SpendLimit != nil {
		c.SpendLimit = new(big.Int).Set(k.SpendLimit)
	}
	if k.Spent != nil {
		c.Spent = new(big.Int).Set(k.Spent)
	}
	c.AllowedTargets = append([]common.Address(nil), k.AllowedTargets...)
	c.AllowedSelectors = append([][4]byte(nil), k.AllowedSelectors...)
	return &c
}
