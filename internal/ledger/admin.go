package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	apperrors "github.com/attested-rebalancer/internal/errors"
	"github.com/attested-rebalancer/internal/events"
	"github.com/ethereum/go-ethereum/common"
)

// Settings is a read-only view of the administrative configuration
type Settings struct {
	Admin                common.Address `json:"admin"`
	Attester             common.Address `json:"attester"`
	ExecutionPool        common.Address `json:"executionPool"`
	FeeBps               uint16         `json:"feeBps"`
	FeeRecipient         common.Address `json:"feeRecipient"`
	MinRebalanceInterval time.Duration  `json:"minRebalanceInterval"`
	EnforceAllocationSum bool           `json:"enforceAllocationSum"`
	FailurePolicy        string         `json:"failurePolicy"`
	Paused               bool           `json:"paused"`
}

// Settings returns the current administrative configuration
func (l *Ledger) Settings() Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Settings{
		Admin:                l.cfg.Admin,
		Attester:             l.cfg.Attester,
		ExecutionPool:        l.cfg.ExecutionPool,
		FeeBps:               l.cfg.FeeBps,
		FeeRecipient:         l.cfg.FeeRecipient,
		MinRebalanceInterval: l.cfg.MinRebalanceInterval,
		EnforceAllocationSum: l.cfg.EnforceAllocationSum,
		FailurePolicy:        l.cfg.FailurePolicy.String(),
		Paused:               l.paused,
	}
}

// admin runs fn under the write lock when caller is the administrator
func (l *Ledger) admin(caller common.Address, action string, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.cfg.Admin {
		l.logger.WithFields(map[string]interface{}{
			"caller": caller.Hex(),
			"action": action,
		}).Warn("Rejected administrative call")
		return apperrors.NewUnauthorizedCallerError(caller.Hex(), action)
	}
	return fn()
}

// SetAttester replaces the trusted attester key
func (l *Ledger) SetAttester(ctx context.Context, caller, attester common.Address) error {
	err := l.admin(caller, "setAttester", func() error {
		if attester == (common.Address{}) {
			return apperrors.NewInvalidParametersError("attester", "must not be zero")
		}
		l.cfg.Attester = attester
		return nil
	})
	if err == nil {
		l.emit(ctx, l.event(events.AttesterUpdated, attester))
	}
	return err
}

// SetExecutionPool records the trusted execution-pool identity
func (l *Ledger) SetExecutionPool(ctx context.Context, caller, pool common.Address) error {
	err := l.admin(caller, "setExecutionPool", func() error {
		l.cfg.ExecutionPool = pool
		return nil
	})
	if err == nil {
		l.emit(ctx, l.event(events.ExecutionPoolUpdated, pool))
	}
	return err
}

// SetFee sets the protocol fee, capped at MaxFeeBps
func (l *Ledger) SetFee(ctx context.Context, caller common.Address, bps uint16, recipient common.Address) error {
	err := l.admin(caller, "setFee", func() error {
		if bps > MaxFeeBps {
			return apperrors.NewInvalidParametersError("feeBps", fmt.Sprintf("must be at most %d", MaxFeeBps))
		}
		if bps > 0 && recipient == (common.Address{}) {
			return apperrors.NewInvalidParametersError("recipient", "required when a fee is charged")
		}
		l.cfg.FeeBps = bps
		l.cfg.FeeRecipient = recipient
		return nil
	})
	if err == nil {
		l.emit(ctx, l.event(events.FeeUpdated, recipient).With("fee_bps", fmt.Sprint(bps)))
	}
	return err
}

// SetMinRebalanceInterval changes the cooldown between analysis and automatic rebalance
func (l *Ledger) SetMinRebalanceInterval(ctx context.Context, caller common.Address, interval time.Duration) error {
	err := l.admin(caller, "setMinRebalanceInterval", func() error {
		if interval < 0 {
			return apperrors.NewInvalidParametersError("interval", "must not be negative")
		}
		l.cfg.MinRebalanceInterval = interval
		return nil
	})
	if err == nil {
		l.emit(ctx, l.event(events.MinIntervalUpdated, caller).With("interval", interval.String()))
	}
	return err
}

// SetEnforceAllocationSum toggles the requirement that allocations total 10000 bps
func (l *Ledger) SetEnforceAllocationSum(ctx context.Context, caller common.Address, enforce bool) error {
	err := l.admin(caller, "setEnforceAllocationSum", func() error {
		l.cfg.EnforceAllocationSum = enforce
		return nil
	})
	if err == nil {
		l.emit(ctx, l.event(events.AllocationSumToggled, caller).With("enforce", fmt.Sprint(enforce)))
	}
	return err
}

// Pause blocks every mutating portfolio and strategy operation
func (l *Ledger) Pause(ctx context.Context, caller common.Address) error {
	err := l.admin(caller, "pause", func() error {
		l.paused = true
		return nil
	})
	if err == nil {
		l.emit(ctx, l.event(events.Paused, caller))
	}
	return err
}

// Unpause lifts a pause
func (l *Ledger) Unpause(ctx context.Context, caller common.Address) error {
	err := l.admin(caller, "unpause", func() error {
		l.paused = false
		return nil
	})
	if err == nil {
		l.emit(ctx, l.event(events.Unpaused, caller))
	}
	return err
}

// Paused reports whether mutations are blocked
func (l *Ledger) Paused() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.paused
}

// TransferAdmin hands the administrative role to a new identity
func (l *Ledger) TransferAdmin(ctx context.Context, caller, newAdmin common.Address) error {
	err := l.admin(caller, "transferAdmin", func() error {
		if newAdmin == (common.Address{}) {
			return apperrors.NewInvalidParametersError("admin", "must not be zero")
		}
		l.cfg.Admin = newAdmin
		return nil
	})
	if err == nil {
		l.emit(ctx, l.event(events.AdminTransferred, newAdmin).With("previous", caller.Hex()))
	}
	return err
}

// Deposit credits a token balance held by the ledger. The zero token is the native balance.
func (l *Ledger) Deposit(token common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bal, ok := l.balances[token]
	if !ok {
		bal = new(big.Int)
		l.balances[token] = bal
	}
	bal.Add(bal, amount)
}

// Balance returns the ledger's balance of token
func (l *Ledger) Balance(token common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if bal, ok := l.balances[token]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// RescueTokens moves a stray balance out of the ledger
func (l *Ledger) RescueTokens(ctx context.Context, caller, token, to common.Address, amount *big.Int) error {
	err := l.admin(caller, "rescueTokens", func() error {
		if to == (common.Address{}) {
			return apperrors.NewInvalidParametersError("to", "must not be zero")
		}
		if amount == nil || amount.Sign() <= 0 {
			return apperrors.NewInvalidParametersError("amount", "must be positive")
		}
		bal, ok := l.balances[token]
		if !ok || bal.Cmp(amount) < 0 {
			return apperrors.NewInvalidParametersError("amount", "exceeds ledger balance")
		}
		bal.Sub(bal, amount)
		return nil
	})
	if err == nil {
		l.emit(ctx, l.event(events.TokensRescued, to).
			With("token", token.Hex()).
			With("amount", amount.String()))
	}
	return err
}
