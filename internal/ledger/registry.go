package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/attested-rebalancer/internal/attestation"
	apperrors "github.com/attested-rebalancer/internal/errors"
	"github.com/attested-rebalancer/internal/events"
	"github.com/attested-rebalancer/internal/types"
	"github.com/ethereum/go-ethereum/common"
)

func (l *Ledger) validateAllocations(allocations []types.Allocation) error {
	if len(allocations) == 0 {
		return apperrors.NewInvalidParametersError("allocations", "must not be empty")
	}
	sum := 0
	for i, a := range allocations {
		if a.Bps > types.MaxBps {
			return apperrors.NewInvalidParametersError("allocations", fmt.Sprintf("entry %d is %d bps, above %d", i, a.Bps, types.MaxBps))
		}
		sum += int(a.Bps)
	}
	if l.cfg.EnforceAllocationSum && sum != types.MaxBps {
		return apperrors.NewInvalidParametersError("allocations", fmt.Sprintf("sum to %d bps, want %d", sum, types.MaxBps))
	}
	return nil
}

func validateValidity(period time.Duration) error {
	if period < 0 || period > types.MaxValidityPeriod {
		return apperrors.NewInvalidParametersError("validityPeriod", fmt.Sprintf("must be between 0 and %s", types.MaxValidityPeriod))
	}
	return nil
}

// newStrategy fingerprints allocations at now and rejects collisions. Caller holds l.mu.
func (l *Ledger) newStrategy(owner common.Address, allocations []types.Allocation, sig []byte, period time.Duration, now time.Time) (*types.Strategy, error) {
	fp, err := attestation.StrategyFingerprint(owner, allocations, now)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to fingerprint strategy", err)
	}
	if _, exists := l.strategies[fp]; exists {
		return nil, apperrors.NewInvalidParametersError("allocations", "identical strategy already submitted this second")
	}
	return &types.Strategy{
		Fingerprint: fp,
		Owner:       owner,
		Allocations: append([]types.Allocation(nil), allocations...),
		Attestation: append([]byte(nil), sig...),
		SubmittedAt: now,
		Deadline:    now.Add(period),
	}, nil
}

// SubmitStrategy registers a strategy for owner and returns its fingerprint.
// Resubmitting the same allocations later yields a different fingerprint.
func (l *Ledger) SubmitStrategy(ctx context.Context, owner common.Address, allocations []types.Allocation, sig []byte, validityPeriod time.Duration) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused {
		return common.Hash{}, apperrors.NewPausedError()
	}
	if err := validateValidity(validityPeriod); err != nil {
		return common.Hash{}, err
	}
	if _, ok := l.portfolios[owner]; !ok {
		return common.Hash{}, apperrors.NewPortfolioNotFoundError(owner.Hex())
	}
	if err := l.validateAllocations(allocations); err != nil {
		return common.Hash{}, err
	}

	s, err := l.newStrategy(owner, allocations, sig, validityPeriod, l.clock.Now())
	if err != nil {
		return common.Hash{}, err
	}
	l.strategies[s.Fingerprint] = s

	l.emit(ctx, l.event(events.StrategySubmitted, owner).
		WithFingerprint(s.Fingerprint).
		With("deadline", s.Deadline.Format(time.RFC3339)))
	return s.Fingerprint, nil
}

// ExecuteStrategy consumes a strategy and hands it to the rebalancer.
//
// Phase one marks the strategy executed before the adapter runs, so a
// reentrant second execution sees it consumed. The deadline is checked again
// once the adapter returns.
func (l *Ledger) ExecuteStrategy(ctx context.Context, caller common.Address, fingerprint common.Hash) error {
	l.mu.Lock()
	if l.paused {
		l.mu.Unlock()
		return apperrors.NewPausedError()
	}
	s, ok := l.strategies[fingerprint]
	if !ok {
		l.mu.Unlock()
		return apperrors.NewInvalidParametersError("fingerprint", "unknown strategy")
	}
	if s.Executed {
		l.mu.Unlock()
		return apperrors.NewStrategyAlreadyExecutedError(fingerprint.Hex())
	}
	if l.clock.Now().After(s.Deadline) {
		l.mu.Unlock()
		return apperrors.NewStrategyExpiredError(fingerprint.Hex())
	}

	s.Executed = true
	l.metrics.TotalExecutions++
	snapshot := cloneStrategy(s)
	l.mu.Unlock()

	return l.delegate(ctx, caller, snapshot, false)
}

// TriggerAutomatic registers and executes an attested strategy in one step
// for an owner who opted into automatic rebalancing.
func (l *Ledger) TriggerAutomatic(ctx context.Context, caller, owner common.Address, deviationBps uint64, proposal types.StrategyProposal, sig []byte) (common.Hash, error) {
	l.mu.Lock()
	if l.paused {
		l.mu.Unlock()
		return common.Hash{}, apperrors.NewPausedError()
	}
	p, ok := l.portfolios[owner]
	if !ok {
		l.mu.Unlock()
		return common.Hash{}, apperrors.NewPortfolioNotFoundError(owner.Hex())
	}
	if !p.AutoRebalance {
		l.mu.Unlock()
		return common.Hash{}, apperrors.NewUnauthorizedCallerError(caller.Hex(), "triggerAutomatic")
	}
	if deviationBps < uint64(p.ThresholdBps) {
		l.mu.Unlock()
		return common.Hash{}, apperrors.NewInvalidParametersError("deviation", fmt.Sprintf("%d bps is below threshold %d", deviationBps, p.ThresholdBps))
	}

	now := l.clock.Now()
	if elapsed := now.Sub(p.LastAnalysis); elapsed < l.cfg.MinRebalanceInterval {
		l.mu.Unlock()
		retry := int64((l.cfg.MinRebalanceInterval - elapsed).Seconds())
		return common.Hash{}, apperrors.NewRebalanceTooFrequentError(owner.Hex(), retry)
	}
	if err := validateValidity(proposal.ValidityPeriod); err != nil {
		l.mu.Unlock()
		return common.Hash{}, err
	}
	if err := l.validateAllocations(proposal.Allocations); err != nil {
		l.mu.Unlock()
		return common.Hash{}, err
	}

	s, err := l.newStrategy(owner, proposal.Allocations, sig, proposal.ValidityPeriod, now)
	if err != nil {
		l.mu.Unlock()
		return common.Hash{}, err
	}
	digest, err := attestation.StrategyDigest(owner, s.Fingerprint, s.Assets())
	if err != nil {
		l.mu.Unlock()
		return common.Hash{}, apperrors.NewInternalError("failed to build strategy digest", err)
	}
	signer, recoverErr := attestation.Recover(digest, sig)
	if l.cfg.Attester == (common.Address{}) || signer != l.cfg.Attester {
		l.mu.Unlock()
		l.logger.WithFields(map[string]interface{}{
			"owner":       owner.Hex(),
			"caller":      caller.Hex(),
			"fingerprint": s.Fingerprint.Hex(),
			"recovered":   signer.Hex(),
		}).WithError(recoverErr).Security("Rejected automatic rebalance attestation")
		return common.Hash{}, apperrors.NewInvalidTEESignatureError(signer.Hex())
	}

	s.Executed = true
	s.Automatic = true
	l.strategies[s.Fingerprint] = s
	l.metrics.TotalExecutions++
	snapshot := cloneStrategy(s)
	l.mu.Unlock()

	if err := l.delegate(ctx, caller, snapshot, true); err != nil {
		if l.cfg.FailurePolicy == ConsumeOnFailure {
			// The record stays consumed; the caller needs to know which one.
			return snapshot.Fingerprint, err
		}
		return common.Hash{}, err
	}

	l.emit(ctx, l.event(events.AutomaticRebalance, owner).
		WithFingerprint(s.Fingerprint).
		With("deviation_bps", fmt.Sprint(deviationBps)))
	return snapshot.Fingerprint, nil
}

// delegate runs phase two: the adapter call and the post-call deadline check.
func (l *Ledger) delegate(ctx context.Context, caller common.Address, s types.Strategy, registered bool) error {
	var failure error
	if l.rebalancer != nil {
		failure = l.rebalancer.Rebalance(ctx, s)
	}
	if failure == nil && l.clock.Now().After(s.Deadline) {
		failure = apperrors.NewStrategyExpiredError(s.Fingerprint.Hex())
	}

	if failure != nil {
		if l.cfg.FailurePolicy == RevertOnFailure {
			l.rollback(s.Fingerprint, registered)
		}
		l.logger.WithError(failure).WithFields(map[string]interface{}{
			"fingerprint": s.Fingerprint.Hex(),
			"owner":       s.Owner.Hex(),
			"policy":      l.cfg.FailurePolicy.String(),
		}).Warn("Rebalance delegation failed")
		l.emit(ctx, l.event(events.RebalanceFailed, s.Owner).
			WithFingerprint(s.Fingerprint).
			With("policy", l.cfg.FailurePolicy.String()))
		return apperrors.NewRebalanceExecutionFailedError(s.Fingerprint.Hex(), failure)
	}

	l.mu.RLock()
	fee, recipient, pool := l.cfg.FeeBps, l.cfg.FeeRecipient, l.cfg.ExecutionPool
	l.mu.RUnlock()

	l.emit(ctx, l.event(events.StrategyExecuted, s.Owner).
		WithFingerprint(s.Fingerprint).
		With("caller", caller.Hex()).
		With("automatic", fmt.Sprint(s.Automatic)).
		With("fee_bps", fmt.Sprint(fee)).
		With("fee_recipient", recipient.Hex()).
		With("execution_pool", pool.Hex()))
	return nil
}

// rollback undoes phase one. A strategy registered by the same call is removed entirely.
func (l *Ledger) rollback(fp common.Hash, registered bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.strategies[fp]
	if !ok || !s.Executed {
		return
	}
	if registered {
		delete(l.strategies, fp)
	} else {
		s.Executed = false
	}
	if l.metrics.TotalExecutions > 0 {
		l.metrics.TotalExecutions--
	}
}

// IsValid reports whether fingerprint is known, unexecuted and within its deadline
func (l *Ledger) IsValid(fingerprint common.Hash) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.strategies[fingerprint]
	if !ok {
		return false
	}
	return !s.Executed && !l.clock.Now().After(s.Deadline)
}

// GetStrategy returns a copy of a registered strategy
func (l *Ledger) GetStrategy(fingerprint common.Hash) (*types.Strategy, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.strategies[fingerprint]
	if !ok {
		return nil, apperrors.NewInvalidParametersError("fingerprint", "unknown strategy")
	}
	cp := cloneStrategy(s)
	return &cp, nil
}

func cloneStrategy(s *types.Strategy) types.Strategy {
	cp := *s
	cp.Allocations = append([]types.Allocation(nil), s.Allocations...)
	cp.Attestation = append([]byte(nil), s.Attestation...)
	return cp
}
