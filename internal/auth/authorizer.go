// Package auth maps recovered signers to roles and checks delegated scope.
//
// Cryptographic recovery happens in package attestation. This package only
// decides what an already-recovered address may do, so the policy table is
// testable without producing signatures.
package auth

import (
	"errors"
	"math/big"
	"time"

	"github.com/attested-rebalancer/internal/types"
	"github.com/ethereum/go-ethereum/common"
)

// Role is the authority a recovered signer carries
type Role int

const (
	// RoleUnauthorized carries no authority
	RoleUnauthorized Role = iota
	// RoleOwner is the primary key of an execution agent
	RoleOwner
	// RoleSessionKey is a delegated key acting within its scope
	RoleSessionKey
	// RoleAttester is the trusted analysis engine
	RoleAttester
)

// String returns a string representation of the role.
func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleSessionKey:
		return "session_key"
	case RoleAttester:
		return "attester"
	default:
		return "unauthorized"
	}
}

// Decision is the outcome of authorizing a signer. Scope is set only for RoleSessionKey.
type Decision struct {
	Role  Role
	Scope *types.SessionKey
}

// Authorizer decides the role of a recovered signer
type Authorizer interface {
	Authorizes(signer common.Address) Decision
}

// SessionKeyLookup finds a delegated key by address
type SessionKeyLookup interface {
	SessionKey(key common.Address) (*types.SessionKey, bool)
}

// Policy is the standard authorizer: owner first, then attester, then delegated keys
type Policy struct {
	Owner    common.Address
	Attester common.Address
	Keys     SessionKeyLookup
}

// Authorizes implements Authorizer. The zero address is always unauthorized.
func (p Policy) Authorizes(signer common.Address) Decision {
	if signer == (common.Address{}) {
		return Decision{Role: RoleUnauthorized}
	}
	if signer == p.Owner {
		return Decision{Role: RoleOwner}
	}
	if signer == p.Attester {
		return Decision{Role: RoleAttester}
	}
	if p.Keys != nil {
		if key, ok := p.Keys.SessionKey(signer); ok {
			return Decision{Role: RoleSessionKey, Scope: key}
		}
	}
	return Decision{Role: RoleUnauthorized}
}

// Call is the decoded shape of an operation a delegated key wants to perform
type Call struct {
	Batch    bool // Multi-call envelopes are never delegable
	Target   common.Address
	Selector [4]byte
	HasData  bool
	Value    *big.Int
}

// Scope rejection reasons
var (
	ErrKeyInactive      = errors.New("session key revoked")
	ErrKeyExpired       = errors.New("session key expired")
	ErrBatchNotAllowed  = errors.New("session keys may not submit batches")
	ErrTargetNotAllowed = errors.New("target not in session key scope")
	ErrSelectorDenied   = errors.New("selector not in session key scope")
	ErrSpendExceeded    = errors.New("session key spend ceiling exceeded")
)

// CheckScope reports whether key may perform call at now
func CheckScope(key *types.SessionKey, now time.Time, call Call) error {
	if key == nil || !key.Active {
		return ErrKeyInactive
	}
	if now.After(key.ValidUntil) {
		return ErrKeyExpired
	}
	if call.Batch {
		return ErrBatchNotAllowed
	}
	if !key.AllowsTarget(call.Target) {
		return ErrTargetNotAllowed
	}
	if len(key.AllowedSelectors) > 0 && (!call.HasData || !key.AllowsSelector(call.Selector)) {
		return ErrSelectorDenied
	}
	if remaining := key.RemainingSpend(); remaining != nil && call.Value != nil && call.Value.Cmp(remaining) > 0 {
		return ErrSpendExceeded
	}
	return nil
}
