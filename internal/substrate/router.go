package substrate

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Contract is anything reachable at a substrate address through ABI calldata
type Contract interface {
	Address() common.Address
	Call(ctx context.Context, caller common.Address, value *big.Int, data []byte) ([]byte, error)
}

// Caller dispatches calldata to the contract at target
type Caller interface {
	Call(ctx context.Context, caller, target common.Address, value *big.Int, data []byte) ([]byte, error)
}

// Router maps addresses to deployed contracts
type Router struct {
	mu        sync.RWMutex
	contracts map[common.Address]Contract
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{contracts: make(map[common.Address]Contract)}
}

// Deploy registers c at its address. Deploying over existing code fails.
func (r *Router) Deploy(c Contract) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	addr := c.Address()
	if _, exists := r.contracts[addr]; exists {
		return fmt.Errorf("code already present at %s", addr.Hex())
	}
	r.contracts[addr] = c
	return nil
}

// CodeAt returns the contract deployed at addr
func (r *Router) CodeAt(addr common.Address) (Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[addr]
	return c, ok
}

// HasCode reports whether a contract is deployed at addr
func (r *Router) HasCode(addr common.Address) bool {
	_, ok := r.CodeAt(addr)
	return ok
}

// Call routes data to the contract at target with caller as the message sender
func (r *Router) Call(ctx context.Context, caller, target common.Address, value *big.Int, data []byte) ([]byte, error) {
	c, ok := r.CodeAt(target)
	if !ok {
		return nil, fmt.Errorf("no contract deployed at %s", target.Hex())
	}
	if value == nil {
		value = new(big.Int)
	}
	return c.Call(ctx, caller, value, data)
}
