// Package factory derives agent addresses deterministically and deploys
// agents on first use.
package factory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/attested-rebalancer/internal/abiutil"
	"github.com/attested-rebalancer/internal/agent"
	apperrors "github.com/attested-rebalancer/internal/errors"
	"github.com/attested-rebalancer/internal/events"
	"github.com/attested-rebalancer/internal/logging"
	"github.com/attested-rebalancer/internal/substrate"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultTemplate identifies the agent implementation when none is configured
var DefaultTemplate = []byte("attested-rebalancer/agent/v1")

// Config holds the factory's parameters. EntryPoint, Ledger and ChainID are
// handed to every agent it deploys.
type Config struct {
	Address    common.Address
	EntryPoint common.Address
	Ledger     common.Address
	ChainID    *big.Int
	Template   []byte
}

// Factory deploys one agent per (owner, salt)
type Factory struct {
	mu     sync.RWMutex
	cfg    Config
	agents map[common.Address]*agent.Agent

	router *substrate.Router
	clock  substrate.Clock
	sink   events.Sink
	logger *logging.Logger
}

// New creates a factory deploying into router
func New(cfg Config, router *substrate.Router, clock substrate.Clock, sink events.Sink, logger *logging.Logger) (*Factory, error) {
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("factory address is required")
	}
	if router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if len(cfg.Template) == 0 {
		cfg.Template = DefaultTemplate
	}
	if clock == nil {
		clock = substrate.SystemClock{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Factory{
		cfg:    cfg,
		agents: make(map[common.Address]*agent.Agent),
		router: router,
		clock:  clock,
		sink:   sink,
		logger: logger.WithComponent("factory"),
	}, nil
}

// Address returns the factory's own address
func (f *Factory) Address() common.Address {
	return f.cfg.Address
}

// AddressFor returns the CREATE2 address of the agent for (owner, salt).
// It deploys nothing.
func (f *Factory) AddressFor(owner common.Address, salt common.Hash) common.Address {
	mixed := crypto.Keccak256Hash(owner.Bytes(), salt.Bytes())
	encodedOwner, err := abiutil.Encode([]abi.Type{abiutil.Address}, owner)
	if err != nil {
		// abi.encode(address) cannot fail for a common.Address
		panic(fmt.Sprintf("factory: encode owner: %v", err))
	}
	initHash := crypto.Keccak256(f.cfg.Template, encodedOwner)
	return crypto.CreateAddress2(f.cfg.Address, mixed, initHash)
}

// CreateIfAbsent returns the agent for (owner, salt), deploying and
// initializing it when it does not exist yet. created reports a deployment.
func (f *Factory) CreateIfAbsent(ctx context.Context, owner common.Address, salt common.Hash) (a *agent.Agent, created bool, err error) {
	if owner == (common.Address{}) {
		return nil, false, apperrors.NewInvalidParametersError("owner", "must not be the zero address")
	}
	addr := f.AddressFor(owner, salt)

	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.agents[addr]; ok {
		return existing, false, nil
	}
	if f.router.HasCode(addr) {
		return nil, false, apperrors.NewInternalError(fmt.Sprintf("foreign code at agent address %s", addr.Hex()), nil)
	}

	a = agent.New(agent.Config{
		Address:    addr,
		EntryPoint: f.cfg.EntryPoint,
		ChainID:    f.cfg.ChainID,
		Ledger:     f.cfg.Ledger,
	}, f.router, f.clock, f.sink, f.logger)
	if err := a.Initialize(owner); err != nil {
		return nil, false, err
	}
	if err := f.router.Deploy(a); err != nil {
		return nil, false, apperrors.NewInternalError("deploy agent", err)
	}
	f.agents[addr] = a

	f.logger.WithFields(map[string]interface{}{
		"owner": owner.Hex(),
		"agent": addr.Hex(),
		"salt":  salt.Hex(),
	}).Info("Agent deployed")
	events.Emit(ctx, f.sink, f.logger, events.New(events.AgentCreated, f.cfg.Address, owner, f.clock.Now()).
		With("agent", addr.Hex()).
		With("salt", salt.Hex()))

	return a, true, nil
}

// Get returns the agent deployed at addr
func (f *Factory) Get(addr common.Address) (*agent.Agent, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	a, ok := f.agents[addr]
	return a, ok
}

// Agents returns every deployed agent address in ascending order
func (f *Factory) Agents() []common.Address {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]common.Address, 0, len(f.agents))
	for addr := range f.agents {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
