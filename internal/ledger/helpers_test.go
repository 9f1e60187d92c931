package ledger

import (
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/attested-rebalancer/internal/attestation"
	"github.com/attested-rebalancer/internal/events"
	"github.com/attested-rebalancer/internal/logging"
	"github.com/attested-rebalancer/internal/substrate"
	"github.com/attested-rebalancer/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

var (
	ledgerAddr = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	adminAddr  = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	ownerA     = common.HexToAddress("0x000000000000000000000000000000000000000a")
	ownerB     = common.HexToAddress("0x000000000000000000000000000000000000000b")
	assetX     = common.HexToAddress("0x0000000000000000000000000000000000000f01")
	assetY     = common.HexToAddress("0x0000000000000000000000000000000000000f02")
	dataRef    = common.HexToHash("0xd4d4")
	epoch      = time.Unix(1_700_000_000, 0).UTC()
)

type rebalancerFunc func(ctx context.Context, s types.Strategy) error

func (f rebalancerFunc) Rebalance(ctx context.Context, s types.Strategy) error { return f(ctx, s) }

type fixture struct {
	ledger   *Ledger
	clock    *substrate.ManualClock
	sink     *events.MemorySink
	attester *ecdsa.PrivateKey
}

func newFixture(t *testing.T, mutate ...func(cfg *Config)) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := Config{
		Address:  ledgerAddr,
		Admin:    adminAddr,
		Attester: crypto.PubkeyToAddress(key.PublicKey),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	clock := substrate.NewManualClock(epoch)
	sink := events.NewMemorySink()
	l, err := New(cfg, clock, nil, sink, logging.NewNopLogger())
	require.NoError(t, err)
	return &fixture{ledger: l, clock: clock, sink: sink, attester: key}
}

func (f *fixture) withRebalancer(r Rebalancer) *fixture {
	f.ledger.rebalancer = r
	return f
}

func (f *fixture) signReport(t *testing.T, owner common.Address, report types.RiskReport) []byte {
	t.Helper()
	digest, err := attestation.RiskReportDigest(owner, report)
	require.NoError(t, err)
	sig, err := attestation.Sign(digest, f.attester)
	require.NoError(t, err)
	return sig
}

// signAutomatic signs the proposal as it will be fingerprinted at the clock's current second.
func (f *fixture) signAutomatic(t *testing.T, key *ecdsa.PrivateKey, owner common.Address, proposal types.StrategyProposal) []byte {
	t.Helper()
	fp, err := attestation.StrategyFingerprint(owner, proposal.Allocations, f.clock.Now())
	require.NoError(t, err)
	assets, _ := attestation.SplitAllocations(proposal.Allocations)
	digest, err := attestation.StrategyDigest(owner, fp, assets)
	require.NoError(t, err)
	sig, err := attestation.Sign(digest, key)
	require.NoError(t, err)
	return sig
}

func (f *fixture) createPortfolio(t *testing.T, owner common.Address, auto bool, threshold uint16) {
	t.Helper()
	require.NoError(t, f.ledger.CreatePortfolio(context.Background(), owner, dataRef, auto, threshold))
}

func (f *fixture) submit(t *testing.T, owner common.Address, period time.Duration) common.Hash {
	t.Helper()
	fp, err := f.ledger.SubmitStrategy(context.Background(), owner, sampleAllocations(), []byte{0x01}, period)
	require.NoError(t, err)
	return fp
}

func sampleAllocations() []types.Allocation {
	return []types.Allocation{{Asset: assetX, Bps: 6000}, {Asset: assetY, Bps: 4000}}
}
