package entrypoint

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/attested-rebalancer/internal/agent"
	"github.com/attested-rebalancer/internal/attestation"
	apperrors "github.com/attested-rebalancer/internal/errors"
	"github.com/attested-rebalancer/internal/events"
	"github.com/attested-rebalancer/internal/factory"
	"github.com/attested-rebalancer/internal/ledger"
	"github.com/attested-rebalancer/internal/sponsor"
	"github.com/attested-rebalancer/internal/substrate"
	"github.com/attested-rebalancer/internal/types"
	"github.com/attested-rebalancer/internal/userop"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	entryAddr   = common.HexToAddress("0x00000000000000000000000000000000000e7e70")
	ledgerAddr  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	sponsorAddr = common.HexToAddress("0x00000000000000000000000000000000005e0501")
	factoryAddr = common.HexToAddress("0x00000000000000000000000000000000000fac70")
	adminAddr   = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	assetX      = common.HexToAddress("0x0000000000000000000000000000000000000f01")
	chainID     = big.NewInt(31337)
	epoch       = time.Unix(1_700_000_000, 0).UTC()
)

type pipeline struct {
	entry     *EntryPoint
	ledger    *ledger.Ledger
	sponsor   *sponsor.Sponsor
	agent     *agent.Agent
	sink      *events.MemorySink
	ownerKey  *ecdsa.PrivateKey
	signerKey *ecdsa.PrivateKey
}

func newPipeline(t *testing.T, dailyLimit int) *pipeline {
	t.Helper()
	ownerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	signerKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	clock := substrate.NewManualClock(epoch)
	sink := events.NewMemorySink()
	router := substrate.NewRouter()

	l, err := ledger.New(ledger.Config{Address: ledgerAddr, Admin: adminAddr, Attester: adminAddr}, clock, nil, sink, nil)
	require.NoError(t, err)
	require.NoError(t, router.Deploy(l))

	sp, err := sponsor.New(sponsor.Config{
		Address:         sponsorAddr,
		Admin:           adminAddr,
		Ledger:          ledgerAddr,
		VerifyingSigner: crypto.PubkeyToAddress(signerKey.PublicKey),
		ChainID:         chainID,
		DailyLimit:      dailyLimit,
	}, nil, clock, sink, nil)
	require.NoError(t, err)

	fac, err := factory.New(factory.Config{
		Address:    factoryAddr,
		EntryPoint: entryAddr,
		Ledger:     ledgerAddr,
		ChainID:    chainID,
	}, router, clock, sink, nil)
	require.NoError(t, err)

	a, _, err := fac.CreateIfAbsent(context.Background(), crypto.PubkeyToAddress(ownerKey.PublicKey), common.Hash{})
	require.NoError(t, err)

	return &pipeline{
		entry:     New(entryAddr, fac, sp, substrate.NewSerializer(), nil),
		ledger:    l,
		sponsor:   sp,
		agent:     a,
		sink:      sink,
		ownerKey:  ownerKey,
		signerKey: signerKey,
	}
}

func (p *pipeline) op(t *testing.T, inner []byte) *userop.Operation {
	t.Helper()
	callData, err := agent.PackExecute(ledgerAddr, nil, inner)
	require.NoError(t, err)
	return &userop.Operation{
		Sender:       p.agent.Address(),
		Nonce:        (*hexutil.Big)(new(big.Int).SetUint64(p.agent.Nonce())),
		CallData:     callData,
		CallGasLimit: 100_000,
		MaxFeePerGas: (*hexutil.Big)(big.NewInt(2)),
	}
}

// sponsor attaches sponsor data signed by key; it must run before signing the operation
func (p *pipeline) sponsorWith(t *testing.T, op *userop.Operation, key *ecdsa.PrivateKey) {
	t.Helper()
	after, until := epoch.Add(-time.Minute), epoch.Add(30*time.Minute)
	digest, err := userop.SponsorDigest(op, chainID, sponsorAddr, until, after)
	require.NoError(t, err)
	sig, err := attestation.Sign(digest, key)
	require.NoError(t, err)
	op.PaymasterAndData, err = userop.EncodeSponsorData(userop.SponsorData{
		Sponsor: sponsorAddr, ValidUntil: until, ValidAfter: after, Signature: sig,
	})
	require.NoError(t, err)
}

func (p *pipeline) sign(t *testing.T, op *userop.Operation, key *ecdsa.PrivateKey) {
	t.Helper()
	hash, err := op.Hash(entryAddr, chainID)
	require.NoError(t, err)
	op.Signature, err = attestation.Sign(hash, key)
	require.NoError(t, err)
}

func createPortfolio(t *testing.T) []byte {
	t.Helper()
	data, err := ledger.PackCreatePortfolio(common.HexToHash("0xd4d4"), true, 500)
	require.NoError(t, err)
	return data
}

func (p *pipeline) quota(t *testing.T) int {
	t.Helper()
	w, err := p.sponsor.Window(context.Background(), p.agent.Address())
	require.NoError(t, err)
	return w.Count
}

func TestHandleOperation_Unsponsored(t *testing.T) {
	p := newPipeline(t, 0)
	op := p.op(t, createPortfolio(t))
	p.sign(t, op, p.ownerKey)

	res, err := p.entry.HandleOperation(context.Background(), op, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Sponsored)
	assert.Equal(t, uint64(0), res.Nonce)
	assert.Equal(t, "owner", res.Role)
	assert.Equal(t, uint64(1), p.agent.Nonce())

	_, err = p.ledger.GetPortfolio(p.agent.Address())
	assert.NoError(t, err)
	assert.Equal(t, Stats{Handled: 1}, p.entry.Stats())
}

func TestHandleOperation_Sponsored(t *testing.T) {
	p := newPipeline(t, 0)
	op := p.op(t, createPortfolio(t))
	p.sponsorWith(t, op, p.signerKey)
	p.sign(t, op, p.ownerKey)

	res, err := p.entry.HandleOperation(context.Background(), op, nil)
	require.NoError(t, err)
	assert.True(t, res.Sponsored)
	assert.Equal(t, 1, p.quota(t))

	stats := p.sponsor.Stats()
	assert.Equal(t, uint64(1), stats.Sponsored)
	assert.Equal(t, op.RequiredPrefund(), stats.TotalCost)
	assert.Len(t, p.sink.OfKind(events.SponsoredOperation), 1)
}

func TestHandleOperation_RejectionWritesNothing(t *testing.T) {
	strangerKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	tests := []struct {
		name  string
		build func(p *pipeline) *userop.Operation
		want  error
	}{
		{"bad sponsor signature", func(p *pipeline) *userop.Operation {
			op := p.op(t, createPortfolio(t))
			p.sponsorWith(t, op, strangerKey)
			p.sign(t, op, p.ownerKey)
			return op
		}, apperrors.ErrInvalidSignature},
		{"bad agent signature with valid sponsorship", func(p *pipeline) *userop.Operation {
			op := p.op(t, createPortfolio(t))
			p.sponsorWith(t, op, p.signerKey)
			p.sign(t, op, strangerKey)
			return op
		}, apperrors.ErrInvalidSessionKey},
		{"selector not sponsored", func(p *pipeline) *userop.Operation {
			inner, err := ledger.PackIsValid(common.HexToHash("0x01"))
			require.NoError(t, err)
			op := p.op(t, inner)
			p.sponsorWith(t, op, p.signerKey)
			p.sign(t, op, p.ownerKey)
			return op
		}, apperrors.ErrSelectorNotWhitelisted},
		{"unknown sponsor", func(p *pipeline) *userop.Operation {
			op := p.op(t, createPortfolio(t))
			p.sponsorWith(t, op, p.signerKey)
			copy(op.PaymasterAndData[:20], adminAddr.Bytes())
			p.sign(t, op, p.ownerKey)
			return op
		}, apperrors.ErrInvalidParameters},
		{"malformed sponsor data", func(p *pipeline) *userop.Operation {
			op := p.op(t, createPortfolio(t))
			p.sponsorWith(t, op, p.signerKey)
			op.PaymasterAndData = op.PaymasterAndData[:40]
			p.sign(t, op, p.ownerKey)
			return op
		}, apperrors.ErrInvalidSignature},
		{"sponsor data shorter than an address", func(p *pipeline) *userop.Operation {
			op := p.op(t, createPortfolio(t))
			op.PaymasterAndData = []byte{0x01, 0x02}
			p.sign(t, op, p.ownerKey)
			return op
		}, apperrors.ErrInvalidSignature},
		{"unknown sender", func(p *pipeline) *userop.Operation {
			op := p.op(t, createPortfolio(t))
			op.Sender = adminAddr
			p.sign(t, op, p.ownerKey)
			return op
		}, apperrors.ErrInvalidParameters},
		{"stale nonce", func(p *pipeline) *userop.Operation {
			op := p.op(t, createPortfolio(t))
			op.Nonce = (*hexutil.Big)(big.NewInt(3))
			p.sponsorWith(t, op, p.signerKey)
			p.sign(t, op, p.ownerKey)
			return op
		}, apperrors.ErrInvalidParameters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t, 0)
			res, err := p.entry.HandleOperation(context.Background(), tt.build(p), nil)
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			assert.Equal(t, uint64(0), p.agent.Nonce())
			assert.Equal(t, 0, p.quota(t))
			assert.Empty(t, p.sink.OfKind(events.OperationExecuted))
			assert.Equal(t, Stats{Rejected: 1}, p.entry.Stats())
		})
	}
}

func TestHandleOperation_DailyLimit(t *testing.T) {
	p := newPipeline(t, 1)
	ctx := context.Background()

	op := p.op(t, createPortfolio(t))
	p.sponsorWith(t, op, p.signerKey)
	p.sign(t, op, p.ownerKey)
	_, err := p.entry.HandleOperation(ctx, op, nil)
	require.NoError(t, err)

	op = p.op(t, createPortfolio(t))
	p.sponsorWith(t, op, p.signerKey)
	p.sign(t, op, p.ownerKey)
	_, err = p.entry.HandleOperation(ctx, op, nil)
	assert.True(t, errors.Is(err, apperrors.ErrDailyLimitExceeded))
	assert.Equal(t, uint64(1), p.agent.Nonce(), "rejected by the sponsor, nonce untouched")

	// The owner can still pay for itself
	op = p.op(t, createPortfolio(t))
	p.sign(t, op, p.ownerKey)
	_, err = p.entry.HandleOperation(ctx, op, nil)
	require.NoError(t, err)
}

func TestHandleOperation_ExecutionFailure(t *testing.T) {
	p := newPipeline(t, 0)
	submit, err := ledger.PackSubmitStrategy([]types.Allocation{{Asset: assetX, Bps: 10000}}, nil, time.Hour)
	require.NoError(t, err)

	op := p.op(t, submit)
	p.sponsorWith(t, op, p.signerKey)
	p.sign(t, op, p.ownerKey)

	res, err := p.entry.HandleOperation(context.Background(), op, nil)
	assert.True(t, errors.Is(err, apperrors.ErrPortfolioNotFound))
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.True(t, res.Sponsored)

	assert.Equal(t, uint64(1), p.agent.Nonce(), "nonce consumed once validation passed")
	assert.Equal(t, 1, p.quota(t))
	assert.Equal(t, uint64(0), p.sponsor.Stats().Sponsored, "failed operations are not counted")
	assert.Equal(t, Stats{Handled: 1, Failed: 1}, p.entry.Stats())
}

func TestHandleOperation_NilOperation(t *testing.T) {
	p := newPipeline(t, 0)
	_, err := p.entry.HandleOperation(context.Background(), nil, nil)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidParameters))
}
