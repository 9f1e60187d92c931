package sponsor

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
	"github.com/attested-rebalancer/internal/ledger"
	"github.com/attested-rebalancer/internal/substrate"
	"github.com/attested-rebalancer/internal/userop"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sponsorAddr = common.HexToAddress("0x00000000000000000000000000000000005e0501")
	adminAddr   = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	ledgerAddr  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	agentAddr   = common.HexToAddress("0x000000000000000000000000000000000000a9e7")
	otherAddr   = common.HexToAddress("0x0000000000000000000000000000000000000bad")
	chainID     = big.NewInt(31337)
	epoch       = time.Unix(1_700_000_000, 0).UTC()
)

type fixture struct {
	sponsor *Sponsor
	clock   *substrate.ManualClock
	sink    *events.MemorySink
	signer  *ecdsa.PrivateKey
}

func newFixture(t *testing.T, quota QuotaStore, mutate ...func(*Config)) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := Config{
		Address:         sponsorAddr,
		Admin:           adminAddr,
		Ledger:          ledgerAddr,
		VerifyingSigner: crypto.PubkeyToAddress(key.PublicKey),
		ChainID:         chainID,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	clock := substrate.NewManualClock(epoch)
	sink := events.NewMemorySink()
	s, err := New(cfg, quota, clock, sink, nil)
	require.NoError(t, err)
	return &fixture{sponsor: s, clock: clock, sink: sink, signer: key}
}

func createPortfolioCall(t *testing.T) []byte {
	t.Helper()
	inner, err := ledger.PackCreatePortfolio(common.HexToHash("0xd4d4"), false, 500)
	require.NoError(t, err)
	data, err := agent.PackExecute(ledgerAddr, nil, inner)
	require.NoError(t, err)
	return data
}

// sponsored builds an operation over callData with sponsor data valid in [after, until]
func (f *fixture) sponsored(t *testing.T, callData []byte, after, until time.Time, key *ecdsa.PrivateKey) *userop.Operation {
	t.Helper()
	op := &userop.Operation{
		Sender:   agentAddr,
		Nonce:    (*hexutil.Big)(big.NewInt(0)),
		CallData: callData,
	}
	digest, err := userop.SponsorDigest(op, chainID, sponsorAddr, until, after)
	require.NoError(t, err)
	sig, err := attestation.Sign(digest, key)
	require.NoError(t, err)
	op.PaymasterAndData, err = userop.EncodeSponsorData(userop.SponsorData{
		Sponsor:    sponsorAddr,
		ValidUntil: until,
		ValidAfter: after,
		Signature:  sig,
	})
	require.NoError(t, err)
	return op
}

func (f *fixture) valid(t *testing.T) *userop.Operation {
	return f.sponsored(t, createPortfolioCall(t), epoch.Add(-time.Minute), epoch.Add(30*time.Minute), f.signer)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Admin: adminAddr, Ledger: ledgerAddr}, nil, nil, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{Address: sponsorAddr, Ledger: ledgerAddr}, nil, nil, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{Address: sponsorAddr, Admin: adminAddr}, nil, nil, nil, nil)
	assert.Error(t, err)

	s, err := New(Config{Address: sponsorAddr, Admin: adminAddr, Ledger: ledgerAddr}, nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultDailyLimit, s.DailyLimit())
	for _, sel := range DefaultSelectors {
		assert.True(t, s.IsWhitelisted(sel))
	}
	assert.False(t, s.IsWhitelisted(ledger.SelectorTriggerAutomatic))
}

func TestValidateOperation_Accepts(t *testing.T) {
	f := newFixture(t, nil)
	sc, err := f.sponsor.ValidateOperation(context.Background(), f.valid(t), big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, agentAddr, sc.Sender)
	assert.Equal(t, ledger.SelectorCreatePortfolio, sc.Selector)
	assert.Equal(t, 1, sc.Window.Count)
	assert.Equal(t, epoch, sc.Window.WindowStart)
}

func TestValidateOperation_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, func(c *Config) { c.MaxCostPerOperation = big.NewInt(100) })
	strangerKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	isValid, err := ledger.PackIsValid(common.HexToHash("0x01"))
	require.NoError(t, err)
	isValidCall, err := agent.PackExecute(ledgerAddr, nil, isValid)
	require.NoError(t, err)
	inner, err := ledger.PackCreatePortfolio(common.HexToHash("0xd4d4"), false, 500)
	require.NoError(t, err)
	wrongTarget, err := agent.PackExecute(otherAddr, nil, inner)
	require.NoError(t, err)
	batch, err := agent.PackExecuteBatch([]agent.Call{{Target: ledgerAddr, Data: inner}})
	require.NoError(t, err)

	after, until := epoch.Add(-time.Minute), epoch.Add(30*time.Minute)

	tests := []struct {
		name    string
		op      func() *userop.Operation
		maxCost *big.Int
		want    error
	}{
		{"raw ledger calldata", func() *userop.Operation { return f.sponsored(t, inner, after, until, f.signer) }, nil, apperrors.ErrInvalidTarget},
		{"batch envelope", func() *userop.Operation { return f.sponsored(t, batch, after, until, f.signer) }, nil, apperrors.ErrInvalidTarget},
		{"target is not the ledger", func() *userop.Operation { return f.sponsored(t, wrongTarget, after, until, f.signer) }, nil, apperrors.ErrInvalidTarget},
		{"selector not whitelisted", func() *userop.Operation { return f.sponsored(t, isValidCall, after, until, f.signer) }, nil, apperrors.ErrSelectorNotWhitelisted},
		{"truncated sponsor data", func() *userop.Operation {
			op := f.valid(t)
			op.PaymasterAndData = op.PaymasterAndData[:100]
			return op
		}, nil, apperrors.ErrInvalidSignature},
		{"wrong signer", func() *userop.Operation { return f.sponsored(t, createPortfolioCall(t), after, until, strangerKey) }, nil, apperrors.ErrInvalidSignature},
		{"signature over other calldata", func() *userop.Operation {
			op := f.valid(t)
			op.CallData = isValidCall
			return op
		}, nil, apperrors.ErrSelectorNotWhitelisted},
		{"tampered nonce", func() *userop.Operation {
			op := f.valid(t)
			op.Nonce = (*hexutil.Big)(big.NewInt(9))
			return op
		}, nil, apperrors.ErrInvalidSignature},
		{"not yet valid", func() *userop.Operation {
			return f.sponsored(t, createPortfolioCall(t), epoch.Add(time.Minute), epoch.Add(30*time.Minute), f.signer)
		}, nil, apperrors.ErrInvalidSignature},
		{"expired", func() *userop.Operation {
			return f.sponsored(t, createPortfolioCall(t), epoch.Add(-time.Hour), epoch.Add(-time.Second), f.signer)
		}, nil, apperrors.ErrInvalidSignature},
		{"window longer than max validity", func() *userop.Operation {
			return f.sponsored(t, createPortfolioCall(t), epoch.Add(-time.Hour), epoch.Add(time.Minute), f.signer)
		}, nil, apperrors.ErrInvalidSignature},
		{"cost above cap", func() *userop.Operation { return f.valid(t) }, big.NewInt(101), apperrors.ErrInvalidParameters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.sponsor.ValidateOperation(ctx, tt.op(), tt.maxCost)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	w, err := f.sponsor.Window(ctx, agentAddr)
	require.NoError(t, err)
	assert.Equal(t, 0, w.Count, "rejections reserve no quota")
}

func TestValidateOperation_WindowBoundaries(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Exactly MaxValidity long, evaluated at both ends
	op := f.sponsored(t, createPortfolioCall(t), epoch, epoch.Add(time.Hour), f.signer)
	_, err := f.sponsor.ValidateOperation(ctx, op, nil)
	require.NoError(t, err)

	f.clock.Set(epoch.Add(time.Hour))
	_, err = f.sponsor.ValidateOperation(ctx, op, nil)
	require.NoError(t, err)

	f.clock.Set(epoch.Add(time.Hour + time.Second))
	_, err = f.sponsor.ValidateOperation(ctx, op, nil)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidSignature))
}

func TestDailyLimit(t *testing.T) {
	for name, quota := range map[string]func(t *testing.T) QuotaStore{
		"memory": func(*testing.T) QuotaStore { return NewMemoryQuotaStore() },
		"redis":  func(t *testing.T) QuotaStore { return newRedisStore(t) },
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, quota(t), func(c *Config) { c.DailyLimit = 3 })
			ctx := context.Background()

			for i := 1; i <= 3; i++ {
				sc, err := f.sponsor.ValidateOperation(ctx, f.valid(t), nil)
				require.NoError(t, err)
				assert.Equal(t, i, sc.Window.Count)
			}
			_, err := f.sponsor.ValidateOperation(ctx, f.valid(t), nil)
			assert.True(t, errors.Is(err, apperrors.ErrDailyLimitExceeded))

			w, err := f.sponsor.Window(ctx, agentAddr)
			require.NoError(t, err)
			assert.Equal(t, 3, w.Count)

			// A new window starts a day after the first sponsored operation
			f.clock.Advance(QuotaWindow)
			op := f.sponsored(t, createPortfolioCall(t), f.clock.Now().Add(-time.Minute), f.clock.Now().Add(time.Minute), f.signer)
			sc, err := f.sponsor.ValidateOperation(ctx, op, nil)
			require.NoError(t, err)
			assert.Equal(t, 1, sc.Window.Count)
			assert.Equal(t, f.clock.Now(), sc.Window.WindowStart)
		})
	}
}

func TestPostOperation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sc, err := f.sponsor.ValidateOperation(ctx, f.valid(t), nil)
	require.NoError(t, err)

	f.sponsor.PostOperation(ctx, sc, false, big.NewInt(50))
	assert.Empty(t, f.sink.OfKind(events.SponsoredOperation))
	assert.Equal(t, uint64(0), f.sponsor.Stats().Sponsored)

	f.sponsor.PostOperation(ctx, sc, true, big.NewInt(50))
	f.sponsor.PostOperation(ctx, nil, true, big.NewInt(50))

	got := f.sink.OfKind(events.SponsoredOperation)
	require.Len(t, got, 1)
	assert.Equal(t, agentAddr, got[0].Subject)
	assert.Equal(t, "50", got[0].Attributes["actual_cost"])

	stats := f.sponsor.Stats()
	assert.Equal(t, uint64(1), stats.Sponsored)
	assert.Equal(t, big.NewInt(50), stats.TotalCost)
}

func TestAdmin(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	t.Run("non-admin refused", func(t *testing.T) {
		assert.True(t, errors.Is(f.sponsor.SetDailyLimit(ctx, otherAddr, 5), apperrors.ErrUnauthorizedCaller))
		assert.True(t, errors.Is(f.sponsor.SetSelectorWhitelisted(ctx, otherAddr, ledger.SelectorIsValid, true), apperrors.ErrUnauthorizedCaller))
		assert.True(t, errors.Is(f.sponsor.SetVerifyingSigner(ctx, otherAddr, otherAddr), apperrors.ErrUnauthorizedCaller))
		assert.Equal(t, DefaultDailyLimit, f.sponsor.DailyLimit())
	})

	t.Run("daily limit", func(t *testing.T) {
		assert.True(t, errors.Is(f.sponsor.SetDailyLimit(ctx, adminAddr, 0), apperrors.ErrInvalidParameters))
		require.NoError(t, f.sponsor.SetDailyLimit(ctx, adminAddr, 25))
		assert.Equal(t, 25, f.sponsor.DailyLimit())
	})

	t.Run("selector whitelist", func(t *testing.T) {
		require.NoError(t, f.sponsor.SetSelectorWhitelisted(ctx, adminAddr, ledger.SelectorCreatePortfolio, false))
		_, err := f.sponsor.ValidateOperation(ctx, f.valid(t), nil)
		assert.True(t, errors.Is(err, apperrors.ErrSelectorNotWhitelisted))

		require.NoError(t, f.sponsor.SetSelectorWhitelisted(ctx, adminAddr, ledger.SelectorCreatePortfolio, true))
		_, err = f.sponsor.ValidateOperation(ctx, f.valid(t), nil)
		assert.NoError(t, err)
	})

	t.Run("verifying signer", func(t *testing.T) {
		assert.True(t, errors.Is(f.sponsor.SetVerifyingSigner(ctx, adminAddr, common.Address{}), apperrors.ErrInvalidParameters))

		next, err := crypto.GenerateKey()
		require.NoError(t, err)
		require.NoError(t, f.sponsor.SetVerifyingSigner(ctx, adminAddr, crypto.PubkeyToAddress(next.PublicKey)))

		_, err = f.sponsor.ValidateOperation(ctx, f.valid(t), nil)
		assert.True(t, errors.Is(err, apperrors.ErrInvalidSignature), "old signer no longer trusted")

		op := f.sponsored(t, createPortfolioCall(t), epoch.Add(-time.Minute), epoch.Add(time.Minute), next)
		_, err = f.sponsor.ValidateOperation(ctx, op, nil)
		assert.NoError(t, err)
	})

	assert.Len(t, f.sink.OfKind(events.DailyLimitUpdated), 1)
	assert.Len(t, f.sink.OfKind(events.SelectorWhitelisted), 2)
	assert.Len(t, f.sink.OfKind(events.VerifyingSignerUpdated), 1)
}
