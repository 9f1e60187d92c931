package userop

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	entryPoint = common.HexToAddress("0x0000000000000000000000000000000000004337")
	chainID    = big.NewInt(31337)
	sponsorAt  = common.HexToAddress("0x000000000000000000000000000000000000face")
)

func sampleOp() *Operation {
	return &Operation{
		Sender:               common.HexToAddress("0x1234"),
		Nonce:                (*hexutil.Big)(big.NewInt(3)),
		CallData:             []byte{0xb6, 0x1d, 0x27, 0xf6, 0x01},
		CallGasLimit:         100_000,
		VerificationGasLimit: 50_000,
		PreVerificationGas:   21_000,
		MaxFeePerGas:         (*hexutil.Big)(big.NewInt(2)),
		MaxPriorityFeePerGas: (*hexutil.Big)(big.NewInt(1)),
	}
}

func TestHash_ExcludesSignature(t *testing.T) {
	op := sampleOp()
	a, err := op.Hash(entryPoint, chainID)
	require.NoError(t, err)

	op.Signature = []byte{1, 2, 3}
	b, err := op.Hash(entryPoint, chainID)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHash_BindsFields(t *testing.T) {
	base, err := sampleOp().Hash(entryPoint, chainID)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(op *Operation)
	}{
		{name: "nonce", mutate: func(op *Operation) { op.Nonce = (*hexutil.Big)(big.NewInt(4)) }},
		{name: "sender", mutate: func(op *Operation) { op.Sender = common.HexToAddress("0x9999") }},
		{name: "calldata", mutate: func(op *Operation) { op.CallData = []byte{0x00} }},
		{name: "gas", mutate: func(op *Operation) { op.CallGasLimit++ }},
		{name: "sponsor data", mutate: func(op *Operation) { op.PaymasterAndData = sponsorAt.Bytes() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := sampleOp()
			tt.mutate(op)
			h, err := op.Hash(entryPoint, chainID)
			require.NoError(t, err)
			assert.NotEqual(t, base, h)
		})
	}

	t.Run("chain id", func(t *testing.T) {
		h, err := sampleOp().Hash(entryPoint, big.NewInt(1))
		require.NoError(t, err)
		assert.NotEqual(t, base, h)
	})
	t.Run("entry point", func(t *testing.T) {
		h, err := sampleOp().Hash(common.HexToAddress("0x1"), chainID)
		require.NoError(t, err)
		assert.NotEqual(t, base, h)
	})
}

func TestHash_NilBigFieldsEncodeAsZero(t *testing.T) {
	op := sampleOp()
	op.Nonce = nil
	op.MaxFeePerGas = nil
	op.MaxPriorityFeePerGas = nil
	_, err := op.Hash(entryPoint, chainID)
	assert.NoError(t, err)
	assert.Equal(t, 0, op.NonceValue().Sign())
}

func TestRequiredPrefund(t *testing.T) {
	op := sampleOp()
	assert.Equal(t, big.NewInt((100_000+50_000+21_000)*2), op.RequiredPrefund())
}

func TestSponsorData_RoundTrip(t *testing.T) {
	sig := make([]byte, 65)
	for i := range sig {
		sig[i] = byte(i)
	}
	in := SponsorData{
		Sponsor:    sponsorAt,
		ValidUntil: time.Unix(1_700_003_600, 0).UTC(),
		ValidAfter: time.Unix(1_700_000_000, 0).UTC(),
		Signature:  sig,
	}
	data, err := EncodeSponsorData(in)
	require.NoError(t, err)
	assert.Len(t, data, 20+64+65)

	op := &Operation{PaymasterAndData: data}
	addr, err := op.SponsorAddress()
	require.NoError(t, err)
	assert.Equal(t, sponsorAt, addr)

	out, err := DecodeSponsorData(data)
	require.NoError(t, err)
	assert.Equal(t, in.Sponsor, out.Sponsor)
	assert.True(t, in.ValidUntil.Equal(out.ValidUntil))
	assert.True(t, in.ValidAfter.Equal(out.ValidAfter))
	assert.Equal(t, in.Signature, out.Signature)
}

func TestDecodeSponsorData_WrongLength(t *testing.T) {
	_, err := DecodeSponsorData(make([]byte, 100))
	assert.Error(t, err)

	op := &Operation{PaymasterAndData: []byte{1, 2}}
	assert.True(t, op.HasSponsor(), "a truncated request is still a request")
	_, err = op.SponsorAddress()
	assert.Error(t, err)

	assert.False(t, (&Operation{}).HasSponsor())
}

func TestSponsorDigest_BindsWindowAndChain(t *testing.T) {
	op := sampleOp()
	until := time.Unix(1_700_003_600, 0)
	after := time.Unix(1_700_000_000, 0)

	base, err := SponsorDigest(op, chainID, sponsorAt, until, after)
	require.NoError(t, err)

	later, err := SponsorDigest(op, chainID, sponsorAt, until.Add(time.Second), after)
	require.NoError(t, err)
	assert.NotEqual(t, base, later)

	otherChain, err := SponsorDigest(op, big.NewInt(1), sponsorAt, until, after)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherChain)

	// Gas fields are not part of the sponsor's commitment.
	op.CallGasLimit = 1
	same, err := SponsorDigest(op, chainID, sponsorAt, until, after)
	require.NoError(t, err)
	assert.Equal(t, base, same)
}
