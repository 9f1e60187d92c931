// Package userop defines the signed operation envelope submitted to an
// execution agent, its canonical hash and the fee sponsor's data codec.
package userop

import (
	"fmt"
	"math/big"
	"time"

	"github.com/attested-rebalancer/internal/abiutil"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Operation is a signed request for an agent to perform calls on the owner's behalf
type Operation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         hexutil.Uint64 `json:"callGasLimit"`
	VerificationGasLimit hexutil.Uint64 `json:"verificationGasLimit"`
	PreVerificationGas   hexutil.Uint64 `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

var (
	packedTypes = []abi.Type{
		abiutil.Address, abiutil.Uint256, abiutil.Bytes32, abiutil.Bytes32,
		abiutil.Uint256, abiutil.Uint256, abiutil.Uint256,
		abiutil.Uint256, abiutil.Uint256, abiutil.Bytes32,
	}
	outerTypes = []abi.Type{abiutil.Bytes32, abiutil.Address, abiutil.Uint256}
)

func bigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set((*big.Int)(v))
}

// NonceValue returns the nonce as a big.Int (zero when absent)
func (op *Operation) NonceValue() *big.Int { return bigOrZero(op.Nonce) }

// MaxFee returns the max fee per gas as a big.Int (zero when absent)
func (op *Operation) MaxFee() *big.Int { return bigOrZero(op.MaxFeePerGas) }

// Hash is the canonical digest an owner or session key signs. The
// signature itself is excluded; entry point and chain bind it to one deployment.
func (op *Operation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	inner, err := abiutil.Keccak(packedTypes,
		op.Sender,
		op.NonceValue(),
		[32]byte(crypto.Keccak256Hash(op.InitCode)),
		[32]byte(crypto.Keccak256Hash(op.CallData)),
		abiutil.U256(uint64(op.CallGasLimit)),
		abiutil.U256(uint64(op.VerificationGasLimit)),
		abiutil.U256(uint64(op.PreVerificationGas)),
		op.MaxFee(),
		bigOrZero(op.MaxPriorityFeePerGas),
		[32]byte(crypto.Keccak256Hash(op.PaymasterAndData)),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack operation: %w", err)
	}
	return abiutil.Keccak(outerTypes, [32]byte(inner), entryPoint, chainID)
}

// RequiredPrefund is the worst-case cost of running the operation
func (op *Operation) RequiredPrefund() *big.Int {
	gas := new(big.Int).SetUint64(uint64(op.CallGasLimit))
	gas.Add(gas, new(big.Int).SetUint64(uint64(op.VerificationGasLimit)))
	gas.Add(gas, new(big.Int).SetUint64(uint64(op.PreVerificationGas)))
	return gas.Mul(gas, op.MaxFee())
}

// HasSponsor reports whether the operation asks for fee sponsorship. Any
// non-empty PaymasterAndData is a request, well-formed or not.
func (op *Operation) HasSponsor() bool {
	return len(op.PaymasterAndData) > 0
}

// SponsorAddress returns the requested sponsor, failing when the sponsor
// data is absent or malformed
func (op *Operation) SponsorAddress() (common.Address, error) {
	data, err := DecodeSponsorData(op.PaymasterAndData)
	if err != nil {
		return common.Address{}, err
	}
	return data.Sponsor, nil
}

// SponsorData is the decoded tail of PaymasterAndData
type SponsorData struct {
	Sponsor    common.Address
	ValidUntil time.Time
	ValidAfter time.Time
	Signature  []byte
}

var windowTypes = []abi.Type{abiutil.Uint48, abiutil.Uint48}

const (
	windowLength     = 64
	sponsorSigLength = 65
	sponsorDataLen   = common.AddressLength + windowLength + sponsorSigLength
)

// EncodeSponsorData builds PaymasterAndData: sponsor ‖ abi.encode(validUntil, validAfter) ‖ signature
func EncodeSponsorData(d SponsorData) ([]byte, error) {
	window, err := abiutil.Encode(windowTypes, abiutil.Unix(d.ValidUntil), abiutil.Unix(d.ValidAfter))
	if err != nil {
		return nil, fmt.Errorf("pack sponsor window: %w", err)
	}
	out := make([]byte, 0, sponsorDataLen)
	out = append(out, d.Sponsor.Bytes()...)
	out = append(out, window...)
	out = append(out, d.Signature...)
	return out, nil
}

// DecodeSponsorData parses PaymasterAndData
func DecodeSponsorData(data []byte) (*SponsorData, error) {
	if len(data) != sponsorDataLen {
		return nil, fmt.Errorf("sponsor data must be %d bytes, got %d", sponsorDataLen, len(data))
	}
	values, err := abiutil.Arguments(windowTypes...).Unpack(data[common.AddressLength : common.AddressLength+windowLength])
	if err != nil {
		return nil, fmt.Errorf("unpack sponsor window: %w", err)
	}
	until, ok1 := values[0].(*big.Int)
	after, ok2 := values[1].(*big.Int)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("unexpected sponsor window types")
	}
	sig := make([]byte, sponsorSigLength)
	copy(sig, data[common.AddressLength+windowLength:])
	return &SponsorData{
		Sponsor:    common.BytesToAddress(data[:common.AddressLength]),
		ValidUntil: time.Unix(until.Int64(), 0).UTC(),
		ValidAfter: time.Unix(after.Int64(), 0).UTC(),
		Signature:  sig,
	}, nil
}

var sponsorDigestTypes = []abi.Type{
	abiutil.Address, abiutil.Uint256, abiutil.Bytes32, abiutil.Uint256,
	abiutil.Address, abiutil.Uint48, abiutil.Uint48,
}

// SponsorDigest is the message the remote signer co-signs:
// keccak256(abi.encode(sender, nonce, keccak(callData), chainId, sponsor, validUntil, validAfter))
func SponsorDigest(op *Operation, chainID *big.Int, sponsor common.Address, validUntil, validAfter time.Time) (common.Hash, error) {
	return abiutil.Keccak(sponsorDigestTypes,
		op.Sender,
		op.NonceValue(),
		[32]byte(crypto.Keccak256Hash(op.CallData)),
		chainID,
		sponsor,
		abiutil.Unix(validUntil),
		abiutil.Unix(validAfter),
	)
}
