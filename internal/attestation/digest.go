package attestation

import (
	"math/big"
	"time"

	"github.com/attested-rebalancer/internal/abiutil"
	"github.com/attested-rebalancer/internal/types"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	riskReportTypes = []abi.Type{
		abiutil.Address,
		abiutil.Uint8, abiutil.Uint8, abiutil.Uint8,
		abiutil.Uint8, abiutil.Uint8, abiutil.Uint8,
	}
	fingerprintTypes = []abi.Type{abiutil.Address, abiutil.AddressArray, abiutil.Uint256Array, abiutil.Uint256}
	strategyTypes    = []abi.Type{abiutil.Address, abiutil.Bytes32, abiutil.AddressArray}
)

// RiskReportDigest is the message an attester signs for a risk report:
// keccak256(abi.encode(owner, concentration, protocol, correlation, liquidity, leverage, portfolio))
func RiskReportDigest(owner common.Address, report types.RiskReport) (common.Hash, error) {
	s := report.Scores()
	return abiutil.Keccak(riskReportTypes, owner, s[0], s[1], s[2], s[3], s[4], s[5])
}

// StrategyFingerprint derives the registry key of a strategy:
// keccak256(abi.encode(owner, assets, bps, submittedAt))
func StrategyFingerprint(owner common.Address, allocations []types.Allocation, submittedAt time.Time) (common.Hash, error) {
	assets, bps := SplitAllocations(allocations)
	return abiutil.Keccak(fingerprintTypes, owner, assets, bps, abiutil.Unix(submittedAt))
}

// StrategyDigest is the message an attester signs for an automatic rebalance:
// keccak256(abi.encode(owner, fingerprint, assets))
func StrategyDigest(owner common.Address, fingerprint common.Hash, assets []common.Address) (common.Hash, error) {
	if assets == nil {
		assets = []common.Address{}
	}
	return abiutil.Keccak(strategyTypes, owner, [32]byte(fingerprint), assets)
}

// SplitAllocations converts pairs into the parallel-array wire form
func SplitAllocations(allocations []types.Allocation) ([]common.Address, []*big.Int) {
	assets := make([]common.Address, len(allocations))
	bps := make([]*big.Int, len(allocations))
	for i, a := range allocations {
		assets[i] = a.Asset
		bps[i] = big.NewInt(int64(a.Bps))
	}
	return assets, bps
}
