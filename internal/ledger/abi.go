package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/attested-rebalancer/internal/abiutil"
	"github.com/attested-rebalancer/internal/attestation"
	apperrors "github.com/attested-rebalancer/internal/errors"
	"github.com/attested-rebalancer/internal/types"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const ledgerABI = `[
  {"type":"function","name":"createPortfolio","stateMutability":"nonpayable","inputs":[
    {"name":"dataRef","type":"bytes32"},{"name":"autoRebalance","type":"bool"},{"name":"threshold","type":"uint16"}],"outputs":[]},
  {"type":"function","name":"updatePortfolio","stateMutability":"nonpayable","inputs":[
    {"name":"newDataRef","type":"bytes32"},{"name":"autoRebalance","type":"bool"},{"name":"threshold","type":"uint16"}],"outputs":[]},
  {"type":"function","name":"submitRiskAnalysis","stateMutability":"nonpayable","inputs":[
    {"name":"owner","type":"address"},
    {"name":"concentrationRisk","type":"uint8"},{"name":"protocolRisk","type":"uint8"},{"name":"correlationRisk","type":"uint8"},
    {"name":"liquidityRisk","type":"uint8"},{"name":"leverageRisk","type":"uint8"},{"name":"portfolioRisk","type":"uint8"},
    {"name":"attestation","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"submitStrategy","stateMutability":"nonpayable","inputs":[
    {"name":"targets","type":"address[]"},{"name":"allocations","type":"uint256[]"},
    {"name":"attestation","type":"bytes"},{"name":"validityPeriod","type":"uint256"}],"outputs":[{"name":"fingerprint","type":"bytes32"}]},
  {"type":"function","name":"executeStrategy","stateMutability":"nonpayable","inputs":[
    {"name":"fingerprint","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"triggerAutomatic","stateMutability":"nonpayable","inputs":[
    {"name":"owner","type":"address"},{"name":"deviationBps","type":"uint256"},
    {"name":"targets","type":"address[]"},{"name":"allocations","type":"uint256[]"},
    {"name":"validityPeriod","type":"uint256"},{"name":"attestation","type":"bytes"}],"outputs":[{"name":"fingerprint","type":"bytes32"}]},
  {"type":"function","name":"isValid","stateMutability":"view","inputs":[
    {"name":"fingerprint","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}
]`

// ABI is the ledger's calldata interface
var ABI = abiutil.MustParse(ledgerABI)

func methodSelector(name string) [4]byte {
	var sel [4]byte
	copy(sel[:], ABI.Methods[name].ID)
	return sel
}

// Ledger operation selectors
var (
	SelectorCreatePortfolio    = methodSelector("createPortfolio")
	SelectorUpdatePortfolio    = methodSelector("updatePortfolio")
	SelectorSubmitRiskAnalysis = methodSelector("submitRiskAnalysis")
	SelectorSubmitStrategy     = methodSelector("submitStrategy")
	SelectorExecuteStrategy    = methodSelector("executeStrategy")
	SelectorTriggerAutomatic   = methodSelector("triggerAutomatic")
	SelectorIsValid            = methodSelector("isValid")
)

// PackCreatePortfolio encodes a createPortfolio call
func PackCreatePortfolio(dataRef common.Hash, autoRebalance bool, thresholdBps uint16) ([]byte, error) {
	return ABI.Pack("createPortfolio", [32]byte(dataRef), autoRebalance, thresholdBps)
}

// PackUpdatePortfolio encodes an updatePortfolio call
func PackUpdatePortfolio(newDataRef common.Hash, autoRebalance bool, thresholdBps uint16) ([]byte, error) {
	return ABI.Pack("updatePortfolio", [32]byte(newDataRef), autoRebalance, thresholdBps)
}

// PackSubmitRiskAnalysis encodes a submitRiskAnalysis call
func PackSubmitRiskAnalysis(owner common.Address, report types.RiskReport, sig []byte) ([]byte, error) {
	s := report.Scores()
	return ABI.Pack("submitRiskAnalysis", owner, s[0], s[1], s[2], s[3], s[4], s[5], sig)
}

// PackSubmitStrategy encodes a submitStrategy call
func PackSubmitStrategy(allocations []types.Allocation, sig []byte, validityPeriod time.Duration) ([]byte, error) {
	assets, bps := attestation.SplitAllocations(allocations)
	return ABI.Pack("submitStrategy", assets, bps, sig, durationSeconds(validityPeriod))
}

// PackExecuteStrategy encodes an executeStrategy call
func PackExecuteStrategy(fingerprint common.Hash) ([]byte, error) {
	return ABI.Pack("executeStrategy", [32]byte(fingerprint))
}

// PackTriggerAutomatic encodes a triggerAutomatic call
func PackTriggerAutomatic(owner common.Address, deviationBps uint64, proposal types.StrategyProposal, sig []byte) ([]byte, error) {
	assets, bps := attestation.SplitAllocations(proposal.Allocations)
	return ABI.Pack("triggerAutomatic", owner, abiutil.U256(deviationBps), assets, bps, durationSeconds(proposal.ValidityPeriod), sig)
}

// PackIsValid encodes an isValid query
func PackIsValid(fingerprint common.Hash) ([]byte, error) {
	return ABI.Pack("isValid", [32]byte(fingerprint))
}

func durationSeconds(d time.Duration) *big.Int {
	if d < 0 {
		return new(big.Int)
	}
	return big.NewInt(int64(d / time.Second))
}

// joinAllocations builds pairs from the parallel-array wire form, rejecting
// mismatched lengths and out-of-range values before any pair exists.
func joinAllocations(assets []common.Address, bps []*big.Int) ([]types.Allocation, error) {
	if len(assets) != len(bps) {
		return nil, apperrors.NewInvalidParametersError("allocations", fmt.Sprintf("%d targets but %d allocations", len(assets), len(bps)))
	}
	out := make([]types.Allocation, len(assets))
	for i := range assets {
		if !bps[i].IsUint64() || bps[i].Uint64() > types.MaxBps {
			return nil, apperrors.NewInvalidParametersError("allocations", fmt.Sprintf("entry %d is out of range", i))
		}
		out[i] = types.Allocation{Asset: assets[i], Bps: uint16(bps[i].Uint64())}
	}
	return out, nil
}

func secondsToDuration(v *big.Int) (time.Duration, error) {
	if !v.IsInt64() || v.Int64() > int64(types.MaxValidityPeriod/time.Second) {
		return 0, apperrors.NewInvalidParametersError("validityPeriod", fmt.Sprintf("must be at most %s", types.MaxValidityPeriod))
	}
	return time.Duration(v.Int64()) * time.Second, nil
}

// Call implements substrate.Contract. The caller is the owner identity for
// portfolio and strategy operations. Value is credited only when the call
// succeeds.
func (l *Ledger) Call(ctx context.Context, caller common.Address, value *big.Int, data []byte) ([]byte, error) {
	out, err := l.call(ctx, caller, data)
	if err != nil {
		return nil, err
	}
	l.Deposit(common.Address{}, value)
	return out, nil
}

func (l *Ledger) call(ctx context.Context, caller common.Address, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	method, err := ABI.MethodById(data)
	if err != nil {
		return nil, apperrors.NewInvalidParametersError("calldata", "unknown selector")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, apperrors.NewInvalidParametersError("calldata", err.Error())
	}

	switch method.Name {
	case "createPortfolio":
		return nil, l.CreatePortfolio(ctx, caller, common.Hash(args[0].([32]byte)), args[1].(bool), args[2].(uint16))

	case "updatePortfolio":
		return nil, l.UpdatePortfolio(ctx, caller, common.Hash(args[0].([32]byte)), args[1].(bool), args[2].(uint16))

	case "submitRiskAnalysis":
		report := types.RiskReport{
			ConcentrationRisk: args[1].(uint8),
			ProtocolRisk:      args[2].(uint8),
			CorrelationRisk:   args[3].(uint8),
			LiquidityRisk:     args[4].(uint8),
			LeverageRisk:      args[5].(uint8),
			PortfolioRisk:     args[6].(uint8),
		}
		return nil, l.SubmitRiskAnalysis(ctx, caller, args[0].(common.Address), report, args[7].([]byte))

	case "submitStrategy":
		allocations, err := joinAllocations(args[0].([]common.Address), args[1].([]*big.Int))
		if err != nil {
			return nil, err
		}
		period, err := secondsToDuration(args[3].(*big.Int))
		if err != nil {
			return nil, err
		}
		fp, err := l.SubmitStrategy(ctx, caller, allocations, args[2].([]byte), period)
		if err != nil {
			return nil, err
		}
		return packOutput(method, [32]byte(fp))

	case "executeStrategy":
		return nil, l.ExecuteStrategy(ctx, caller, common.Hash(args[0].([32]byte)))

	case "triggerAutomatic":
		deviation := args[1].(*big.Int)
		if !deviation.IsUint64() {
			return nil, apperrors.NewInvalidParametersError("deviation", "out of range")
		}
		allocations, err := joinAllocations(args[2].([]common.Address), args[3].([]*big.Int))
		if err != nil {
			return nil, err
		}
		period, err := secondsToDuration(args[4].(*big.Int))
		if err != nil {
			return nil, err
		}
		proposal := types.StrategyProposal{Allocations: allocations, ValidityPeriod: period}
		fp, err := l.TriggerAutomatic(ctx, caller, args[0].(common.Address), deviation.Uint64(), proposal, args[5].([]byte))
		if err != nil {
			return nil, err
		}
		return packOutput(method, [32]byte(fp))

	case "isValid":
		return packOutput(method, l.IsValid(common.Hash(args[0].([32]byte))))
	}
	return nil, apperrors.NewInvalidParametersError("calldata", "unsupported method "+method.Name)
}

func packOutput(method *abi.Method, values ...interface{}) ([]byte, error) {
	out, err := method.Outputs.Pack(values...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode return data", err)
	}
	return out, nil
}
