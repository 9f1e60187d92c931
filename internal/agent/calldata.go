package agent

import (
	"fmt"
	"math/big"
	"time"

	"github.com/attested-rebalancer/internal/abiutil"
	"github.com/ethereum/go-ethereum/common"
)

const agentABI = `[
  {"type":"function","name":"execute","stateMutability":"payable","inputs":[
    {"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"executeBatch","stateMutability":"payable","inputs":[
    {"name":"targets","type":"address[]"},{"name":"values","type":"uint256[]"},{"name":"data","type":"bytes[]"}],"outputs":[]},
  {"type":"function","name":"createSessionKey","stateMutability":"nonpayable","inputs":[
    {"name":"key","type":"address"},{"name":"validUntil","type":"uint48"},{"name":"spendLimit","type":"uint256"},
    {"name":"targets","type":"address[]"},{"name":"selectors","type":"bytes4[]"}],"outputs":[]},
  {"type":"function","name":"createScopedAutomationKey","stateMutability":"nonpayable","inputs":[
    {"name":"key","type":"address"},{"name":"duration","type":"uint48"}],"outputs":[]},
  {"type":"function","name":"revokeSessionKey","stateMutability":"nonpayable","inputs":[
    {"name":"key","type":"address"}],"outputs":[]}
]`

// ABI is the agent's calldata interface
var ABI = abiutil.MustParse(agentABI)

// Agent entry selectors
var (
	SelectorExecute      = abiutil.Selector("execute(address,uint256,bytes)")
	SelectorExecuteBatch = abiutil.Selector("executeBatch(address[],uint256[],bytes[])")
)

// Call is one inner call an agent performs
type Call struct {
	Target common.Address
	Value  *big.Int
	Data   []byte
}

// Selector returns the inner call's selector, if it carries one
func (c Call) Selector() ([4]byte, bool) {
	return abiutil.SelectorOf(c.Data)
}

// PackExecute encodes a single wrapped call
func PackExecute(target common.Address, value *big.Int, data []byte) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	if data == nil {
		data = []byte{}
	}
	return ABI.Pack("execute", target, value, data)
}

// PackExecuteBatch encodes a multi-call envelope
func PackExecuteBatch(calls []Call) ([]byte, error) {
	targets := make([]common.Address, len(calls))
	values := make([]*big.Int, len(calls))
	data := make([][]byte, len(calls))
	for i, c := range calls {
		targets[i] = c.Target
		values[i] = c.Value
		if values[i] == nil {
			values[i] = new(big.Int)
		}
		data[i] = c.Data
		if data[i] == nil {
			data[i] = []byte{}
		}
	}
	return ABI.Pack("executeBatch", targets, values, data)
}

// PackCreateSessionKey encodes a createSessionKey self-call
func PackCreateSessionKey(key common.Address, validUntil time.Time, spendLimit *big.Int, targets []common.Address, selectors [][4]byte) ([]byte, error) {
	if spendLimit == nil {
		spendLimit = new(big.Int)
	}
	if targets == nil {
		targets = []common.Address{}
	}
	if selectors == nil {
		selectors = [][4]byte{}
	}
	return ABI.Pack("createSessionKey", key, abiutil.Unix(validUntil), spendLimit, targets, selectors)
}

// PackCreateScopedAutomationKey encodes a createScopedAutomationKey self-call
func PackCreateScopedAutomationKey(key common.Address, duration time.Duration) ([]byte, error) {
	return ABI.Pack("createScopedAutomationKey", key, big.NewInt(int64(duration/time.Second)))
}

// PackRevokeSessionKey encodes a revokeSessionKey self-call
func PackRevokeSessionKey(key common.Address) ([]byte, error) {
	return ABI.Pack("revokeSessionKey", key)
}

// DecodeCallData unpacks an execute or executeBatch envelope. batch reports
// which form was used. Anything else is an error.
func DecodeCallData(data []byte) (calls []Call, batch bool, err error) {
	sel, ok := abiutil.SelectorOf(data)
	if !ok {
		return nil, false, fmt.Errorf("calldata too short")
	}

	switch sel {
	case SelectorExecute:
		args, err := ABI.Methods["execute"].Inputs.Unpack(data[4:])
		if err != nil {
			return nil, false, fmt.Errorf("unpack execute: %w", err)
		}
		return []Call{{
			Target: args[0].(common.Address),
			Value:  args[1].(*big.Int),
			Data:   args[2].([]byte),
		}}, false, nil

	case SelectorExecuteBatch:
		args, err := ABI.Methods["executeBatch"].Inputs.Unpack(data[4:])
		if err != nil {
			return nil, true, fmt.Errorf("unpack executeBatch: %w", err)
		}
		targets := args[0].([]common.Address)
		values := args[1].([]*big.Int)
		payloads := args[2].([][]byte)
		if len(targets) != len(values) || len(targets) != len(payloads) {
			return nil, true, fmt.Errorf("batch arrays differ in length")
		}
		calls = make([]Call, len(targets))
		for i := range targets {
			calls[i] = Call{Target: targets[i], Value: values[i], Data: payloads[i]}
		}
		return calls, true, nil
	}
	return nil, false, fmt.Errorf("unsupported selector %x", sel)
}
