package agent

import (
	"context"
	"fmt"
	"math/big"
	"time"

	apperrors "github.com/attested-rebalancer/internal/errors"
	"github.com/ethereum/go-ethereum/common"
)

// maxKeyDuration bounds automation keys decoded from calldata so the
// seconds-to-Duration conversion cannot overflow
const maxKeyDuration = 10 * 365 * 24 * time.Hour

// Call implements substrate.Contract. Value is credited to the agent once
// the call succeeds. Key management accepts the owner or the agent itself as
// caller; execute and executeBatch run directly when the owner calls them.
func (a *Agent) Call(ctx context.Context, caller common.Address, value *big.Int, data []byte) ([]byte, error) {
	out, err := a.call(ctx, caller, data)
	if err != nil {
		return nil, err
	}
	a.Deposit(value)
	return out, nil
}

func (a *Agent) call(ctx context.Context, caller common.Address, data []byte) ([]byte, error) {
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
	case "createSessionKey":
		until := args[1].(*big.Int)
		if !until.IsInt64() {
			return nil, apperrors.NewInvalidParametersError("validUntil", "out of range")
		}
		return nil, a.CreateSessionKey(ctx, caller,
			args[0].(common.Address),
			time.Unix(until.Int64(), 0).UTC(),
			args[2].(*big.Int),
			args[3].([]common.Address),
			args[4].([][4]byte))

	case "createScopedAutomationKey":
		secs := args[1].(*big.Int)
		if !secs.IsInt64() || secs.Sign() < 0 || secs.Int64() > int64(maxKeyDuration/time.Second) {
			return nil, apperrors.NewInvalidParametersError("duration", fmt.Sprintf("must be at most %s", maxKeyDuration))
		}
		return nil, a.CreateScopedAutomationKey(ctx, caller, args[0].(common.Address), time.Duration(secs.Int64())*time.Second)

	case "revokeSessionKey":
		return nil, a.RevokeSessionKey(ctx, caller, args[0].(common.Address))

	case "execute", "executeBatch":
		a.mu.RLock()
		err := a.onlyOwner(caller)
		a.mu.RUnlock()
		if err != nil {
			return nil, err
		}
		calls, _, err := DecodeCallData(data)
		if err != nil {
			return nil, apperrors.NewInvalidParametersError("calldata", err.Error())
		}
		if err := a.covers(totalValue(calls)); err != nil {
			return nil, err
		}
		return a.dispatch(ctx, calls)
	}
	return nil, apperrors.NewInvalidParametersError("calldata", "unsupported method "+method.Name)
}
