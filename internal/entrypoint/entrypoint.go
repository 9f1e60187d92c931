// Package entrypoint runs the operation pipeline: agent validation, optional
// sponsorship, execution and the sponsor's post-operation hook. Nothing is
// written unless both validations pass.
package entrypoint

import (
	"context"
	"math/big"
	"sync/atomic"

	"github.com/attested-rebalancer/internal/agent"
	apperrors "github.com/attested-rebalancer/internal/errors"
	"github.com/attested-rebalancer/internal/logging"
	"github.com/attested-rebalancer/internal/sponsor"
	"github.com/attested-rebalancer/internal/substrate"
	"github.com/attested-rebalancer/internal/userop"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// AgentRegistry finds deployed agents by address
type AgentRegistry interface {
	Get(addr common.Address) (*agent.Agent, bool)
}

// Result describes a handled operation
type Result struct {
	Sender     common.Address `json:"sender"`
	Nonce      uint64         `json:"nonce"`
	Signer     common.Address `json:"signer"`
	Role       string         `json:"role"`
	Sponsored  bool           `json:"sponsored"`
	Success    bool           `json:"success"`
	ReturnData hexutil.Bytes  `json:"returnData,omitempty"`
}

// Stats count handled operations
type Stats struct {
	Handled  uint64 `json:"handled"`
	Rejected uint64 `json:"rejected"`
	Failed   uint64 `json:"failed"`
}

// EntryPoint serializes operation handling
type EntryPoint struct {
	address    common.Address
	agents     AgentRegistry
	sponsor    *sponsor.Sponsor
	serializer *substrate.Serializer
	logger     *logging.Logger

	handled  atomic.Uint64
	rejected atomic.Uint64
	failed   atomic.Uint64
}

// New creates an entry point. sponsor may be nil, in which case sponsored
// operations are rejected.
func New(address common.Address, agents AgentRegistry, sp *sponsor.Sponsor, serializer *substrate.Serializer, logger *logging.Logger) *EntryPoint {
	if serializer == nil {
		serializer = substrate.NewSerializer()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &EntryPoint{
		address:    address,
		agents:     agents,
		sponsor:    sp,
		serializer: serializer,
		logger:     logger.WithComponent("entrypoint"),
	}
}

// Address returns the entry point address agents bind their signatures to
func (e *EntryPoint) Address() common.Address {
	return e.address
}

// HandleOperation validates and executes op. maxCost is the most the
// sponsor may be charged; nil uses the operation's required prefund.
// A validation failure returns a nil Result and writes nothing. An execution
// failure returns both a Result and the error; the nonce stays consumed.
func (e *EntryPoint) HandleOperation(ctx context.Context, op *userop.Operation, maxCost *big.Int) (*Result, error) {
	if op == nil {
		return nil, apperrors.NewInvalidParametersError("operation", "is required")
	}
	if maxCost == nil {
		maxCost = op.RequiredPrefund()
	}

	var result *Result
	err := e.serializer.Do(ctx, func(ctx context.Context) error {
		a, ok := e.agents.Get(op.Sender)
		if !ok {
			return e.reject(op, apperrors.NewInvalidParametersError("sender", "no agent deployed at "+op.Sender.Hex()))
		}

		v, err := a.ValidateOperation(op)
		if err != nil {
			return e.reject(op, err)
		}

		var sc *sponsor.Context
		if op.HasSponsor() {
			addr, err := op.SponsorAddress()
			if err != nil {
				return e.reject(op, apperrors.NewInvalidSignatureError("malformed sponsor data: "+err.Error()))
			}
			if e.sponsor == nil || addr != e.sponsor.Address() {
				return e.reject(op, apperrors.NewInvalidParametersError("paymasterAndData", "unknown sponsor "+addr.Hex()))
			}
			sc, err = e.sponsor.ValidateOperation(ctx, op, maxCost)
			if err != nil {
				return e.reject(op, err)
			}
		}

		nonce := a.Nonce()
		out, execErr := a.ExecuteValidated(ctx, op, v)
		if sc != nil {
			e.sponsor.PostOperation(ctx, sc, execErr == nil, maxCost)
		}

		result = &Result{
			Sender:     op.Sender,
			Nonce:      nonce,
			Signer:     v.Signer,
			Role:       v.Role.String(),
			Sponsored:  sc != nil,
			Success:    execErr == nil,
			ReturnData: out,
		}
		e.handled.Add(1)
		if execErr != nil {
			e.failed.Add(1)
		}
		e.logger.WithFields(map[string]interface{}{
			"sender":    op.Sender.Hex(),
			"nonce":     nonce,
			"role":      v.Role.String(),
			"sponsored": sc != nil,
			"success":   execErr == nil,
		}).Info("Operation handled")
		return execErr
	})
	return result, err
}

func (e *EntryPoint) reject(op *userop.Operation, err error) error {
	e.rejected.Add(1)
	e.logger.WithError(err).WithField("sender", op.Sender.Hex()).Warn("Operation rejected")
	return err
}

// Stats returns the handled, rejected and failed counters
func (e *EntryPoint) Stats() Stats {
	return Stats{
		Handled:  e.handled.Load(),
		Rejected: e.rejected.Load(),
		Failed:   e.failed.Load(),
	}
}
