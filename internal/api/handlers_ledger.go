package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/attested-rebalancer/internal/errors"
	"github.com/attested-rebalancer/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type riskScores struct {
	ConcentrationRisk uint8 `json:"concentrationRisk"`
	ProtocolRisk      uint8 `json:"protocolRisk"`
	CorrelationRisk   uint8 `json:"correlationRisk"`
	LiquidityRisk     uint8 `json:"liquidityRisk"`
	LeverageRisk      uint8 `json:"leverageRisk"`
	PortfolioRisk     uint8 `json:"portfolioRisk"`
}

type submitRiskReportRequest struct {
	Owner     common.Address `json:"owner"`
	Report    riskScores     `json:"report"`
	Signature hexutil.Bytes  `json:"signature"`
}

// handleSubmitRiskReport handles POST /api/risk-reports
func (s *Server) handleSubmitRiskReport(w http.ResponseWriter, r *http.Request) {
	var req submitRiskReportRequest
	if err := parseJSONBody(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}

	report := types.RiskReport{
		ConcentrationRisk: req.Report.ConcentrationRisk,
		ProtocolRisk:      req.Report.ProtocolRisk,
		CorrelationRisk:   req.Report.CorrelationRisk,
		LiquidityRisk:     req.Report.LiquidityRisk,
		LeverageRisk:      req.Report.LeverageRisk,
		PortfolioRisk:     req.Report.PortfolioRisk,
	}
	err := s.deps.Serializer.Do(r.Context(), func(ctx context.Context) error {
		return s.deps.Ledger.SubmitRiskAnalysis(ctx, s.deps.Relayer, req.Owner, report, req.Signature)
	})
	if err != nil {
		respondAppError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"owner":  req.Owner,
		"report": s.deps.Ledger.GetLatestRiskReport(req.Owner),
	})
}

type triggerAutomaticRequest struct {
	Owner           common.Address     `json:"owner"`
	DeviationBps    uint64             `json:"deviationBps"`
	Allocations     []types.Allocation `json:"allocations"`
	ValiditySeconds int64              `json:"validitySeconds"`
	Signature       hexutil.Bytes      `json:"signature"`
}

// handleTriggerAutomatic handles POST /api/strategies/automatic
func (s *Server) handleTriggerAutomatic(w http.ResponseWriter, r *http.Request) {
	var req triggerAutomaticRequest
	if err := parseJSONBody(w, r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if req.ValiditySeconds <= 0 || req.ValiditySeconds > int64(types.MaxValidityPeriod/time.Second) {
		badRequest(w, fmt.Errorf("validitySeconds must be within 1..%d", int64(types.MaxValidityPeriod/time.Second)))
		return
	}

	proposal := types.StrategyProposal{
		Allocations:    req.Allocations,
		ValidityPeriod: time.Duration(req.ValiditySeconds) * time.Second,
	}
	var fingerprint common.Hash
	err := s.deps.Serializer.Do(r.Context(), func(ctx context.Context) error {
		fp, err := s.deps.Ledger.TriggerAutomatic(ctx, s.deps.Relayer, req.Owner, req.DeviationBps, proposal, req.Signature)
		fingerprint = fp
		return err
	})
	if err != nil {
		respondAppError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"owner":       req.Owner,
		"fingerprint": fingerprint,
	})
}

// handleGetPortfolio handles GET /api/portfolios/{owner}
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		badRequest(w, err)
		return
	}
	p, err := s.deps.Ledger.GetPortfolio(owner)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// handleGetRiskHistory handles GET /api/portfolios/{owner}/risk-reports
func (s *Server) handleGetRiskHistory(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		badRequest(w, err)
		return
	}
	if _, err := s.deps.Ledger.GetPortfolio(owner); err != nil {
		respondAppError(w, r, err)
		return
	}
	history := s.deps.Ledger.GetRiskHistory(owner)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"owner":   owner,
		"reports": history,
		"count":   len(history),
	})
}

// handleGetLatestRiskReport handles GET /api/portfolios/{owner}/risk-reports/latest.
// An owner with no reports gets the zero report and present=false.
func (s *Server) handleGetLatestRiskReport(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		badRequest(w, err)
		return
	}
	latest := s.deps.Ledger.GetLatestRiskReport(owner)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"owner":   owner,
		"report":  latest,
		"present": !latest.IsZero(),
	})
}

// handleGetStrategy handles GET /api/strategies/{fingerprint}
func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	fp, err := pathHash(r, "fingerprint")
	if err != nil {
		badRequest(w, err)
		return
	}
	strategy, err := s.deps.Ledger.GetStrategy(fp)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidParameters) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "strategy not found", map[string]interface{}{
				"fingerprint": fp.Hex(),
			})
			return
		}
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, strategy)
}

// handleIsValid handles GET /api/strategies/{fingerprint}/valid
func (s *Server) handleIsValid(w http.ResponseWriter, r *http.Request) {
	fp, err := pathHash(r, "fingerprint")
	if err != nil {
		badRequest(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"fingerprint": fp,
		"valid":       s.deps.Ledger.IsValid(fp),
	})
}
