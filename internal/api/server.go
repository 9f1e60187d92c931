// Package api exposes the ledger, agent factory and entry point over HTTP.
// Every state-changing request runs through the substrate serializer.
package api

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/attested-rebalancer/internal/agent"
	"github.com/attested-rebalancer/internal/entrypoint"
	"github.com/attested-rebalancer/internal/events"
	"github.com/attested-rebalancer/internal/logging"
	"github.com/attested-rebalancer/internal/sponsor"
	"github.com/attested-rebalancer/internal/substrate"
	"github.com/attested-rebalancer/internal/types"
	"github.com/attested-rebalancer/internal/userop"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
)

// Service interfaces for dependency injection and testing

// LedgerService is the portfolio ledger and strategy registry surface
type LedgerService interface {
	SubmitRiskAnalysis(ctx context.Context, caller, owner common.Address, report types.RiskReport, sig []byte) error
	TriggerAutomatic(ctx context.Context, caller, owner common.Address, deviationBps uint64, proposal types.StrategyProposal, sig []byte) (common.Hash, error)
	GetPortfolio(owner common.Address) (*types.Portfolio, error)
	GetRiskHistory(owner common.Address) []types.RiskReport
	GetLatestRiskReport(owner common.Address) types.RiskReport
	GetStrategy(fingerprint common.Hash) (*types.Strategy, error)
	IsValid(fingerprint common.Hash) bool
	Metrics() types.LedgerMetrics
	Paused() bool
}

// AgentFactory deploys and looks up execution agents
type AgentFactory interface {
	AddressFor(owner common.Address, salt common.Hash) common.Address
	CreateIfAbsent(ctx context.Context, owner common.Address, salt common.Hash) (*agent.Agent, bool, error)
	Get(addr common.Address) (*agent.Agent, bool)
	Agents() []common.Address
}

// OperationHandler runs signed operations. It serializes internally.
type OperationHandler interface {
	HandleOperation(ctx context.Context, op *userop.Operation, maxCost *big.Int) (*entrypoint.Result, error)
	Stats() entrypoint.Stats
}

// SponsorService exposes the fee sponsor's read side
type SponsorService interface {
	Window(ctx context.Context, owner common.Address) (types.SponsorshipWindow, error)
	DailyLimit() int
	Stats() sponsor.Stats
}

// EventReader lists persisted events
type EventReader interface {
	Recent(ctx context.Context, limit int) ([]events.Event, error)
}

// Deps are the components the server routes to. Sponsor and Events are optional.
type Deps struct {
	Ledger     LedgerService
	Factory    AgentFactory
	Operations OperationHandler
	Sponsor    SponsorService
	Events     EventReader
	Serializer *substrate.Serializer
	// Relayer is the caller identity recorded for relayed submissions
	Relayer common.Address
}

// Server represents the HTTP API server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	deps        Deps
	config      *ServerConfig
	rateLimiter *RateLimiter
	logger      *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestsPerS    int
	Burst           int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Deps, logger *logging.Logger) (*Server, error) {
	if deps.Ledger == nil || deps.Factory == nil || deps.Operations == nil {
		return nil, fmt.Errorf("api: ledger, factory and operation handler are required")
	}
	if deps.Serializer == nil {
		deps.Serializer = substrate.NewSerializer()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	s := &Server{
		router:      mux.NewRouter(),
		deps:        deps,
		config:      config,
		rateLimiter: NewRateLimiter(config.RequestsPerS, config.Burst),
		logger:      logger.WithComponent("api"),
	}
	s.setupRouter()
	return s, nil
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Request ID first so every later layer logs with it
	s.router.Use(RequestIDMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(s.rateLimiter))

	s.setupRoutes()
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "route not found", nil)
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()

	// Attested submissions relayed to the ledger
	api.HandleFunc("/risk-reports", s.handleSubmitRiskReport).Methods(http.MethodPost)
	api.HandleFunc("/strategies/automatic", s.handleTriggerAutomatic).Methods(http.MethodPost)

	// Ledger reads
	api.HandleFunc("/portfolios/{owner}", s.handleGetPortfolio).Methods(http.MethodGet)
	api.HandleFunc("/portfolios/{owner}/risk-reports", s.handleGetRiskHistory).Methods(http.MethodGet)
	api.HandleFunc("/portfolios/{owner}/risk-reports/latest", s.handleGetLatestRiskReport).Methods(http.MethodGet)
	api.HandleFunc("/strategies/{fingerprint}", s.handleGetStrategy).Methods(http.MethodGet)
	api.HandleFunc("/strategies/{fingerprint}/valid", s.handleIsValid).Methods(http.MethodGet)

	// Agents and operations
	api.HandleFunc("/agents", s.handleCreateAgent).Methods(http.MethodPost)
	api.HandleFunc("/agents/{owner}/address", s.handleAgentAddress).Methods(http.MethodGet)
	api.HandleFunc("/agents/{agent}/session-keys", s.handleSessionKeys).Methods(http.MethodGet)
	api.HandleFunc("/operations", s.handleSubmitOperation).Methods(http.MethodPost)

	if s.deps.Sponsor != nil {
		api.HandleFunc("/sponsor/quota/{owner}", s.handleSponsorQuota).Methods(http.MethodGet)
	}
	if s.deps.Events != nil {
		api.HandleFunc("/events", s.handleRecentEvents).Methods(http.MethodGet)
	}
	api.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// RateLimiter returns the per-IP limiter so callers can prune it
func (s *Server) RateLimiter() *RateLimiter {
	return s.rateLimiter
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "attested-rebalancer",
		"paused":  s.deps.Ledger.Paused(),
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
