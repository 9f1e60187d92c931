// Package main runs the attested rebalancer relay: the ledger, fee sponsor,
// agent factory and entry point behind the HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/attested-rebalancer/internal/adapter"
	"github.com/attested-rebalancer/internal/api"
	"github.com/attested-rebalancer/internal/circuitbreaker"
	"github.com/attested-rebalancer/internal/config"
	"github.com/attested-rebalancer/internal/entrypoint"
	"github.com/attested-rebalancer/internal/events"
	"github.com/attested-rebalancer/internal/factory"
	"github.com/attested-rebalancer/internal/ledger"
	"github.com/attested-rebalancer/internal/logging"
	"github.com/attested-rebalancer/internal/retry"
	"github.com/attested-rebalancer/internal/sponsor"
	"github.com/attested-rebalancer/internal/storage"
	"github.com/attested-rebalancer/internal/substrate"
	"github.com/ethereum/go-ethereum/common"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
	logger.Info("Server exited")
}

// addresses holds the parsed address configuration
type addresses struct {
	ledger, sponsor, factory, entryPoint          common.Address
	admin, attester, pool, sponsorSigner, feeDest common.Address
}

func parseAddresses(cfg *config.Config) (addresses, error) {
	var (
		out  addresses
		errs []error
	)
	parse := func(name, raw string, required bool, dst *common.Address) {
		if raw == "" && !required {
			return
		}
		if !common.IsHexAddress(raw) {
			errs = append(errs, fmt.Errorf("%s must be a hex address, got %q", name, raw))
			return
		}
		*dst = common.HexToAddress(raw)
	}
	parse("LEDGER_ADDRESS", cfg.Chain.LedgerAddress, true, &out.ledger)
	parse("SPONSOR_ADDRESS", cfg.Chain.SponsorAddress, true, &out.sponsor)
	parse("FACTORY_ADDRESS", cfg.Chain.FactoryAddress, true, &out.factory)
	parse("ENTRY_POINT_ADDRESS", cfg.Chain.EntryPoint, true, &out.entryPoint)
	parse("ADMIN_ADDRESS", cfg.Trust.Admin, true, &out.admin)
	parse("ATTESTER_ADDRESS", cfg.Trust.Attester, false, &out.attester)
	parse("EXECUTION_POOL_ADDRESS", cfg.Trust.ExecutionPool, false, &out.pool)
	parse("SPONSOR_SIGNER_ADDRESS", cfg.Trust.SponsorSigner, false, &out.sponsorSigner)
	parse("FEE_RECIPIENT_ADDRESS", cfg.Trust.FeeRecipient, false, &out.feeDest)
	return out, errors.Join(errs...)
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	addrs, err := parseAddresses(cfg)
	if err != nil {
		return err
	}
	if addrs.attester == (common.Address{}) {
		logger.Warn("ATTESTER_ADDRESS not set; every attested submission will be rejected")
	}

	chainID, err := adapter.ResolveChainID(ctx, cfg.Chain.RPCURL, cfg.Chain.RPCFallbackURL, cfg.Chain.ID, logger)
	if err != nil {
		return fmt.Errorf("resolve chain id: %w", err)
	}
	logger.WithField("chain_id", chainID.String()).Info("Chain ID resolved")

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	sink, reader, err := openEventSinks(ctx, cfg, logger, &closers)
	if err != nil {
		return err
	}
	quota, err := openQuotaStore(ctx, cfg, logger, &closers)
	if err != nil {
		return err
	}

	clock := substrate.SystemClock{}
	router := substrate.NewRouter()
	serializer := substrate.NewSerializer()

	policy := ledger.RevertOnFailure
	if cfg.Policy.ConsumeOnAdapterFailure {
		policy = ledger.ConsumeOnFailure
	}
	rebalancer := adapter.NewGuardedRebalancer(
		adapter.NewNoopRebalancer(logger),
		circuitbreaker.New(circuitbreaker.DefaultConfig("venue"), clock, logger),
	)
	l, err := ledger.New(ledger.Config{
		Address:              addrs.ledger,
		Admin:                addrs.admin,
		Attester:             addrs.attester,
		ExecutionPool:        addrs.pool,
		FeeBps:               uint16(cfg.Trust.FeeBps), // #nosec G115 - validated 0..1000
		FeeRecipient:         addrs.feeDest,
		MinRebalanceInterval: cfg.Policy.MinRebalanceInterval,
		EnforceAllocationSum: cfg.Policy.EnforceAllocationSum,
		FailurePolicy:        policy,
	}, clock, rebalancer, sink, logger)
	if err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}
	if err := router.Deploy(l); err != nil {
		return fmt.Errorf("deploy ledger: %w", err)
	}

	var maxCost *big.Int
	if cfg.Policy.MaxCostPerOperation > 0 {
		maxCost = big.NewInt(cfg.Policy.MaxCostPerOperation)
	}
	sp, err := sponsor.New(sponsor.Config{
		Address:             addrs.sponsor,
		Admin:               addrs.admin,
		Ledger:              addrs.ledger,
		VerifyingSigner:     addrs.sponsorSigner,
		ChainID:             chainID,
		DailyLimit:          cfg.Policy.DailySponsorshipLimit,
		MaxValidity:         cfg.Policy.SponsorMaxValidity,
		MaxCostPerOperation: maxCost,
	}, quota, clock, sink, logger)
	if err != nil {
		return fmt.Errorf("create sponsor: %w", err)
	}

	fac, err := factory.New(factory.Config{
		Address:    addrs.factory,
		EntryPoint: addrs.entryPoint,
		Ledger:     addrs.ledger,
		ChainID:    chainID,
	}, router, clock, sink, logger)
	if err != nil {
		return fmt.Errorf("create factory: %w", err)
	}
	entry := entrypoint.New(addrs.entryPoint, fac, sp, serializer, logger)

	deps := api.Deps{
		Ledger:     l,
		Factory:    fac,
		Operations: entry,
		Sponsor:    sp,
		Serializer: serializer,
		Relayer:    addrs.entryPoint,
	}
	if reader != nil {
		deps.Events = reader
	}

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RequestsPerS:    cfg.Server.RequestsPerS,
		Burst:           cfg.Server.Burst,
	}
	server, err := api.NewServer(serverConfig, deps, logger)
	if err != nil {
		return err
	}

	go pruneClients(ctx, server.RateLimiter(), logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.WithFields(map[string]interface{}{
		"host":         cfg.Server.Host,
		"port":         cfg.Server.Port,
		"quota":        cfg.Backends.Quota,
		"events":       cfg.Backends.Events,
		"fail_policy":  policy.String(),
		"daily_limit":  sp.DailyLimit(),
		"attester_set": addrs.attester != (common.Address{}),
	}).Info("Server started successfully")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// openEventSinks always logs events and adds the configured durable sink.
// The returned reader is nil for the log backend.
func openEventSinks(ctx context.Context, cfg *config.Config, logger *logging.Logger, closers *[]func()) (events.Sink, api.EventReader, error) {
	sinks := events.MultiSink{events.NewLogSink(logger)}

	switch cfg.Backends.Events {
	case "postgres":
		db, err := retry.Connect(ctx, "postgres", func(ctx context.Context) (*storage.PostgresDB, error) {
			return storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
		})
		if err != nil {
			return nil, nil, err
		}
		*closers = append(*closers, db.Close)
		if err := storage.RunMigrations(cfg.Database.Postgres.URL(), filepath.Join(cfg.Backends.MigrationsPath, "postgres")); err != nil {
			return nil, nil, err
		}
		repo := storage.NewPostgresEventRepository(db)
		logger.Info("Postgres event sink ready")
		return append(sinks, repo), repo, nil

	case "clickhouse":
		db, err := retry.Connect(ctx, "clickhouse", func(ctx context.Context) (*storage.ClickHouseDB, error) {
			return storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		})
		if err != nil {
			return nil, nil, err
		}
		*closers = append(*closers, func() { _ = db.Close() })
		if err := storage.RunClickHouseMigrations(ctx, db, filepath.Join(cfg.Backends.MigrationsPath, "clickhouse"), logger); err != nil {
			return nil, nil, err
		}
		repo := storage.NewClickHouseEventRepository(db)
		logger.Info("ClickHouse event sink ready")
		return append(sinks, repo), repo, nil
	}
	return sinks, nil, nil
}

// openQuotaStore returns nil for the memory backend, which the sponsor
// substitutes with its in-process store
func openQuotaStore(ctx context.Context, cfg *config.Config, logger *logging.Logger, closers *[]func()) (sponsor.QuotaStore, error) {
	if cfg.Backends.Quota != "redis" {
		return nil, nil
	}
	cache, err := retry.Connect(ctx, "redis", func(ctx context.Context) (*storage.RedisCache, error) {
		return storage.NewRedisCache(ctx, &cfg.Database.Redis)
	})
	if err != nil {
		return nil, err
	}
	*closers = append(*closers, func() { _ = cache.Close() })

	logger.WithField("prefix", sponsor.KeyPrefixQuota).Info("Redis quota store ready")
	return sponsor.NewRedisQuotaStore(cache.Client())
}

func pruneClients(ctx context.Context, rl *api.RateLimiter, logger *logging.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rl.Prune(10 * time.Minute); n > 0 {
				logger.WithField("clients", n).Debug("Pruned idle rate limit buckets")
			}
		}
	}
}
