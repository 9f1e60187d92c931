package adapter

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/attested-rebalancer/internal/logging"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrChainMismatch is returned when the node disagrees with the configured chain ID
var ErrChainMismatch = errors.New("node chain ID differs from configuration")

// ChainClient reads chain metadata from a JSON-RPC node, failing over to
// the fallback endpoint when the active one errors.
type ChainClient struct {
	provider *RPCProvider
	logger   *logging.Logger
}

// NewChainClient creates a client over provider
func NewChainClient(provider *RPCProvider, logger *logging.Logger) *ChainClient {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ChainClient{provider: provider, logger: logger.WithComponent("chain_client")}
}

// ChainID asks the node for its chain ID
func (c *ChainClient) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.chainIDAt(ctx, c.provider.CurrentURL())
	if err == nil {
		return id, nil
	}
	if foErr := c.provider.Failover(); foErr != nil {
		return nil, err
	}
	c.logger.WithError(err).WithField("url", c.provider.CurrentURL()).Warn("Primary RPC failed, trying fallback")
	return c.chainIDAt(ctx, c.provider.CurrentURL())
}

func (c *ChainClient) chainIDAt(ctx context.Context, url string) (*big.Int, error) {
	start := time.Now()
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		c.provider.RecordFailure()
		return nil, NewAdapterError("ChainID", err, map[string]interface{}{"url": url})
	}
	defer client.Close()

	id, err := client.ChainID(ctx)
	if err != nil {
		c.provider.RecordFailure()
		return nil, NewAdapterError("ChainID", err, map[string]interface{}{"url": url})
	}
	c.provider.RecordSuccess(time.Since(start))
	return id, nil
}

// ResolveChainID returns the node's chain ID, or configured when no RPC URL is set.
// A node reporting a different ID than a non-zero configured one is an error.
func ResolveChainID(ctx context.Context, rpcURL, fallbackURL string, configured int64, logger *logging.Logger) (*big.Int, error) {
	if rpcURL == "" {
		return big.NewInt(configured), nil
	}
	provider, err := NewRPCProvider(rpcURL, fallbackURL)
	if err != nil {
		return nil, err
	}
	id, err := NewChainClient(provider, logger).ChainID(ctx)
	if err != nil {
		return nil, err
	}
	if configured != 0 && id.Cmp(big.NewInt(configured)) != 0 {
		return nil, NewAdapterError("ChainID", ErrChainMismatch, map[string]interface{}{
			"configured": configured,
			"node":       id.String(),
		})
	}
	return id, nil
}
