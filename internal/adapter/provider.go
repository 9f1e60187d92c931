package adapter

import (
	"fmt"
	"sync"
	"time"
)

// ProviderHealth represents the health status of an RPC provider
type ProviderHealth struct {
	CurrentURL       string        `json:"currentUrl"`
	TotalRequests    int64         `json:"totalRequests"`
	FailedReqs       int64         `json:"failedRequests"`
	AverageLatency   time.Duration `json:"averageLatency"`
	LastSuccess      time.Time     `json:"lastSuccess"`
	LastFailure      time.Time     `json:"lastFailure"`
	ConsecutiveFails int           `json:"consecutiveFails"`
	IsHealthy        bool          `json:"isHealthy"`
}

// RPCProvider tracks a primary and an optional fallback endpoint
type RPCProvider struct {
	mu sync.RWMutex

	primaryURL  string
	fallbackURL string
	currentURL  string

	totalRequests    int64
	failedReqs       int64
	totalLatency     time.Duration
	lastSuccess      time.Time
	lastFailure      time.Time
	consecutiveFails int

	maxConsecutiveFails int
}

// NewRPCProvider creates a provider. The fallback URL may be empty.
func NewRPCProvider(primaryURL, fallbackURL string) (*RPCProvider, error) {
	if primaryURL == "" {
		return nil, fmt.Errorf("primary URL cannot be empty")
	}
	return &RPCProvider{
		primaryURL:          primaryURL,
		fallbackURL:         fallbackURL,
		currentURL:          primaryURL,
		maxConsecutiveFails: 3,
	}, nil
}

// CurrentURL returns the active endpoint
func (p *RPCProvider) CurrentURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentURL
}

// Failover switches between primary and fallback
func (p *RPCProvider) Failover() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fallbackURL == "" {
		return fmt.Errorf("no fallback provider configured")
	}
	if p.currentURL == p.primaryURL {
		p.currentURL = p.fallbackURL
	} else {
		p.currentURL = p.primaryURL
	}
	p.consecutiveFails = 0
	return nil
}

// RecordSuccess records a successful request
func (p *RPCProvider) RecordSuccess(latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalRequests++
	p.totalLatency += latency
	p.lastSuccess = time.Now()
	p.consecutiveFails = 0
}

// RecordFailure records a failed request
func (p *RPCProvider) RecordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalRequests++
	p.failedReqs++
	p.lastFailure = time.Now()
	p.consecutiveFails++
}

// Health returns a snapshot of the provider's health
func (p *RPCProvider) Health() ProviderHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	h := ProviderHealth{
		CurrentURL:       p.currentURL,
		TotalRequests:    p.totalRequests,
		FailedReqs:       p.failedReqs,
		LastSuccess:      p.lastSuccess,
		LastFailure:      p.lastFailure,
		ConsecutiveFails: p.consecutiveFails,
		IsHealthy:        p.consecutiveFails < p.maxConsecutiveFails,
	}
	if ok := p.totalRequests - p.failedReqs; ok > 0 {
		h.AverageLatency = p.totalLatency / time.Duration(ok)
	}
	return h
}
