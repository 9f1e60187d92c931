package sponsor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/attested-rebalancer/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// QuotaWindow is the length of one sponsorship window
const QuotaWindow = 24 * time.Hour

// KeyPrefixQuota prefixes per-owner quota hashes in Redis
const KeyPrefixQuota = "sponsor:quota:"

// ErrQuotaExhausted is returned by Reserve when the window is full
var ErrQuotaExhausted = errors.New("daily sponsorship quota exhausted")

// QuotaStore tracks sponsored operations per owner per window. Reserve
// applies the window rule and increments atomically; it writes nothing when
// the window is full.
type QuotaStore interface {
	Reserve(ctx context.Context, owner common.Address, now time.Time, limit int) (types.SponsorshipWindow, error)
	Window(ctx context.Context, owner common.Address) (types.SponsorshipWindow, error)
}

// windowExpired reports whether a window started at start no longer covers now
func windowExpired(start, now time.Time) bool {
	return start.IsZero() || !now.Before(start.Add(QuotaWindow))
}

// MemoryQuotaStore keeps quota windows in process memory
type MemoryQuotaStore struct {
	mu      sync.Mutex
	windows map[common.Address]types.SponsorshipWindow
}

// NewMemoryQuotaStore creates an empty in-memory store
func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{windows: make(map[common.Address]types.SponsorshipWindow)}
}

// Reserve implements QuotaStore
func (s *MemoryQuotaStore) Reserve(_ context.Context, owner common.Address, now time.Time, limit int) (types.SponsorshipWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[owner]
	if windowExpired(w.WindowStart, now) {
		w = types.SponsorshipWindow{Count: 1, WindowStart: now}
		s.windows[owner] = w
		return w, nil
	}
	if w.Count >= limit {
		return w, ErrQuotaExhausted
	}
	w.Count++
	s.windows[owner] = w
	return w, nil
}

// Window implements QuotaStore
func (s *MemoryQuotaStore) Window(_ context.Context, owner common.Address) (types.SponsorshipWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows[owner], nil
}

// reserveScript checks and increments a quota hash in one step
var reserveScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])
	local window = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local count = tonumber(redis.call('HGET', key, 'count') or '0')
	local start = tonumber(redis.call('HGET', key, 'start') or '-1')

	if start < 0 or now >= start + window then
		redis.call('HSET', key, 'count', 1, 'start', now)
		redis.call('EXPIRE', key, ttl)
		return {1, 1, now}
	end
	if count >= limit then
		return {0, count, start}
	end

	count = redis.call('HINCRBY', key, 'count', 1)
	redis.call('EXPIRE', key, ttl)
	return {1, count, start}
`)

// RedisQuotaStore shares quota windows across relay instances
type RedisQuotaStore struct {
	redis redis.Cmdable
	ttl   time.Duration
}

// NewRedisQuotaStore creates a store over client. Keys outlive their window
// by a day so a late reader still sees the last count.
func NewRedisQuotaStore(client redis.Cmdable) (*RedisQuotaStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisQuotaStore{redis: client, ttl: 2 * QuotaWindow}, nil
}

func quotaKey(owner common.Address) string {
	return KeyPrefixQuota + strings.ToLower(owner.Hex())
}

// Reserve implements QuotaStore
func (s *RedisQuotaStore) Reserve(ctx context.Context, owner common.Address, now time.Time, limit int) (types.SponsorshipWindow, error) {
	result, err := reserveScript.Run(ctx, s.redis, []string{quotaKey(owner)},
		now.Unix(), limit, int64(QuotaWindow/time.Second), int64(s.ttl/time.Second)).Int64Slice()
	if err != nil {
		return types.SponsorshipWindow{}, fmt.Errorf("reserve quota: %w", err)
	}
	if len(result) != 3 {
		return types.SponsorshipWindow{}, fmt.Errorf("reserve quota: unexpected reply of %d values", len(result))
	}

	w := types.SponsorshipWindow{Count: int(result[1]), WindowStart: time.Unix(result[2], 0).UTC()}
	if result[0] == 0 {
		return w, ErrQuotaExhausted
	}
	return w, nil
}

// Window implements QuotaStore
func (s *RedisQuotaStore) Window(ctx context.Context, owner common.Address) (types.SponsorshipWindow, error) {
	vals, err := s.redis.HMGet(ctx, quotaKey(owner), "count", "start").Result()
	if err != nil {
		return types.SponsorshipWindow{}, fmt.Errorf("read quota: %w", err)
	}

	var w types.SponsorshipWindow
	if count, ok := vals[0].(string); ok {
		if _, err := fmt.Sscan(count, &w.Count); err != nil {
			return types.SponsorshipWindow{}, fmt.Errorf("parse quota count: %w", err)
		}
	}
	if start, ok := vals[1].(string); ok {
		var secs int64
		if _, err := fmt.Sscan(start, &secs); err != nil {
			return types.SponsorshipWindow{}, fmt.Errorf("parse quota start: %w", err)
		}
		w.WindowStart = time.Unix(secs, 0).UTC()
	}
	return w, nil
}
