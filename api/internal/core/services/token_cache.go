package services

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"sync"
	"time"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

// DefaultTokenCacheTTL is how long a platform verdict is trusted.
const DefaultTokenCacheTTL = 5 * time.Minute

// Clock abstracts time for cache expiry. Production code uses RealClock; tests
// pass a fixed or manually advanced clock.
type Clock interface {
	Now() time.Time
}

// RealClock reads the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenCache memoizes the verdicts of another verifier for a TTL.
//
// Both valid and invalid verdicts are cached. When the upstream cannot be reached
// a previously valid token keeps working, even past its TTL, so that a platform
// outage does not lock the operator out of a running agent. The cache is keyed by
// the SHA-256 of the token, never the token itself.
type TokenCache struct {
	upstream domain.TokenVerifier
	ttl      time.Duration
	clock    Clock
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[[sha256.Size]byte]tokenCacheEntry
}

type tokenCacheEntry struct {
	valid     bool
	checkedAt time.Time
}

func NewTokenCache(upstream domain.TokenVerifier, ttl time.Duration, clk Clock, logger *slog.Logger) *TokenCache {
	if ttl <= 0 {
		ttl = DefaultTokenCacheTTL
	}
	if clk == nil {
		clk = RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenCache{
		upstream: upstream,
		ttl:      ttl,
		clock:    clk,
		logger:   logger,
		entries:  make(map[[sha256.Size]byte]tokenCacheEntry),
	}
}

// Verify answers from the cache while the entry is fresh and asks the upstream
// otherwise.
func (c *TokenCache) Verify(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	key := sha256.Sum256([]byte(token))

	c.mu.RLock()
	entry, found := c.entries[key]
	c.mu.RUnlock()

	now := c.clock.Now()
	if found && now.Sub(entry.checkedAt) < c.ttl {
		return entry.valid, nil
	}

	valid, err := c.upstream.Verify(ctx, token)
	if err != nil {
		if found && entry.valid {
			c.logger.Warn("Token verification unavailable, using cached verdict", slog.Any("error", err))
			return true, nil
		}
		return false, err
	}

	c.mu.Lock()
	c.entries[key] = tokenCacheEntry{valid: valid, checkedAt: now}
	c.mu.Unlock()
	return valid, nil
}

// EvictExpired drops entries that are past their TTL. Stale valid entries are
// dropped too, so the outage fallback only spans one eviction interval.
func (c *TokenCache) EvictExpired() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, entry := range c.entries {
		if now.Sub(entry.checkedAt) >= c.ttl {
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}

// Clear forgets every verdict, e.g. after a token rotation.
func (c *TokenCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len reports the number of cached verdicts.
func (c *TokenCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
