// Package noncecache implements the TTL replay-detection set used by the
// HMAC admin authenticator (spec.md §3 "NonceCache", §4.6 step 6).
//
// The in-memory map plus periodic sweep goroutine mirrors the teacher
// gateway's middleware.RateLimiter sliding-window map and its
// provider.HealthPoller background-ticker/cancel/done lifecycle. An
// optional Redis backing store lets multiple rendezvous-server instances
// behind a load balancer share replay state, degrading to memory-only
// exactly the way the teacher's redisclient connects optimistically and
// logs a warning rather than failing startup.
package noncecache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelrelay/rendezvous/redisclient"
)

// Cache is a TTL set of nonce strings, safe for concurrent use.
type Cache struct {
	logger zerolog.Logger
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]time.Time // nonce -> expiry

	redis *redisclient.Client

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Cache with the given replay TTL. If redisURL is non-empty
// it is dialed and pinged once via redisclient.Dial; on any failure the
// cache logs a warning and continues memory-only.
func New(logger zerolog.Logger, ttl time.Duration, redisURL string) *Cache {
	c := &Cache{
		logger:  logger.With().Str("component", "nonce_cache").Logger(),
		ttl:     ttl,
		entries: make(map[string]time.Time),
		done:    make(chan struct{}),
	}

	if redisURL != "" {
		rc, err := redisclient.Dial(redisURL)
		if err != nil {
			c.logger.Warn().Err(err).Msg("redis dial failed — continuing with in-memory nonce cache only")
		} else {
			c.redis = rc
			c.logger.Info().Msg("nonce cache backed by redis")
		}
	}

	return c
}

// Has reports whether nonce is currently present (i.e. within TTL of a
// prior Add). Checked before HMAC signature validation (spec.md §4.6
// step 4).
func (c *Cache) Has(ctx context.Context, nonce string) bool {
	if c.redis != nil {
		exists, err := c.redis.Exists(ctx, c.redisKey(nonce))
		if err == nil {
			return exists
		}
		c.logger.Warn().Err(err).Msg("redis Exists failed — falling back to local map for this check")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.entries[nonce]
	if !ok {
		return false
	}
	return time.Now().Before(exp)
}

// Add records nonce with the configured TTL, after full signature
// validation succeeds (spec.md §4.6 step 6).
func (c *Cache) Add(ctx context.Context, nonce string) {
	if c.redis != nil {
		if err := c.redis.SetWithTTL(ctx, c.redisKey(nonce), c.ttl); err == nil {
			return
		} else {
			c.logger.Warn().Err(err).Msg("redis SetWithTTL failed — falling back to local map")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[nonce] = time.Now().Add(c.ttl)
}

func (c *Cache) redisKey(nonce string) string {
	return "lt:nonce:" + nonce
}

// StartSweeper begins the periodic expired-entry sweep at the given
// interval. Call Stop to shut it down. The sweep only prunes the local
// map; Redis-stored keys expire natively.
func (c *Cache) StartSweeper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// Stop gracefully shuts down the sweeper goroutine.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for n, exp := range c.entries {
		if now.After(exp) {
			delete(c.entries, n)
		}
	}
}

// Len reports the number of locally-tracked entries (ignores unexpired
// Redis keys); useful for tests and /api/status diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
