// Rate limiting for the admin plane's tunnel-creation routes: a per-key
// sliding window limiter, adapted from the teacher gateway's
// RateLimiter to key on the caller's derived identifier instead of an
// API key (spec.md's Non-goals exclude end-user auth, but nothing stops
// bounding how fast one caller can mint tunnels).
package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RateLimiter implements a per-key sliding window rate limiter.
type RateLimiter struct {
	logger  zerolog.Logger
	enabled bool
	rpm     int

	mu      sync.Mutex
	windows map[string]*slidingWindow

	cancel context.CancelFunc
	done   chan struct{}
}

type slidingWindow struct {
	tokens []time.Time
}

// NewRateLimiter creates a rate limiter and, if rpm is positive, starts
// its background cleanup sweep (ticker/cancel/done lifecycle, mirroring
// noncecache.Cache.StartSweeper). A non-positive rpm disables limiting
// entirely and never starts the sweeper.
func NewRateLimiter(logger zerolog.Logger, rpm int) *RateLimiter {
	rl := &RateLimiter{
		logger:  logger.With().Str("component", "admin_rate_limiter").Logger(),
		enabled: rpm > 0,
		rpm:     rpm,
		windows: make(map[string]*slidingWindow),
	}
	if rl.enabled {
		rl.startSweeper(time.Minute)
	}
	return rl
}

// startSweeper begins periodically evicting stale per-key windows so the
// map doesn't grow unbounded across many distinct callers.
func (rl *RateLimiter) startSweeper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	rl.cancel = cancel
	rl.done = make(chan struct{})

	go func() {
		defer close(rl.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Cleanup()
			}
		}
	}()
}

// Stop gracefully shuts down the cleanup sweeper. No-op if rate limiting
// is disabled.
func (rl *RateLimiter) Stop() {
	if rl.cancel != nil {
		rl.cancel()
		<-rl.done
	}
}

// Handler wraps next, rejecting requests over the per-key rate with 429.
// keyFunc derives the rate-limit key (the caller's identifier string) from
// the request.
func (rl *RateLimiter) Handler(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.enabled {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			allowed, remaining, resetAt := rl.allow(key)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.rpm))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !allowed {
				retryAfter := int(time.Until(resetAt).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				http.Error(w, `{"error":"rate_limit_exceeded","message":"too many tunnel requests"}`, http.StatusTooManyRequests)
				rl.logger.Warn().Str("key", key).Int("limit", rl.rpm).Msg("admin rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(key string) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-1 * time.Minute)
	resetAt := now.Add(1 * time.Minute)

	sw, exists := rl.windows[key]
	if !exists {
		sw = &slidingWindow{tokens: make([]time.Time, 0, rl.rpm)}
		rl.windows[key] = sw
	}

	valid := make([]time.Time, 0, len(sw.tokens))
	for _, t := range sw.tokens {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	sw.tokens = valid

	remaining := rl.rpm - len(sw.tokens)
	if remaining <= 0 {
		if len(sw.tokens) > 0 {
			resetAt = sw.tokens[0].Add(1 * time.Minute)
		}
		return false, 0, resetAt
	}

	sw.tokens = append(sw.tokens, now)
	return true, remaining - 1, resetAt
}

// Cleanup removes stale per-key windows; call periodically to bound
// memory for long-running servers with many distinct callers.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-2 * time.Minute)
	for key, sw := range rl.windows {
		if len(sw.tokens) == 0 || sw.tokens[len(sw.tokens)-1].Before(cutoff) {
			delete(rl.windows, key)
		}
	}
}
