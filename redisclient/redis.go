// Package redisclient connects to an optional Redis instance used to
// back the nonce replay cache (spec.md §3 "NonceCache") across multiple
// rendezvous-server instances behind a load balancer. Connection is
// optimistic: a failure to parse the URL or ping the server is reported
// to the caller, who is expected to fall back to memory-only operation
// rather than fail startup, mirroring the teacher gateway's own
// "continue without Redis" posture.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a *redis.Client for the narrow nonce-cache use case.
type Client struct {
	raw *redis.Client
}

// Dial parses rawURL and pings the resulting client once. Returns an
// error if either step fails; the caller decides whether that's fatal.
func Dial(rawURL string) (*Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redisclient: invalid URL: %w", err)
	}
	rc := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("redisclient: ping: %w", err)
	}
	return &Client{raw: rc}, nil
}

// Exists reports whether key is currently set.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.raw.Exists(ctx, key).Result()
	return n > 0, err
}

// SetWithTTL sets key to a sentinel value with the given expiry.
func (c *Client) SetWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	return c.raw.Set(ctx, key, "1", ttl).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.raw.Close()
}
