// Package store wraps go-redis with the small set of atomic primitives
// the admission plane needs: a per-key concurrency sorted set, a per-key
// rate window hash, and per-key queue counters/sample rings/stat
// counters. Every primitive that must be "insert-then-check" atomic is a
// Lua script (see scripts.go) — go-redis has no multi-command primitive
// that is itself atomic, so the pack's own concurrency-cache and
// rate-limiter examples all reach for EVAL too.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is a thin wrapper around *redis.Client exposing the primitives
// described in spec.md §6 "Persisted state contract".
type Client struct {
	rdb *redis.Client
}

// New builds a Client from a redis:// URL.
func New(redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return &Client{rdb: redis.NewClient(opt)}, nil
}

// FromRedis wraps an already-constructed *redis.Client (used by tests
// against miniredis).
func FromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping verifies connectivity with a bounded timeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Raw exposes the underlying client for components that need a primitive
// not otherwise wrapped here (e.g. pub/sub for cache invalidation).
func (c *Client) Raw() *redis.Client {
	return c.rdb
}
