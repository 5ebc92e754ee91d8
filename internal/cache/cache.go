package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss signals that a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is a string key-value cache with per-entry TTL. Implementations are
// safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Close() error
}

// Ping probes c with a read. A miss counts as reachable.
func Ping(ctx context.Context, c Cache) error {
	if _, err := c.Get(ctx, "health:probe"); err != nil && !errors.Is(err, ErrMiss) {
		return err
	}
	return nil
}
