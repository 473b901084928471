// Package cache implements the Dispatcher's Response Cache: a bounded,
// single-flighted memoization layer over hook invocation results
// (ResponseCache in response_cache.go), optionally backed by a shared
// remote tier so sibling instances reuse each other's responses. Cache
// is the byte-oriented contract that remote tier satisfies: MemoryTier
// in-process, RedisTier across instances, ReadThrough stacking one in
// front of the other.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("cache: key not found")

// Cache is a byte-oriented key-value store with TTL. Implementations are
// safe for concurrent use. ResponseCache owns marshaling the
// domain.CacheEntry payloads that travel through it.
type Cache interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key for ttl; ttl <= 0 means no expiry (or
	// the backend's default).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Close releases the backend's resources.
	Close() error
}
