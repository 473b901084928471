package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultKeyPrefix namespaces this module's entries inside a shared
// Redis instance.
const defaultKeyPrefix = "bridge:cache:"

// RedisTier is the shared remote Cache: hook responses cached by one
// bridge instance become visible to every sibling pointed at the same
// Redis. It borrows the caller's client — cmd/bridge opens a single
// client shared between this tier and the CacheInvalidator's pub/sub —
// so Close here is a no-op on the connection itself.
type RedisTier struct {
	client *redis.Client
	prefix string
}

// NewRedisTier wraps an existing client. prefix defaults to
// "bridge:cache:" when empty.
func NewRedisTier(client *redis.Client, prefix string) *RedisTier {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisTier{client: client, prefix: prefix}
}

func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := t.client.Get(ctx, t.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (t *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return t.client.Set(ctx, t.prefix+key, value, ttl).Err()
}

func (t *RedisTier) Delete(ctx context.Context, key string) error {
	return t.client.Del(ctx, t.prefix+key).Err()
}

// Close is a no-op: the shared client's lifetime belongs to the caller.
func (t *RedisTier) Close() error { return nil }
