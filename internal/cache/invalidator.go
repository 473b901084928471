package cache

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// InvalidationChannel is the Redis pub/sub channel every bridge instance
// subscribes to. An administrative cache bust on one instance publishes
// each evicted key here so siblings drop their local copies instead of
// serving them until TTL expiry.
const InvalidationChannel = "bridge:cache:invalidate"

// LocalEvictor is the narrow eviction surface the invalidator needs from
// the cache it protects. ResponseCache implements it directly, so
// arriving signals evict from the cache the Dispatcher actually reads.
type LocalEvictor interface {
	Delete(ctx context.Context, key string) error
}

// CacheInvalidator is the cross-instance half of the distributed cache:
// it publishes this instance's administrative evictions and applies the
// ones other instances broadcast.
type CacheInvalidator struct {
	local  LocalEvictor
	client *redis.Client

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewCacheInvalidator pairs a local evictor with the shared Redis client.
func NewCacheInvalidator(local LocalEvictor, client *redis.Client) *CacheInvalidator {
	return &CacheInvalidator{local: local, client: client}
}

// Start subscribes and applies inbound invalidations until ctx ends or
// Close is called. It blocks; run it in its own goroutine.
func (ci *CacheInvalidator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	ci.mu.Lock()
	if ci.closed {
		ci.mu.Unlock()
		cancel()
		return
	}
	ci.cancel = cancel
	ci.mu.Unlock()

	sub := ci.client.Subscribe(ctx, InvalidationChannel)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			// The message payload is the evicted cache key.
			_ = ci.local.Delete(ctx, msg.Payload)
		}
	}
}

// PublishInvalidation broadcasts one evicted key to the other instances.
// ResponseCache.Invalidate calls this per removed entry.
func (ci *CacheInvalidator) PublishInvalidation(ctx context.Context, key string) error {
	return ci.client.Publish(ctx, InvalidationChannel, key).Err()
}

// Close stops the subscription loop; safe to call more than once.
func (ci *CacheInvalidator) Close() error {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if ci.closed {
		return nil
	}
	ci.closed = true
	if ci.cancel != nil {
		ci.cancel()
	}
	return nil
}
