package cache

import (
	"context"
	"time"
)

// ReadThrough stacks a fast local Cache in front of a shared one: reads
// hit local first and backfill it from shared on a miss, writes go to
// both. ResponseCache's remote backing uses one of these so a burst of
// local misses pays the Redis round trip once per localTTL window, not
// once per miss. Local entries deliberately live much shorter than
// shared ones — the CacheInvalidator's cross-instance eviction only
// reaches the shared tier and the ResponseCache's own LRU, so a short
// local TTL bounds how long this middle layer can serve a busted entry.
type ReadThrough struct {
	local    Cache
	shared   Cache
	localTTL time.Duration
}

// NewReadThrough stacks local in front of shared. localTTL bounds how
// long backfilled entries stay local (default 10s when <= 0).
func NewReadThrough(local, shared Cache, localTTL time.Duration) *ReadThrough {
	if localTTL <= 0 {
		localTTL = 10 * time.Second
	}
	return &ReadThrough{local: local, shared: shared, localTTL: localTTL}
}

func (r *ReadThrough) Get(ctx context.Context, key string) ([]byte, error) {
	if value, err := r.local.Get(ctx, key); err == nil {
		return value, nil
	}
	value, err := r.shared.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	_ = r.local.Set(ctx, key, value, r.localTTL)
	return value, nil
}

func (r *ReadThrough) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = r.local.Set(ctx, key, value, r.localTTL)
	return r.shared.Set(ctx, key, value, ttl)
}

func (r *ReadThrough) Delete(ctx context.Context, key string) error {
	_ = r.local.Delete(ctx, key)
	return r.shared.Delete(ctx, key)
}

func (r *ReadThrough) Close() error {
	_ = r.local.Close()
	return r.shared.Close()
}
