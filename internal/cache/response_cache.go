package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hookcore/bridge/internal/domain"
)

// DefaultMaxEntries is the bounded LRU capacity spec.md §4.4 mandates.
const DefaultMaxEntries = 1000

// DefaultTTL is the cache entry lifetime when the caller does not specify
// one.
const DefaultTTL = 5 * time.Minute

// ResponseCache is the Dispatcher's bounded LRU response memoization
// layer with single-flight duplicate-call suppression. LRU ordering
// rides on a container/list so get, insert, and evict all stay O(1) at
// the 1000-entry bound.
type ResponseCache struct {
	mu         sync.Mutex
	ll         *list.List
	items      map[string]*list.Element
	maxEntries int
	defaultTTL time.Duration

	flight singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64

	// remote is an optional distributed tier (a RedisTier, usually with
	// a ReadThrough in front of it) consulted on a local miss and
	// populated on every local Set, so a cold instance can reuse a warm
	// sibling's response instead of re-invoking the worker.
	remote Cache
	// invalidator broadcasts administrative Invalidate calls to every
	// other instance sharing the same remote tier, so a manual cache
	// bust on one node evicts the corresponding local LRU entries
	// everywhere rather than only on the node that issued it.
	invalidator *CacheInvalidator
}

type lruElem struct {
	key   string
	entry *domain.CacheEntry
	// components holds the raw (pre-hash) key parts so Invalidate(pattern)
	// can substring-match them; the spec requires pattern matching against
	// "stringified components", not the opaque hash.
	components string
}

// NewResponseCache creates a bounded LRU response cache.
func NewResponseCache(maxEntries int, defaultTTL time.Duration) *ResponseCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &ResponseCache{
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
	}
}

// SetRemoteBacking attaches an optional distributed L2 tier and its
// invalidation broadcaster. Called once at startup when a Redis address
// is configured; a ResponseCache with no remote backing behaves exactly
// like a plain in-process LRU.
func (c *ResponseCache) SetRemoteBacking(remote Cache, invalidator *CacheInvalidator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = remote
	c.invalidator = invalidator
}

// Fingerprint computes the deterministic cache key for
// (workerName, hookKind, sessionId, normalizedArgs).
func Fingerprint(worker string, hookKind domain.HookKind, sessionID string, normalizedArgs json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(worker))
	h.Write([]byte{0})
	h.Write([]byte(hookKind))
	h.Write([]byte{0})
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write(normalizedArgs)
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeArgs strips non-semantic fields (timestamps, correlation ids)
// from a raw args payload before it is hashed into a fingerprint.
func NormalizeArgs(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	delete(m, "timestamp")
	delete(m, "correlationId")
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}

// Get returns the cached entry for key if present and unexpired. On a
// local miss with a remote tier configured, it consults the remote
// before giving up, repopulating the local LRU on a remote hit so a
// second local call doesn't pay the round trip again.
func (c *ResponseCache) Get(key string) (*domain.CacheEntry, bool) {
	c.mu.Lock()
	el, ok := c.items[key]
	if ok {
		le := el.Value.(*lruElem)
		if !le.entry.Expired(time.Now()) {
			c.ll.MoveToFront(el)
			c.hits.Add(1)
			cp := *le.entry
			c.mu.Unlock()
			return &cp, true
		}
		c.removeElement(el)
	}
	remote := c.remote
	c.mu.Unlock()

	if remote == nil {
		c.misses.Add(1)
		return nil, false
	}

	raw, err := remote.Get(context.Background(), key)
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}
	var entry domain.CacheEntry
	if jsonErr := json.Unmarshal(raw, &entry); jsonErr != nil || entry.Expired(time.Now()) {
		c.misses.Add(1)
		return nil, false
	}
	c.insertLocal(&entry)
	c.hits.Add(1)
	cp := entry
	return &cp, true
}

// insertLocal inserts entry into the local LRU without touching the
// remote tier, used to repopulate L1 after a remote hit.
func (c *ResponseCache) insertLocal(entry *domain.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	components := strings.Join([]string{entry.Worker, string(entry.HookKind), entry.SessionID}, "\x1f")
	if el, ok := c.items[entry.Key]; ok {
		el.Value.(*lruElem).entry = entry
		el.Value.(*lruElem).components = components
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruElem{key: entry.Key, entry: entry, components: components})
	c.items[entry.Key] = el
	if c.ll.Len() > c.maxEntries {
		c.removeElement(c.ll.Back())
	}
}

// Set inserts or replaces an entry, evicting the least-recently-used
// entry if the cache is at capacity, and writing through to the remote
// tier (if configured) so sibling instances can reuse it.
func (c *ResponseCache) Set(entry *domain.CacheEntry) {
	if entry.TTL <= 0 {
		entry.TTL = c.defaultTTL
	}

	c.mu.Lock()
	components := strings.Join([]string{entry.Worker, string(entry.HookKind), entry.SessionID}, "\x1f")
	if el, ok := c.items[entry.Key]; ok {
		el.Value.(*lruElem).entry = entry
		el.Value.(*lruElem).components = components
		c.ll.MoveToFront(el)
	} else {
		el := c.ll.PushFront(&lruElem{key: entry.Key, entry: entry, components: components})
		c.items[entry.Key] = el
		if c.ll.Len() > c.maxEntries {
			c.removeElement(c.ll.Back())
		}
	}
	remote := c.remote
	c.mu.Unlock()

	if remote == nil {
		return
	}
	if raw, err := json.Marshal(entry); err == nil {
		_ = remote.Set(context.Background(), entry.Key, raw, entry.TTL)
	}
}

// Do collapses concurrent calls for the same key into a single execution
// of fn; every awaiter (including the caller that triggered the call)
// receives the same result, success or failure.
func (c *ResponseCache) Do(key string, fn func() (*domain.CacheEntry, error)) (*domain.CacheEntry, error, bool) {
	v, err, shared := c.flight.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return nil, err, shared
	}
	return v.(*domain.CacheEntry), nil, shared
}

// Invalidate removes every entry whose stringified key components contain
// pattern as a substring, and returns the number of entries removed. Each
// removed key is also deleted from the remote tier (if configured) and
// broadcast over the invalidator (if configured) so every sibling instance
// drops its own local copy rather than serving a stale entry until TTL
// expiry.
func (c *ResponseCache) Invalidate(pattern string) int {
	c.mu.Lock()

	var toRemove []*list.Element
	for _, el := range c.items {
		le := el.Value.(*lruElem)
		if strings.Contains(le.components, pattern) || strings.Contains(le.key, pattern) {
			toRemove = append(toRemove, el)
		}
	}
	removedKeys := make([]string, 0, len(toRemove))
	for _, el := range toRemove {
		removedKeys = append(removedKeys, el.Value.(*lruElem).key)
		c.removeElement(el)
	}
	invalidator := c.invalidator
	remote := c.remote
	c.mu.Unlock()

	if remote != nil {
		for _, key := range removedKeys {
			_ = remote.Delete(context.Background(), key)
		}
	}
	if invalidator != nil {
		for _, key := range removedKeys {
			_ = invalidator.PublishInvalidation(context.Background(), key)
		}
	}
	return len(toRemove)
}

// Delete evicts a single key from the local LRU, ignoring ctx (the local
// map has no blocking I/O). It satisfies LocalEvictor so a ResponseCache
// can be handed directly to a CacheInvalidator as the eviction target for
// signals arriving from other instances.
func (c *ResponseCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	return nil
}

// Len reports the current number of cached entries.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// HitRate returns the live hit rate computed from hit/miss counters,
// never a constant placeholder (spec.md §9's second Open Question).
func (c *ResponseCache) HitRate() float64 {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// removeElement must be called under lock.
func (c *ResponseCache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*lruElem).key)
}
