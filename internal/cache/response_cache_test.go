package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hookcore/bridge/internal/domain"
)

func entryFor(worker, session string, payload string) *domain.CacheEntry {
	key := Fingerprint(worker, domain.HookPreTool, session, json.RawMessage(`{"file":"x"}`))
	return &domain.CacheEntry{
		Key:        key,
		Worker:     worker,
		HookKind:   domain.HookPreTool,
		SessionID:  session,
		Payload:    []byte(payload),
		InsertedAt: time.Now(),
		TTL:        time.Minute,
	}
}

func TestResponseCacheSetThenGetReturnsInsertedPayload(t *testing.T) {
	c := NewResponseCache(10, time.Minute)
	e := entryFor("analyzer", "sess-1", `{"v":1}`)
	c.Set(e)

	got, ok := c.Get(e.Key)
	if !ok {
		t.Fatal("expected a hit for a just-inserted key")
	}
	if string(got.Payload) != `{"v":1}` {
		t.Fatalf("payload mismatch: %s", got.Payload)
	}
}

func TestResponseCacheEvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	c := NewResponseCache(2, time.Minute)
	a := entryFor("w", "a", "a")
	b := entryFor("w", "b", "b")
	c.Set(a)
	c.Set(b)

	// Touch a so b becomes the LRU victim.
	if _, ok := c.Get(a.Key); !ok {
		t.Fatal("expected a to be present")
	}

	c.Set(entryFor("w", "c", "c"))

	if _, ok := c.Get(b.Key); ok {
		t.Fatal("expected the least-recently-used entry to be evicted")
	}
	if _, ok := c.Get(a.Key); !ok {
		t.Fatal("expected the recently-touched entry to survive")
	}
	if c.Len() != 2 {
		t.Fatalf("expected cache bounded at 2 entries, got %d", c.Len())
	}
}

func TestResponseCacheExpiresEntriesByTTL(t *testing.T) {
	c := NewResponseCache(10, time.Minute)
	e := entryFor("w", "s", "x")
	e.TTL = 10 * time.Millisecond
	c.Set(e)

	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get(e.Key); ok {
		t.Fatal("expected entry past its TTL to miss")
	}
}

func TestFingerprintIsDeterministicAndKeySensitive(t *testing.T) {
	args := json.RawMessage(`{"file":"x"}`)
	k1 := Fingerprint("w", domain.HookPreTool, "s", args)
	k2 := Fingerprint("w", domain.HookPreTool, "s", args)
	if k1 != k2 {
		t.Fatal("same inputs must produce the same fingerprint")
	}
	if Fingerprint("w", domain.HookPreTool, "other", args) == k1 {
		t.Fatal("different session must produce a different fingerprint")
	}
	if Fingerprint("other", domain.HookPreTool, "s", args) == k1 {
		t.Fatal("different worker must produce a different fingerprint")
	}
}

func TestNormalizeArgsStripsNonSemanticFields(t *testing.T) {
	a := NormalizeArgs(json.RawMessage(`{"file":"x","timestamp":"2026-01-01T00:00:00Z","correlationId":"abc"}`))
	b := NormalizeArgs(json.RawMessage(`{"file":"x","timestamp":"2026-02-02T00:00:00Z","correlationId":"def"}`))
	if string(a) != string(b) {
		t.Fatalf("normalization must make semantically equal args byte-equal: %s vs %s", a, b)
	}

	var m map[string]any
	if err := json.Unmarshal(a, &m); err != nil {
		t.Fatalf("normalized args must stay valid JSON: %v", err)
	}
	if _, ok := m["timestamp"]; ok {
		t.Fatal("timestamp must be stripped")
	}
	if _, ok := m["correlationId"]; ok {
		t.Fatal("correlationId must be stripped")
	}
}

func TestInvalidateRemovesMatchingComponents(t *testing.T) {
	c := NewResponseCache(10, time.Minute)
	c.Set(entryFor("analyzer", "sess-1", "a"))
	c.Set(entryFor("analyzer", "sess-2", "b"))
	c.Set(entryFor("validator", "sess-1", "c"))

	if n := c.Invalidate("analyzer"); n != 2 {
		t.Fatalf("expected 2 entries invalidated by worker pattern, got %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", c.Len())
	}
	if n := c.Invalidate("sess-1"); n != 1 {
		t.Fatalf("expected 1 entry invalidated by session pattern, got %d", n)
	}
}

func TestHitRateComputedFromCounters(t *testing.T) {
	c := NewResponseCache(10, time.Minute)
	if c.HitRate() != 0 {
		t.Fatal("empty cache must report a zero hit rate, not a placeholder")
	}

	e := entryFor("w", "s", "x")
	c.Set(e)
	c.Get(e.Key)          // hit
	c.Get("missing-key")  // miss

	if got := c.HitRate(); got != 0.5 {
		t.Fatalf("expected hit rate 0.5, got %v", got)
	}
}

func TestDoCollapsesConcurrentCallsAndSharesFailure(t *testing.T) {
	c := NewResponseCache(10, time.Minute)

	var calls int
	var mu sync.Mutex
	release := make(chan struct{})
	fn := func() (*domain.CacheEntry, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return nil, errors.New("worker exploded")
	}

	const waiters = 5
	errs := make(chan error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err, _ := c.Do("same-key", fn)
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	mu.Lock()
	if calls != 1 {
		mu.Unlock()
		t.Fatalf("expected exactly one execution for concurrent identical keys, got %d", calls)
	}
	mu.Unlock()

	n := 0
	for err := range errs {
		n++
		if err == nil {
			t.Fatal("every awaiter must receive the shared failure")
		}
	}
	if n != waiters {
		t.Fatalf("expected %d awaiters to resolve, got %d", waiters, n)
	}
}

func TestCacheEntryJSONRoundTrip(t *testing.T) {
	e := entryFor("w", "s", `{"v":1}`)
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back domain.CacheEntry
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Key != e.Key || string(back.Payload) != string(e.Payload) || back.SessionID != e.SessionID {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, e)
	}
}

func TestResponseCacheDeleteEvictsSingleKey(t *testing.T) {
	c := NewResponseCache(10, time.Minute)
	e := entryFor("w", "s", "x")
	c.Set(e)
	if err := c.Delete(context.Background(), e.Key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := c.Get(e.Key); ok {
		t.Fatal("expected deleted key to miss")
	}
}

func TestFingerprintUsesNormalizedArgs(t *testing.T) {
	raw1 := json.RawMessage(fmt.Sprintf(`{"file":"x","correlationId":"%d"}`, 1))
	raw2 := json.RawMessage(fmt.Sprintf(`{"file":"x","correlationId":"%d"}`, 2))
	k1 := Fingerprint("w", domain.HookPreTool, "s", NormalizeArgs(raw1))
	k2 := Fingerprint("w", domain.HookPreTool, "s", NormalizeArgs(raw2))
	if k1 != k2 {
		t.Fatal("fingerprints over normalized args must ignore correlation ids")
	}
}
