package cache

import (
	"context"
	"testing"
	"time"

	"github.com/hookcore/bridge/internal/domain"
)

// newBackedCaches builds two ResponseCaches sharing one remote tier, the
// way two bridge instances share a Redis — MemoryTier standing in for
// Redis so the test needs no live server.
func newBackedCaches(t *testing.T) (*ResponseCache, *ResponseCache, Cache) {
	t.Helper()
	shared := NewMemoryTier(time.Minute)
	t.Cleanup(func() { shared.Close() })

	warm := NewResponseCache(100, time.Minute)
	warm.SetRemoteBacking(shared, nil)
	cold := NewResponseCache(100, time.Minute)
	cold.SetRemoteBacking(shared, nil)
	return warm, cold, shared
}

func TestRemoteTierSharesHookResponsesAcrossInstances(t *testing.T) {
	warm, cold, _ := newBackedCaches(t)

	e := entryFor("analyzer", "sess-1", `{"verdict":"ok"}`)
	warm.Set(e)

	// The cold instance never saw the dispatch; the remote tier must
	// hand it the warm instance's response.
	got, ok := cold.Get(e.Key)
	if !ok {
		t.Fatal("expected a remote-tier hit on the cold instance")
	}
	if string(got.Payload) != `{"verdict":"ok"}` {
		t.Fatalf("payload mismatch across the remote tier: %s", got.Payload)
	}

	// The remote hit must have backfilled the cold instance's local LRU.
	if cold.Len() != 1 {
		t.Fatalf("expected the remote hit to populate the local LRU, len=%d", cold.Len())
	}
}

func TestReadThroughBackfillsLocalFromShared(t *testing.T) {
	local := NewMemoryTier(time.Minute)
	shared := NewMemoryTier(time.Minute)
	t.Cleanup(func() { local.Close(); shared.Close() })

	rt := NewReadThrough(local, shared, time.Minute)
	ctx := context.Background()

	// Seed only the shared tier, as a sibling instance's write would.
	if err := shared.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("seed shared: %v", err)
	}

	got, err := rt.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("read-through miss: %v %q", err, got)
	}
	if _, err := local.Get(ctx, "k"); err != nil {
		t.Fatal("expected the read to backfill the local tier")
	}

	if _, err := rt.Get(ctx, "absent"); err == nil {
		t.Fatal("expected ErrNotFound when both tiers miss")
	}
}

func TestReadThroughDeleteReachesBothTiers(t *testing.T) {
	local := NewMemoryTier(time.Minute)
	shared := NewMemoryTier(time.Minute)
	t.Cleanup(func() { local.Close(); shared.Close() })

	rt := NewReadThrough(local, shared, time.Minute)
	ctx := context.Background()

	rt.Set(ctx, "k", []byte("v"), time.Minute)
	if err := rt.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := local.Get(ctx, "k"); err == nil {
		t.Fatal("delete must evict the local tier")
	}
	if _, err := shared.Get(ctx, "k"); err == nil {
		t.Fatal("delete must evict the shared tier")
	}
}

func TestMemoryTierExpiresAndIsolatesValues(t *testing.T) {
	tier := NewMemoryTier(time.Minute)
	t.Cleanup(func() { tier.Close() })
	ctx := context.Background()

	if err := tier.Set(ctx, "short", []byte("x"), 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := tier.Get(ctx, "short"); err == nil {
		t.Fatal("expected an expired entry to miss")
	}

	original := []byte("payload")
	tier.Set(ctx, "iso", original, 0)
	original[0] = 'X'
	got, err := tier.Get(ctx, "iso")
	if err != nil || string(got) != "payload" {
		t.Fatalf("tier must store a copy: %v %q", err, got)
	}
	got[0] = 'Z'
	again, _ := tier.Get(ctx, "iso")
	if string(again) != "payload" {
		t.Fatal("tier must return a copy")
	}
}

func TestResponseCacheServesAsLocalEvictorForRemoteInvalidation(t *testing.T) {
	warm, cold, _ := newBackedCaches(t)

	e := entryFor("validator", "sess-9", `{"stale":true}`)
	warm.Set(e)
	if _, ok := cold.Get(e.Key); !ok {
		t.Fatal("expected the cold instance to pick the entry up first")
	}

	// A sibling's invalidation broadcast arrives as a Delete on the
	// LocalEvictor surface; the entry must stop being served locally.
	var evictor LocalEvictor = cold
	if err := evictor.Delete(context.Background(), e.Key); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if cold.Len() != 0 {
		t.Fatal("expected the local LRU entry to be gone after eviction")
	}

	// domain sanity: the evicted key was a real hook-response fingerprint.
	if e.Key != Fingerprint("validator", domain.HookPreTool, "sess-9", []byte(`{"file":"x"}`)) {
		t.Fatal("fingerprint drifted from the entry builder")
	}
}
