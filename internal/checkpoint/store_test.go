package checkpoint

import (
	"testing"
	"time"
)

func TestStoreSaveAndLoad(t *testing.T) {
	s := NewStore(time.Hour)
	s.Save("plan-1", "phase-1", "result-digest", "context-digest")

	cp := s.Load("plan-1", "phase-1")
	if cp == nil {
		t.Fatal("expected a saved checkpoint to load")
	}
	if cp.ResultDigest != "result-digest" || cp.ContextDigest != "context-digest" {
		t.Fatalf("digest mismatch: %+v", cp)
	}
	if s.Load("plan-1", "phase-2") != nil {
		t.Fatal("unknown phase must not load a checkpoint")
	}
}

func TestStoreLoadReturnsCopy(t *testing.T) {
	s := NewStore(time.Hour)
	s.Save("plan-1", "phase-1", "a", "b")

	cp := s.Load("plan-1", "phase-1")
	cp.ResultDigest = "mutated"

	if s.Load("plan-1", "phase-1").ResultDigest != "a" {
		t.Fatal("Load must return a copy, not the stored checkpoint")
	}
}

func TestStoreExpiresCheckpoints(t *testing.T) {
	s := NewStore(20 * time.Millisecond)
	s.Save("plan-1", "phase-1", "a", "b")

	time.Sleep(40 * time.Millisecond)
	if s.Load("plan-1", "phase-1") != nil {
		t.Fatal("expired checkpoint must not load")
	}
}

func TestStoreListByPlan(t *testing.T) {
	s := NewStore(time.Hour)
	s.Save("plan-1", "p1", "a", "b")
	s.Save("plan-1", "p2", "c", "d")
	s.Save("plan-2", "p1", "e", "f")

	if got := s.ListByPlan("plan-1"); len(got) != 2 {
		t.Fatalf("expected 2 checkpoints for plan-1, got %d", len(got))
	}
	if got := s.ListByPlan("plan-3"); len(got) != 0 {
		t.Fatalf("expected no checkpoints for an unknown plan, got %d", len(got))
	}
}

func TestStoreDelete(t *testing.T) {
	s := NewStore(time.Hour)
	s.Save("plan-1", "p1", "a", "b")
	s.Delete("plan-1", "p1")
	if s.Load("plan-1", "p1") != nil {
		t.Fatal("deleted checkpoint must not load")
	}
}
