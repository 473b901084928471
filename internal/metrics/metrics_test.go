package metrics

import (
	"testing"
	"time"
)

func TestKeyMetricsPercentilesFromKnownSamples(t *testing.T) {
	tr := NewTracker()
	for i := 1; i <= 100; i++ {
		tr.Record("w/op", float64(i), true)
	}

	m := tr.KeyMetrics("w/op")
	if m.Count != 100 {
		t.Fatalf("expected 100 samples counted, got %d", m.Count)
	}
	if m.MinMs != 1 || m.MaxMs != 100 {
		t.Fatalf("min/max mismatch: %v/%v", m.MinMs, m.MaxMs)
	}
	if m.MeanMs != 50.5 {
		t.Fatalf("expected mean 50.5, got %v", m.MeanMs)
	}
	if m.P50Ms != 50 {
		t.Fatalf("expected p50 50, got %v", m.P50Ms)
	}
	if m.P90Ms != 90 {
		t.Fatalf("expected p90 90, got %v", m.P90Ms)
	}
	if m.P95Ms != 95 {
		t.Fatalf("expected p95 95, got %v", m.P95Ms)
	}
	if m.P99Ms != 99 {
		t.Fatalf("expected p99 99, got %v", m.P99Ms)
	}
}

func TestRingRetainsOnlyLastThousandSamples(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 1500; i++ {
		tr.Record("w/op", float64(i), true)
	}

	m := tr.KeyMetrics("w/op")
	if m.Count != 1500 {
		t.Fatalf("total count must track every recording, got %d", m.Count)
	}
	// Samples 0..499 were overwritten; the retained minimum is 500.
	if m.MinMs != 500 {
		t.Fatalf("expected the ring to retain only the most recent 1000 samples, min %v", m.MinMs)
	}
}

func TestStartEndTimerRecordsUnderKey(t *testing.T) {
	tr := NewTracker()
	h := tr.StartTimer("w/op")
	time.Sleep(5 * time.Millisecond)
	elapsed := tr.EndTimer(h, true)
	if elapsed <= 0 {
		t.Fatalf("expected a positive elapsed duration, got %v", elapsed)
	}

	m := tr.KeyMetrics("w/op")
	if m.Count != 1 {
		t.Fatalf("expected one recorded sample, got %d", m.Count)
	}
	if m.MaxMs < 4 {
		t.Fatalf("recorded duration implausibly small: %v", m.MaxMs)
	}
}

func TestOverallMetricsComputesErrorRateAndCacheHitRate(t *testing.T) {
	tr := NewTracker()
	tr.CacheHitRate = func() float64 { return 0.25 }

	tr.Record("w/op", 10, true)
	tr.Record("w/op", 20, true)
	tr.Record("w/op", 30, false)
	tr.Record("x/op", 40, true)

	m := tr.GetOverallMetrics()
	if m.ErrorRate != 0.25 {
		t.Fatalf("expected error rate 1/4, got %v", m.ErrorRate)
	}
	if m.AvgExecMs != 25 {
		t.Fatalf("expected average 25ms across all samples, got %v", m.AvgExecMs)
	}
	if m.CacheHitRate != 0.25 {
		t.Fatalf("cache hit rate must come from the live callback, got %v", m.CacheHitRate)
	}
	if m.RPS <= 0 {
		t.Fatalf("expected a positive rps, got %v", m.RPS)
	}
}

func TestOverallMetricsOnEmptyTracker(t *testing.T) {
	tr := NewTracker()
	m := tr.GetOverallMetrics()
	if m.AvgExecMs != 0 || m.ErrorRate != 0 {
		t.Fatalf("empty tracker must report zeros, got %+v", m)
	}
	if m.CacheHitRate != 0 {
		t.Fatalf("no callback configured means zero hit rate, got %v", m.CacheHitRate)
	}
}

func TestKeysEnumeratesTrackedKeys(t *testing.T) {
	tr := NewTracker()
	tr.Record("a", 1, true)
	tr.Record("b", 2, true)

	keys := tr.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}
