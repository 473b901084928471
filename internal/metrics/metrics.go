// Package metrics implements the Performance Tracker described by the
// hook-dispatch core: a ring-buffer-backed per-key latency sampler that
// answers startTimer/endTimer/getOverallMetrics synchronously and in
// process, plus (prometheus.go) a dedicated Prometheus registry for
// external scraping.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Tracker (ring buffer + percentiles) for the
//     synchronous getOverallMetrics() contract §4.8 requires — no
//     Prometheus scrape cycle can serve that contract, since quantile
//     estimation there runs server-side against a scrape target.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// # Concurrency — hot path
//
// endTimer is called on every dispatch completion and must be cheap. It
// takes a per-key mutex only long enough to append to that key's ring
// buffer; percentile computation (sort.Float64s) happens lazily at query
// time in getOverallMetrics/Percentiles, never on the hot path.
package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ringSize is the number of most-recent samples retained per key, per
// spec.md §4.8 ("a ring of the last 1000 samples").
const ringSize = 1000

// Handle is returned by StartTimer and consumed by EndTimer.
type Handle struct {
	key   string
	start time.Time
}

// KeyMetrics is the percentile/summary view for one tracked key.
type KeyMetrics struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MaxMs  float64 `json:"maxMs"`
	MeanMs float64 `json:"meanMs"`
	P50Ms  float64 `json:"p50Ms"`
	P90Ms  float64 `json:"p90Ms"`
	P95Ms  float64 `json:"p95Ms"`
	P99Ms  float64 `json:"p99Ms"`
}

// OverallMetrics is the aggregate view across every tracked key.
type OverallMetrics struct {
	AvgExecMs         float64 `json:"avgExecMs"`
	RPS               float64 `json:"rps"`
	ErrorRate         float64 `json:"errorRate"`
	OptimizationFactor float64 `json:"optimizationFactor"`
	CacheHitRate      float64 `json:"cacheHitRate"`
}

type ring struct {
	mu       sync.Mutex
	samples  [ringSize]float64
	next     int
	filled   bool
	count    int64
	errCount int64
}

func (r *ring) add(durationMs float64, isError bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = durationMs
	r.next = (r.next + 1) % ringSize
	if r.next == 0 {
		r.filled = true
	}
	r.count++
	if isError {
		r.errCount++
	}
}

func (r *ring) snapshot() ([]float64, int64, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.filled {
		n = ringSize
	}
	out := make([]float64, n)
	copy(out, r.samples[:n])
	return out, r.count, r.errCount
}

// Tracker is the Performance Tracker: startTimer/endTimer plus
// getOverallMetrics, with a cache hit-rate callback supplied by whatever
// owns the Response Cache (so this package never depends on package
// cache directly).
type Tracker struct {
	mu        sync.RWMutex
	byKey     map[string]*ring
	startTime time.Time

	dispatchTotal atomic.Int64
	errorTotal    atomic.Int64

	// CacheHitRate, when set, is polled by GetOverallMetrics for the
	// live cacheHitRate figure (spec.md §9's second Open Question:
	// never a constant placeholder).
	CacheHitRate func() float64

	// TargetExecMs is the baseline used to compute OptimizationFactor
	// (targetExecMs / avgExecMs — >1 means faster than target).
	TargetExecMs float64
}

// NewTracker creates a Performance Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byKey:        make(map[string]*ring),
		startTime:    time.Now(),
		TargetExecMs: 100,
	}
}

var global = NewTracker()

// Global returns the process-wide Performance Tracker.
func Global() *Tracker { return global }

// StartTime reports when the global tracker was created, used for uptime
// reporting on GET /health.
func StartTime() time.Time { return global.startTime }

// StartTimer begins timing one operation under key (typically
// "worker:operation").
func (t *Tracker) StartTimer(key string) Handle {
	return Handle{key: key, start: time.Now()}
}

// EndTimer records the elapsed duration since h was created and returns
// the duration in milliseconds.
func (t *Tracker) EndTimer(h Handle, success bool) float64 {
	durationMs := float64(time.Since(h.start).Microseconds()) / 1000.0
	t.Record(h.key, durationMs, success)
	return durationMs
}

// Record records a completed operation's duration directly, for callers
// that already computed elapsed time (e.g. the Dispatcher, which times
// the whole pipeline including cache/breaker checks).
func (t *Tracker) Record(key string, durationMs float64, success bool) {
	t.dispatchTotal.Add(1)
	if !success {
		t.errorTotal.Add(1)
	}

	t.mu.RLock()
	r, ok := t.byKey[key]
	t.mu.RUnlock()
	if !ok {
		t.mu.Lock()
		r, ok = t.byKey[key]
		if !ok {
			r = &ring{}
			t.byKey[key] = r
		}
		t.mu.Unlock()
	}
	r.add(durationMs, !success)
}

// KeyMetrics computes the percentile summary for one key from its
// current ring-buffer contents.
func (t *Tracker) KeyMetrics(key string) KeyMetrics {
	t.mu.RLock()
	r, ok := t.byKey[key]
	t.mu.RUnlock()
	if !ok {
		return KeyMetrics{}
	}
	samples, count, errCount := r.snapshot()
	return summarize(samples, count, errCount)
}

// Keys returns every key currently tracked, for enumeration endpoints.
func (t *Tracker) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.byKey))
	for k := range t.byKey {
		out = append(out, k)
	}
	return out
}

func summarize(samples []float64, count, errCount int64) KeyMetrics {
	if len(samples) == 0 {
		return KeyMetrics{Count: count}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	var sum float64
	for _, s := range sorted {
		sum += s
	}
	n := len(sorted)
	return KeyMetrics{
		Count:  count,
		MinMs:  sorted[0],
		MaxMs:  sorted[n-1],
		MeanMs: sum / float64(n),
		P50Ms:  percentile(sorted, 0.50),
		P90Ms:  percentile(sorted, 0.90),
		P95Ms:  percentile(sorted, 0.95),
		P99Ms:  percentile(sorted, 0.99),
	}
}

// percentile expects sorted ascending input.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// GetOverallMetrics computes the process-wide summary: average exec
// time, requests-per-second since start, error rate, optimization
// factor against TargetExecMs, and live cache hit rate.
func (t *Tracker) GetOverallMetrics() OverallMetrics {
	t.mu.RLock()
	rings := make([]*ring, 0, len(t.byKey))
	for _, r := range t.byKey {
		rings = append(rings, r)
	}
	t.mu.RUnlock()

	var totalMs float64
	var totalCount int64
	for _, r := range rings {
		samples, count, _ := r.snapshot()
		for _, s := range samples {
			totalMs += s
		}
		totalCount += count
	}

	avgExecMs := 0.0
	if len(rings) > 0 && totalCount > 0 {
		var sampleN int64
		for _, r := range rings {
			samples, _, _ := r.snapshot()
			sampleN += int64(len(samples))
		}
		if sampleN > 0 {
			avgExecMs = totalMs / float64(sampleN)
		}
	}

	dispatchTotal := t.dispatchTotal.Load()
	errorTotal := t.errorTotal.Load()

	errorRate := 0.0
	if dispatchTotal > 0 {
		errorRate = float64(errorTotal) / float64(dispatchTotal)
	}

	elapsed := time.Since(t.startTime).Seconds()
	rps := 0.0
	if elapsed > 0 {
		rps = float64(dispatchTotal) / elapsed
	}

	optimizationFactor := 1.0
	if avgExecMs > 0 && t.TargetExecMs > 0 {
		optimizationFactor = t.TargetExecMs / avgExecMs
	}

	cacheHitRate := 0.0
	if t.CacheHitRate != nil {
		cacheHitRate = t.CacheHitRate()
	}

	return OverallMetrics{
		AvgExecMs:          avgExecMs,
		RPS:                rps,
		ErrorRate:          errorRate,
		OptimizationFactor: optimizationFactor,
		CacheHitRate:       cacheHitRate,
	}
}

// JSONHandler exposes the overall + per-key metrics as JSON for
// lightweight dashboards, kept alongside the Prometheus exposition
// rather than instead of it.
func (t *Tracker) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		overall := t.GetOverallMetrics()
		byKey := make(map[string]KeyMetrics)
		for _, k := range t.Keys() {
			byKey[k] = t.KeyMetrics(k)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"uptimeSeconds": int64(time.Since(t.startTime).Seconds()),
			"overall":       overall,
			"byKey":         byKey,
		})
	})
}
