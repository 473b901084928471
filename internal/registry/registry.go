// Package registry implements the Worker Registry: the book of record
// for every worker the dispatch core knows about, their health, and the
// failover policy to apply when one degrades.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hookcore/bridge/internal/domain"
	"github.com/hookcore/bridge/internal/logging"
	"github.com/hookcore/bridge/internal/metrics"
)

// Invoker is the opaque-responder contract every worker satisfies: given
// an operation name and a raw payload, it returns a raw result or an
// error. The Registry and Dispatcher never inspect payload contents.
type Invoker interface {
	Invoke(ctx context.Context, operation string, payload json.RawMessage) (json.RawMessage, error)
}

// HealthProber is implemented by an Invoker that wants active health
// probing rather than being judged purely by consecutive dispatch
// failures. Workers that don't implement it are probed by a lightweight
// "ping" operation invocation instead.
type HealthProber interface {
	HealthProbe(ctx context.Context) error
}

type entry struct {
	mu      sync.Mutex
	def     domain.WorkerDef
	state   domain.WorkerState
	invoker Invoker
	stop    chan struct{}

	// lifecycle is canceled on Unregister so inflight calls bound to this
	// worker abort instead of running to their full deadline.
	lifecycle       context.Context
	cancelLifecycle context.CancelFunc

	probeInterval time.Duration
	probeTimeout  time.Duration
}

func healthStateCode(s domain.WorkerStatus) int {
	switch s {
	case domain.WorkerFailed:
		return 0
	case domain.WorkerDegraded:
		return 1
	case domain.WorkerReady:
		return 2
	case domain.WorkerStarting:
		return 3
	case domain.WorkerStopped:
		return 4
	default:
		return -1
	}
}

// Registry holds every registered worker, keyed by name, in a sync.Map
// (many concurrent Dispatcher readers, occasional Register/Unregister
// writer) — the same tradeoff a route cache makes for a request router.
type Registry struct {
	workers sync.Map // name -> *entry

	probeInterval time.Duration
	probeTimeout  time.Duration
}

// New creates a Registry that probes each registered worker on the given
// interval, bounding each probe by probeTimeout.
func New(probeInterval, probeTimeout time.Duration) *Registry {
	if probeInterval <= 0 {
		probeInterval = 10 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	return &Registry{probeInterval: probeInterval, probeTimeout: probeTimeout}
}

// Register adds a worker and starts its health-probe goroutine. A
// duplicate name is rejected — callers that want to replace a worker
// unregister it first, so there is never more than one probe loop per
// name. Declared dependencies must already be registered and healthy.
// The first probe runs synchronously before Register returns, so a
// worker whose probe succeeds is immediately dispatchable by capability
// rather than invisible until the first tick.
func (r *Registry) Register(def domain.WorkerDef, invoker Invoker) error {
	if def.Name == "" {
		return fmt.Errorf("registry: worker name must not be empty")
	}
	if invoker == nil {
		return fmt.Errorf("registry: worker %q: invoker must not be nil", def.Name)
	}
	if _, ok := r.workers.Load(def.Name); ok {
		return fmt.Errorf("registry: worker %q: duplicate name", def.Name)
	}
	for _, dep := range def.Dependencies {
		if !r.IsHealthy(dep) {
			return fmt.Errorf("registry: worker %q: dependency %q is not registered and healthy", def.Name, dep)
		}
	}

	probeInterval := def.ProbeInterval
	if probeInterval <= 0 {
		probeInterval = r.probeInterval
	}
	probeTimeout := def.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = r.probeTimeout
	}

	lifecycle, cancelLifecycle := context.WithCancel(context.Background())
	e := &entry{
		def:     def,
		invoker: invoker,
		stop:    make(chan struct{}),
		state: domain.WorkerState{
			Status:      domain.WorkerStarting,
			LastProbeAt: time.Now(),
		},
		lifecycle:       lifecycle,
		cancelLifecycle: cancelLifecycle,
		probeInterval:   probeInterval,
		probeTimeout:    probeTimeout,
	}
	r.workers.Store(def.Name, e)
	r.probeOnce(e, probeTimeout)

	go r.probeLoop(e, probeInterval, probeTimeout)

	logging.Op().Info("worker registered", "worker", def.Name, "kind", def.Kind, "capabilities", def.Capabilities)
	return nil
}

// IsHealthy reports whether name is registered and serving. A cached
// probe result is trusted while fresh (within twice the worker's probe
// interval); a stale one triggers an inline probe before answering.
func (r *Registry) IsHealthy(name string) bool {
	v, ok := r.workers.Load(name)
	if !ok {
		return false
	}
	e := v.(*entry)

	e.mu.Lock()
	state := e.state
	interval := e.probeInterval
	timeout := e.probeTimeout
	e.mu.Unlock()

	if time.Since(state.LastProbeAt) > 2*interval {
		r.probeOnce(e, timeout)
		e.mu.Lock()
		state = e.state
		e.mu.Unlock()
	}
	return state.Status == domain.WorkerReady || state.Status == domain.WorkerDegraded
}

// Unregister removes a worker, stops its probe loop, and cancels every
// inflight call bound to it.
func (r *Registry) Unregister(name string) error {
	v, ok := r.workers.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("registry: worker %q not found", name)
	}
	e := v.(*entry)
	close(e.stop)
	e.cancelLifecycle()
	logging.Op().Info("worker unregistered", "worker", name)
	return nil
}

// LifecycleContext returns a context that is canceled when name is
// unregistered; callers derive their per-call deadline from it so an
// unregister aborts inflight work.
func (r *Registry) LifecycleContext(name string) (context.Context, bool) {
	v, ok := r.workers.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*entry).lifecycle, true
}

// Get returns a worker's definition, state, and invoker by name.
func (r *Registry) Get(name string) (domain.WorkerDef, domain.WorkerState, Invoker, bool) {
	v, ok := r.workers.Load(name)
	if !ok {
		return domain.WorkerDef{}, domain.WorkerState{}, nil, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.def, e.state, e.invoker, true
}

// candidate is an internal scoring row for FindByCapability.
type candidate struct {
	name  string
	def   domain.WorkerDef
	state domain.WorkerState
	score float64
}

// FindByCapability returns every ready or degraded worker advertising
// capability, ordered by ascending WorkerDef.Priority and, within equal
// priority, best-first by a composite score: higher success rate, lower
// current load, and lower average latency all push a worker up the list.
func (r *Registry) FindByCapability(capability string) []string {
	return r.rankedCandidates(func(def domain.WorkerDef) bool {
		return hasCapability(def.Capabilities, capability)
	})
}

// ReadyWorkers returns every ready/degraded worker ordered best-first by
// composite score, regardless of capability — used by Orchestration's
// distribution strategies that don't filter on capability (byFiles,
// byFolders, byTasks).
func (r *Registry) ReadyWorkers() []string {
	return r.rankedCandidates(func(domain.WorkerDef) bool { return true })
}

// CapabilityScore counts how many of a worker's advertised capabilities
// appear in wanted — used by Delegation's auto distribution strategy to
// re-rank workers by overlap rather than plain fitness.
func (r *Registry) CapabilityScore(name string, wanted []string) int {
	def, _, _, ok := r.Get(name)
	if !ok {
		return 0
	}
	count := 0
	for _, w := range wanted {
		if hasCapability(def.Capabilities, w) {
			count++
		}
	}
	return count
}

func (r *Registry) rankedCandidates(filter func(domain.WorkerDef) bool) []string {
	var candidates []candidate

	r.workers.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		def, state := e.def, e.state
		e.mu.Unlock()

		if state.Status != domain.WorkerReady && state.Status != domain.WorkerDegraded {
			return true
		}
		if !filter(def) {
			return true
		}
		candidates = append(candidates, candidate{
			name:  def.Name,
			def:   def,
			state: state,
			score: endpointScore(def, state),
		})
		return true
	})

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].def.Priority != candidates[j].def.Priority {
			return candidates[i].def.Priority < candidates[j].def.Priority
		}
		return candidates[i].score > candidates[j].score
	})

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.name
	}
	return out
}

func hasCapability(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// endpointScore computes a composite fitness score: 50% inverse load,
// 30% success rate (inferred from consecutive failures), 20% inverse
// latency, halved while a worker is degraded.
func endpointScore(def domain.WorkerDef, state domain.WorkerState) float64 {
	maxConcurrent := def.Budget.MaxConcurrent
	if state.EffectiveMaxConcurrent > 0 {
		maxConcurrent = state.EffectiveMaxConcurrent
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	loadFactor := 1.0 - clamp01(float64(state.Inflight)/float64(maxConcurrent))

	successFactor := 1.0
	if def.FailThreshold > 0 {
		successFactor = 1.0 - clamp01(float64(state.ConsecutiveFailures)/float64(def.FailThreshold))
	}

	latencyFactor := 1.0
	if state.AvgLatencyMs > 0 {
		latencyFactor = clamp01(1000.0 / state.AvgLatencyMs)
	}

	degraded := 1.0
	if state.Status == domain.WorkerDegraded {
		degraded = 0.5
	}

	return (0.5*loadFactor + 0.3*successFactor + 0.2*latencyFactor) * degraded
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// UpdateAfterDispatch records the outcome of one dispatch for the
// Dispatcher's success/failure paths, updating inflight count, rolling
// average latency, and the consecutive-failure counter the failover
// policy dispatch table consults.
func (r *Registry) UpdateAfterDispatch(name string, success bool, latencyMs float64) {
	v, ok := r.workers.Load(name)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.AvgLatencyMs == 0 {
		e.state.AvgLatencyMs = latencyMs
	} else {
		const alpha = 0.2
		e.state.AvgLatencyMs = alpha*latencyMs + (1-alpha)*e.state.AvgLatencyMs
	}

	if success {
		e.state.ConsecutiveFailures = 0
		if e.state.Status == domain.WorkerDegraded {
			e.state.Status = domain.WorkerReady
		}
	} else {
		e.state.ConsecutiveFailures++
		if e.def.FailThreshold > 0 && e.state.ConsecutiveFailures >= e.def.FailThreshold {
			r.applyFailoverLocked(e)
		}
	}
	metrics.SetWorkerHealth(name, healthStateCode(e.state.Status))
}

// AcquireSlot/ReleaseSlot track inflight count for the composite score
// and expose it to the Dispatcher's budget semaphore accounting.
func (r *Registry) AcquireSlot(name string) {
	if v, ok := r.workers.Load(name); ok {
		e := v.(*entry)
		e.mu.Lock()
		e.state.Inflight++
		inflight := e.state.Inflight
		e.mu.Unlock()
		metrics.SetWorkerInflight(name, inflight)
	}
}

func (r *Registry) ReleaseSlot(name string) {
	if v, ok := r.workers.Load(name); ok {
		e := v.(*entry)
		e.mu.Lock()
		if e.state.Inflight > 0 {
			e.state.Inflight--
		}
		inflight := e.state.Inflight
		e.mu.Unlock()
		metrics.SetWorkerInflight(name, inflight)
	}
}

// ShrinkConcurrency applies adaptive back-pressure: temporarily caps a
// worker's effective concurrency below its configured budget.
func (r *Registry) ShrinkConcurrency(name string, effectiveMax int) {
	if v, ok := r.workers.Load(name); ok {
		e := v.(*entry)
		e.mu.Lock()
		e.state.EffectiveMaxConcurrent = effectiveMax
		e.mu.Unlock()
		metrics.SetWorkerEffectiveConcurrent(name, effectiveMax)
	}
}

// applyFailoverLocked dispatches on def.FailoverPolicy once a worker
// crosses its consecutive-failure threshold. Caller must hold e.mu.
func (r *Registry) applyFailoverLocked(e *entry) {
	switch e.def.FailoverPolicy {
	case domain.FailoverRestart:
		e.state.RestartCount++
		e.state.Status = domain.WorkerDegraded
		e.state.ConsecutiveFailures = 0
		logging.Op().Warn("worker failover: restart", "worker", e.def.Name, "restarts", e.state.RestartCount)
	case domain.FailoverReplace:
		e.state.Status = domain.WorkerFailed
		logging.Op().Warn("worker failover: replace", "worker", e.def.Name, "fallback", e.def.FallbackWorker)
	case domain.FailoverBreaker:
		e.state.Status = domain.WorkerDegraded
		logging.Op().Warn("worker failover: circuit breaker owns recovery", "worker", e.def.Name)
	case domain.FailoverNone:
		e.state.Status = domain.WorkerFailed
		logging.Op().Error("worker failover: none, marking failed", "worker", e.def.Name)
	default:
		e.state.Status = domain.WorkerFailed
	}
}

// probeLoop runs one health probe per tick until stop is closed.
func (r *Registry) probeLoop(e *entry, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			r.probeOnce(e, timeout)
		}
	}
}

func (r *Registry) probeOnce(e *entry, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	if prober, ok := e.invoker.(HealthProber); ok {
		err = prober.HealthProbe(ctx)
	} else {
		_, err = e.invoker.Invoke(ctx, "ping", nil)
	}

	e.mu.Lock()
	e.state.LastProbeAt = time.Now()
	if err != nil {
		e.state.LastError = err.Error()
		e.state.ConsecutiveFailures++
		if e.def.FailThreshold > 0 && e.state.ConsecutiveFailures >= e.def.FailThreshold {
			r.applyFailoverLocked(e)
		} else if e.state.Status == domain.WorkerReady {
			e.state.Status = domain.WorkerDegraded
		}
	} else {
		e.state.LastError = ""
		e.state.ConsecutiveFailures = 0
		e.state.Status = domain.WorkerReady
	}
	status := e.state.Status
	e.mu.Unlock()

	metrics.SetWorkerHealth(e.def.Name, healthStateCode(status))
}

// Snapshot returns every registered worker's current def+state, for the
// administrative `status` surface.
func (r *Registry) Snapshot() map[string]domain.WorkerState {
	out := make(map[string]domain.WorkerState)
	r.workers.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		out[k.(string)] = e.state
		e.mu.Unlock()
		return true
	})
	return out
}
