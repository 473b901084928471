// Package dispatcher implements the single entry point for a hook
// invocation: Dispatch. It is the one place the Worker Registry, Response
// Cache, Circuit Breaker, and Performance Tracker all meet.
//
// # Dispatch pipeline
//
// Dispatch is the synchronous call every ingress surface funnels through:
//
//  1. Drain-check: reject if the dispatcher is shutting down.
//  2. Registry lookup: resolve the target worker (explicit or by
//     capability match), rejecting with NoWorker if none is ready.
//  3. Cache probe: a cacheable event with a cache hit short-circuits the
//     remaining steps; a miss enters a single-flight section so
//     concurrent identical calls share one worker invocation.
//  4. Circuit-breaker check: a tripped breaker for (worker, operation)
//     rejects immediately without touching the worker.
//  5. Budget acquisition: a per-worker semaphore bounds concurrent calls
//     to Budget.MaxConcurrent (or the adaptively shrunk value).
//  6. Invocation: the call is bound to Budget.MaxExecMs via context
//     deadline and wrapped in a trace span.
//  7. Success path: latency recorded, breaker told, cache populated,
//     budget slot released.
//  8. Failure path: breaker told, budget slot released, and — if the
//     worker defines one — a fallback worker is retried once.
//
// Throughout, EWMA-smoothed latency feeds an adaptive back-pressure
// control that shrinks a worker's effective concurrency when its
// recent average latency drifts past its configured budget.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/google/uuid"

	"github.com/hookcore/bridge/internal/cache"
	"github.com/hookcore/bridge/internal/circuitbreaker"
	"github.com/hookcore/bridge/internal/domain"
	"github.com/hookcore/bridge/internal/hookerr"
	"github.com/hookcore/bridge/internal/logging"
	"github.com/hookcore/bridge/internal/metrics"
	"github.com/hookcore/bridge/internal/observability"
	"github.com/hookcore/bridge/internal/registry"
)

// Config bounds default per-call behaviour when a WorkerDef leaves a
// field unset.
type Config struct {
	DefaultMaxExecMs      int64
	DefaultMaxConcurrent  int
	BackpressureFactor    float64 // latency multiple over budget that triggers a shrink
	BackpressureShrinkPct float64 // fraction to shrink effective concurrency by
}

// Dispatcher is the single synchronous entry point for hook dispatch.
type Dispatcher struct {
	cfg       Config
	registry  *registry.Registry
	cache     *cache.ResponseCache
	breakers  *circuitbreaker.Registry
	tracker   *metrics.Tracker
	logger    *logging.Logger
	breakerCfg circuitbreaker.Config

	sems   sync.Map // worker name -> chan struct{}
	avgLat sync.Map // worker name -> *latencyAvg

	closing  atomic.Bool
	inflight sync.WaitGroup
}

// New creates a ready-to-use Dispatcher.
func New(cfg Config, reg *registry.Registry, respCache *cache.ResponseCache, breakerCfg circuitbreaker.Config, logger *logging.Logger) *Dispatcher {
	if cfg.DefaultMaxExecMs <= 0 {
		cfg.DefaultMaxExecMs = 5000
	}
	if cfg.DefaultMaxConcurrent <= 0 {
		cfg.DefaultMaxConcurrent = 16
	}
	if cfg.BackpressureFactor <= 0 {
		cfg.BackpressureFactor = 1.2
	}
	if cfg.BackpressureShrinkPct <= 0 {
		cfg.BackpressureShrinkPct = 0.2
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		cfg:        cfg,
		registry:   reg,
		cache:      respCache,
		breakers:   circuitbreaker.NewRegistry(),
		tracker:    metrics.Global(),
		logger:     logger,
		breakerCfg: breakerCfg,
	}
}

// Dispatch runs the full invocation pipeline for a single hook event and
// returns a structured HookResponse. It never panics and never returns a
// nil response on error: callers can always serialize resp back to the
// caller even when err is non-nil (err carries the same FailureDetail).
func (d *Dispatcher) Dispatch(ctx context.Context, event *domain.HookEvent) (*domain.HookResponse, error) {
	if d.closing.Load() {
		return d.failure(event, hookerr.New(hookerr.Shutdown, event.CorrelationID, "dispatcher is shutting down"))
	}

	d.inflight.Add(1)
	defer d.inflight.Done()

	if event.CorrelationID == "" {
		event.CorrelationID = uuid.New().String()[:8]
	}

	workerName := event.TargetWorker
	if workerName == "" {
		candidates := d.registry.FindByCapability(event.Operation)
		if len(candidates) == 0 {
			return d.failure(event, hookerr.New(hookerr.NoWorker, event.CorrelationID, fmt.Sprintf("no ready worker for operation %q", event.Operation)))
		}
		workerName = candidates[0]
	}

	def, state, invoker, ok := d.registry.Get(workerName)
	if !ok || state.Status == domain.WorkerFailed || state.Status == domain.WorkerStopped {
		return d.failure(event, hookerr.New(hookerr.NoWorker, event.CorrelationID, fmt.Sprintf("worker %q not ready", workerName)))
	}

	var cacheKey string
	if event.Cacheable {
		normalized := cache.NormalizeArgs(event.Args)
		cacheKey = cache.Fingerprint(workerName, event.Kind, event.SessionID, normalized)
		if entry, hit := d.cache.Get(cacheKey); hit {
			metrics.RecordCacheHit()
			return &domain.HookResponse{
				ID:       event.ID,
				Success:  true,
				Result:   json.RawMessage(entry.Payload),
				CacheHit: true,
			}, nil
		}
		metrics.RecordCacheMiss()
	}

	breaker := d.breakers.Get(workerName, event.Operation, d.breakerCfg)
	if !breaker.Allow() {
		metrics.SetCircuitBreakerState(workerName, event.Operation, int(circuitbreaker.StateOpen))
		return d.failure(event, hookerr.New(hookerr.CircuitOpen, event.CorrelationID, fmt.Sprintf("circuit open for %s/%s", workerName, event.Operation)))
	}

	doInvoke := func() (*domain.CacheEntry, error) {
		raw, err := d.invokeOne(ctx, def, state, workerName, invoker, event, breaker)
		if err != nil {
			return nil, err
		}
		return &domain.CacheEntry{
			Key:        cacheKey,
			Worker:     workerName,
			HookKind:   event.Kind,
			SessionID:  event.SessionID,
			Payload:    raw,
			InsertedAt: time.Now(),
		}, nil
	}

	var entry *domain.CacheEntry
	var err error
	if event.Cacheable && cacheKey != "" {
		entry, err, _ = d.cache.Do(cacheKey, doInvoke)
	} else {
		entry, err = doInvoke()
	}
	if err != nil {
		if he, ok2 := hookerr.As(err); ok2 {
			return d.failure(event, he)
		}
		return d.failure(event, hookerr.Wrap(hookerr.WorkerError, event.CorrelationID, "worker invocation failed", err))
	}

	if event.Cacheable && cacheKey != "" {
		d.cache.Set(entry)
		metrics.SetCacheSize(d.cache.Len())
	}

	return &domain.HookResponse{ID: event.ID, Success: true, Result: json.RawMessage(entry.Payload)}, nil
}

// invokeOne performs the budget-acquire / invoke / release cycle for one
// worker attempt, including the fallback-worker retry on failure, and
// returns the worker's raw response payload.
func (d *Dispatcher) invokeOne(ctx context.Context, def domain.WorkerDef, state domain.WorkerState, workerName string, invoker registry.Invoker, event *domain.HookEvent, breaker *circuitbreaker.Breaker) (json.RawMessage, error) {
	sem := d.semFor(workerName, def, state)
	select {
	case sem <- struct{}{}:
	default:
		return nil, hookerr.New(hookerr.Overloaded, event.CorrelationID, fmt.Sprintf("worker %q at capacity", workerName))
	}
	defer func() { <-sem }()

	d.registry.AcquireSlot(workerName)
	defer d.registry.ReleaseSlot(workerName)

	maxExecMs := def.Budget.MaxExecMs
	if maxExecMs <= 0 {
		maxExecMs = d.cfg.DefaultMaxExecMs
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(maxExecMs)*time.Millisecond)
	defer cancel()

	if lifecycle, ok := d.registry.LifecycleContext(workerName); ok {
		stop := context.AfterFunc(lifecycle, cancel)
		defer stop()
	}

	callCtx, span := observability.StartSpan(callCtx, "bridge.dispatch",
		observability.AttrWorkerName.String(workerName),
		observability.AttrOperation.String(event.Operation),
		observability.AttrHookKind.String(string(event.Kind)),
		observability.AttrCorrelationID.String(event.CorrelationID),
	)
	defer span.End()

	handle := d.tracker.StartTimer(workerName + "/" + event.Operation)
	start := time.Now()

	raw, err := invoker.Invoke(callCtx, event.Operation, event.Args)

	durationMs := float64(time.Since(start).Milliseconds())
	d.tracker.EndTimer(handle, err == nil)
	d.recordLatency(workerName, durationMs, def)

	logEntry := &logging.DispatchLog{
		Timestamp:     start,
		CorrelationID: event.CorrelationID,
		TraceID:       observability.GetTraceID(callCtx),
		SpanID:        observability.GetSpanID(callCtx),
		Worker:        workerName,
		HookKind:      string(event.Kind),
		Operation:     event.Operation,
		DurationMs:    int64(durationMs),
		InputSize:     len(event.Args),
	}

	if err != nil {
		breaker.RecordFailure()
		metrics.SetCircuitBreakerState(workerName, event.Operation, int(breaker.State()))
		d.registry.UpdateAfterDispatch(workerName, false, durationMs)
		metrics.RecordDispatch(workerName, string(event.Kind), "failure", durationMs)
		observability.SetSpanError(span, err)

		logEntry.Success = false
		logEntry.Error = err.Error()
		d.logger.Log(logEntry)

		if def.FallbackWorker != "" && def.FallbackWorker != workerName {
			if fbDef, fbState, fbInvoker, ok := d.registry.Get(def.FallbackWorker); ok && fbState.Status == domain.WorkerReady {
				logging.Op().Warn("retrying on fallback worker", "worker", workerName, "fallback", def.FallbackWorker, "correlation_id", event.CorrelationID)
				return d.invokeOne(ctx, fbDef, fbState, def.FallbackWorker, fbInvoker, event, d.breakers.Get(def.FallbackWorker, event.Operation, d.breakerCfg))
			}
		}
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, hookerr.Wrap(hookerr.Timeout, event.CorrelationID, fmt.Sprintf("worker %q exceeded its %dms budget", workerName, maxExecMs), err)
		}
		return nil, hookerr.Wrap(hookerr.WorkerError, event.CorrelationID, fmt.Sprintf("worker %q failed", workerName), err)
	}

	breaker.RecordSuccess()
	metrics.SetCircuitBreakerState(workerName, event.Operation, int(breaker.State()))
	d.registry.UpdateAfterDispatch(workerName, true, durationMs)
	metrics.RecordDispatch(workerName, string(event.Kind), "success", durationMs)
	observability.SetSpanOK(span)

	logEntry.Success = true
	logEntry.OutputSize = len(raw)
	d.logger.Log(logEntry)

	return raw, nil
}

// semFor returns (creating if needed) the budget semaphore for a worker,
// sized to its effective max concurrency.
func (d *Dispatcher) semFor(workerName string, def domain.WorkerDef, state domain.WorkerState) chan struct{} {
	maxConcurrent := def.Budget.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = d.cfg.DefaultMaxConcurrent
	}
	if state.EffectiveMaxConcurrent > 0 && state.EffectiveMaxConcurrent < maxConcurrent {
		maxConcurrent = state.EffectiveMaxConcurrent
	}

	if v, ok := d.sems.Load(workerName); ok {
		existing := v.(chan struct{})
		if cap(existing) == maxConcurrent {
			return existing
		}
	}
	sem := make(chan struct{}, maxConcurrent)
	d.sems.Store(workerName, sem)
	return sem
}

// latencyAvg guards a per-worker EWMA: recordLatency runs on every
// dispatch completion, concurrently across that worker's budget slots.
type latencyAvg struct {
	mu  sync.Mutex
	avg ewma.MovingAverage
}

// recordLatency feeds an EWMA per worker and shrinks or restores the
// worker's effective concurrency when the smoothed latency crosses the
// back-pressure threshold relative to its execution budget.
func (d *Dispatcher) recordLatency(workerName string, durationMs float64, def domain.WorkerDef) {
	v, _ := d.avgLat.LoadOrStore(workerName, &latencyAvg{avg: ewma.NewMovingAverage()})
	la := v.(*latencyAvg)
	la.mu.Lock()
	la.avg.Add(durationMs)
	smoothed := la.avg.Value()
	la.mu.Unlock()

	budget := float64(def.Budget.MaxExecMs)
	if budget <= 0 {
		budget = float64(d.cfg.DefaultMaxExecMs)
	}
	maxConcurrent := def.Budget.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = d.cfg.DefaultMaxConcurrent
	}

	if smoothed > budget*d.cfg.BackpressureFactor {
		shrunk := int(float64(maxConcurrent) * (1 - d.cfg.BackpressureShrinkPct))
		if shrunk < 1 {
			shrunk = 1
		}
		d.registry.ShrinkConcurrency(workerName, shrunk)
	} else {
		d.registry.ShrinkConcurrency(workerName, 0)
	}
}

func (d *Dispatcher) failure(event *domain.HookEvent, herr *hookerr.Error) (*domain.HookResponse, error) {
	metrics.RecordDispatch(event.TargetWorker, string(event.Kind), "rejected", 0)
	return &domain.HookResponse{
		ID:      event.ID,
		Success: false,
		Error: &domain.FailureDetail{
			Kind:          string(herr.Kind),
			Message:       herr.Message,
			CorrelationID: herr.CorrelationID,
		},
	}, herr
}

// Breakers exposes the Dispatcher's per-(worker,operation) Circuit
// Breaker registry so administrative surfaces (the ingress admin
// endpoints, the CLI) can inspect and reset breaker state without the
// Dispatcher needing to know about either caller.
func (d *Dispatcher) Breakers() *circuitbreaker.Registry {
	return d.breakers
}

// Shutdown stops accepting new dispatches and blocks until all in-flight
// calls finish or ctx expires.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.closing.Store(true)

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
