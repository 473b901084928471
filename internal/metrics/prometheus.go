package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps a dedicated, non-default Prometheus registry
// for the hook-dispatch core's external exposition (§4.8).
type PrometheusMetrics struct {
	registry *prometheus.Registry

	dispatchTotal      *prometheus.CounterVec
	dispatchDuration   *prometheus.HistogramVec
	cacheHitTotal      prometheus.Counter
	cacheMissTotal     prometheus.Counter
	cacheSize          prometheus.Gauge

	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec

	workerInflight   *prometheus.GaugeVec
	workerConcurrent *prometheus.GaugeVec
	workerHealth     *prometheus.GaugeVec

	planActive     *prometheus.GaugeVec
	planTotal      *prometheus.CounterVec
	phaseDuration  *prometheus.HistogramVec

	connectionsActive prometheus.Gauge
	uptime            prometheus.GaugeFunc
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem with the
// given namespace (usually "bridge") and histogram buckets.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hook_dispatch_total",
				Help:      "Total number of hook dispatches by worker, hook kind, and outcome",
			},
			[]string{"worker", "hook_kind", "outcome"},
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "hook_dispatch_duration_milliseconds",
				Help:      "Duration of hook dispatches in milliseconds",
				Buckets:   buckets,
			},
			[]string{"worker", "hook_kind"},
		),

		cacheHitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hit_total", Help: "Total response-cache hits",
		}),
		cacheMissTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_miss_total", Help: "Total response-cache misses",
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_entries", Help: "Current number of entries in the response cache",
		}),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current breaker state per (worker, operation): 0=closed, 1=open, 2=half_open",
			},
			[]string{"worker", "operation"},
		),
		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total breaker state transitions",
			},
			[]string{"worker", "operation", "to_state"},
		),

		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace, Name: "worker_inflight", Help: "Current inflight calls per worker",
			},
			[]string{"worker"},
		),
		workerConcurrent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace, Name: "worker_effective_max_concurrent",
				Help: "Worker's current effective maxConcurrent after adaptive back-pressure",
			},
			[]string{"worker"},
		),
		workerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace, Name: "worker_health",
				Help: "Worker health: 0=failed,1=degraded,2=ready,3=starting,4=stopped",
			},
			[]string{"worker"},
		),

		planActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace, Name: "plan_active", Help: "Currently running Plans by kind",
			},
			[]string{"kind"},
		),
		planTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace, Name: "plan_total", Help: "Completed Plans by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace, Name: "phase_duration_milliseconds",
				Help: "Duration of orchestration phases/steps in milliseconds", Buckets: buckets,
			},
			[]string{"kind"},
		),

		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_active", Help: "Currently open duplex-channel connections",
		}),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the dispatch core started",
		},
		func() float64 { return time.Since(StartTime()).Seconds() },
	)

	registry.MustRegister(
		pm.dispatchTotal, pm.dispatchDuration,
		pm.cacheHitTotal, pm.cacheMissTotal, pm.cacheSize,
		pm.circuitBreakerState, pm.circuitBreakerTripsTotal,
		pm.workerInflight, pm.workerConcurrent, pm.workerHealth,
		pm.planActive, pm.planTotal, pm.phaseDuration,
		pm.connectionsActive, pm.uptime,
	)

	promMetrics = pm
}

// RecordDispatch records one completed dispatch in Prometheus.
func RecordDispatch(worker, hookKind, outcome string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.dispatchTotal.WithLabelValues(worker, hookKind, outcome).Inc()
	promMetrics.dispatchDuration.WithLabelValues(worker, hookKind).Observe(durationMs)
}

// RecordCacheHit/RecordCacheMiss record Response Cache outcomes.
func RecordCacheHit()  { if promMetrics != nil { promMetrics.cacheHitTotal.Inc() } }
func RecordCacheMiss() { if promMetrics != nil { promMetrics.cacheMissTotal.Inc() } }

// SetCacheSize reports the current cache entry count.
func SetCacheSize(n int) {
	if promMetrics != nil {
		promMetrics.cacheSize.Set(float64(n))
	}
}

// SetCircuitBreakerState reports a breaker's current state.
// state: 0=closed, 1=open, 2=half_open.
func SetCircuitBreakerState(worker, operation string, state int) {
	if promMetrics != nil {
		promMetrics.circuitBreakerState.WithLabelValues(worker, operation).Set(float64(state))
	}
}

// RecordCircuitBreakerTrip records a breaker state transition.
func RecordCircuitBreakerTrip(worker, operation, toState string) {
	if promMetrics != nil {
		promMetrics.circuitBreakerTripsTotal.WithLabelValues(worker, operation, toState).Inc()
	}
}

// SetWorkerInflight / SetWorkerEffectiveConcurrent report Dispatcher
// budget-slot gauges.
func SetWorkerInflight(worker string, n int) {
	if promMetrics != nil {
		promMetrics.workerInflight.WithLabelValues(worker).Set(float64(n))
	}
}

func SetWorkerEffectiveConcurrent(worker string, n int) {
	if promMetrics != nil {
		promMetrics.workerConcurrent.WithLabelValues(worker).Set(float64(n))
	}
}

// SetWorkerHealth reports a Registry health-state gauge.
func SetWorkerHealth(worker string, state int) {
	if promMetrics != nil {
		promMetrics.workerHealth.WithLabelValues(worker).Set(float64(state))
	}
}

// SetPlanActive / RecordPlanCompletion report Orchestration Engine gauges.
func SetPlanActive(kind string, delta int) {
	if promMetrics != nil {
		promMetrics.planActive.WithLabelValues(kind).Add(float64(delta))
	}
}

func RecordPlanCompletion(kind, outcome string) {
	if promMetrics != nil {
		promMetrics.planTotal.WithLabelValues(kind, outcome).Inc()
	}
}

func RecordPhaseDuration(kind string, durationMs float64) {
	if promMetrics != nil {
		promMetrics.phaseDuration.WithLabelValues(kind).Observe(durationMs)
	}
}

// SetConnectionsActive reports the Ingress's open-connection gauge.
func SetConnectionsActive(n int) {
	if promMetrics != nil {
		promMetrics.connectionsActive.Set(float64(n))
	}
}

// PrometheusHandler returns an HTTP handler for Prometheus scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the registry for custom collector registration.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
