package domain

import "time"

// FailoverPolicy names what the Registry does when a worker crosses its
// consecutive-failure threshold.
type FailoverPolicy string

const (
	FailoverRestart  FailoverPolicy = "restart"
	FailoverReplace  FailoverPolicy = "replace"
	FailoverBreaker  FailoverPolicy = "circuitBreaker"
	FailoverNone     FailoverPolicy = "none"
)

// Budget bounds a worker's resource consumption.
type Budget struct {
	MaxExecMs     int64 `json:"maxExecMs"`
	MaxConcurrent int   `json:"maxConcurrent"`
}

// WorkerDef is the registration-time description of a worker.
type WorkerDef struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Version string `json:"version"`
	// Priority orders capability-lookup results; a lower number wins
	// before any load-based tie-breaking.
	Priority       int            `json:"priority,omitempty"`
	Capabilities   []string       `json:"capabilities"`
	Dependencies   []string       `json:"dependencies"`
	ProbeInterval  time.Duration  `json:"probeIntervalMs"`
	ProbeTimeout   time.Duration  `json:"probeTimeoutMs"`
	FailThreshold  int            `json:"failThreshold"`
	FailoverPolicy FailoverPolicy `json:"failoverPolicy"`
	FallbackWorker string         `json:"fallbackWorker,omitempty"`
	Budget         Budget         `json:"budget"`
}

// WorkerStatus is the lifecycle state of a registered worker.
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerReady    WorkerStatus = "ready"
	WorkerDegraded WorkerStatus = "degraded"
	WorkerFailed   WorkerStatus = "failed"
	WorkerStopped  WorkerStatus = "stopped"
)

// WorkerState is the mutable, Registry-owned health/load snapshot for a
// worker. Readers receive a copy, never a pointer into live state.
type WorkerState struct {
	Status              WorkerStatus `json:"status"`
	Inflight            int          `json:"inflight"`
	LastProbeAt         time.Time    `json:"lastProbeAt"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastError           string       `json:"lastError,omitempty"`
	RestartCount        int          `json:"restartCount,omitempty"`
	// AvgLatencyMs is a rolling average of dispatch latency that feeds the
	// Registry's composite worker score.
	AvgLatencyMs float64 `json:"avgLatencyMs,omitempty"`
	// EffectiveMaxConcurrent reflects any adaptive shrink currently in
	// effect; zero means "use Budget.MaxConcurrent".
	EffectiveMaxConcurrent int `json:"effectiveMaxConcurrent,omitempty"`
}
