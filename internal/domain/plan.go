package domain

import (
	"encoding/json"
	"time"
)

// PlanKind enumerates the four orchestration patterns.
type PlanKind string

const (
	PlanWave       PlanKind = "wave"
	PlanDelegation PlanKind = "delegation"
	PlanLoop       PlanKind = "loop"
	PlanChain      PlanKind = "chain"
)

// PlanStatus is the lifecycle state of a Plan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanFailed
}

// PhaseStatus is the lifecycle state of a Phase.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// FailurePolicy declares what a Phase's failure does to its Plan.
type FailurePolicy string

const (
	FailureRetryCheckpoint FailurePolicy = "retryCheckpoint"
	FailureOptionalSkip    FailurePolicy = "optionalSkip"
	FailureAbortPlan       FailurePolicy = "abortPlan"
)

// Context is the mutable record of flags, scope, and metadata carried
// between phases/steps of a Plan. Every field is treated as
// copy-on-write by the merge strategies in package orchestration.
type Context struct {
	Command   string            `json:"command"`
	Flags     []string          `json:"flags"`
	Scope     []string          `json:"scope"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp time.Time         `json:"timestamp"`
}

// Clone returns a deep copy of c so callers can mutate the result without
// aliasing the original slices/maps.
func (c Context) Clone() Context {
	out := Context{Command: c.Command, Timestamp: c.Timestamp}
	if c.Flags != nil {
		out.Flags = append([]string(nil), c.Flags...)
	}
	if c.Scope != nil {
		out.Scope = append([]string(nil), c.Scope...)
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Phase is one node in a Plan: a set of worker invocations sharing a
// timeout and a dependency list.
type Phase struct {
	ID                  string        `json:"id"`
	Workers             []string      `json:"workers"`
	Personas            []string      `json:"personas,omitempty"`
	Operation           string        `json:"operation"`
	Dependencies        []string      `json:"dependencies"`
	Parallel            bool          `json:"parallel"`
	TimeoutMs           int64         `json:"timeoutMs"`
	ValidationPredicate string        `json:"validationPredicate,omitempty"`
	FailurePolicy       FailurePolicy `json:"failurePolicy"`
	// RetryCap bounds re-executions under the retryCheckpoint failure
	// policy; zero means one retry.
	RetryCap int         `json:"retryCap,omitempty"`
	Status   PhaseStatus `json:"status"`
	Optional bool        `json:"optional"`

	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// DistributionStrategy controls how a Delegation plan partitions work.
type DistributionStrategy string

const (
	DistByFiles      DistributionStrategy = "byFiles"
	DistByFolders    DistributionStrategy = "byFolders"
	DistByTasks      DistributionStrategy = "byTasks"
	DistByCapability DistributionStrategy = "byCapability"
	DistAuto         DistributionStrategy = "auto"
)

// DelegationSpec is the input to a Delegation plan.
type DelegationSpec struct {
	Strategy       DistributionStrategy `json:"strategy"`
	MaxConcurrency int                  `json:"maxConcurrency"`
	LoadBalance    bool                 `json:"loadBalance"`
	Specialization []string             `json:"specialization,omitempty"`
	MaxRetries     int                  `json:"maxRetries"`
}

// ChainStep is one (worker, operation) hand-off in a Chain plan.
type ChainStep struct {
	Worker            string        `json:"worker"`
	Operation         string        `json:"operation"`
	ExpectedKeys      []string      `json:"expectedKeys,omitempty"`
	TimeoutMs         int64         `json:"timeoutMs"`
}

// ConvergencePredicateResult is returned by a Loop's convergence function.
type ConvergencePredicateResult struct {
	Converged bool
	Progress  float64
}

// Plan is a single orchestrated execution produced by the Orchestration
// Engine from one inbound complex command.
type Plan struct {
	ID       string     `json:"id"`
	Kind     PlanKind   `json:"kind"`
	Phases   []*Phase   `json:"phases,omitempty"`
	Delegation *DelegationSpec `json:"delegation,omitempty"`
	ChainSteps []ChainStep     `json:"chainSteps,omitempty"`
	IterationCap int           `json:"iterationCap,omitempty"`
	TimeBudgetMs int64         `json:"timeBudgetMs,omitempty"`

	Context  Context    `json:"context"`
	Status   PlanStatus `json:"status"`
	Progress float64    `json:"progress"`

	CreatedAt  time.Time `json:"createdAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`

	// RollbackData is preserved after the Plan reaches a terminal state
	// until retention expiry; the core never mutates it afterwards.
	RollbackData json.RawMessage `json:"rollbackData,omitempty"`
}
