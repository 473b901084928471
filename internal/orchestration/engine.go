// Package orchestration implements the four multi-phase execution
// patterns — Wave, Delegation, Loop, Chain — that a complex inbound
// command decomposes into. Each pattern produces a Plan whose execution
// is a deterministic reduction over phases, sharing the same Dispatcher
// and Worker Registry the single-shot hook path uses.
package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hookcore/bridge/internal/checkpoint"
	"github.com/hookcore/bridge/internal/dispatcher"
	"github.com/hookcore/bridge/internal/domain"
	"github.com/hookcore/bridge/internal/hookerr"
	"github.com/hookcore/bridge/internal/jobtracker"
	"github.com/hookcore/bridge/internal/logging"
	"github.com/hookcore/bridge/internal/metrics"
	pkgcrypto "github.com/hookcore/bridge/internal/pkg/crypto"
	"github.com/hookcore/bridge/internal/registry"
)

// Engine runs Plans against the shared Dispatcher/Registry.
type Engine struct {
	dispatcher  *dispatcher.Dispatcher
	registry    *registry.Registry
	checkpoints *checkpoint.Store
	progress    *jobtracker.Tracker
	history     *history
}

// New creates an Engine wired to the core's shared dispatch path.
func New(disp *dispatcher.Dispatcher, reg *registry.Registry, checkpoints *checkpoint.Store, progress *jobtracker.Tracker) *Engine {
	return &Engine{
		dispatcher:  disp,
		registry:    reg,
		checkpoints: checkpoints,
		progress:    progress,
		history:     newHistory(defaultHistoryLimit),
	}
}

// invoke runs one (worker, operation) hand-off through the shared
// Dispatcher, carrying ctxIn as the JSON payload.
func (e *Engine) invoke(ctx context.Context, planID, worker, operation string, ctxIn domain.Context, timeoutMs int64) (json.RawMessage, error) {
	payload, err := json.Marshal(ctxIn)
	if err != nil {
		return nil, hookerr.Wrap(hookerr.Internal, planID, "marshal context payload", err)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeoutMs > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	event := &domain.HookEvent{
		ID:            planID + "/" + worker + "/" + operation,
		Kind:          domain.HookNotification,
		CorrelationID: planID,
		TargetWorker:  worker,
		Operation:     operation,
		Args:          payload,
		Cacheable:     false,
	}

	resp, err := e.dispatcher.Dispatch(callCtx, event)
	if err != nil {
		return nil, err
	}
	raw, _ := resp.Result.(json.RawMessage)
	return raw, nil
}

// hookerrInternal wraps cause as an Internal-kind hookerr.Error, the
// classification every orchestration-layer plumbing failure (as opposed
// to a worker's own failure) surfaces as.
func hookerrInternal(correlationID, message string, cause error) error {
	return hookerr.Wrap(hookerr.Internal, correlationID, message, cause)
}

// digest computes the stable content digest used by the checkpoint store
// for both a phase's result payload and its merged context.
func digest(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return pkgcrypto.ShortDigest(data)
}

// snapshotContext records ctx into the bounded per-Plan history and
// returns the assigned snapshot id.
func (e *Engine) snapshotContext(planID string, ctx domain.Context) int {
	return e.history.record(planID, ctx)
}

// RestoreSnapshot returns the Context recorded under id for a Plan.
func (e *Engine) RestoreSnapshot(planID string, id int) (domain.Context, bool) {
	return e.history.restore(planID, id)
}

// ProgressTracker exposes the per-Plan progress store so inspection
// surfaces can report running Plans without reaching into the Engine.
func (e *Engine) ProgressTracker() *jobtracker.Tracker {
	return e.progress
}

// Run executes plan according to its Kind (Wave, Delegation, or Chain).
// Loop plans require a convergence predicate and an inner Plan supplied
// separately via RunLoop, since a predicate function cannot be carried
// inside the (serializable) Plan value itself.
func (e *Engine) Run(ctx context.Context, plan *domain.Plan) (*domain.Plan, error) {
	plan.Status = domain.PlanRunning
	metrics.SetPlanActive(string(plan.Kind), 1)
	defer metrics.SetPlanActive(string(plan.Kind), -1)

	var err error
	switch plan.Kind {
	case domain.PlanWave:
		err = e.runWave(ctx, plan)
	case domain.PlanDelegation:
		err = e.runDelegation(ctx, plan)
	case domain.PlanChain:
		err = e.runChain(ctx, plan)
	default:
		err = fmt.Errorf("orchestration: %q must be run via RunLoop", plan.Kind)
	}

	now := time.Now()
	plan.FinishedAt = now
	if err != nil {
		plan.Status = domain.PlanFailed
		metrics.RecordPlanCompletion(string(plan.Kind), "failure")
		logging.Op().Error("plan failed", "plan_id", plan.ID, "kind", plan.Kind, "error", err)
	} else {
		plan.Status = domain.PlanCompleted
		plan.Progress = 1.0
		metrics.RecordPlanCompletion(string(plan.Kind), "success")
	}
	e.history.forget(plan.ID)
	return plan, err
}
