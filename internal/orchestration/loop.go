package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/hookcore/bridge/internal/domain"
	"github.com/hookcore/bridge/internal/logging"
	"github.com/hookcore/bridge/internal/metrics"
)

// ConvergencePredicate decides whether a Loop plan has reached its fixed
// point, given the just-completed iteration's Context and the Context
// from the iteration before it. It cannot be carried inside a
// (serializable) domain.Plan value, so Loop plans run via RunLoop rather
// than Run.
type ConvergencePredicate func(current, previous domain.Context) domain.ConvergencePredicateResult

// LoopResult summarizes a completed Loop execution beyond what the outer
// Plan's own Status/Progress fields capture.
type LoopResult struct {
	Iterations int
	Converged  bool
	Progress   float64
}

// RunLoop repeatedly re-runs inner (a Wave, Delegation, or Chain plan)
// until predicate reports convergence, plan.IterationCap iterations have
// run, or plan.TimeBudgetMs elapses — whichever comes first. Each
// iteration's emitted Context seeds the next iteration's input Context,
// and the loop's own Context is replaced by the final iteration's.
func (e *Engine) RunLoop(ctx context.Context, plan *domain.Plan, inner *domain.Plan, predicate ConvergencePredicate) (*domain.Plan, *LoopResult, error) {
	if plan.Kind != domain.PlanLoop {
		return plan, nil, fmt.Errorf("RunLoop requires a plan of kind %q, got %q", domain.PlanLoop, plan.Kind)
	}
	if inner == nil {
		return plan, nil, fmt.Errorf("loop plan requires an inner plan")
	}
	if predicate == nil {
		return plan, nil, fmt.Errorf("loop plan requires a convergence predicate")
	}

	iterationCap := plan.IterationCap
	if iterationCap <= 0 {
		iterationCap = 1
	}

	plan.Status = domain.PlanRunning
	metrics.SetPlanActive(string(plan.Kind), 1)
	defer metrics.SetPlanActive(string(plan.Kind), -1)

	deadline := ctx
	var cancel context.CancelFunc
	if plan.TimeBudgetMs > 0 {
		deadline, cancel = context.WithTimeout(ctx, time.Duration(plan.TimeBudgetMs)*time.Millisecond)
		defer cancel()
	}

	result := &LoopResult{}
	previous := plan.Context.Clone()
	current := previous

	var err error
	for iteration := 1; iteration <= iterationCap; iteration++ {
		select {
		case <-deadline.Done():
			err = nil // time-budget exhaustion is a normal loop termination, not a failure
			result.Iterations = iteration - 1
			goto done
		default:
		}

		inner.Context = current.Clone()
		inner.Status = domain.PlanPending
		inner.Progress = 0

		inner, err = e.Run(deadline, inner)
		if err != nil {
			result.Iterations = iteration
			goto done
		}

		previous = current
		current = inner.Context
		result.Iterations = iteration

		verdict := predicate(current, previous)
		result.Progress = verdict.Progress
		if e.progress != nil {
			e.progress.Update(plan.ID, int(verdict.Progress*100), fmt.Sprintf("iteration %d/%d", iteration, iterationCap), "loop")
		}
		e.snapshotContext(plan.ID, current)
		plan.Progress = verdict.Progress

		if verdict.Converged {
			result.Converged = true
			goto done
		}
	}

done:
	now := time.Now()
	plan.FinishedAt = now
	plan.Context = current
	if err != nil {
		plan.Status = domain.PlanFailed
		metrics.RecordPlanCompletion(string(plan.Kind), "failure")
		logging.Op().Error("loop plan failed", "plan_id", plan.ID, "iteration", result.Iterations, "error", err)
		e.history.forget(plan.ID)
		return plan, result, err
	}

	plan.Status = domain.PlanCompleted
	if !result.Converged {
		plan.Progress = result.Progress
	}
	metrics.RecordPlanCompletion(string(plan.Kind), "success")
	logging.Op().Info("loop plan finished", "plan_id", plan.ID, "iterations", result.Iterations, "converged", result.Converged)
	e.history.forget(plan.ID)
	return plan, result, nil
}
