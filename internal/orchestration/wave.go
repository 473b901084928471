package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/hookcore/bridge/internal/domain"
	"github.com/hookcore/bridge/internal/logging"
	"github.com/hookcore/bridge/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// runWave executes plan.Phases in dependency-topological order: phases
// whose dependencies are all satisfied run concurrently as one wave,
// then the next wave of newly-ready phases runs, and so on. Within a
// phase, per-worker operations run in parallel iff Phase.Parallel.
func (e *Engine) runWave(ctx context.Context, plan *domain.Plan) error {
	if err := validatePhaseDAG(plan.Phases); err != nil {
		return hookerrInternal(plan.ID, "invalid wave dependency graph", err)
	}

	byID := make(map[string]*domain.Phase, len(plan.Phases))
	for _, p := range plan.Phases {
		byID[p.ID] = p
	}
	completed := make(map[string]bool, len(plan.Phases))
	sharedCtx := plan.Context.Clone()

	remaining := len(plan.Phases)
	for remaining > 0 {
		ready := readyPhases(plan.Phases, completed)
		if len(ready) == 0 {
			return fmt.Errorf("wave stalled: %d phase(s) never became ready", remaining)
		}

		g, gctx := errgroup.WithContext(ctx)
		results := make([]domain.Context, len(ready))

		for i, phase := range ready {
			i, phase := i, phase
			g.Go(func() error {
				out, err := e.runPhase(gctx, plan, phase, sharedCtx)
				if err != nil && phase.FailurePolicy == domain.FailureRetryCheckpoint {
					// The input context is the snapshot taken after the
					// last completed wave, so re-running the phase with it
					// is a resume from the latest checkpoint.
					retryCap := phase.RetryCap
					if retryCap <= 0 {
						retryCap = 1
					}
					for attempt := 1; attempt <= retryCap && err != nil; attempt++ {
						logging.Op().Warn("phase failed, re-executing from last checkpoint", "plan_id", plan.ID, "phase", phase.ID, "attempt", attempt, "error", err)
						out, err = e.runPhase(gctx, plan, phase, sharedCtx)
					}
				}
				if err != nil {
					if phase.FailurePolicy == domain.FailureOptionalSkip {
						phase.Status = domain.PhaseSkipped
						logging.Op().Warn("phase skipped after failure", "plan_id", plan.ID, "phase", phase.ID, "error", err)
						results[i] = sharedCtx
						return nil
					}
					return err
				}
				results[i] = out
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}

		sharedCtx = Merge(MergeSequential, sharedCtx, results...)
		e.snapshotContext(plan.ID, sharedCtx)

		for _, phase := range ready {
			completed[phase.ID] = true
			remaining--
		}
		plan.Progress = float64(len(completed)) / float64(len(plan.Phases))
	}

	plan.Context = sharedCtx
	return nil
}

// runPhase executes one Phase's worker operations (parallel or
// sequential per Phase.Parallel), checkpoints the result, and returns
// the Context the phase emits.
func (e *Engine) runPhase(ctx context.Context, plan *domain.Plan, phase *domain.Phase, inCtx domain.Context) (domain.Context, error) {
	phase.Status = domain.PhaseRunning
	phase.StartedAt = time.Now()

	run := func(runCtx context.Context, worker string) (domain.Context, error) {
		raw, err := e.invoke(runCtx, plan.ID, worker, phase.Operation, inCtx, phase.TimeoutMs)
		if err != nil {
			return domain.Context{}, err
		}
		out := inCtx.Clone()
		if out.Metadata == nil {
			out.Metadata = make(map[string]string)
		}
		out.Metadata["result:"+worker] = string(raw)
		out.Timestamp = time.Now()
		return out, nil
	}

	var emitted domain.Context = inCtx
	if phase.Parallel && len(phase.Workers) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		outs := make([]domain.Context, len(phase.Workers))
		for i, worker := range phase.Workers {
			i, worker := i, worker
			g.Go(func() error {
				out, err := run(gctx, worker)
				if err != nil {
					return err
				}
				outs[i] = out
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			phase.Status = domain.PhaseFailed
			return domain.Context{}, err
		}
		emitted = Merge(MergeCumulative, inCtx, outs...)
	} else {
		for _, worker := range phase.Workers {
			out, err := run(ctx, worker)
			if err != nil {
				phase.Status = domain.PhaseFailed
				return domain.Context{}, err
			}
			emitted = out
		}
	}

	now := time.Now()
	phase.Status = domain.PhaseCompleted
	phase.CompletedAt = now

	e.checkpoints.Save(plan.ID, phase.ID, digest(emitted.Metadata), digest(emitted))
	metrics.RecordPhaseDuration(string(plan.Kind), float64(now.Sub(phase.StartedAt).Milliseconds()))

	return emitted, nil
}

// readyPhases returns every phase whose dependencies are all in
// completed, and which is not itself already completed.
func readyPhases(phases []*domain.Phase, completed map[string]bool) []*domain.Phase {
	var ready []*domain.Phase
	for _, p := range phases {
		if completed[p.ID] {
			continue
		}
		allDepsMet := true
		for _, dep := range p.Dependencies {
			if !completed[dep] {
				allDepsMet = false
				break
			}
		}
		if allDepsMet {
			ready = append(ready, p)
		}
	}
	return ready
}

// validatePhaseDAG checks phase dependency references are valid and that
// no cycle exists, using Kahn's algorithm.
func validatePhaseDAG(phases []*domain.Phase) error {
	if len(phases) == 0 {
		return fmt.Errorf("wave plan must have at least one phase")
	}

	ids := make(map[string]bool, len(phases))
	for _, p := range phases {
		if p.ID == "" {
			return fmt.Errorf("phase id must not be empty")
		}
		if ids[p.ID] {
			return fmt.Errorf("duplicate phase id %q", p.ID)
		}
		ids[p.ID] = true
	}
	for _, p := range phases {
		for _, dep := range p.Dependencies {
			if !ids[dep] {
				return fmt.Errorf("phase %q depends on unknown phase %q", p.ID, dep)
			}
			if dep == p.ID {
				return fmt.Errorf("phase %q cannot depend on itself", p.ID)
			}
		}
	}

	inDegree := make(map[string]int, len(phases))
	successors := make(map[string][]string)
	for _, p := range phases {
		inDegree[p.ID] = len(p.Dependencies)
	}
	for _, p := range phases {
		for _, dep := range p.Dependencies {
			successors[dep] = append(successors[dep], p.ID)
		}
	}

	var queue []string
	for _, p := range phases {
		if inDegree[p.ID] == 0 {
			queue = append(queue, p.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range successors[curr] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	if visited != len(phases) {
		return fmt.Errorf("wave plan contains a dependency cycle")
	}
	return nil
}
