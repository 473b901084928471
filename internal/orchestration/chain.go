package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/hookcore/bridge/internal/domain"
	"github.com/hookcore/bridge/internal/logging"
)

// runChain executes plan.ChainSteps in order: step k+1 starts only after
// step k succeeds, and its input Context is the sequential merge of the
// running Context with step k's emitted Context. A hand-off that exceeds
// its declared timeout fails the whole chain, matching the wave/delegation
// patterns' all-or-nothing failure semantics for a single-predecessor
// hand-off chain.
func (e *Engine) runChain(ctx context.Context, plan *domain.Plan) error {
	if len(plan.ChainSteps) == 0 {
		return fmt.Errorf("chain plan has no steps")
	}

	running := plan.Context.Clone()

	for i, step := range plan.ChainSteps {
		if step.Worker == "" || step.Operation == "" {
			return fmt.Errorf("chain step %d missing worker/operation", i)
		}

		emitted, err := e.runChainStep(ctx, plan, i, step, running)
		if err != nil {
			return err
		}

		if err := enforceContextFidelity(running, emitted, step.ExpectedKeys); err != nil {
			return hookerrInternal(plan.ID, fmt.Sprintf("chain step %d context fidelity violation", i), err)
		}

		running = Merge(MergeSequential, running, emitted)
		e.snapshotContext(plan.ID, running)
		plan.Progress = float64(i+1) / float64(len(plan.ChainSteps))

		if e.progress != nil {
			e.progress.Update(plan.ID, int(plan.Progress*100), fmt.Sprintf("completed step %d/%d", i+1, len(plan.ChainSteps)), step.Worker+"/"+step.Operation)
		}
	}

	plan.Context = running
	return nil
}

// runChainStep invokes one hand-off, bounding it to the step's declared
// timeout (falling back to the plan's full TimeBudgetMs when the step
// itself declares none; time spent by earlier steps is not subtracted).
func (e *Engine) runChainStep(ctx context.Context, plan *domain.Plan, index int, step domain.ChainStep, inCtx domain.Context) (domain.Context, error) {
	timeoutMs := step.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = plan.TimeBudgetMs
	}

	raw, err := e.invoke(ctx, plan.ID, step.Worker, step.Operation, inCtx, timeoutMs)
	if err != nil {
		logging.Op().Warn("chain step failed", "plan_id", plan.ID, "step", index, "worker", step.Worker, "operation", step.Operation, "error", err)
		return domain.Context{}, fmt.Errorf("chain step %d (%s/%s): %w", index, step.Worker, step.Operation, err)
	}

	out := inCtx.Clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]string)
	}
	out.Metadata["result:"+step.Worker] = string(raw)
	out.Timestamp = time.Now()
	return out, nil
}

// enforceContextFidelity is the testable property from spec §8.7: when
// the step declares a selector (non-empty ExpectedKeys), every metadata
// key the step newly emitted (absent from before) must be named in it, or
// the chain fails. Keys already present before the step are not checked,
// and an empty selector accepts any emission.
func enforceContextFidelity(before, emitted domain.Context, expectedKeys []string) error {
	if len(expectedKeys) == 0 {
		return nil
	}
	allow := make(map[string]bool, len(expectedKeys))
	for _, k := range expectedKeys {
		allow[k] = true
	}
	for k := range emitted.Metadata {
		if _, existed := before.Metadata[k]; existed {
			continue // pre-existing keys are not a new emission
		}
		if !allow[k] {
			return fmt.Errorf("emitted key %q is not in the declared selector", k)
		}
	}
	return nil
}
