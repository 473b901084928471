package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/hookcore/bridge/internal/domain"
	"github.com/hookcore/bridge/internal/logging"
	"golang.org/x/sync/errgroup"
)

// runDelegation partitions plan.Context's command across up to
// Delegation.MaxConcurrency ready workers, invokes them concurrently
// under a shared deadline, and merges their outputs back into a single
// Context. A sub-task that fails is redistributed to an idle peer up to
// MaxRetries times before the whole delegation fails.
func (e *Engine) runDelegation(ctx context.Context, plan *domain.Plan) error {
	spec := plan.Delegation
	if spec == nil {
		return fmt.Errorf("delegation plan missing DelegationSpec")
	}

	workers := e.selectDelegationWorkers(spec)
	if len(workers) == 0 {
		return fmt.Errorf("no ready worker available for delegation")
	}

	shards := partition(plan.Context, len(workers))

	deadline := ctx
	var cancel context.CancelFunc
	if plan.TimeBudgetMs > 0 {
		deadline, cancel = context.WithTimeout(ctx, time.Duration(plan.TimeBudgetMs)*time.Millisecond)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(deadline)
	outs := make([]domain.Context, len(shards))

	for i, shard := range shards {
		i, shard, worker := i, shard, workers[i%len(workers)]
		g.Go(func() error {
			out, err := e.delegateOne(gctx, plan, worker, shard, spec.MaxRetries)
			if err != nil {
				return err
			}
			outs[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	plan.Context = Merge(MergeCumulative, plan.Context, outs...)
	return nil
}

// delegateOne invokes a single sub-task on worker, retrying on a
// different ready peer up to maxRetries times on failure.
func (e *Engine) delegateOne(ctx context.Context, plan *domain.Plan, worker string, shard domain.Context, maxRetries int) (domain.Context, error) {
	var lastErr error
	attempted := map[string]bool{}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if worker == "" || attempted[worker] {
			alt := e.registry.ReadyWorkers()
			worker = ""
			for _, w := range alt {
				if !attempted[w] {
					worker = w
					break
				}
			}
			if worker == "" {
				break
			}
		}
		attempted[worker] = true

		raw, err := e.invoke(ctx, plan.ID, worker, plan.Context.Command, shard, 0)
		if err == nil {
			out := shard.Clone()
			if out.Metadata == nil {
				out.Metadata = make(map[string]string)
			}
			out.Metadata["result:"+worker] = string(raw)
			return out, nil
		}
		lastErr = err
		logging.Op().Warn("delegation sub-task failed, redistributing", "plan_id", plan.ID, "worker", worker, "attempt", attempt, "error", err)
		worker = ""
	}

	return domain.Context{}, fmt.Errorf("delegation sub-task exhausted retries: %w", lastErr)
}

// selectDelegationWorkers ranks ready workers per spec.Strategy and
// returns at most min(MaxConcurrency, availableWorkers) of them.
func (e *Engine) selectDelegationWorkers(spec *domain.DelegationSpec) []string {
	var ranked []string
	switch spec.Strategy {
	case domain.DistByCapability:
		ranked = e.registry.FindByCapability(firstOr(spec.Specialization, ""))
	case domain.DistAuto:
		ranked = e.registry.ReadyWorkers()
		if len(spec.Specialization) > 0 {
			ranked = rankByCapabilityOverlap(e.registry, ranked, spec.Specialization)
		}
	default: // byFiles, byFolders, byTasks: no capability preference, rank by general fitness
		ranked = e.registry.ReadyWorkers()
	}

	maxConcurrency := spec.MaxConcurrency
	if maxConcurrency <= 0 || maxConcurrency > len(ranked) {
		maxConcurrency = len(ranked)
	}
	return ranked[:maxConcurrency]
}

// rankByCapabilityOverlap re-sorts candidates (already fitness-ranked) by
// their count of matching capabilities, preserving fitness order within
// equal overlap counts.
func rankByCapabilityOverlap(reg interface {
	CapabilityScore(name string, wanted []string) int
}, candidates []string, wanted []string) []string {
	type scored struct {
		name  string
		score int
	}
	rows := make([]scored, len(candidates))
	for i, c := range candidates {
		rows[i] = scored{name: c, score: reg.CapabilityScore(c, wanted)}
	}
	// stable insertion sort: preserves relative fitness order for ties.
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j].score > rows[j-1].score; j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.name
	}
	return out
}

func firstOr(s []string, fallback string) string {
	if len(s) > 0 {
		return s[0]
	}
	return fallback
}

// partition splits base into n shard Contexts, each tagged with a
// shardIndex metadata key so a worker can distinguish its slice of work.
func partition(base domain.Context, n int) []domain.Context {
	if n <= 0 {
		n = 1
	}
	shards := make([]domain.Context, n)
	for i := range shards {
		shard := base.Clone()
		if shard.Metadata == nil {
			shard.Metadata = make(map[string]string)
		}
		shard.Metadata["shardIndex"] = fmt.Sprintf("%d", i)
		shard.Metadata["shardCount"] = fmt.Sprintf("%d", n)
		shards[i] = shard
	}
	return shards
}
