package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hookcore/bridge/internal/domain"
)

func countResultKeys(ctx domain.Context) int {
	n := 0
	for k := range ctx.Metadata {
		if strings.HasPrefix(k, "result:") {
			n++
		}
	}
	return n
}

func TestRunDelegationPartitionsAcrossWorkers(t *testing.T) {
	engine, reg := newTestEngine(t)
	for _, name := range []string{"w1", "w2", "w3"} {
		if err := reg.Register(domain.WorkerDef{Name: name, Kind: "test", Version: "1"}, &fakeInvoker{
			invoke: func(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
				return json.RawMessage(`{"shard":"done"}`), nil
			},
		}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	plan := &domain.Plan{
		ID:   "del-1",
		Kind: domain.PlanDelegation,
		Delegation: &domain.DelegationSpec{
			Strategy:       domain.DistByTasks,
			MaxConcurrency: 2,
		},
		Context: domain.Context{Command: "analyze"},
	}

	out, err := engine.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("delegation run failed: %v", err)
	}
	if out.Status != domain.PlanCompleted {
		t.Fatalf("expected completed plan, got %v", out.Status)
	}
	if got := countResultKeys(out.Context); got != 2 {
		t.Fatalf("expected one result per shard (2 shards at MaxConcurrency=2), got %d", got)
	}
	if out.Context.Metadata["shardCount"] != "2" {
		t.Fatalf("expected shardCount metadata 2, got %q", out.Context.Metadata["shardCount"])
	}
}

func TestRunDelegationRequiresSpecAndWorkers(t *testing.T) {
	engine, _ := newTestEngine(t)

	plan := &domain.Plan{ID: "del-nospec", Kind: domain.PlanDelegation, Context: domain.Context{Command: "x"}}
	if _, err := engine.Run(context.Background(), plan); err == nil {
		t.Fatal("expected a delegation plan without a spec to fail")
	}

	plan = &domain.Plan{
		ID:         "del-noworkers",
		Kind:       domain.PlanDelegation,
		Delegation: &domain.DelegationSpec{Strategy: domain.DistByTasks, MaxConcurrency: 2},
		Context:    domain.Context{Command: "x"},
	}
	if _, err := engine.Run(context.Background(), plan); err == nil {
		t.Fatal("expected delegation with no ready workers to fail")
	}
}

func TestRunDelegationByCapabilitySelectsSpecializedWorkers(t *testing.T) {
	engine, reg := newTestEngine(t)
	if err := reg.Register(domain.WorkerDef{Name: "linter", Kind: "test", Version: "1", Capabilities: []string{"lint"}}, &fakeInvoker{
		invoke: func(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}); err != nil {
		t.Fatalf("register linter: %v", err)
	}
	if err := reg.Register(domain.WorkerDef{Name: "docgen", Kind: "test", Version: "1", Capabilities: []string{"docs"}}, &fakeInvoker{
		invoke: func(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}); err != nil {
		t.Fatalf("register docgen: %v", err)
	}

	plan := &domain.Plan{
		ID:   "del-cap",
		Kind: domain.PlanDelegation,
		Delegation: &domain.DelegationSpec{
			Strategy:       domain.DistByCapability,
			MaxConcurrency: 4,
			Specialization: []string{"lint"},
		},
		Context: domain.Context{Command: "lint"},
	}

	out, err := engine.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("delegation run failed: %v", err)
	}
	if _, ok := out.Context.Metadata["result:linter"]; !ok {
		t.Fatal("byCapability must route the task to the capability-matching worker")
	}
	if _, ok := out.Context.Metadata["result:docgen"]; ok {
		t.Fatal("byCapability must not select a worker without the wanted capability")
	}
}

func TestRunDelegationRedistributesFailedSubTask(t *testing.T) {
	engine, reg := newTestEngine(t)
	if err := reg.Register(domain.WorkerDef{Name: "bad", Kind: "test", Version: "1"}, &fakeInvoker{
		invoke: func(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
			if op == "ping" {
				return json.RawMessage(`{}`), nil
			}
			return nil, errors.New("sub-task crashed")
		},
	}); err != nil {
		t.Fatalf("register bad: %v", err)
	}
	if err := reg.Register(domain.WorkerDef{Name: "good", Kind: "test", Version: "1"}, &fakeInvoker{
		invoke: func(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"rescued":true}`), nil
		},
	}); err != nil {
		t.Fatalf("register good: %v", err)
	}

	plan := &domain.Plan{
		ID:   "del-retry",
		Kind: domain.PlanDelegation,
		Delegation: &domain.DelegationSpec{
			Strategy:       domain.DistByTasks,
			MaxConcurrency: 1,
			MaxRetries:     1,
		},
		Context: domain.Context{Command: "analyze"},
	}

	out, err := engine.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("expected redistribution to an idle peer to rescue the sub-task: %v", err)
	}
	if out.Status != domain.PlanCompleted {
		t.Fatalf("expected completed plan, got %v", out.Status)
	}
	// Whichever worker was picked first, the sub-task must have ended on
	// the one that succeeds.
	if _, ok := out.Context.Metadata["result:good"]; !ok {
		t.Fatal("expected the surviving result to come from the healthy worker")
	}
}

func TestRunDelegationEscalatesWhenRetriesExhausted(t *testing.T) {
	engine, reg := newTestEngine(t)
	if err := reg.Register(domain.WorkerDef{Name: "bad", Kind: "test", Version: "1"}, &fakeInvoker{
		invoke: func(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
			if op == "ping" {
				return json.RawMessage(`{}`), nil
			}
			return nil, errors.New("always failing")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	plan := &domain.Plan{
		ID:   "del-exhaust",
		Kind: domain.PlanDelegation,
		Delegation: &domain.DelegationSpec{
			Strategy:       domain.DistByTasks,
			MaxConcurrency: 1,
			MaxRetries:     2,
		},
		Context: domain.Context{Command: "analyze"},
	}

	if _, err := engine.Run(context.Background(), plan); err == nil {
		t.Fatal("expected delegation to escalate after exhausting retries")
	}
	if plan.Status != domain.PlanFailed {
		t.Fatalf("expected failed plan, got %v", plan.Status)
	}
}
