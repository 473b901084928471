package orchestration

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/hookcore/bridge/internal/cache"
	"github.com/hookcore/bridge/internal/checkpoint"
	"github.com/hookcore/bridge/internal/circuitbreaker"
	"github.com/hookcore/bridge/internal/dispatcher"
	"github.com/hookcore/bridge/internal/domain"
	"github.com/hookcore/bridge/internal/jobtracker"
	"github.com/hookcore/bridge/internal/registry"
)

// fakeInvoker is a test-only registry.Invoker that echoes a fixed payload
// or increments a counter each call, depending on the test's needs.
type fakeInvoker struct {
	invoke func(ctx context.Context, operation string, payload json.RawMessage) (json.RawMessage, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, operation string, payload json.RawMessage) (json.RawMessage, error) {
	return f.invoke(ctx, operation, payload)
}

func newTestEngine(t *testing.T) (*Engine, *registry.Registry) {
	t.Helper()
	reg := registry.New(time.Hour, time.Second)
	respCache := cache.NewResponseCache(100, time.Minute)
	disp := dispatcher.New(dispatcher.Config{}, reg, respCache, circuitbreaker.Config{FailureThreshold: 3, RecoveryMs: time.Second}, nil)
	checkpoints := checkpoint.NewStore(time.Hour)
	progress := jobtracker.New(time.Hour)
	return New(disp, reg, checkpoints, progress), reg
}

func TestRunChainCarriesContextForward(t *testing.T) {
	engine, reg := newTestEngine(t)

	if err := reg.Register(domain.WorkerDef{Name: "alpha", Kind: "test", Version: "1"}, &fakeInvoker{
		invoke: func(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"step":"alpha"}`), nil
		},
	}); err != nil {
		t.Fatalf("register alpha: %v", err)
	}
	if err := reg.Register(domain.WorkerDef{Name: "beta", Kind: "test", Version: "1"}, &fakeInvoker{
		invoke: func(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"step":"beta"}`), nil
		},
	}); err != nil {
		t.Fatalf("register beta: %v", err)
	}

	plan := &domain.Plan{
		ID:   "chain-1",
		Kind: domain.PlanChain,
		ChainSteps: []domain.ChainStep{
			{Worker: "alpha", Operation: "analyze", TimeoutMs: 1000},
			{Worker: "beta", Operation: "summarize", TimeoutMs: 1000},
		},
		Context: domain.Context{Command: "analyze", Metadata: map[string]string{"seed": "1"}},
	}

	out, err := engine.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("chain run failed: %v", err)
	}
	if out.Status != domain.PlanCompleted {
		t.Fatalf("expected completed, got %v", out.Status)
	}
	if out.Context.Metadata["seed"] != "1" {
		t.Fatal("chain must preserve keys from the initial context through every hand-off")
	}
	if _, ok := out.Context.Metadata["result:alpha"]; !ok {
		t.Fatal("missing alpha's emitted result in final context")
	}
	if _, ok := out.Context.Metadata["result:beta"]; !ok {
		t.Fatal("missing beta's emitted result in final context")
	}
}

func TestRunChainFidelityRejectsUndeclaredKeys(t *testing.T) {
	engine, reg := newTestEngine(t)

	if err := reg.Register(domain.WorkerDef{Name: "alpha", Kind: "test", Version: "1"}, &fakeInvoker{
		invoke: func(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}); err != nil {
		t.Fatalf("register alpha: %v", err)
	}

	plan := &domain.Plan{
		ID:   "chain-2",
		Kind: domain.PlanChain,
		ChainSteps: []domain.ChainStep{
			// declaring an expected-keys selector that the emitted
			// "result:alpha" key is not a member of should fail the chain.
			{Worker: "alpha", Operation: "analyze", TimeoutMs: 1000, ExpectedKeys: []string{"status"}},
		},
		Context: domain.Context{Command: "analyze"},
	}

	if _, err := engine.Run(context.Background(), plan); err == nil {
		t.Fatal("expected context-fidelity violation to fail the chain")
	}
}

func TestRunLoopConvergesBeforeIterationCap(t *testing.T) {
	engine, reg := newTestEngine(t)

	if err := reg.Register(domain.WorkerDef{Name: "worker", Kind: "test", Version: "1"}, &fakeInvoker{
		invoke: func(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}); err != nil {
		t.Fatalf("register worker: %v", err)
	}

	outer := &domain.Plan{
		ID:           "loop-1",
		Kind:         domain.PlanLoop,
		IterationCap: 10,
		Context:      domain.Context{Command: "analyze", Metadata: map[string]string{"progress": "0"}},
	}
	inner := &domain.Plan{
		ID:   "loop-1/inner",
		Kind: domain.PlanChain,
		ChainSteps: []domain.ChainStep{
			{Worker: "worker", Operation: "iterate", TimeoutMs: 1000},
		},
	}

	progressOf := func(ctx domain.Context) float64 {
		v, _ := strconv.ParseFloat(ctx.Metadata["progress"], 64)
		return v
	}

	// The fake worker doesn't touch "progress" itself; the predicate
	// advances it directly as the convergence-driving side effect under
	// test, matching how a real convergence function would read an
	// emitted metric from the inner plan's Context.
	predicate := func(current, previous domain.Context) domain.ConvergencePredicateResult {
		// Rounded to tenths: in float64, 0.6+0.3 is 0.8999999999999999,
		// which would miss the 0.9 threshold on the third iteration.
		p := math.Round((progressOf(previous)+0.3)*10) / 10
		current.Metadata["progress"] = strconv.FormatFloat(p, 'f', -1, 64)
		return domain.ConvergencePredicateResult{Converged: p >= 0.9, Progress: p}
	}

	plan, result, err := engine.RunLoop(context.Background(), outer, inner, predicate)
	if err != nil {
		t.Fatalf("loop run failed: %v", err)
	}
	if !result.Converged {
		t.Fatalf("expected convergence, got progress=%v after %d iterations", result.Progress, result.Iterations)
	}
	if result.Iterations != 3 {
		t.Fatalf("expected convergence at iteration 3, got %d", result.Iterations)
	}
	if plan.Status != domain.PlanCompleted {
		t.Fatalf("expected completed plan, got %v", plan.Status)
	}
}

func TestRunLoopStopsAtIterationCap(t *testing.T) {
	engine, reg := newTestEngine(t)

	if err := reg.Register(domain.WorkerDef{Name: "worker", Kind: "test", Version: "1"}, &fakeInvoker{
		invoke: func(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}); err != nil {
		t.Fatalf("register worker: %v", err)
	}

	outer := &domain.Plan{ID: "loop-2", Kind: domain.PlanLoop, IterationCap: 3, Context: domain.Context{Command: "analyze"}}
	inner := &domain.Plan{
		ID:   "loop-2/inner",
		Kind: domain.PlanChain,
		ChainSteps: []domain.ChainStep{
			{Worker: "worker", Operation: "iterate", TimeoutMs: 1000},
		},
	}

	_, result, err := engine.RunLoop(context.Background(), outer, inner, func(current, previous domain.Context) domain.ConvergencePredicateResult {
		return domain.ConvergencePredicateResult{Converged: false, Progress: 0.1}
	})
	if err != nil {
		t.Fatalf("loop run failed: %v", err)
	}
	if result.Converged {
		t.Fatal("loop should not report convergence when it never converges")
	}
	if result.Iterations != 3 {
		t.Fatalf("expected exactly iterationCap=3 iterations, got %d", result.Iterations)
	}
}
