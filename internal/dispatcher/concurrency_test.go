package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hookcore/bridge/internal/domain"
	"github.com/hookcore/bridge/internal/hookerr"
)

func TestSingleFlightCollapsesConcurrentIdenticalDispatches(t *testing.T) {
	disp, reg := newTestDispatcher(t)
	inv := &fakeInvoker{invoke: func(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
		if op == "ping" {
			return json.RawMessage(`{}`), nil
		}
		time.Sleep(150 * time.Millisecond)
		return json.RawMessage(`{"answer":42}`), nil
	}}
	if err := reg.Register(domain.WorkerDef{Name: "slow", Kind: "test"}, inv); err != nil {
		t.Fatalf("register: %v", err)
	}
	callsAfterProbe := inv.calls.Load()

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*domain.HookResponse, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = disp.Dispatch(context.Background(), &domain.HookEvent{
				ID: fmt.Sprintf("evt-%d", i), Kind: domain.HookPreTool, Operation: "analyze",
				TargetWorker: "slow", SessionID: "sess-1", Cacheable: true,
				Args: json.RawMessage(`{"file":"x"}`),
			})
		}()
	}
	wg.Wait()

	if got := inv.calls.Load() - callsAfterProbe; got != 1 {
		t.Fatalf("expected exactly one worker invocation across %d concurrent identical calls, got %d", callers, got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if !results[i].Success {
			t.Fatalf("caller %d: expected success", i)
		}
		payload, ok := results[i].Result.(json.RawMessage)
		if !ok {
			t.Fatalf("caller %d: unexpected result type %T", i, results[i].Result)
		}
		if string(payload) != `{"answer":42}` {
			t.Fatalf("caller %d: payload mismatch: %s", i, payload)
		}
	}
}

func TestDispatchOverloadedAtBudgetBoundary(t *testing.T) {
	disp, reg := newTestDispatcher(t)

	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	inv := &fakeInvoker{invoke: func(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
		if op == "ping" {
			return json.RawMessage(`{}`), nil
		}
		entered <- struct{}{}
		<-release
		return json.RawMessage(`{}`), nil
	}}
	if err := reg.Register(domain.WorkerDef{
		Name: "bounded", Kind: "test",
		Budget: domain.Budget{MaxExecMs: 5000, MaxConcurrent: 2},
	}, inv); err != nil {
		t.Fatalf("register: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := disp.Dispatch(context.Background(), &domain.HookEvent{
				ID: fmt.Sprintf("evt-%d", i), Kind: domain.HookPreTool, Operation: "work", TargetWorker: "bounded",
			})
			if err != nil {
				t.Errorf("in-budget call %d failed: %v", i, err)
			}
		}()
	}

	// Wait until both in-budget calls hold their slots.
	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("in-budget calls never reached the worker")
		}
	}

	_, err := disp.Dispatch(context.Background(), &domain.HookEvent{
		ID: "evt-over", Kind: domain.HookPreTool, Operation: "work", TargetWorker: "bounded",
	})
	if err == nil {
		t.Fatal("expected the (maxConcurrent+1)-th call to be rejected")
	}
	if he, ok := hookerr.As(err); !ok || he.Kind != hookerr.Overloaded {
		t.Fatalf("expected Overloaded, got %v", err)
	}

	close(release)
	wg.Wait()
}

func TestDispatchTimeoutKindOnBudgetExpiry(t *testing.T) {
	disp, reg := newTestDispatcher(t)
	inv := &fakeInvoker{invoke: func(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
		if op == "ping" {
			return json.RawMessage(`{}`), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	if err := reg.Register(domain.WorkerDef{
		Name: "sluggish", Kind: "test",
		Budget: domain.Budget{MaxExecMs: 30, MaxConcurrent: 2},
	}, inv); err != nil {
		t.Fatalf("register: %v", err)
	}

	start := time.Now()
	_, err := disp.Dispatch(context.Background(), &domain.HookEvent{
		ID: "evt-slow", Kind: domain.HookPreTool, Operation: "work", TargetWorker: "sluggish",
	})
	if err == nil {
		t.Fatal("expected a timeout failure")
	}
	if he, ok := hookerr.As(err); !ok || he.Kind != hookerr.Timeout {
		t.Fatalf("expected Timeout kind, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("deadline must cancel the call promptly, took %v", elapsed)
	}
}

func TestDispatchFallsBackOncePerFailure(t *testing.T) {
	disp, reg := newTestDispatcher(t)
	primary := &fakeInvoker{invoke: func(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
		if op == "ping" {
			return json.RawMessage(`{}`), nil
		}
		return nil, fmt.Errorf("primary down")
	}}
	backup := &fakeInvoker{invoke: func(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"from":"backup"}`), nil
	}}

	if err := reg.Register(domain.WorkerDef{Name: "backup", Kind: "test"}, backup); err != nil {
		t.Fatalf("register backup: %v", err)
	}
	if err := reg.Register(domain.WorkerDef{Name: "primary", Kind: "test", FallbackWorker: "backup"}, primary); err != nil {
		t.Fatalf("register primary: %v", err)
	}

	resp, err := disp.Dispatch(context.Background(), &domain.HookEvent{
		ID: "evt-fb", Kind: domain.HookPreTool, Operation: "work", TargetWorker: "primary",
	})
	if err != nil {
		t.Fatalf("expected fallback to rescue the dispatch: %v", err)
	}
	payload, _ := resp.Result.(json.RawMessage)
	if string(payload) != `{"from":"backup"}` {
		t.Fatalf("expected the backup worker's payload, got %s", payload)
	}
}
