// Package admin implements the worker/cache/breaker management operations
// exposed identically over HTTP (internal/ingress's /admin/* routes) and
// gRPC (internal/grpcadmin): register a worker, unregister one, invalidate
// cached entries, and reset a circuit breaker. Keeping the operation
// bodies here means neither transport reimplements the other's behavior.
package admin

import (
	"fmt"

	"github.com/hookcore/bridge/internal/audit"
	"github.com/hookcore/bridge/internal/auth"
	"github.com/hookcore/bridge/internal/cache"
	"github.com/hookcore/bridge/internal/circuitbreaker"
	"github.com/hookcore/bridge/internal/domain"
	"github.com/hookcore/bridge/internal/registry"
)

// Ops bundles the subsystems the administrative operations touch.
type Ops struct {
	Registry *registry.Registry
	Cache    *cache.ResponseCache
	Breakers *circuitbreaker.Registry
	Audit    *audit.Log
	// Envelope, when set, wraps every registered worker's transport in
	// the Security Gate's signing/encryption layer.
	Envelope *auth.EnvelopeCodec
}

// RegisterWorker validates def's declared dependencies are already
// registered, builds an HTTPInvoker for endpoint (sealed when the
// security envelope is configured), and adds the worker to the Registry.
func (o *Ops) RegisterWorker(def domain.WorkerDef, endpoint string) error {
	for _, dep := range def.Dependencies {
		if _, _, _, ok := o.Registry.Get(dep); !ok {
			return fmt.Errorf("dependency %q is not registered", dep)
		}
	}
	invoker, err := registry.NewHTTPInvoker(endpoint)
	if err != nil {
		return fmt.Errorf("invalid worker endpoint: %w", err)
	}
	if err := o.Registry.Register(def, registry.WrapSealed(invoker, o.Envelope)); err != nil {
		return err
	}
	o.record("register-worker", def.Name, "")
	return nil
}

// UnregisterWorker removes name from the Registry.
func (o *Ops) UnregisterWorker(name string) error {
	if err := o.Registry.Unregister(name); err != nil {
		return err
	}
	o.record("unregister-worker", name, "")
	return nil
}

// InvalidateCache evicts every cache entry whose key matches pattern,
// returning the count removed.
func (o *Ops) InvalidateCache(pattern string) int {
	n := o.Cache.Invalidate(pattern)
	o.record("invalidate-cache", pattern, fmt.Sprintf("%d entries", n))
	return n
}

// CircuitReset forces worker's breaker(s) closed, optionally restricted
// to a single operation.
func (o *Ops) CircuitReset(worker, operation string) bool {
	ok := o.Breakers.Reset(worker, operation)
	o.record("circuit-reset", worker, operation)
	return ok
}

func (o *Ops) record(event, principal, detail string) {
	if o.Audit == nil {
		return
	}
	o.Audit.Record(event, principal, audit.SeverityInfo, detail)
}
