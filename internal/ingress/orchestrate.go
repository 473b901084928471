package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/hookcore/bridge/internal/domain"
	"github.com/hookcore/bridge/internal/hookerr"
	"github.com/hookcore/bridge/internal/orchestration"
)

// planRequest is the wire shape for a complex command: a request the
// core decomposes into a Plan instead of a single dispatch. It arrives
// either as the body of POST /orchestrate or inside a duplex
// hook_request's "plan" field; both surfaces funnel into runPlanRequest.
type planRequest struct {
	ID           string                 `json:"id,omitempty"`
	Kind         domain.PlanKind        `json:"kind"`
	Context      domain.Context         `json:"context"`
	TimeBudgetMs int64                  `json:"timeBudgetMs,omitempty"`
	Phases       []*domain.Phase        `json:"phases,omitempty"`     // wave
	Steps        []domain.ChainStep     `json:"steps,omitempty"`      // chain
	Delegation   *domain.DelegationSpec `json:"delegation,omitempty"` // delegation
	Loop         *loopRequest           `json:"loop,omitempty"`       // loop
}

// loopRequest declares a Loop plan's convergence rule declaratively: the
// loop converges once the inner plan's emitted Context carries a numeric
// metadata value under ConvergeKey that reaches ConvergeAt. A predicate
// function cannot cross the wire, so this is the serializable subset.
type loopRequest struct {
	IterationCap int          `json:"iterationCap"`
	ConvergeKey  string       `json:"convergeKey"`
	ConvergeAt   float64      `json:"convergeAt"`
	Inner        *planRequest `json:"inner"`
}

// planSummary is what both ingress surfaces return for a finished Plan.
type planSummary struct {
	PlanID     string         `json:"planId"`
	Kind       domain.PlanKind `json:"kind"`
	Status     domain.PlanStatus `json:"status"`
	Progress   float64        `json:"progress"`
	Context    domain.Context `json:"context"`
	Iterations int            `json:"iterations,omitempty"`
	Converged  bool           `json:"converged,omitempty"`
}

// buildPlan turns a wire planRequest into a runnable domain.Plan. Loop
// requests are rejected here as an unknown kind; runPlanRequest builds
// the outer loop plan itself and calls buildPlan only for its inner plan.
func buildPlan(req *planRequest) (*domain.Plan, error) {
	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	plan := &domain.Plan{
		ID:           id,
		Kind:         req.Kind,
		Context:      req.Context,
		TimeBudgetMs: req.TimeBudgetMs,
		Status:       domain.PlanPending,
	}

	switch req.Kind {
	case domain.PlanWave:
		if len(req.Phases) == 0 {
			return nil, fmt.Errorf("wave plan requires phases")
		}
		for _, p := range req.Phases {
			p.Status = domain.PhasePending
		}
		plan.Phases = req.Phases
	case domain.PlanChain:
		if len(req.Steps) == 0 {
			return nil, fmt.Errorf("chain plan requires steps")
		}
		plan.ChainSteps = req.Steps
	case domain.PlanDelegation:
		if req.Delegation == nil {
			return nil, fmt.Errorf("delegation plan requires a delegation spec")
		}
		plan.Delegation = req.Delegation
	default:
		return nil, fmt.Errorf("unknown plan kind %q", req.Kind)
	}
	return plan, nil
}

// metadataConvergence builds the declarative convergence predicate: read
// the inner plan's emitted metadata value under key as a float and
// converge once it reaches threshold.
func metadataConvergence(key string, threshold float64) orchestration.ConvergencePredicate {
	return func(current, previous domain.Context) domain.ConvergencePredicateResult {
		v, _ := strconv.ParseFloat(current.Metadata[key], 64)
		progress := v
		if threshold > 0 {
			progress = v / threshold
		}
		if progress > 1 {
			progress = 1
		}
		if progress < 0 {
			progress = 0
		}
		return domain.ConvergencePredicateResult{Converged: v >= threshold, Progress: progress}
	}
}

// runPlanRequest validates, builds, and executes one planRequest through
// the Orchestration Engine, returning the terminal summary. This is the
// single entry point both ingress surfaces share.
func (s *Server) runPlanRequest(ctx context.Context, req *planRequest) (*planSummary, error) {
	if s.engine == nil {
		return nil, hookerr.New(hookerr.Internal, req.ID, "orchestration engine is not wired")
	}

	if req.Kind == domain.PlanLoop {
		if req.Loop == nil || req.Loop.Inner == nil {
			return nil, hookerr.New(hookerr.BadRequest, req.ID, "loop plan requires loop.inner")
		}
		if req.Loop.ConvergeKey == "" {
			return nil, hookerr.New(hookerr.BadRequest, req.ID, "loop plan requires loop.convergeKey")
		}
		if req.Loop.Inner.Kind == domain.PlanLoop {
			return nil, hookerr.New(hookerr.BadRequest, req.ID, "loop plans do not nest")
		}

		inner, err := buildPlan(req.Loop.Inner)
		if err != nil {
			return nil, hookerr.Wrap(hookerr.BadRequest, req.ID, "invalid inner plan", err)
		}
		outerID := req.ID
		if outerID == "" {
			outerID = uuid.New().String()
		}
		outer := &domain.Plan{
			ID:           outerID,
			Kind:         domain.PlanLoop,
			Context:      req.Context,
			IterationCap: req.Loop.IterationCap,
			TimeBudgetMs: req.TimeBudgetMs,
			Status:       domain.PlanPending,
		}

		outer, result, err := s.engine.RunLoop(ctx, outer, inner, metadataConvergence(req.Loop.ConvergeKey, req.Loop.ConvergeAt))
		if err != nil {
			return nil, err
		}
		return &planSummary{
			PlanID:     outer.ID,
			Kind:       outer.Kind,
			Status:     outer.Status,
			Progress:   outer.Progress,
			Context:    outer.Context,
			Iterations: result.Iterations,
			Converged:  result.Converged,
		}, nil
	}

	plan, err := buildPlan(req)
	if err != nil {
		return nil, hookerr.Wrap(hookerr.BadRequest, req.ID, "invalid plan", err)
	}
	plan, err = s.engine.Run(ctx, plan)
	if err != nil {
		return nil, err
	}
	return &planSummary{
		PlanID:   plan.ID,
		Kind:     plan.Kind,
		Status:   plan.Status,
		Progress: plan.Progress,
		Context:  plan.Context,
	}, nil
}

// handleOrchestrate is the request/response surface for complex
// commands: POST a planRequest, block until the Plan is terminal, get
// the summary back. Long-running Plans should prefer the duplex channel,
// where the response arrives as a correlated frame instead of holding an
// HTTP request open.
func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeHookErr(w, err)
		return
	}
	var req planRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeHookErr(w, hookerr.Wrap(hookerr.BadRequest, "", "malformed plan request", err))
		return
	}

	summary, err := s.runPlanRequest(r.Context(), &req)
	if err != nil {
		writeHookErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
