// Package ingress implements the two equivalent hook-ingress surfaces: a
// request/response HTTP surface (this file) and a long-lived duplex
// channel (duplex.go). Both demultiplex into the same Dispatcher and
// Orchestration Engine the core's single dispatch path already provides —
// this package adds no dispatch logic of its own, only transport,
// admission control, and per-hook-kind response shaping (including the
// fail-open/ack-semantics contracts).
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hookcore/bridge/internal/admin"
	"github.com/hookcore/bridge/internal/audit"
	"github.com/hookcore/bridge/internal/auth"
	"github.com/hookcore/bridge/internal/authz"
	"github.com/hookcore/bridge/internal/cache"
	"github.com/hookcore/bridge/internal/config"
	"github.com/hookcore/bridge/internal/dispatcher"
	"github.com/hookcore/bridge/internal/domain"
	"github.com/hookcore/bridge/internal/hookerr"
	"github.com/hookcore/bridge/internal/logging"
	"github.com/hookcore/bridge/internal/metrics"
	"github.com/hookcore/bridge/internal/observability"
	"github.com/hookcore/bridge/internal/orchestration"
	"github.com/hookcore/bridge/internal/registry"
)

// maxFrameBytes bounds a single request/response body, matching the 1
// MiB duplex-frame ceiling.
const maxFrameBytes = 1 << 20

// Server is the hook-ingress core: the HTTP request/response surface
// plus (via Upgrade, in duplex.go) the websocket duplex surface, both
// sharing one Dispatcher/Registry/Orchestration Engine instance.
type Server struct {
	cfg    *config.Config
	disp   *dispatcher.Dispatcher
	engine *orchestration.Engine
	reg    *registry.Registry
	cache  *cache.ResponseCache
	ops    *admin.Ops
	audit  *audit.Log
	authn  []auth.Authenticator

	mux        *http.ServeMux
	httpServer *http.Server
	conns      *connectionSet

	startedAt time.Time
}

// New builds a Server wired to the shared dispatch core, reaching into
// disp for its Circuit Breaker registry so the administrative
// circuit-reset/inspect endpoints share the exact breaker state the
// dispatch path consults.
func New(cfg *config.Config, disp *dispatcher.Dispatcher, engine *orchestration.Engine, reg *registry.Registry, respCache *cache.ResponseCache, ops *admin.Ops, authn []auth.Authenticator, auditLog *audit.Log) *Server {
	if ops == nil {
		ops = &admin.Ops{Registry: reg, Cache: respCache, Breakers: disp.Breakers(), Audit: auditLog}
	}
	s := &Server{
		cfg:       cfg,
		disp:      disp,
		engine:    engine,
		reg:       reg,
		cache:     respCache,
		ops:       ops,
		audit:     auditLog,
		authn:     authn,
		conns:     newConnectionSet(),
		startedAt: time.Now(),
	}
	s.mux = s.buildMux()
	return s
}

// Handler returns the Server's fully wired http.Handler (auth, tracing,
// then routes), suitable for http.Server.Handler or httptest.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.cfg.Auth.Enabled {
		h = auth.Middleware(s.authn, s.cfg.Auth.PublicPaths, s.audit)(h)
	}
	h = observability.HTTPMiddleware(h)
	return h
}

// ListenAndServe starts the HTTP surface on cfg.Ingress.HTTPAddr and
// blocks until Shutdown is called or the listener fails.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Ingress.HTTPAddr,
		Handler: s.Handler(),
	}
	logging.Op().Info("ingress HTTP surface starting", "addr", s.cfg.Ingress.HTTPAddr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes every open duplex connection with service_stopping,
// drains the Dispatcher, then stops the HTTP listener, in that order, so
// in-flight hook dispatches finish before connections and the listener
// go away.
func (s *Server) Shutdown(ctx context.Context) error {
	s.conns.closeAll(closeServiceStopping)

	if err := s.disp.Shutdown(ctx); err != nil {
		logging.Op().Warn("dispatcher drain did not finish before deadline", "error", err)
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /mcp-status", s.handleMCPStatus)
	mux.HandleFunc("GET /recommendations", s.handleRecommendations)

	mux.HandleFunc("POST /pre-tool", s.handlePreTool)
	mux.HandleFunc("POST /post-tool", s.handlePostTool)
	mux.HandleFunc("POST /notification-metrics", s.handleNotificationMetrics)
	mux.HandleFunc("POST /session-stop", s.handleAck(domain.HookSessionStop, "session-stop"))
	mux.HandleFunc("POST /subagent-completed", s.handleAck(domain.HookSubagentStop, "subagent-completed"))
	mux.HandleFunc("POST /pre-compaction", s.handleAck(domain.HookPreCompact, "pre-compaction"))

	mux.HandleFunc("POST /orchestrate", authz.Middleware("orchestrate")(http.HandlerFunc(s.handleOrchestrate)).ServeHTTP)

	mux.HandleFunc("GET "+s.cfg.Ingress.WSPath, s.handleDuplexUpgrade)

	mux.HandleFunc("POST /admin/register-worker", authz.Middleware("registry:register")(http.HandlerFunc(s.handleRegisterWorker)).ServeHTTP)
	mux.HandleFunc("POST /admin/unregister-worker", authz.Middleware("registry:unregister")(http.HandlerFunc(s.handleUnregisterWorker)).ServeHTTP)
	mux.HandleFunc("POST /admin/invalidate-cache", authz.Middleware("cache:invalidate")(http.HandlerFunc(s.handleInvalidateCache)).ServeHTTP)
	mux.HandleFunc("POST /admin/circuit-reset", authz.Middleware("breaker:reset")(http.HandlerFunc(s.handleCircuitReset)).ServeHTTP)
	mux.Handle("GET /metrics", metrics.PrometheusHandler())
	mux.Handle("GET /admin/metrics.json", metrics.Global().JSONHandler())

	return mux
}

// readBody enforces the 1 MiB payload ceiling, returning a BadRequest
// hookerr.Error on overflow so handlers report it uniformly.
func readBody(r *http.Request) ([]byte, error) {
	limited := io.LimitReader(r.Body, maxFrameBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, hookerr.Wrap(hookerr.BadRequest, "", "failed to read request body", err)
	}
	if len(body) > maxFrameBytes {
		return nil, hookerr.New(hookerr.BadRequest, "", "payload exceeds 1 MiB limit")
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth reports service status, uptime, active connection count,
// and a performance snapshot — cacheable for 30s per spec.md §6.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=30")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"uptimeSeconds":     int64(time.Since(metrics.StartTime()).Seconds()),
		"activeConnections": s.conns.count(),
		"performance":       metrics.Global().GetOverallMetrics(),
		"workers":           s.reg.Snapshot(),
	})
}

func (s *Server) handleMCPStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"workers":      s.reg.Snapshot(),
		"breakers":     s.ops.Breakers.Snapshot(),
		"cacheSize":    s.cache.Len(),
		"cacheHitRate": s.cache.HitRate(),
	}
	if s.engine != nil {
		if tr := s.engine.ProgressTracker(); tr != nil {
			out["plans"] = tr.ListActive()
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRecommendations surfaces a best-effort view of which workers are
// under back-pressure, derived from the same state the Dispatcher's
// adaptive concurrency control consults — an inspection endpoint, not a
// dispatch path, so it never touches the breaker or cache.
func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	snapshot := s.reg.Snapshot()
	var degraded []string
	for name, state := range snapshot {
		if state.Status == domain.WorkerDegraded || state.EffectiveMaxConcurrent > 0 {
			degraded = append(degraded, name)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"degradedWorkers": degraded,
	})
}

type preToolRequest struct {
	ToolName    string          `json:"toolName"`
	ToolArgs    json.RawMessage `json:"toolArgs"`
	SessionID   string          `json:"sessionId"`
	ExecutionID string          `json:"executionId"`
	Persona     string          `json:"persona,omitempty"`
	Flags       []string        `json:"flags,omitempty"`
	Environment json.RawMessage `json:"environment,omitempty"`
}

// handlePreTool dispatches a PreTool hook. On internal failure it fails
// open: {allow:true, error, fallback:true}, per spec.md §6 and §7 — a
// misbehaving core must never block the agent runtime's tool call.
func (s *Server) handlePreTool(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeHookErr(w, err)
		return
	}
	var req preToolRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeHookErr(w, hookerr.Wrap(hookerr.BadRequest, "", "malformed pre-tool request", err))
		return
	}

	event := &domain.HookEvent{
		ID:            uuid.New().String(),
		Kind:          domain.HookPreTool,
		SessionID:     req.SessionID,
		Tool:          req.ToolName,
		Args:          req.ToolArgs,
		Timestamp:     time.Now(),
		CorrelationID: req.ExecutionID,
		Operation:     "pre-tool",
		Cacheable:     true,
	}

	resp, err := s.disp.Dispatch(r.Context(), event)
	if err != nil {
		s.auditDispatchFailure("pre-tool", event, err)
		writeJSON(w, http.StatusOK, map[string]any{
			"allow":    true,
			"error":    err.Error(),
			"fallback": true,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"allow":         true,
		"modifiedArgs":  resp.Result,
		"metadata":      resp.PerformanceMeta,
		"performance":   metrics.Global().KeyMetrics(event.Operation),
		"bridgeResponse": true,
		"cacheHit":      resp.CacheHit,
	})
}

type postToolRequest struct {
	ToolName   string          `json:"toolName"`
	SessionID  string          `json:"sessionId"`
	ToolResult json.RawMessage `json:"toolResult,omitempty"`
	ToolError  string          `json:"toolError,omitempty"`
}

// handlePostTool dispatches a PostTool hook. On internal failure it
// returns {processed:false, error} — unlike pre-tool, a post-tool failure
// does not need to fabricate an allow decision.
func (s *Server) handlePostTool(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeHookErr(w, err)
		return
	}
	var req postToolRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeHookErr(w, hookerr.Wrap(hookerr.BadRequest, "", "malformed post-tool request", err))
		return
	}

	event := &domain.HookEvent{
		ID:        uuid.New().String(),
		Kind:      domain.HookPostTool,
		SessionID: req.SessionID,
		Tool:      req.ToolName,
		Args:      req.ToolResult,
		Error:     req.ToolError,
		Timestamp: time.Now(),
		Operation: "post-tool",
		Cacheable: false,
	}

	resp, err := s.disp.Dispatch(r.Context(), event)
	if err != nil {
		s.auditDispatchFailure("post-tool", event, err)
		writeJSON(w, http.StatusOK, map[string]any{"processed": false, "error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"processed":   true,
		"performance": metrics.Global().KeyMetrics(event.Operation),
		"contextUpdates": resp.Result,
	})
}

// handleNotificationMetrics acknowledges every request whose body it can
// read, whatever the dispatch outcome, per spec.md §6 — the notification
// hook has no caller-visible dispatch failure mode. An unreadable or
// oversized body is still rejected with a BadRequest error.
func (s *Server) handleNotificationMetrics(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeHookErr(w, err)
		return
	}
	var payload map[string]any
	_ = json.Unmarshal(body, &payload)

	event := &domain.HookEvent{
		ID:        uuid.New().String(),
		Kind:      domain.HookNotification,
		Timestamp: time.Now(),
		Operation: "notification-metrics",
		Args:      body,
	}
	if sid, ok := payload["sessionId"].(string); ok {
		event.SessionID = sid
	}
	_, _ = s.disp.Dispatch(r.Context(), event)

	writeJSON(w, http.StatusOK, map[string]any{
		"received":  true,
		"processed": true,
		"timestamp": time.Now(),
	})
}

// handleAck builds the acknowledgment-semantics handler shared by
// session-stop, subagent-completed, and pre-compaction: even on internal
// failure it returns {acknowledged:true, error?, fallback:true} so the
// caller never hangs waiting on a response that will never come.
func (s *Server) handleAck(kind domain.HookKind, operation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			writeHookErr(w, err)
			return
		}
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)

		event := &domain.HookEvent{
			ID:        uuid.New().String(),
			Kind:      kind,
			Timestamp: time.Now(),
			Operation: operation,
			Args:      body,
		}
		if sid, ok := payload["sessionId"].(string); ok {
			event.SessionID = sid
		}

		resp, err := s.disp.Dispatch(r.Context(), event)
		if err != nil {
			s.auditDispatchFailure(operation, event, err)
			writeJSON(w, http.StatusOK, map[string]any{
				"acknowledged": true,
				"error":        err.Error(),
				"fallback":     true,
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"acknowledged": true,
			"result":       resp.Result,
		})
	}
}

func writeHookErr(w http.ResponseWriter, err error) {
	he, ok := hookerr.As(err)
	if !ok {
		he = hookerr.Wrap(hookerr.Internal, "", "unexpected error", err)
	}
	status := http.StatusInternalServerError
	switch he.Kind {
	case hookerr.BadRequest:
		status = http.StatusBadRequest
	case hookerr.Unauthenticated:
		status = http.StatusUnauthorized
	case hookerr.Unauthorized:
		status = http.StatusForbidden
	case hookerr.NoWorker, hookerr.Overloaded, hookerr.Timeout, hookerr.CircuitOpen, hookerr.Shutdown:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"success": false,
		"error": domain.FailureDetail{
			Kind:          string(he.Kind),
			Message:       he.Message,
			CorrelationID: he.CorrelationID,
		},
	})
}

func (s *Server) auditDispatchFailure(operation string, event *domain.HookEvent, err error) {
	if s.audit == nil {
		return
	}
	s.audit.Record(operation, event.SessionID, auditSeverityFor(err), err.Error())
}

// auditSeverityFor classifies a dispatch failure for the audit log: an
// Internal-kind error (the dispatch core's own fault) is critical,
// everything else (no worker, overloaded, breaker open, timeout) is a
// warning — expected back-pressure, not a bug.
func auditSeverityFor(err error) audit.Severity {
	if he, ok := hookerr.As(err); ok && he.Kind == hookerr.Internal {
		return audit.SeverityCritical
	}
	return audit.SeverityWarning
}

// --- Administrative endpoints (spec.md §6 CLI surface, exposed over HTTP
// so the CLI itself is a thin client rather than a second implementation
// of these operations) ---

type registerWorkerRequest struct {
	domain.WorkerDef
	Endpoint string `json:"endpoint"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeHookErr(w, err)
		return
	}
	var req registerWorkerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeHookErr(w, hookerr.Wrap(hookerr.BadRequest, "", "malformed worker spec", err))
		return
	}
	if err := s.ops.RegisterWorker(req.WorkerDef, req.Endpoint); err != nil {
		writeHookErr(w, hookerr.Wrap(hookerr.BadRequest, "", "registration failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleUnregisterWorker(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeHookErr(w, hookerr.New(hookerr.BadRequest, "", "name query parameter is required"))
		return
	}
	if err := s.ops.UnregisterWorker(name); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "notFound"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	n := s.ops.InvalidateCache(pattern)
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": n})
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	worker := r.URL.Query().Get("worker")
	operation := r.URL.Query().Get("operation")
	if worker == "" {
		writeHookErr(w, hookerr.New(hookerr.BadRequest, "", "worker query parameter is required"))
		return
	}
	ok := s.ops.CircuitReset(worker, operation)
	writeJSON(w, http.StatusOK, map[string]any{"reset": ok})
}
