package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hookcore/bridge/internal/auth"
	"github.com/hookcore/bridge/internal/authz"
	"github.com/hookcore/bridge/internal/domain"
	"github.com/hookcore/bridge/internal/logging"
	"github.com/hookcore/bridge/internal/metrics"
)

// messageType enumerates the duplex channel's envelope kinds, spec.md
// §4.1's long-lived alternative to the one-shot HTTP surface.
type messageType string

const (
	msgHookRequest         messageType = "hook_request"
	msgHookResponse        messageType = "hook_response"
	msgPerformanceQuery    messageType = "performance_query"
	msgPerformanceResponse messageType = "performance_response"
	msgHealthCheck         messageType = "health_check"
	msgHealthResponse      messageType = "health_response"
	msgConnectionConfirmed messageType = "connection_confirmed"
	msgError               messageType = "error"
)

// envelope is the newline-framed UTF-8 JSON wire shape every duplex
// message uses, regardless of direction.
type envelope struct {
	Type messageType     `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	closeServiceStopping      = 1000
	closeAuthenticationFailed = 1008
	closeLimitExceeded        = 1008
	closeInternalError        = 1011
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// duplexConn wraps one upgraded websocket with the Connection registry
// entity and the send queue its writePump drains. done is closed exactly
// once, by the read pump, when the connection dies; deliver selects on it
// so a handler goroutine finishing after disconnect drops its response
// instead of blocking or panicking.
type duplexConn struct {
	domain.Connection
	ws   *websocket.Conn
	send chan envelope
	done chan struct{}

	mu         sync.Mutex
	lastActive time.Time
}

// deliver enqueues env for the write pump, giving up silently if the
// connection closed first. Responses are correlated by id, not order, so
// concurrent handlers may interleave freely.
func (c *duplexConn) deliver(env envelope) {
	select {
	case c.send <- env:
	case <-c.done:
	}
}

// connectionSet is the live-connection registry the /health endpoint and
// graceful shutdown both consult.
type connectionSet struct {
	mu   sync.Mutex
	byID map[string]*duplexConn
}

func newConnectionSet() *connectionSet {
	return &connectionSet{byID: make(map[string]*duplexConn)}
}

// add registers c unless doing so would exceed limit (limit <= 0 means
// unbounded); the check and the insert are one critical section so two
// racing upgrades cannot both land on the last slot.
func (s *connectionSet) add(c *duplexConn, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && len(s.byID) >= limit {
		return false
	}
	s.byID[c.ID] = c
	metrics.SetConnectionsActive(len(s.byID))
	return true
}

func (s *connectionSet) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	metrics.SetConnectionsActive(len(s.byID))
}

func (s *connectionSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *connectionSet) closeAll(code int) {
	s.mu.Lock()
	conns := make([]*duplexConn, 0, len(s.byID))
	for _, c := range s.byID {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(code, "service_stopping")
	}
}

func (c *duplexConn) closeWith(code int, reason string) {
	deadline := time.Now().Add(2 * time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.ws.Close()
}

func (c *duplexConn) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.LastActivityAt = c.lastActive
	c.mu.Unlock()
}

// handleDuplexUpgrade authenticates the incoming connection (reusing the
// Security Gate's HTTP-layer auth.Identity, since the duplex channel is
// authenticated once at upgrade time rather than per-message), then
// upgrades and registers it.
func (s *Server) handleDuplexUpgrade(w http.ResponseWriter, r *http.Request) {
	identity := auth.GetIdentity(r.Context())
	if s.cfg.Auth.Enabled && identity == nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Op().Warn("duplex upgrade failed", "error", err)
		return
	}

	principal := "anonymous"
	var perms []string
	if identity != nil {
		principal = identity.Subject
		perms = identity.Permissions
	}

	conn := &duplexConn{
		Connection: domain.Connection{
			ID:             uuid.New().String(),
			Principal:      principal,
			Permissions:    perms,
			OpenedAt:       time.Now(),
			LastActivityAt: time.Now(),
		},
		ws:   ws,
		send: make(chan envelope, 32),
		done: make(chan struct{}),
	}
	if !s.conns.add(conn, s.cfg.Ingress.MaxConnections) {
		conn.closeWith(closeLimitExceeded, "limit_exceeded")
		return
	}

	go s.duplexWritePump(conn)
	s.duplexReadPump(conn)
}

// duplexReadPump is the connection's lifetime owner: it runs until the
// client disconnects, the idle-timeout fires, or the server is shutting
// down, at which point it unregisters the connection and closes done,
// which stops the writer and detaches any still-running handlers.
func (s *Server) duplexReadPump(conn *duplexConn) {
	defer func() {
		s.conns.remove(conn.ID)
		close(conn.done)
		_ = conn.ws.Close()
	}()

	ws := conn.ws
	ws.SetReadLimit(maxFrameBytes)

	idleTimeout := s.cfg.Ingress.KeepAliveTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	ws.SetReadDeadline(time.Now().Add(idleTimeout))
	ws.SetPongHandler(func(string) error {
		conn.touch()
		ws.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	conn.deliver(envelope{Type: msgConnectionConfirmed, ID: uuid.New().String(), Data: mustJSON(map[string]string{"connectionId": conn.ID})})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				conn.closeWith(websocket.CloseNormalClosure, "idle")
			}
			return
		}
		conn.touch()
		ws.SetReadDeadline(time.Now().Add(idleTimeout))

		var msg envelope
		if err := json.Unmarshal(raw, &msg); err != nil {
			conn.deliver(envelope{Type: msgError, ID: "", Data: mustJSON(map[string]string{"error": "parse"})})
			continue
		}
		s.dispatchDuplexMessage(conn, msg)
	}
}

func (s *Server) duplexWritePump(conn *duplexConn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-conn.done:
			return
		}
	}
}

// dispatchDuplexMessage routes one inbound envelope. hook_requests run in
// their own goroutine — a 30-second worker call or a multi-phase Plan
// must not stall the read loop, and callers correlate by id rather than
// by order. The cheap query types answer inline.
func (s *Server) dispatchDuplexMessage(conn *duplexConn, msg envelope) {
	switch msg.Type {
	case msgHookRequest:
		go s.handleDuplexHookRequest(conn, msg)
	case msgPerformanceQuery:
		var q struct {
			Operation string `json:"operation"`
		}
		_ = json.Unmarshal(msg.Data, &q)
		conn.deliver(envelope{
			Type: msgPerformanceResponse,
			ID:   msg.ID,
			Data: mustJSON(metrics.Global().KeyMetrics(q.Operation)),
		})
	case msgHealthCheck:
		conn.deliver(envelope{
			Type: msgHealthResponse,
			ID:   msg.ID,
			Data: mustJSON(map[string]any{"status": "ok", "activeConnections": s.conns.count()}),
		})
	default:
		conn.deliver(envelope{Type: msgError, ID: msg.ID, Data: mustJSON(map[string]string{"error": "unknown_type"})})
	}
}

// duplexHookRequest is the data payload of a hook_request frame. A plain
// request names a hook kind and operation for a single dispatch; a
// request carrying Plan is a complex command the Orchestration Engine
// decomposes instead (spec §2's Dispatcher-or-Engine demultiplex).
type duplexHookRequest struct {
	Kind      domain.HookKind `json:"kind"`
	Operation string          `json:"operation"`
	SessionID string          `json:"sessionId"`
	Tool      string          `json:"tool,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Plan      *planRequest    `json:"plan,omitempty"`
}

func (s *Server) handleDuplexHookRequest(conn *duplexConn, msg envelope) {
	if msg.ID == "" {
		conn.deliver(envelope{Type: msgError, ID: "", Data: mustJSON(map[string]string{"error": "hook_request requires an id"})})
		return
	}
	var req duplexHookRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		conn.deliver(envelope{Type: msgError, ID: msg.ID, Data: mustJSON(map[string]string{"error": "malformed hook_request"})})
		return
	}

	if req.Plan != nil {
		s.handleDuplexPlan(conn, msg, req.Plan)
		return
	}

	if !domain.ValidHookKind(req.Kind) {
		conn.deliver(envelope{Type: msgError, ID: msg.ID, Data: mustJSON(map[string]string{"error": "unknown hook kind"})})
		return
	}

	if s.cfg.Auth.Enabled {
		identity := &auth.Identity{Subject: conn.Principal, Permissions: conn.Permissions}
		if err := authz.Check(identity, string(req.Kind), req.Tool); err != nil {
			conn.deliver(envelope{Type: msgError, ID: msg.ID, Data: mustJSON(map[string]string{"error": "forbidden"})})
			conn.closeWith(closeAuthenticationFailed, "authentication_failed")
			return
		}
	}

	event := &domain.HookEvent{
		ID:            uuid.New().String(),
		Kind:          req.Kind,
		SessionID:     req.SessionID,
		Tool:          req.Tool,
		Args:          req.Args,
		Timestamp:     time.Now(),
		CorrelationID: msg.ID,
		Operation:     req.Operation,
		Cacheable:     req.Kind == domain.HookPreTool,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := s.disp.Dispatch(ctx, event)
	if err != nil {
		conn.deliver(envelope{Type: msgHookResponse, ID: msg.ID, Data: mustJSON(map[string]any{
			"success": false,
			"error":   err.Error(),
		})})
		if s.audit != nil {
			s.audit.Record(req.Operation, req.SessionID, auditSeverityFor(err), err.Error())
		}
		return
	}

	conn.deliver(envelope{Type: msgHookResponse, ID: msg.ID, Data: mustJSON(resp)})
}

// handleDuplexPlan runs a complex command through the Orchestration
// Engine and delivers the terminal Plan summary as the correlated
// hook_response. The Plan's time budget bounds the run; connections that
// die mid-Plan simply drop the response at deliver time.
func (s *Server) handleDuplexPlan(conn *duplexConn, msg envelope, req *planRequest) {
	if s.cfg.Auth.Enabled {
		identity := &auth.Identity{Subject: conn.Principal, Permissions: conn.Permissions}
		if err := authz.Check(identity, "orchestrate", ""); err != nil {
			conn.deliver(envelope{Type: msgError, ID: msg.ID, Data: mustJSON(map[string]string{"error": "forbidden"})})
			return
		}
	}

	budget := 5 * time.Minute
	if req.TimeBudgetMs > 0 {
		budget = time.Duration(req.TimeBudgetMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	summary, err := s.runPlanRequest(ctx, req)
	if err != nil {
		conn.deliver(envelope{Type: msgHookResponse, ID: msg.ID, Data: mustJSON(map[string]any{
			"success": false,
			"error":   err.Error(),
		})})
		if s.audit != nil {
			s.audit.Record("orchestrate", conn.Principal, auditSeverityFor(err), err.Error())
		}
		return
	}
	conn.deliver(envelope{Type: msgHookResponse, ID: msg.ID, Data: mustJSON(map[string]any{
		"success": true,
		"plan":    summary,
	})})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
