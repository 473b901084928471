package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hookcore/bridge/internal/domain"
	"github.com/hookcore/bridge/internal/hookerr"
)

func TestEnvelopeWireRoundTrip(t *testing.T) {
	in := envelope{
		Type: msgHookRequest,
		ID:   "req-1",
		Data: json.RawMessage(`{"kind":"PreTool","operation":"analyze","sessionId":"s1"}`),
	}
	wire, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out envelope
	if err := json.Unmarshal(wire, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Type != in.Type || out.ID != in.ID {
		t.Fatalf("envelope round trip mismatch: %+v vs %+v", out, in)
	}
	var a, b map[string]any
	_ = json.Unmarshal(in.Data, &a)
	_ = json.Unmarshal(out.Data, &b)
	if len(a) != len(b) {
		t.Fatalf("data round trip mismatch: %v vs %v", a, b)
	}
}

func dialDuplex(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) envelope {
	t.Helper()
	var env envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func TestDuplexConfirmsConnectionAndAnswersHealthCheck(t *testing.T) {
	s, _, _ := newTestStack(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ws := dialDuplex(t, srv, s.cfg.Ingress.WSPath)

	confirmed := readEnvelope(t, ws)
	if confirmed.Type != msgConnectionConfirmed {
		t.Fatalf("expected connection_confirmed first, got %q", confirmed.Type)
	}
	var confirmData map[string]string
	_ = json.Unmarshal(confirmed.Data, &confirmData)
	if confirmData["connectionId"] == "" {
		t.Fatal("connection_confirmed must carry the connection id")
	}

	if err := ws.WriteJSON(envelope{Type: msgHealthCheck, ID: "hc-1"}); err != nil {
		t.Fatalf("write health_check: %v", err)
	}
	health := readEnvelope(t, ws)
	if health.Type != msgHealthResponse || health.ID != "hc-1" {
		t.Fatalf("expected health_response echoing the request id, got %+v", health)
	}
}

func TestDuplexUnknownTypeEmitsErrorWithoutClosing(t *testing.T) {
	s, _, _ := newTestStack(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ws := dialDuplex(t, srv, s.cfg.Ingress.WSPath)
	readEnvelope(t, ws) // connection_confirmed

	if err := ws.WriteJSON(envelope{Type: "bogus_type", ID: "b-1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	errEnv := readEnvelope(t, ws)
	if errEnv.Type != msgError || errEnv.ID != "b-1" {
		t.Fatalf("expected an error envelope for the unknown type, got %+v", errEnv)
	}

	// The connection must survive: a follow-up health check still works.
	if err := ws.WriteJSON(envelope{Type: msgHealthCheck, ID: "hc-2"}); err != nil {
		t.Fatalf("write after error: %v", err)
	}
	if got := readEnvelope(t, ws); got.Type != msgHealthResponse {
		t.Fatalf("connection must stay open after an unknown type, got %+v", got)
	}
}

func TestDuplexMalformedFrameEmitsParseErrorWithoutClosing(t *testing.T) {
	s, _, _ := newTestStack(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ws := dialDuplex(t, srv, s.cfg.Ingress.WSPath)
	readEnvelope(t, ws)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	errEnv := readEnvelope(t, ws)
	if errEnv.Type != msgError {
		t.Fatalf("expected a parse error envelope, got %+v", errEnv)
	}

	if err := ws.WriteJSON(envelope{Type: msgHealthCheck, ID: "hc-3"}); err != nil {
		t.Fatalf("write after parse error: %v", err)
	}
	if got := readEnvelope(t, ws); got.Type != msgHealthResponse {
		t.Fatalf("connection must stay open after a parse error, got %+v", got)
	}
}

func TestDuplexHookRequestDispatchesAndCorrelatesByID(t *testing.T) {
	s, reg, _ := newTestStack(t)
	if err := reg.Register(domain.WorkerDef{Name: "analyzer", Kind: "analysis", Capabilities: []string{"analyze"}}, echoInvoker{payload: `{"verdict":"ok"}`}); err != nil {
		t.Fatalf("register: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ws := dialDuplex(t, srv, s.cfg.Ingress.WSPath)
	readEnvelope(t, ws)

	req := envelope{Type: msgHookRequest, ID: "hook-1", Data: json.RawMessage(`{"kind":"PreTool","operation":"analyze","sessionId":"s1","tool":"analyzer"}`)}
	if err := ws.WriteJSON(req); err != nil {
		t.Fatalf("write hook_request: %v", err)
	}

	resp := readEnvelope(t, ws)
	if resp.Type != msgHookResponse {
		t.Fatalf("expected hook_response, got %+v", resp)
	}
	if resp.ID != "hook-1" {
		t.Fatalf("response must correlate by request id, got %q", resp.ID)
	}
	var hookResp domain.HookResponse
	if err := json.Unmarshal(resp.Data, &hookResp); err != nil {
		t.Fatalf("decode hook_response data: %v", err)
	}
	if !hookResp.Success {
		t.Fatalf("expected a successful dispatch over the duplex channel, got %+v", hookResp)
	}
}

func TestDuplexHookRequestWithoutIDIsRejected(t *testing.T) {
	s, _, _ := newTestStack(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ws := dialDuplex(t, srv, s.cfg.Ingress.WSPath)
	readEnvelope(t, ws)

	if err := ws.WriteJSON(envelope{Type: msgHookRequest, Data: json.RawMessage(`{"kind":"PreTool","operation":"x"}`)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	errEnv := readEnvelope(t, ws)
	if errEnv.Type != msgError {
		t.Fatalf("hook_request without an id must be rejected, got %+v", errEnv)
	}
}

func TestDuplexConnectionLimitClosesExcessConnection(t *testing.T) {
	s, _, _ := newTestStack(t)
	s.cfg.Ingress.MaxConnections = 1
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	first := dialDuplex(t, srv, s.cfg.Ingress.WSPath)
	readEnvelope(t, first) // holds the only slot

	second := dialDuplex(t, srv, s.cfg.Ingress.WSPath)
	_, _, err := second.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected the excess connection to be closed, got %v", err)
	}
	if closeErr.Code != closeLimitExceeded || closeErr.Text != "limit_exceeded" {
		t.Fatalf("expected close 1008 limit_exceeded, got %d %q", closeErr.Code, closeErr.Text)
	}
}

func TestShutdownClosesConnectionsAndDrainsDispatcher(t *testing.T) {
	s, _, disp := newTestStack(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ws := dialDuplex(t, srv, s.cfg.Ingress.WSPath)
	readEnvelope(t, ws)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected a close frame on shutdown, got %v", err)
	}
	if closeErr.Code != closeServiceStopping || closeErr.Text != "service_stopping" {
		t.Fatalf("expected close 1000 service_stopping, got %d %q", closeErr.Code, closeErr.Text)
	}

	_, err = disp.Dispatch(context.Background(), &domain.HookEvent{
		ID: "late", Kind: domain.HookPreTool, Operation: "anything",
	})
	he, ok := hookerr.As(err)
	if !ok || he.Kind != hookerr.Shutdown {
		t.Fatalf("post-shutdown dispatch must fail with the Shutdown kind, got %v", err)
	}
}
