package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hookcore/bridge/internal/observability"
)

// HTTPInvoker implements Invoker by POSTing to a registered worker's
// HTTP endpoint, one path segment per operation. Workers are opaque
// responders, so the wire format is plain JSON over HTTP; outbound
// requests carry W3C trace context so a worker can continue the
// dispatch trace.
type HTTPInvoker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPInvoker validates endpoint and returns an Invoker that forwards
// every call to it.
func NewHTTPInvoker(endpoint string) (*HTTPInvoker, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("worker endpoint must not be empty")
	}
	return &HTTPInvoker{
		baseURL: endpoint,
		client:  &http.Client{},
	}, nil
}

// Invoke POSTs payload to baseURL/operation and decodes the worker's raw
// JSON response body back unparsed — the Registry and Dispatcher never
// inspect payload contents, so neither does this invoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, operation string, payload json.RawMessage) (json.RawMessage, error) {
	url := h.baseURL + "/" + operation
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request to %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	observability.InjectHTTPHeaders(ctx, req.Header)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", url, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("worker %s returned status %d: %s", url, resp.StatusCode, string(body))
	}
	return json.RawMessage(body), nil
}

// HealthProbe satisfies registry.HealthProber with a lightweight GET
// against the worker's /healthz path, avoiding a full operation
// invocation purely to check liveness.
func (h *HTTPInvoker) HealthProbe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker health probe returned status %d", resp.StatusCode)
	}
	return nil
}
