package registry

import (
	"context"
	"encoding/json"

	"github.com/hookcore/bridge/internal/auth"
)

// SealedInvoker wraps another Invoker with the Security Gate's envelope
// layer: every outbound payload is signed, and sensitive operations'
// payloads are encrypted, before the inner transport ever sees them. The
// worker on the far side holds the same shared secret and unwraps with
// EnvelopeCodec.Open.
type SealedInvoker struct {
	inner Invoker
	codec *auth.EnvelopeCodec
}

// WrapSealed returns invoker unchanged when codec is nil, otherwise an
// envelope-sealing wrapper around it. Health probes pass through
// unwrapped — a liveness check carries no payload worth protecting.
func WrapSealed(invoker Invoker, codec *auth.EnvelopeCodec) Invoker {
	if codec == nil {
		return invoker
	}
	return &SealedInvoker{inner: invoker, codec: codec}
}

func (s *SealedInvoker) Invoke(ctx context.Context, operation string, payload json.RawMessage) (json.RawMessage, error) {
	sealed, err := s.codec.Seal(operation, payload)
	if err != nil {
		return nil, err
	}
	return s.inner.Invoke(ctx, operation, sealed)
}

// HealthProbe delegates to the inner invoker's prober when it has one.
func (s *SealedInvoker) HealthProbe(ctx context.Context) error {
	if prober, ok := s.inner.(HealthProber); ok {
		return prober.HealthProbe(ctx)
	}
	_, err := s.inner.Invoke(ctx, "ping", nil)
	return err
}
