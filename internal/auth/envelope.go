package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hookcore/bridge/internal/secrets"
)

// SignedEnvelope is the on-wire shape of inter-worker traffic when the
// security envelope is enabled: a typed header, the (possibly encrypted)
// payload, and an HMAC-SHA256 signature over both. It is an orthogonal
// layer wrapped around a worker call at the transport boundary — the
// dispatch core itself only ever handles the unwrapped form.
type SignedEnvelope struct {
	Header    json.RawMessage `json:"header"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// envelopeHeader is what the Header field carries for envelopes built by
// EnvelopeCodec.Seal.
type envelopeHeader struct {
	Operation string    `json:"operation"`
	Encrypted bool      `json:"encrypted"`
	IssuedAt  time.Time `json:"issuedAt"`
}

// encryptedPayload wraps a keyring-sealed blob so the payload stays a
// valid JSON value on the wire.
type encryptedPayload struct {
	Blob string `json:"blob"`
}

// Signer signs and verifies SignedEnvelopes with a shared HMAC key.
type Signer struct {
	key []byte
}

// NewSigner creates a Signer from a non-empty signing key. An empty key
// is rejected rather than silently disabling signing — callers that want
// signing off entirely should not construct a Signer at all.
func NewSigner(key string) (*Signer, error) {
	if key == "" {
		return nil, fmt.Errorf("auth: signing key must not be empty")
	}
	return &Signer{key: []byte(key)}, nil
}

// Sign produces a SignedEnvelope for the given header and payload.
func (s *Signer) Sign(header, payload json.RawMessage) SignedEnvelope {
	return SignedEnvelope{
		Header:    header,
		Payload:   payload,
		Signature: s.signature(header, payload),
	}
}

// Verify reports whether env's signature matches its contents.
func (s *Signer) Verify(env SignedEnvelope) bool {
	expected := s.signature(env.Header, env.Payload)
	return hmac.Equal([]byte(expected), []byte(env.Signature))
}

func (s *Signer) signature(header, payload json.RawMessage) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(header)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// EnvelopeCodec is the Security Gate's full envelope layer: every
// outbound worker payload is signed, and payloads for operations on the
// sensitive list are additionally sealed with the Keyring before
// signing. The codec is symmetric — a recipient holding the same signing
// key and keyring runs Open to verify and unwrap.
type EnvelopeCodec struct {
	signer    *Signer
	keyring   *secrets.Keyring
	sensitive map[string]bool
}

// NewEnvelopeCodec builds a codec. signer is required; keyring may be
// nil, in which case a sensitive operation is refused at Seal time
// rather than sent unencrypted.
func NewEnvelopeCodec(signer *Signer, keyring *secrets.Keyring, sensitiveOps []string) (*EnvelopeCodec, error) {
	if signer == nil {
		return nil, fmt.Errorf("auth: envelope codec requires a signer")
	}
	sensitive := make(map[string]bool, len(sensitiveOps))
	for _, op := range sensitiveOps {
		sensitive[op] = true
	}
	return &EnvelopeCodec{signer: signer, keyring: keyring, sensitive: sensitive}, nil
}

// Sensitive reports whether operation's payload must be encrypted.
func (c *EnvelopeCodec) Sensitive(operation string) bool {
	return c.sensitive[operation]
}

// Seal wraps payload for operation: encrypt when the operation is
// sensitive, then sign header+payload, and return the marshaled
// envelope.
func (c *EnvelopeCodec) Seal(operation string, payload json.RawMessage) (json.RawMessage, error) {
	encrypted := c.sensitive[operation]
	if encrypted {
		if c.keyring == nil {
			return nil, fmt.Errorf("auth: operation %q is sensitive but no encryption keyring is configured", operation)
		}
		blob, err := c.keyring.Seal(payload)
		if err != nil {
			return nil, fmt.Errorf("auth: seal payload: %w", err)
		}
		payload, err = json.Marshal(encryptedPayload{Blob: base64.StdEncoding.EncodeToString(blob)})
		if err != nil {
			return nil, err
		}
	}

	header, err := json.Marshal(envelopeHeader{Operation: operation, Encrypted: encrypted, IssuedAt: time.Now()})
	if err != nil {
		return nil, err
	}
	return json.Marshal(c.signer.Sign(header, payload))
}

// Open verifies a marshaled envelope's signature, decrypts the payload
// if the header declares encryption, and returns the operation and the
// plain payload.
func (c *EnvelopeCodec) Open(raw json.RawMessage) (string, json.RawMessage, error) {
	var env SignedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("auth: malformed envelope: %w", err)
	}
	if !c.signer.Verify(env) {
		return "", nil, fmt.Errorf("auth: envelope signature mismatch")
	}

	var header envelopeHeader
	if err := json.Unmarshal(env.Header, &header); err != nil {
		return "", nil, fmt.Errorf("auth: malformed envelope header: %w", err)
	}
	if !header.Encrypted {
		return header.Operation, env.Payload, nil
	}

	if c.keyring == nil {
		return "", nil, fmt.Errorf("auth: encrypted envelope but no keyring configured")
	}
	var enc encryptedPayload
	if err := json.Unmarshal(env.Payload, &enc); err != nil {
		return "", nil, fmt.Errorf("auth: malformed encrypted payload: %w", err)
	}
	blob, err := base64.StdEncoding.DecodeString(enc.Blob)
	if err != nil {
		return "", nil, fmt.Errorf("auth: decode encrypted payload: %w", err)
	}
	plain, err := c.keyring.Open(blob)
	if err != nil {
		return "", nil, err
	}
	return header.Operation, plain, nil
}
