package auth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// JWTAuthenticator verifies bearer tokens. Verification is hand-rolled
// over stdlib crypto (HS256 or RS256 only, algorithm pinned at
// construction so a token cannot downgrade it).
type JWTAuthenticator struct {
	algorithm string
	hmacKey   []byte
	rsaKey    *rsa.PublicKey
	issuer    string
}

// JWTAuthConfig configures a JWTAuthenticator.
type JWTAuthConfig struct {
	Algorithm     string // "HS256" or "RS256"
	Secret        string // HMAC secret (HS256)
	PublicKeyFile string // PEM public key path (RS256)
	Issuer        string // when set, the iss claim must match
}

// NewJWTAuthenticator builds an authenticator for exactly one algorithm.
func NewJWTAuthenticator(cfg JWTAuthConfig) (*JWTAuthenticator, error) {
	a := &JWTAuthenticator{algorithm: cfg.Algorithm, issuer: cfg.Issuer}

	switch cfg.Algorithm {
	case "HS256":
		if cfg.Secret == "" {
			return nil, fmt.Errorf("auth: HS256 requires a secret")
		}
		a.hmacKey = []byte(cfg.Secret)
	case "RS256":
		if cfg.PublicKeyFile == "" {
			return nil, fmt.Errorf("auth: RS256 requires a public key file")
		}
		key, err := readRSAPublicKey(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("auth: load public key: %w", err)
		}
		a.rsaKey = key
	default:
		return nil, fmt.Errorf("auth: unsupported JWT algorithm %q", cfg.Algorithm)
	}
	return a, nil
}

// Authenticate extracts and verifies a Bearer token, returning the
// principal or nil on any failure (the middleware treats nil as "try
// the next scheme").
func (a *JWTAuthenticator) Authenticate(r *http.Request) *Identity {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil
	}

	claims, err := a.verify(token)
	if err != nil {
		return nil
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		subject = "unknown"
	}
	tier, _ := claims["tier"].(string)
	if tier == "" {
		tier = "default"
	}

	return &Identity{
		Subject:     "user:" + subject,
		Tier:        tier,
		Claims:      claims,
		Permissions: permissionsFromClaims(claims),
	}
}

// verify splits, signature-checks, and claim-validates one compact JWT.
func (a *JWTAuthenticator) verify(token string) (map[string]any, error) {
	seg := strings.Split(token, ".")
	if len(seg) != 3 {
		return nil, fmt.Errorf("auth: token is not three segments")
	}

	headerRaw, err := decodeSegment(seg[0])
	if err != nil {
		return nil, fmt.Errorf("auth: header segment: %w", err)
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return nil, fmt.Errorf("auth: header json: %w", err)
	}
	if header.Alg != a.algorithm {
		return nil, fmt.Errorf("auth: token alg %q, authenticator pinned to %q", header.Alg, a.algorithm)
	}

	sig, err := decodeSegment(seg[2])
	if err != nil {
		return nil, fmt.Errorf("auth: signature segment: %w", err)
	}
	signed := seg[0] + "." + seg[1]
	if err := a.checkSignature(signed, sig); err != nil {
		return nil, err
	}

	payloadRaw, err := decodeSegment(seg[1])
	if err != nil {
		return nil, fmt.Errorf("auth: payload segment: %w", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return nil, fmt.Errorf("auth: payload json: %w", err)
	}
	return claims, a.checkClaims(claims)
}

func (a *JWTAuthenticator) checkSignature(signed string, sig []byte) error {
	switch a.algorithm {
	case "HS256":
		mac := hmac.New(sha256.New, a.hmacKey)
		mac.Write([]byte(signed))
		if !hmac.Equal(sig, mac.Sum(nil)) {
			return fmt.Errorf("auth: hmac mismatch")
		}
		return nil
	case "RS256":
		digest := sha256.Sum256([]byte(signed))
		return rsa.VerifyPKCS1v15(a.rsaKey, crypto.SHA256, digest[:], sig)
	}
	return fmt.Errorf("auth: unsupported algorithm")
}

// checkClaims validates exp, nbf, and (when configured) iss.
func (a *JWTAuthenticator) checkClaims(claims map[string]any) error {
	now := time.Now().Unix()
	if exp, ok := claims["exp"].(float64); ok && int64(exp) < now {
		return fmt.Errorf("auth: token expired")
	}
	if nbf, ok := claims["nbf"].(float64); ok && int64(nbf) > now {
		return fmt.Errorf("auth: token not yet valid")
	}
	if a.issuer != "" {
		iss, _ := claims["iss"].(string)
		if iss != a.issuer {
			return fmt.Errorf("auth: issuer mismatch")
		}
	}
	return nil
}

// decodeSegment handles the unpadded base64url JWT segments use.
func decodeSegment(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func readRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s is not an RSA public key", path)
	}
	return key, nil
}

// permissionsFromClaims folds a "permissions" array claim and the
// space-separated OAuth2 "scope" claim into one flat grant list, so
// authz.Check never cares which claim a grant came from.
func permissionsFromClaims(claims map[string]any) []string {
	var perms []string

	if raw, ok := claims["permissions"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				perms = append(perms, s)
			}
		}
	}
	if scope, ok := claims["scope"].(string); ok && scope != "" {
		perms = append(perms, strings.Fields(scope)...)
	}
	return perms
}
