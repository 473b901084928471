package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// apikeyPrefix namespaces stored API-key records in Redis.
const apikeyPrefix = "bridge:apikey:"

// APIKeyAuthenticator resolves API keys from the X-API-Key header (or an
// "Authorization: ApiKey ..." header) against a static config-declared
// set and, optionally, a Redis-backed record store shared with
// provisioning tooling. Keys are compared by SHA-256 digest — the
// plaintext key never sits in memory beyond the request.
type APIKeyAuthenticator struct {
	redis  *redis.Client
	static map[string]staticKey // key digest -> grant info
}

type staticKey struct {
	name        string
	tier        string
	permissions []string
}

// APIKeyAuthConfig configures an APIKeyAuthenticator.
type APIKeyAuthConfig struct {
	Redis      *redis.Client
	StaticKeys []StaticKeyConfig
}

// StaticKeyConfig is one API key declared in the config file.
type StaticKeyConfig struct {
	Name        string
	Key         string
	Tier        string
	Permissions []string
}

// storedKey is the Redis record shape for dynamically provisioned keys.
type storedKey struct {
	Name        string     `json:"name"`
	Tier        string     `json:"tier"`
	Permissions []string   `json:"permissions,omitempty"`
	Enabled     bool       `json:"enabled"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// NewAPIKeyAuthenticator indexes the static keys by digest.
func NewAPIKeyAuthenticator(cfg APIKeyAuthConfig) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{
		redis:  cfg.Redis,
		static: make(map[string]staticKey, len(cfg.StaticKeys)),
	}
	for _, k := range cfg.StaticKeys {
		a.static[digestKey(k.Key)] = staticKey{
			name:        k.Name,
			tier:        defaultTier(k.Tier),
			permissions: k.Permissions,
		}
	}
	return a
}

// Authenticate implements Authenticator.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) *Identity {
	key := extractAPIKey(r)
	if key == "" {
		return nil
	}
	digest := digestKey(key)

	if sk, ok := a.static[digest]; ok {
		return &Identity{
			Subject:     "apikey:" + sk.name,
			KeyName:     sk.name,
			Tier:        sk.tier,
			Claims:      map[string]any{"source": "static"},
			Permissions: sk.permissions,
		}
	}
	if a.redis != nil {
		return a.lookupStored(r.Context(), digest)
	}
	return nil
}

func (a *APIKeyAuthenticator) lookupStored(ctx context.Context, digest string) *Identity {
	data, err := a.redis.Get(ctx, apikeyPrefix+digest).Bytes()
	if err != nil {
		return nil
	}
	var rec storedKey
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil
	}
	if !rec.Enabled {
		return nil
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		return nil
	}
	return &Identity{
		Subject:     "apikey:" + rec.Name,
		KeyName:     rec.Name,
		Tier:        defaultTier(rec.Tier),
		Claims:      map[string]any{"source": "redis"},
		Permissions: rec.Permissions,
	}
}

func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "ApiKey "); ok {
		return key
	}
	return ""
}

func digestKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func defaultTier(tier string) string {
	if tier == "" {
		return "default"
	}
	return tier
}
