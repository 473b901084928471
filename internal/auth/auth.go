// Package auth implements the Security Gate's authentication half:
// bearer-token (JWT) and API-key verification of inbound principals,
// plus the signing/encryption envelope (envelope.go) for outbound
// inter-worker traffic. Authorization lives in package authz; this
// package only establishes who the caller is.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/hookcore/bridge/internal/audit"
)

// Identity is the authenticated principal attached to an inbound hook or
// administrative request. Permissions is a flat grant list — literal
// operations, "*", "op:*", or "op:worker" — consumed by authz.Check; no
// role or policy indirection sits between a grant and the check.
type Identity struct {
	Subject     string         // "user:xxx" or "apikey:name"
	KeyName     string         // API key name (empty for JWT principals)
	Tier        string         // rate-limit tier, "default" when unset
	Claims      map[string]any // raw JWT claims or API-key metadata
	Permissions []string
}

type identityContextKey struct{}

// WithIdentity attaches id to ctx for downstream handlers.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// GetIdentity returns the Identity attached by the auth middleware, or
// nil on an unauthenticated (public-path) request.
func GetIdentity(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey{}).(*Identity)
	return id
}

// Authenticator is one credential scheme. Authenticate returns nil when
// the request carries no usable credential for this scheme or the
// credential fails verification; the middleware tries each scheme in
// order.
type Authenticator interface {
	Authenticate(r *http.Request) *Identity
}

// pathMatcher answers "does this request path skip authentication". An
// entry ending in "/*" matches by prefix, anything else exactly.
type pathMatcher struct {
	exact    map[string]bool
	prefixes []string
}

func newPathMatcher(paths []string) pathMatcher {
	m := pathMatcher{exact: make(map[string]bool, len(paths))}
	for _, p := range paths {
		if strings.HasSuffix(p, "/*") {
			m.prefixes = append(m.prefixes, strings.TrimSuffix(p, "*"))
		} else {
			m.exact[p] = true
		}
	}
	return m
}

func (m pathMatcher) matches(path string) bool {
	if m.exact[path] {
		return true
	}
	for _, prefix := range m.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Middleware enforces authentication on every non-public path, attaching
// the resulting Identity to the request context. Rejections are recorded
// in the Security Gate's audit log (when one is wired) so repeated
// failed attempts are visible to operators, per the gate's
// (timestamp, event, principal, severity) contract.
func Middleware(authenticators []Authenticator, publicPaths []string, auditLog *audit.Log) func(http.Handler) http.Handler {
	public := newPathMatcher(publicPaths)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public.matches(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			for _, a := range authenticators {
				if id := a.Authenticate(r); id != nil {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
					return
				}
			}

			if auditLog != nil {
				auditLog.Record("auth.denied", "anonymous", audit.SeverityWarning, r.Method+" "+r.URL.Path)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="bridge"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized","message":"valid authentication required"}`))
		})
	}
}
