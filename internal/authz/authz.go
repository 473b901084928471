// Package authz implements the Security Gate's authorization rule: a
// direct permission-string scan rather than a role/policy evaluation.
// An Identity is authorized for an operation against a target worker if
// its Permissions list contains any of:
//
//	"*"                          — full wildcard
//	operation                    — literal operation grant
//	operation + ":*"             — wildcard target for this operation
//	operation + ":" + targetWorker — literal operation+target pair
package authz

import (
	"encoding/json"
	"net/http"

	"github.com/hookcore/bridge/internal/auth"
	"github.com/hookcore/bridge/internal/hookerr"
	"github.com/hookcore/bridge/internal/logging"
)

const wildcard = "*"

// Check verifies that identity is permitted to perform operation against
// targetWorker. targetWorker may be empty for operations that are not
// worker-scoped (e.g. administrative calls). Returns nil if allowed, a
// *hookerr.Error{Kind: Unauthorized} otherwise.
func Check(identity *auth.Identity, operation, targetWorker string) error {
	if identity == nil {
		return hookerr.New(hookerr.Unauthorized, "", "no identity on request")
	}

	for _, p := range identity.Permissions {
		switch p {
		case wildcard, operation:
			return nil
		case operation + ":*":
			return nil
		}
		if targetWorker != "" && p == operation+":"+targetWorker {
			return nil
		}
	}

	return hookerr.New(hookerr.Unauthorized, "", "insufficient permissions for operation "+operation)
}

// Middleware returns an HTTP middleware enforcing a single fixed
// operation (used for administrative HTTP endpoints, which are not
// per-HookEvent and so have no natural per-request operation/target
// pair to resolve from the URL the way a hook dispatch would).
func Middleware(operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := auth.GetIdentity(r.Context())
			if identity == nil {
				// No identity means the auth middleware already passed (public path).
				next.ServeHTTP(w, r)
				return
			}

			if err := Check(identity, operation, ""); err != nil {
				logging.Op().Warn("authorization denied",
					"subject", identity.Subject,
					"operation", operation,
					"path", r.URL.Path,
					"method", r.Method,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]string{
					"error":   "forbidden",
					"message": "insufficient permissions for this operation",
				})
				return
			}

			logging.Op().Debug("authorization granted",
				"subject", identity.Subject,
				"operation", operation,
				"path", r.URL.Path,
				"method", r.Method,
			)
			next.ServeHTTP(w, r)
		})
	}
}
