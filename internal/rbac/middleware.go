package rbac

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/civicworks/engage/internal/audit"
	"github.com/civicworks/engage/internal/auth"
)

// MiddlewareOption configures RBAC middleware behavior.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	audit audit.Logger
}

// WithAuditLogger attaches an audit logger to log RBAC denials.
func WithAuditLogger(logger audit.Logger) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.audit = logger
	}
}

// RequirePermission returns middleware that checks if the authenticated user
// has the specified permission.
func RequirePermission(engine *Evaluator, permission string, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	var mc middlewareConfig
	for _, opt := range opts {
		opt(&mc)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := auth.GetIdentity(r.Context())
			if identity == nil {
				writeRBACError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
				return
			}

			decision, err := engine.Authorize(r.Context(), identity, permission)
			if err != nil {
				writeRBACError(w, http.StatusInternalServerError, "INTERNAL", "authorization check failed")
				return
			}

			if !decision.Allowed {
				if mc.audit != nil {
					if tid, parseErr := uuid.Parse(identity.TenantID); parseErr == nil {
						mc.audit.Log(r.Context(), audit.Event{
							TenantID:     tid,
							UserID:       audit.ActorIDFromContext(r.Context()),
							Action:       audit.ActionAccessDenied,
							ResourceType: audit.ResourceEmploymentActivity,
							Metadata: map[string]any{
								"permission":         permission,
								audit.MetadataReason: decision.Reason,
							},
							Source: audit.SourceAPI,
						})
					}
				}
				writeRBACError(w, http.StatusForbidden, "FORBIDDEN", decision.Reason)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRBACError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":  nil,
		"error": map[string]string{"code": code, "message": message},
	})
}
