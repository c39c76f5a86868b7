package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/civicworks/engage/internal/auth"
)

type tenantContextKey struct{}

// TenantContext copies the tenant ID of the authenticated identity into the
// request context for RLS and downstream use. Tenant IDs that are not UUIDs
// are not propagated, so handlers see the request as tenantless and refuse it.
func TenantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := auth.GetIdentity(r.Context())
		if identity == nil || identity.TenantID == "" {
			next.ServeHTTP(w, r)
			return
		}

		id, err := uuid.Parse(identity.TenantID)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenantID(r.Context(), id.String())))
	})
}

// WithTenantID returns a copy of ctx carrying tenantID.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenantID)
}

// GetTenantID retrieves the tenant ID from the request context.
func GetTenantID(ctx context.Context) string {
	if id, ok := ctx.Value(tenantContextKey{}).(string); ok {
		return id
	}
	return ""
}
