package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// OrgIDKey is the context key for the requesting organization.
const OrgIDKey contextKey = "org_id"

// OrgExtractor extracts the organization scope from the request. It checks
// the X-Org-Id header, then the org query parameter, and falls back to
// "default". Every store read and write downstream is scoped by this value.
func OrgExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org := ""

		if h := r.Header.Get("X-Org-Id"); h != "" {
			org = strings.TrimSpace(h)
		}

		if org == "" {
			if q := r.URL.Query().Get("org"); q != "" {
				org = strings.TrimSpace(q)
			}
		}

		if org == "" {
			org = "default"
		}

		ctx := context.WithValue(r.Context(), OrgIDKey, org)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetOrgID retrieves the organization id from the request context.
func GetOrgID(ctx context.Context) string {
	if v, ok := ctx.Value(OrgIDKey).(string); ok {
		return v
	}
	return "default"
}
