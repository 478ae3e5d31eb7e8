package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const OwnerContextKey contextKey = "owner"

// OwnerHeader lets a UI acting for another signed-in account name it
const OwnerHeader = "X-Owner-Email"

// GetOwnerFromContext returns the owner email the request acts for
func GetOwnerFromContext(ctx context.Context) string {
	if owner, ok := ctx.Value(OwnerContextKey).(string); ok {
		return owner
	}
	return ""
}

// WithOwner returns a copy of ctx carrying owner
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, OwnerContextKey, strings.ToLower(strings.TrimSpace(owner)))
}

// OwnerRequired resolves the owner of every /api request from the
// X-Owner-Email header, falling back to defaultOwner. API requests with no
// owner get 503 until one is configured.
func OwnerRequired(defaultOwner string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if !strings.HasPrefix(path, "/api") {
				next.ServeHTTP(w, r)
				return
			}

			owner := r.Header.Get(OwnerHeader)
			if owner == "" {
				owner = defaultOwner
			}
			if strings.TrimSpace(owner) == "" {
				writeError(w, http.StatusServiceUnavailable, "No account configured. Set MEDSYNC_OWNER_EMAIL or send "+OwnerHeader+".")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}
