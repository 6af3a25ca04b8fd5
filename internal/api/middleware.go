package api

import (
	"net/http"
	"strings"

	"github.com/rediflare/rediflare/internal/config"
	"github.com/rediflare/rediflare/internal/naming"
)

// AuthHeader is the API key header for rule-management endpoints.
const AuthHeader = "Rediflare-Api-Key"

// TenantHandler is a handler that runs on behalf of an authenticated tenant.
type TenantHandler func(w http.ResponseWriter, r *http.Request, tenantID string)

// WithTenantAuth validates the Rediflare-Api-Key header against the key set
// and passes the attributed tenant ID to next. With auth disabled every
// request is attributed to the shared public tenant.
func WithTenantAuth(authEnabled bool, keys *config.KeySet, next TenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !authEnabled {
			next(w, r, naming.PublicTenantID)
			return
		}

		key := strings.TrimSpace(r.Header.Get(AuthHeader))
		if key == "" {
			WriteError(w, http.StatusForbidden, "FORBIDDEN", AuthHeader+" header missing")
			return
		}
		tenantID, ok := keys.TenantFor(key)
		if !ok {
			WriteError(w, http.StatusForbidden, "FORBIDDEN", AuthHeader+" is invalid")
			return
		}
		next(w, r, tenantID)
	}
}

// RequestBodyLimitMiddleware enforces a max request body size for downstream
// handlers.
func RequestBodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r != nil && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
