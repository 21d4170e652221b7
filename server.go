package oauth

import (
	"errors"
	"net/http"

	"github.com/mcp-obs/oauth/security"
	"github.com/mcp-obs/oauth/tenant"
)

// RegisterHandlers mounts every OAuth endpoint on the mux. All routes go
// through tenant resolution; a host that maps to no enabled tenant gets a
// JSON invalid_client error before any handler runs.
func (h *Handler) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("GET /.well-known/oauth-authorization-server", h.withTenant(http.HandlerFunc(h.HandleMetadata)))
	mux.Handle("GET /oauth/authorize", h.withTenant(http.HandlerFunc(h.HandleAuthorize)))
	mux.Handle("GET /oauth/authorize/complete", h.withTenant(http.HandlerFunc(h.HandleAuthorizeComplete)))
	mux.Handle("POST /oauth/token", h.withTenant(http.HandlerFunc(h.HandleToken)))
	mux.Handle("POST /oauth/introspect", h.withTenant(http.HandlerFunc(h.HandleIntrospect)))
	mux.Handle("POST /oauth/revoke", h.withTenant(http.HandlerFunc(h.HandleRevoke)))
	mux.Handle("POST /oauth/register", h.withTenant(http.HandlerFunc(h.HandleRegister)))
}

// Routes returns a mux with all endpoints mounted, wrapped in request ID
// propagation.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterHandlers(mux)
	return security.RequestIDMiddleware(mux)
}

// withTenant resolves the tenant from the request Host and threads it
// through the request context.
func (h *Handler) withTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t, err := h.resolver.ResolveHost(r.Context(), r.Host)
		if err != nil {
			switch {
			case errors.Is(err, tenant.ErrNotFound):
				h.writeError(w, "", ErrorCodeInvalidClient, "unknown tenant", http.StatusNotFound)
			case errors.Is(err, tenant.ErrDisabled):
				h.writeError(w, "", ErrorCodeInvalidClient, "tenant is disabled", http.StatusForbidden)
			default:
				h.logger.Error("tenant resolution failed", "error", err, "host", r.Host)
				h.writeError(w, "", ErrorCodeServerError, "temporary failure, please retry", http.StatusInternalServerError)
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.NewContext(r.Context(), t)))
	})
}
