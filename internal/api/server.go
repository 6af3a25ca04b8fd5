package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/rediflare/rediflare/internal/config"
	"github.com/rediflare/rediflare/internal/service"
)

// Server wraps the HTTP server and mux for the rediflare API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires all routes: the public health check, the authenticated
// rule-management endpoints, and the catch-all redirect-serving fallback.
func NewServer(
	listenAddress string,
	port int,
	authEnabled bool,
	keys *config.KeySet,
	apiMaxBodyBytes int64,
	cp *service.ControlPlaneService,
) *Server {
	mux := http.NewServeMux()

	// Public (no auth).
	mux.Handle("GET /healthz", HandleHealthz())

	// Control plane: authenticated, body-limited.
	control := http.NewServeMux()
	control.Handle("GET /v1/redirects.List", WithTenantAuth(authEnabled, keys, HandleListRedirects(cp)))
	control.Handle("POST /v1/redirects.Upsert", WithTenantAuth(authEnabled, keys, HandleUpsertRedirect(cp)))
	control.Handle("POST /v1/redirects.Delete", WithTenantAuth(authEnabled, keys, HandleDeleteRedirect(cp)))
	limited := RequestBodyLimitMiddleware(apiMaxBodyBytes, control)
	mux.Handle("GET /v1/redirects.List", limited)
	mux.Handle("POST /v1/redirects.Upsert", limited)
	mux.Handle("POST /v1/redirects.Delete", limited)

	// Everything else is eyeball traffic.
	mux.Handle("/", HandleServeRedirect(cp))

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}
	return &Server{httpServer: srv, mux: mux}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
