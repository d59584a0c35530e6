package api

import (
	"context"
	"net/http"

	"github.com/worknow/newsletter/internal/auth"
	"github.com/worknow/newsletter/internal/config"
	"github.com/worknow/newsletter/internal/pkg/ratelimit"
)

// Server represents the API server
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	server  *http.Server
}

// NewServer creates a new API server. authManager and limiter may be nil;
// a nil authManager leaves the admin endpoints unmounted.
func NewServer(cfg config.ServerConfig, h *NewsletterHandlers, hc *HealthChecker, authManager *auth.AuthManager, limiter *ratelimit.Limiter) *Server {
	return &Server{
		config: cfg,
		handler: SetupRoutes(h, hc, authManager, RouteOptions{
			CORSOrigins: cfg.CORSOrigins,
			Limiter:     limiter,
		}),
	}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.handler,
		ReadTimeout:       s.config.ReadTimeout(),
		ReadHeaderTimeout: s.config.ReadTimeout(),
		WriteTimeout:      s.config.WriteTimeout(),
		IdleTimeout:       2 * s.config.WriteTimeout(),
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
