// Package api exposes the engine's HTTP surface: health and churn
// queries, manual trigger endpoints and the billing webhook receiver.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/natemoovs/zerochurn/internal/pkg/logger"
)

// Server wraps the HTTP server around the configured router.
type Server struct {
	handler  http.Handler
	handlers *Handlers
	server   *http.Server
}

// NewServer creates the API server.
func NewServer(h *Handlers, allowedOrigins []string) *Server {
	return &Server{
		handler:  SetupRoutes(h, allowedOrigins),
		handlers: h,
	}
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	logger.Info("api server listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}
