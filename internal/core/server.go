// Package core provides the HTTP chassis for the billing sync service. It
// builds a chi router, applies the cross-cutting middleware (panic recovery,
// request IDs, redacted request logging, request metrics) and mounts the
// webhook, read API, health and metrics routes registered by the entry point.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/config"
)

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	RecordRequest(method, route, status string, duration time.Duration)
}

// RouteRegistrar mounts a group of routes. Handler packages provide these to
// keep core free of handler imports.
type RouteRegistrar func(r chi.Router)

// Server encapsulates the dependencies of the HTTP API.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector // nil disables request metrics

	// HealthProbes are run concurrently by GET /health.
	HealthProbes []HealthProbe
	// MetricsHandler is served on GET /metrics when set.
	MetricsHandler http.Handler
	// OpsAuth guards /v1. Nil leaves /v1 unmounted.
	OpsAuth *OpsTokenAuth

	// WebhookRouteRegistrars are mounted under /webhooks without auth; the
	// handlers verify provider signatures themselves.
	WebhookRouteRegistrars []RouteRegistrar
	// V1RouteRegistrars are mounted under /v1 behind OpsAuth.
	V1RouteRegistrars []RouteRegistrar

	// Closers are released on Shutdown in order.
	Closers []func() error

	router *chi.Mux
}

// NewServer prepares a server for route mounting. It performs a fail-fast
// check on critical dependencies.
//
// The caller mounts routes with MountRoutes after registering handlers.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// HTTPServer wraps the router in an *http.Server using the configured timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              ":" + s.Config.Server.Port,
		Handler:           s.router,
		ReadTimeout:       s.Config.Server.ReadTimeout,
		ReadHeaderTimeout: s.Config.Server.ReadTimeout,
		WriteTimeout:      s.Config.Server.WriteTimeout,
	}
}

// Shutdown releases server resources registered in Closers. All closers run;
// the first error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	var first error
	for _, closeFn := range s.Closers {
		if err := closeFn(); err != nil {
			s.Logger.ErrorContext(ctx, "error releasing server resource", "error", err)
			if first == nil {
				first = fmt.Errorf("closing server resources: %w", err)
			}
		}
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return first
}
