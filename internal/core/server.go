// Package core provides the HTTP chassis for the ledger API: router,
// middleware chain, response envelope, request validation and health checks.
// Domain handlers live in internal/api/handlers and mount themselves through
// V1RouteRegistrars.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"creditpanel/internal/config"
)

// Server holds the chassis dependencies.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	Validator    *Validator
	HealthProbes []HealthProbe

	// V1RouteRegistrars are invoked inside the /v1 group by MountRoutes.
	V1RouteRegistrars []func(chi.Router)

	// Closers run on Shutdown in registration order.
	Closers []func() error

	keyHash []byte
	router  *chi.Mux
}

// NewServer builds a server. A non-local environment without a service key
// hash is rejected, since every /v1 route would otherwise be open.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	hash := cfg.Server.ServiceKeyHash.Unmask()
	if hash == "" && cfg.Environment != "local" {
		return nil, fmt.Errorf("SERVICE_KEY_HASH is required outside local")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		keyHash:   []byte(hash),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the chi router so handlers can register routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")
	for _, closeFn := range s.Closers {
		if err := closeFn(); err != nil {
			s.Logger.ErrorContext(ctx, "error closing server resource", "error", err)
			return fmt.Errorf("closing server resources: %w", err)
		}
	}
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
