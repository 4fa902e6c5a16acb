package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/config"
	"github.com/quotaguard/quotaguard/internal/core/governor"
	apperrors "github.com/quotaguard/quotaguard/internal/errors"
	"github.com/quotaguard/quotaguard/internal/observability"
	"github.com/quotaguard/quotaguard/internal/server/handlers"
	servermw "github.com/quotaguard/quotaguard/internal/server/middleware"
)

const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 120 * time.Second
)

// Options wires the governed upstream into the HTTP server.
type Options struct {
	Config   config.ServerConfig
	Registry *governor.Registry
	// Upstreams maps a scope to the client used for governed calls.
	Upstreams map[string]handlers.Fetcher
	// AdminToken enables POST /admin/signal when non-empty.
	AdminToken string
	// Health serves the /health routes. Nil gets an empty, started manager.
	Health *handlers.HealthManager
	// Governor is reported by GET /version.
	Governor handlers.GovernorInfo
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	cfg    config.ServerConfig
	opts   Options
}

// New creates a new HTTP server instance
func New(opts Options) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)

	// RequestID → Metrics → Recovery
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics)
	r.Use(servermw.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewNotFoundError("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	})

	s := &Server{
		router: r,
		cfg:    opts.Config,
		opts:   opts,
	}

	s.registerRoutes()

	return s
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := s.Addr()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  orDefault(s.cfg.ReadTimeout, defaultReadTimeout),
		WriteTimeout: orDefault(s.cfg.WriteTimeout, defaultWriteTimeout),
		IdleTimeout:  orDefault(s.cfg.IdleTimeout, defaultIdleTimeout),
	}

	observability.ServerLogger.Info("Starting HTTP server",
		zap.String("host", s.cfg.Host),
		zap.Int("port", s.cfg.Port),
		zap.String("addr", addr))

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	observability.ServerLogger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the server port for testing
func (s *Server) Port() int {
	return s.cfg.Port
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
