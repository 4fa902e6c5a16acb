package server

import (
	"net/http"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/observability"
	"github.com/quotaguard/quotaguard/internal/server/handlers"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	hm := s.opts.Health
	if hm == nil {
		hm = handlers.NewHealthManager(handlers.CurrentBuild().Version)
		hm.MarkStarted()
	}
	s.router.Get("/health", hm.HealthHandler)
	s.router.Get("/health/live", hm.LivenessHandler)
	s.router.Get("/health/ready", hm.ReadinessHandler)
	s.router.Get("/health/startup", hm.StartupHandler)

	s.router.Method(http.MethodGet, "/version", handlers.VersionHandler{Governor: s.opts.Governor})

	// Proxies the internal Prometheus exporter.
	s.router.Get("/metrics", MetricsHandler)

	if s.opts.Registry != nil {
		gov := handlers.NewGovernorHandler(s.opts.Registry)
		s.router.Route("/v1/governor", func(r chi.Router) {
			r.Get("/", gov.List)
			r.Get("/{scope}", gov.Get)
			r.Delete("/{scope}/cache", gov.ClearCache)
		})

		graph := handlers.NewGraphHandler(s.opts.Registry, s.opts.Upstreams)
		s.router.Get("/v1/graph/{scope}/*", graph.Fetch)
	}

	s.registerAdminEndpoint()
}

// registerAdminEndpoint optionally registers the admin signal endpoint
func (s *Server) registerAdminEndpoint() {
	logger := observability.ServerLogger

	if s.opts.AdminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no admin token configured)")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: s.opts.AdminToken,
		RateLimit: 10, // requests per minute
		RateBurst: 5,
		Manager:   nil, // default global manager
	})

	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("rate_limit", "10/min, burst 5"))
		logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}
