package cmd

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/config"
	errwrap "github.com/quotaguard/quotaguard/internal/errors"
	"github.com/quotaguard/quotaguard/internal/metrics"
	"github.com/quotaguard/quotaguard/internal/observability"
	"github.com/quotaguard/quotaguard/internal/server"
	"github.com/quotaguard/quotaguard/internal/server/handlers"
)

var (
	serverPort int
	serverHost string
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// credentialsHealthChecker fails when no upstream scope can be governed.
type credentialsHealthChecker struct {
	scopes int
}

func (c credentialsHealthChecker) CheckHealth(ctx context.Context) error {
	if c.scopes == 0 {
		return errwrap.NewConfigInvalidError("no upstream credentials configured")
	}
	return nil
}

// newHealthManager registers the checks readiness depends on: a reachable
// gate state backend and at least one upstream credential.
func newHealthManager(backend *stateBackend, scopes int, telemetry bool) *handlers.HealthManager {
	hm := handlers.NewHealthManager(versionInfo.Version)
	hm.RegisterChecker(handlers.CheckUpstreamCredentials, credentialsHealthChecker{scopes: scopes})
	hm.RegisterChecker(handlers.CheckStateBackend, backend)
	if telemetry {
		hm.RegisterOptionalChecker(handlers.CheckTelemetry, telemetryHealthChecker{})
	}
	return hm
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the governed HTTP front service",
	Long: `Start the HTTP service that forwards GET requests to the upstream API
through one governor per credential scope.

Routes:
  GET    /v1/graph/{scope}/*        governed upstream GET
  GET    /v1/governor               snapshots for every active scope
  GET    /v1/governor/{scope}       snapshot for one scope
  DELETE /v1/governor/{scope}/cache clear one scope's result cache

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-validate configuration (restart to apply changes)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		overrides := map[string]any{}
		if cmd.Flags().Changed("host") {
			overrides["server.host"] = serverHost
		}
		if cmd.Flags().Changed("port") {
			overrides["server.port"] = serverPort
		}
		cfg := loadConfig(ctx, overrides)

		identity := GetAppIdentity()
		namespace := identity.TelemetryNamespace()

		observability.InitServerLogger(identity.BinaryName, cfg.Logging.Level, cfg.Logging.Environment, namespace)
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(identity.BinaryName, cfg.Metrics.Port, namespace); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
		}

		backend, err := openStateBackend(ctx, cfg)
		if err != nil {
			logger.Error("Failed to open gate state backend",
				zap.String("backend", cfg.Governor.StateBackend),
				zap.Error(err))
			return errwrap.WrapDatabaseError(ctx, err, "state backend unavailable")
		}

		registry := newRegistry(cfg, backend, logger)
		clients := newUpstreamClients(cfg)

		logger.Info("Initializing server",
			zap.String("service", identity.BinaryName),
			zap.String("namespace", namespace),
			zap.String("version", versionInfo.Version),
			zap.String("addr", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Int("metrics_port", observability.GetMetricsPort()),
			zap.String("state_backend", backend.name),
			zap.Int("scopes", len(clients)))

		hm := newHealthManager(backend, len(clients), cfg.Metrics.Enabled)

		srv := server.New(server.Options{
			Config:     cfg.Server,
			Registry:   registry,
			Upstreams:  fetchers(clients),
			AdminToken: strings.TrimSpace(os.Getenv(identity.EnvPrefix + "ADMIN_TOKEN")),
			Health:     hm,
			Governor:   backend.info(),
		})

		startedAt := time.Now()
		metrics.SetServerStartTime(startedAt.Unix())

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Shutdown handlers run LIFO: HTTP server, then state backend, then logger.
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			registry.Close()
			if err := backend.Close(); err != nil {
				logger.Warn("Failed to close state backend", zap.Error(err))
			}
			metrics.SetServerUptime(int64(time.Since(startedAt).Seconds()))
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: re-validating configuration")

			reloaded, err := config.Load(ctx, overrides)
			if err != nil {
				logger.Error("Configuration reload failed", zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}

			if reloaded.Governor != cfg.Governor || len(reloaded.Upstream.Credentials) != len(cfg.Upstream.Credentials) {
				logger.Warn("Governor or credential changes require a restart to take effect")
			}
			logger.Info("Configuration is valid")
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		hm.MarkStarted()

		errChan := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(ctx); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			return errwrap.WrapInternal(ctx, err, "server error")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host (overrides server.host)")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port (overrides server.port)")
}
