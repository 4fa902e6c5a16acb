package cmd

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/config"
	errwrap "github.com/quotaguard/quotaguard/internal/errors"
	"github.com/quotaguard/quotaguard/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Verify configuration loads and the configured gate state backend is reachable.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		if logger == nil {
			ExitWithCodeStderr(foundry.ExitConfigInvalid, "Logger not initialized", errwrap.NewConfigInvalidError("Logger not initialized"))
			return
		}
		logger.Info("Running health check...")

		if versionInfo.Version == "" {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		logger.Info("✅ Version information available", zap.String("version", versionInfo.Version))

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		cfg, err := config.Load(ctx)
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration invalid", err)
			return
		}
		logger.Info("✅ Configuration valid")

		if len(cfg.Upstream.Credentials) == 0 {
			logger.Warn("⚠️  No upstream credentials configured")
		} else {
			logger.Info("✅ Upstream credentials configured", zap.Int("scopes", len(cfg.Upstream.Credentials)))
		}

		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		backend, err := openStateBackend(checkCtx, cfg)
		if err != nil {
			ExitWithCode(logger, foundry.ExitDatabaseUnavailable, "State backend unreachable", err)
			return
		}
		defer backend.Close() // nolint:errcheck // best-effort cleanup

		if err := backend.CheckHealth(checkCtx); err != nil {
			ExitWithCode(logger, foundry.ExitHealthCheckFailed, "State backend unhealthy", err)
			return
		}
		logger.Info("✅ State backend reachable", zap.String("backend", backend.name))

		logger.Info("")
		logger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
