package cmd

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/quotaguard/quotaguard/internal/config"
	"github.com/quotaguard/quotaguard/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, governor configuration, and version information. Access tokens are never printed.",
	Run: func(cmd *cobra.Command, args []string) {
		version := crucible.GetVersion()
		log := observability.CLILogger

		log.Info("=== QuotaGuard Environment Information ===")
		log.Info("")

		identity := GetAppIdentity()
		log.Info("Application:")
		log.Info("  Name:       " + identity.BinaryName)
		log.Info("  Version:    " + versionInfo.Version)
		log.Info("  Commit:     " + versionInfo.Commit)
		log.Info("  Built:      " + versionInfo.BuildDate)
		log.Info("")

		log.Info("SSOT:")
		log.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		log.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		log.Info("")

		log.Info("Runtime:")
		log.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		log.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		log.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		log.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		log.Info("")

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			log.Warn("Config load failed", zap.Error(err))
			return
		}

		log.Info("Configuration:")
		log.Info("  Server Host:    "+cfg.Server.Host, zap.String("host", cfg.Server.Host))
		log.Info(fmt.Sprintf("  Server Port:    %d", cfg.Server.Port), zap.Int("port", cfg.Server.Port))
		log.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		log.Info("  Log Profile:    "+cfg.Logging.Profile, zap.String("log_profile", cfg.Logging.Profile))
		log.Info(fmt.Sprintf("  Metrics:        %t (port %d)", cfg.Metrics.Enabled, cfg.Metrics.Port),
			zap.Bool("metrics_enabled", cfg.Metrics.Enabled), zap.Int("metrics_port", cfg.Metrics.Port))
		log.Info("  Config File:    "+config.DefaultConfigPath(), zap.String("config_file", config.DefaultConfigPath()))
		log.Info("")

		g := cfg.Governor
		log.Info("Governor:")
		log.Info("  Min Interval:   "+g.MinInterval.String(), zap.Duration("min_interval", g.MinInterval))
		log.Info(fmt.Sprintf("  Budget:         %d per %s", g.MaxCallsPerWindow, g.Window),
			zap.Int("max_calls_per_window", g.MaxCallsPerWindow), zap.Duration("window", g.Window))
		log.Info("  Cache TTL:      "+g.CacheTTL.String(), zap.Duration("cache_ttl", g.CacheTTL))
		if g.CacheMaxEntries > 0 {
			log.Info(fmt.Sprintf("  Cache Max:      %d", g.CacheMaxEntries))
		}
		if g.CacheSweepInterval > 0 {
			log.Info("  Cache Sweep:    " + g.CacheSweepInterval.String())
		}
		log.Info("  Retry After:    "+g.DefaultRetryAfter.String(), zap.Duration("default_retry_after", g.DefaultRetryAfter))
		log.Info("  Call Timeout:   "+g.CallTimeout.String(), zap.Duration("call_timeout", g.CallTimeout))
		log.Info("  State Backend:  "+g.StateBackend, zap.String("state_backend", g.StateBackend))
		switch g.StateBackend {
		case config.StateBackendStore:
			if strings.TrimSpace(cfg.Store.URL) != "" {
				log.Info("  DB URL:         "+cfg.Store.URL, zap.String("db_url", cfg.Store.URL))
			} else {
				log.Info("  DB Path:        "+cfg.Store.Path, zap.String("db_path", cfg.Store.Path))
			}
		case config.StateBackendRedis:
			log.Info("  Redis Addr:     "+cfg.Redis.Addr, zap.String("redis_addr", cfg.Redis.Addr))
			log.Info("  Redis Prefix:   "+cfg.Redis.KeyPrefix, zap.String("redis_prefix", cfg.Redis.KeyPrefix))
		}
		log.Info("")

		log.Info("Upstream:")
		log.Info("  Base URL:       "+cfg.Upstream.BaseURL, zap.String("base_url", cfg.Upstream.BaseURL))
		log.Info("  API Version:    "+cfg.Upstream.APIVersion, zap.String("api_version", cfg.Upstream.APIVersion))
		log.Info("  Timeout:        " + cfg.Upstream.Timeout.String())
		scopes := make([]string, 0, len(cfg.Upstream.Credentials))
		for scope := range cfg.Upstream.Credentials {
			scopes = append(scopes, scope)
		}
		sort.Strings(scopes)
		if len(scopes) == 0 {
			log.Info("  Scopes:         (none configured)")
		} else {
			log.Info(fmt.Sprintf("  Scopes:         %d", len(scopes)), zap.Strings("scopes", scopes))
		}
		log.Info("")

		log.Info("=== End Environment Information ===")
	},
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
