package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"

	"github.com/quotaguard/quotaguard/internal/appid"
	"github.com/quotaguard/quotaguard/internal/config"
	"github.com/quotaguard/quotaguard/internal/observability"
	"github.com/quotaguard/quotaguard/internal/server/handlers"
)

var (
	cfgFile string
	verbose bool

	appIdentity *appidentity.Identity

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the loaded app identity (only valid after initConfig)
func GetAppIdentity() *appidentity.Identity {
	return appIdentity
}

var rootCmd = &cobra.Command{
	// initConfig overwrites these from the app identity.
	Use:   filepath.Base(os.Args[0]),
	Short: "Outbound API governor for rate-limited ads APIs",
	Long: `Throttles, caches and recovers from upstream throttling for calls
made against a quota-constrained Graph-style ads API.

Use the subcommands to perform specific operations.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Keep config loading from emitting metrics to stdout; serve installs
	// the real telemetry system.
	if sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: false}); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	if identity, err := appid.Get(context.Background()); err == nil && identity != nil {
		appIdentity = identity
		applyIdentity(identity)
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional; defaults to app identity config path)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
}

// initConfig resolves the app identity, starts the CLI logger and pins the
// config file. Commands call config.Load themselves.
func initConfig() {
	identity, err := appid.Get(context.Background())
	if err != nil {
		ExitWithCodeStderr(foundry.ExitFileNotFound, "Failed to load app identity", err)
	}
	appIdentity = identity
	applyIdentity(identity)

	observability.InitCLILogger(appIdentity.BinaryName, verbose)

	config.SetConfigFile(cfgFile)
}

func applyIdentity(identity *appidentity.Identity) {
	if identity == nil {
		return
	}
	if identity.BinaryName != "" {
		rootCmd.Use = identity.BinaryName
	}
	if identity.Description != "" {
		rootCmd.Short = identity.Description
		rootCmd.Long = fmt.Sprintf("%s - %s\n\nUse the subcommands to perform specific operations.", identity.BinaryName, identity.Description)
	}
	if f := rootCmd.PersistentFlags().Lookup("config"); f != nil && identity.ConfigName != "" {
		f.Usage = fmt.Sprintf("config file (default is $XDG_CONFIG_HOME/%s/config.yaml)", identity.ConfigName)
	}
}

// loadConfig loads configuration, exiting with a semantic code when it is invalid.
func loadConfig(ctx context.Context, overrides ...map[string]any) *config.Config {
	cfg, err := config.Load(ctx, overrides...)
	if err != nil {
		ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Failed to load configuration", err)
	}
	return cfg
}
