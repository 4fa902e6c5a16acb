package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/quotaguard/quotaguard/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML (secrets redacted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd.Context())

		data, err := yaml.Marshal(cfg.Effective())
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the default config file and data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if cfgFile != "" {
			_, _ = fmt.Fprintf(out, "config: %s (from --config)\n", cfgFile)
		} else {
			_, _ = fmt.Fprintf(out, "config: %s\n", config.DefaultConfigPath())
		}
		_, err := fmt.Fprintf(out, "data:   %s\nstore:  %s\n", config.DefaultDataDir(), config.DefaultStorePath())
		return err
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}
