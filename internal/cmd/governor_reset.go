package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotaguard/internal/core/store"
	"github.com/quotaguard/quotaguard/internal/output"
)

var (
	governorResetAll    bool
	governorResetScope  string
	governorResetPrefix string
	governorResetYes    bool
	governorResetDryRun bool
	governorResetOutput string
	governorResetOut    string
	governorResetOutDir string
)

var governorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete persisted gate state",
	Long: `Delete persisted gate state so the affected scopes start with a fresh
window and no block on their next use. Running servers keep their in-memory
state until restarted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(governorResetOutput)
		if err != nil {
			return err
		}
		if format != output.FormatJSON && format != output.FormatTable {
			return fmt.Errorf("unsupported output format: %s", format)
		}

		query := governorQuery(governorResetAll, governorResetScope, governorResetPrefix)
		if err := query.Validate(); err != nil {
			return err
		}

		if query.All && !governorResetYes && !governorResetDryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		ctx := cmd.Context()
		_, backend, err := openPersistedBackend(ctx)
		if err != nil {
			return err
		}
		defer backend.Close() // nolint:errcheck // best-effort cleanup

		entries, err := persistedEntries(ctx, backend, query)
		if err != nil {
			return err
		}
		matched := len(entries)

		outPath, outDir, err := resolveOutputTargets(cmd)
		if err != nil {
			return err
		}
		if outDir != "" {
			outDir, err = ensureOutDir(outDir)
			if err != nil {
				return err
			}
			outPath = filepath.Join(outDir, governorOutputName("reset", governorResetScope, format))
		}
		sink, err := openSink(outPath)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		if governorResetDryRun {
			return writeGovernorResetResult(format, sink.writer, matched, 0, true)
		}

		deleted, err := resetEntries(ctx, backend, query, entries)
		if err != nil {
			return err
		}

		return writeGovernorResetResult(format, sink.writer, matched, deleted, false)
	},
}

func resetEntries(ctx context.Context, backend *stateBackend, query store.GateStateQuery, entries []store.GateStateEntry) (int64, error) {
	if backend.sql != nil {
		return backend.sql.ResetGateStates(ctx, query)
	}

	var deleted int64
	for _, entry := range entries {
		removed, err := backend.redis.Reset(ctx, entry.Scope)
		if err != nil {
			return deleted, err
		}
		if removed {
			deleted++
		}
	}
	return deleted, nil
}

func writeGovernorResetResult(format output.Format, w io.Writer, matched int, deleted int64, dryRun bool) error {
	result := map[string]any{
		"matched": matched,
		"deleted": deleted,
		"dry_run": dryRun,
	}

	if format == output.FormatJSON {
		payload, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(payload))
		return err
	}

	if dryRun {
		_, err := fmt.Fprintf(w, "Would reset %d scope(s)\n", matched)
		return err
	}
	_, err := fmt.Fprintf(w, "Reset %d/%d scope(s)\n", deleted, matched)
	return err
}

func init() {
	governorResetCmd.Flags().BoolVar(&governorResetAll, "all", false, "Reset all scopes")
	governorResetCmd.Flags().StringVar(&governorResetScope, "scope", "", "Reset a single scope (exact match)")
	governorResetCmd.Flags().StringVar(&governorResetPrefix, "prefix", "", "Reset scopes with matching prefix")
	governorResetCmd.Flags().BoolVar(&governorResetYes, "yes", false, "Confirm destructive reset")
	governorResetCmd.Flags().BoolVar(&governorResetDryRun, "dry-run", false, "Show what would be reset")
	governorResetCmd.Flags().StringVar(&governorResetOutput, "output-format", string(output.FormatTable), "Output format: table|json")
	governorResetCmd.Flags().StringVar(&governorResetOut, "out", "", "Write output to a file (default stdout)")
	governorResetCmd.Flags().StringVar(&governorResetOutDir, "out-dir", "", "Write output to a directory")
}
