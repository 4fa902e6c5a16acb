package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotaguard/internal/core"
	"github.com/quotaguard/quotaguard/internal/output"
)

var (
	governorStatusOutput string
	governorStatusOut    string
	governorStatusOutDir string
	governorStatusScope  string
	governorStatusPrefix string
	governorStatusRemote string
)

var governorStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gate state for each scope",
	Long: `Show call counts, window resets, blocks and next-call waits per scope.

State is read from the configured state backend (store or redis). With
--remote, snapshots are fetched from a running server instead, which also
works with the memory backend and includes cache statistics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(governorStatusOutput)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		var snapshots []core.ScopeSnapshot

		if remote := strings.TrimSpace(governorStatusRemote); remote != "" {
			snapshots, err = fetchRemoteSnapshots(cmd, remote)
			if err != nil {
				return err
			}
		} else {
			cfg, backend, err := openPersistedBackend(ctx)
			if err != nil {
				return err
			}
			defer backend.Close() // nolint:errcheck // best-effort cleanup

			query := governorQuery(false, governorStatusScope, governorStatusPrefix)
			if query.Scope == "" && query.Prefix == "" {
				query.All = true
			}

			entries, err := persistedEntries(ctx, backend, query)
			if err != nil {
				return err
			}
			snapshots = snapshotEntries(cfg.Governor.Limits(), entries, time.Now())
		}

		outPath, outDir, err := resolveOutputTargets(cmd)
		if err != nil {
			return err
		}
		if outDir != "" {
			outDir, err = ensureOutDir(outDir)
			if err != nil {
				return err
			}
			outPath = filepath.Join(outDir, governorOutputName("status", governorStatusScope, format))
		}

		sink, err := openSink(outPath)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		rendered, err := output.NewFormatter(format).FormatSnapshots(snapshots)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(sink.writer, rendered)
		return err
	},
}

func fetchRemoteSnapshots(cmd *cobra.Command, remote string) ([]core.ScopeSnapshot, error) {
	endpoint := strings.TrimRight(remote, "/") + "/v1/governor"
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", endpoint, err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", endpoint, resp.Status)
	}

	var payload struct {
		Scopes []core.ScopeSnapshot `json:"scopes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode governor snapshots: %w", err)
	}

	scope := strings.ToLower(strings.TrimSpace(governorStatusScope))
	prefix := strings.ToLower(strings.TrimSpace(governorStatusPrefix))
	filtered := payload.Scopes[:0]
	for _, s := range payload.Scopes {
		if matchScope(governorQuery(scope == "" && prefix == "", scope, prefix), s.Scope) {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

func init() {
	governorStatusCmd.Flags().StringVar(&governorStatusOutput, "output-format", string(output.FormatTable), "Output format: table|json|markdown")
	governorStatusCmd.Flags().StringVar(&governorStatusOut, "out", "", "Write output to a file (default stdout)")
	governorStatusCmd.Flags().StringVar(&governorStatusOutDir, "out-dir", "", "Write output to a directory")
	governorStatusCmd.Flags().StringVar(&governorStatusScope, "scope", "", "Show a single scope (exact match)")
	governorStatusCmd.Flags().StringVar(&governorStatusPrefix, "prefix", "", "Show scopes with matching prefix")
	governorStatusCmd.Flags().StringVar(&governorStatusRemote, "remote", "", "Base URL of a running server, e.g. http://localhost:8080")
}
