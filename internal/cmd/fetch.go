package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/core/governor"
	"github.com/quotaguard/quotaguard/internal/observability"
	"github.com/quotaguard/quotaguard/internal/server/handlers"
)

var (
	fetchScope  string
	fetchParams []string
	fetchOut    string
	fetchRaw    bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <path>",
	Short: "Make one governed GET against the upstream API",
	Long: `Make a single GET request through the governor for --scope.

With the store or redis state backend the call counts against the same
budget as running servers, and a throttled scope is refused locally.

Examples:
  quotaguard fetch act_123/campaigns --scope act_123 -q fields=name,status
  quotaguard fetch me/adaccounts --scope main --out accounts.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		cfg := loadConfig(ctx)

		scope := strings.ToLower(strings.TrimSpace(fetchScope))
		clients := newUpstreamClients(cfg)
		client, ok := clients[scope]
		if !ok {
			return fmt.Errorf("no credential configured for scope %q (set upstream.credentials.%s)", scope, scope)
		}

		params, err := parseParams(fetchParams)
		if err != nil {
			return err
		}

		backend, err := openStateBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer backend.Close() // nolint:errcheck // best-effort cleanup

		registry := newRegistry(cfg, backend, observability.CLILogger)
		defer registry.Close()

		path := strings.Trim(args[0], "/")
		g := registry.Get(ctx, scope)
		body, err := governor.Do(ctx, g, handlers.CacheKey(path, params), func(ctx context.Context) (json.RawMessage, error) {
			return client.Get(ctx, path, params)
		})
		if err != nil {
			if wait, ok := governor.WaitHint(err); ok {
				observability.CLILogger.Warn("Call refused", zap.String("scope", scope), zap.Duration("retry_after", wait))
			}
			return err
		}

		if !fetchRaw {
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, body, "", "  "); err == nil {
				body = pretty.Bytes()
			}
		}

		sink, err := openSink(fetchOut)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		_, err = fmt.Fprintln(sink.writer, string(body))
		return err
	},
}

// parseParams turns repeated key=value flags into query values.
func parseParams(pairs []string) (url.Values, error) {
	params := url.Values{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid query parameter %q (want key=value)", pair)
		}
		params.Add(key, value)
	}
	return params, nil
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringVarP(&fetchScope, "scope", "s", "", "Credential scope to call with")
	fetchCmd.Flags().StringArrayVarP(&fetchParams, "query", "q", nil, "Query parameter key=value (repeatable)")
	fetchCmd.Flags().StringVar(&fetchOut, "out", "", "Write the response to a file (default stdout)")
	fetchCmd.Flags().BoolVar(&fetchRaw, "raw", false, "Print the response body without indentation")
	_ = fetchCmd.MarkFlagRequired("scope")
}
