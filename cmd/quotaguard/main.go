// Command quotaguard governs outbound calls to a rate-limited ads API.
package main

import (
	"github.com/quotaguard/quotaguard/internal/cmd"
)

// Set via ldflags:
// go build -ldflags="-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-01-02"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)

	if err := cmd.Execute(); err != nil {
		cmd.ExitWithCodeStderr(cmd.ExitCodeFor(err), "quotaguard failed", err)
	}
}
