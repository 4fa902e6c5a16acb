package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotaguard/internal/config"
	"github.com/quotaguard/quotaguard/internal/core"
	"github.com/quotaguard/quotaguard/internal/core/governor"
	"github.com/quotaguard/quotaguard/internal/core/store"
)

var governorCmd = &cobra.Command{
	Use:   "governor",
	Short: "Inspect and reset persisted gate state",
}

func init() {
	governorCmd.AddCommand(governorStatusCmd)
	governorCmd.AddCommand(governorResetCmd)
	rootCmd.AddCommand(governorCmd)
}

// persistedEntries returns the stored gate state matching q, sorted by scope.
func persistedEntries(ctx context.Context, backend *stateBackend, q store.GateStateQuery) ([]store.GateStateEntry, error) {
	switch {
	case backend.sql != nil:
		return backend.sql.ListGateStates(ctx, q)

	case backend.redis != nil:
		if err := q.Validate(); err != nil {
			return nil, err
		}
		scopes, err := backend.redis.Scopes(ctx)
		if err != nil {
			return nil, err
		}
		sort.Strings(scopes)

		entries := []store.GateStateEntry{}
		for _, scope := range scopes {
			if !matchScope(q, scope) {
				continue
			}
			state, err := backend.redis.LoadGateState(ctx, scope)
			if err != nil {
				return nil, err
			}
			if state == nil {
				continue
			}
			entries = append(entries, store.GateStateEntry{Scope: scope, State: *state})
		}
		return entries, nil
	}

	return nil, fmt.Errorf("state backend %q keeps no persisted state; set governor.state_backend to store or redis", backend.name)
}

func matchScope(q store.GateStateQuery, scope string) bool {
	switch {
	case q.All:
		return true
	case strings.TrimSpace(q.Scope) != "":
		return scope == strings.TrimSpace(q.Scope)
	default:
		return strings.HasPrefix(scope, strings.TrimSpace(q.Prefix))
	}
}

// snapshotEntries evaluates stored state against the configured limits as of now.
func snapshotEntries(limits governor.Limits, entries []store.GateStateEntry, now time.Time) []core.ScopeSnapshot {
	snapshots := make([]core.ScopeSnapshot, 0, len(entries))
	for _, entry := range entries {
		gate := governor.NewGate(limits)
		gate.Clock = func() time.Time { return now }
		gate.Restore(entry.State)

		snapshots = append(snapshots, core.ScopeSnapshot{
			Scope:      entry.Scope,
			State:      gate.Snapshot(),
			NextCallIn: gate.TimeUntilNextCall(),
			CapturedAt: now,
		})
	}
	return snapshots
}

func governorQuery(all bool, scope, prefix string) store.GateStateQuery {
	return store.GateStateQuery{
		All:    all,
		Scope:  strings.ToLower(strings.TrimSpace(scope)),
		Prefix: strings.ToLower(strings.TrimSpace(prefix)),
	}
}

func openPersistedBackend(ctx context.Context) (*config.Config, *stateBackend, error) {
	cfg := loadConfig(ctx)
	backend, err := openStateBackend(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, backend, nil
}
