package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quotaguard/quotaguard/internal/core"
	"github.com/quotaguard/quotaguard/internal/core/governor"
)

// LoadGateState returns persisted gate state for a scope, or nil when none exists.
func (s *Store) LoadGateState(ctx context.Context, scope string) (*core.RateLimitState, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, errors.New("scope is required")
	}

	row := s.DB.QueryRowContext(ctx, `
		SELECT scope, call_count, last_call_at, window_reset_at, blocked_until, last_throttled_at
		FROM gate_states
		WHERE scope = ?
	`, scope)

	entry, err := scanGateState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch gate state: %w", err)
	}

	return &entry.State, nil
}

// SaveGateState upserts gate state for a scope.
func (s *Store) SaveGateState(ctx context.Context, scope string, state core.RateLimitState) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	scope = strings.TrimSpace(scope)
	if scope == "" {
		return errors.New("scope is required")
	}

	if err := upsertGateState(ctx, s.DB, scope, state); err != nil {
		return fmt.Errorf("store gate state: %w", err)
	}

	return nil
}

// AcquireGate runs one admission for scope inside a write transaction, so
// processes sharing the database draw on one budget.
func (s *Store) AcquireGate(ctx context.Context, scope string, limits governor.Limits, now time.Time) (governor.Decision, core.RateLimitState, error) {
	var decision governor.Decision
	state, err := s.updateGateState(ctx, scope, func(state core.RateLimitState) core.RateLimitState {
		decision, state = governor.Admit(state, limits, now)
		return state
	})
	if err != nil {
		return governor.Decision{}, core.RateLimitState{}, fmt.Errorf("acquire gate: %w", err)
	}
	return decision, state, nil
}

// ThrottleGate blocks scope inside a write transaction.
func (s *Store) ThrottleGate(ctx context.Context, scope string, limits governor.Limits, retryAfter time.Duration, now time.Time) (time.Duration, core.RateLimitState, error) {
	var blocked time.Duration
	state, err := s.updateGateState(ctx, scope, func(state core.RateLimitState) core.RateLimitState {
		blocked, state = governor.Throttle(state, limits, retryAfter, now)
		return state
	})
	if err != nil {
		return 0, core.RateLimitState{}, fmt.Errorf("throttle gate: %w", err)
	}
	return blocked, state, nil
}

// updateGateState claims the scope row with a write before reading it, which
// takes the database write lock for the rest of the transaction.
func (s *Store) updateGateState(ctx context.Context, scope string, apply func(core.RateLimitState) core.RateLimitState) (core.RateLimitState, error) {
	if s == nil || s.DB == nil {
		return core.RateLimitState{}, errors.New("store is not initialized")
	}

	scope = strings.TrimSpace(scope)
	if scope == "" {
		return core.RateLimitState{}, errors.New("scope is required")
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return core.RateLimitState{}, err
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO gate_states (scope, call_count, updated_at)
		VALUES (?, 0, ?)
		ON CONFLICT(scope) DO UPDATE SET updated_at = excluded.updated_at
	`, scope, time.Now().UTC().UnixMilli()); err != nil {
		return core.RateLimitState{}, err
	}

	entry, err := scanGateState(tx.QueryRowContext(ctx, `
		SELECT scope, call_count, last_call_at, window_reset_at, blocked_until, last_throttled_at
		FROM gate_states
		WHERE scope = ?
	`, scope))
	if err != nil {
		return core.RateLimitState{}, err
	}

	state := apply(entry.State)
	if err := upsertGateState(ctx, tx, scope, state); err != nil {
		return core.RateLimitState{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.RateLimitState{}, err
	}
	return state, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertGateState(ctx context.Context, db execer, scope string, state core.RateLimitState) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO gate_states (scope, call_count, last_call_at, window_reset_at, blocked_until, last_throttled_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			call_count = excluded.call_count,
			last_call_at = excluded.last_call_at,
			window_reset_at = excluded.window_reset_at,
			blocked_until = excluded.blocked_until,
			last_throttled_at = excluded.last_throttled_at,
			updated_at = excluded.updated_at
	`, scope, state.CallCount, toMillis(state.LastCallAt), toMillis(state.WindowResetAt),
		toNullMillis(state.BlockedUntil), toNullMillis(state.LastThrottledAt), time.Now().UTC().UnixMilli())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGateState(row rowScanner) (GateStateEntry, error) {
	var (
		scope           string
		callCount       int
		lastCallAt      sql.NullInt64
		windowResetAt   sql.NullInt64
		blockedUntil    sql.NullInt64
		lastThrottledAt sql.NullInt64
	)
	if err := row.Scan(&scope, &callCount, &lastCallAt, &windowResetAt, &blockedUntil, &lastThrottledAt); err != nil {
		return GateStateEntry{}, err
	}

	state := core.RateLimitState{
		CallCount:       callCount,
		LastCallAt:      fromMillis(lastCallAt),
		WindowResetAt:   fromMillis(windowResetAt),
		BlockedUntil:    fromNullMillis(blockedUntil),
		LastThrottledAt: fromNullMillis(lastThrottledAt),
	}
	return GateStateEntry{Scope: scope, State: state}, nil
}

// Timestamps are stored as unix milliseconds; zero times are stored as NULL.
func toMillis(value time.Time) sql.NullInt64 {
	if value.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: value.UTC().UnixMilli(), Valid: true}
}

func toNullMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return toMillis(*value)
}

func fromMillis(value sql.NullInt64) time.Time {
	if !value.Valid {
		return time.Time{}
	}
	return time.UnixMilli(value.Int64).UTC()
}

func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := time.UnixMilli(value.Int64).UTC()
	return &t
}
