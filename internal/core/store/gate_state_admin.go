package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quotaguard/quotaguard/internal/core"
)

type GateStateEntry struct {
	Scope string
	State core.RateLimitState
}

type GateStateQuery struct {
	All    bool
	Scope  string
	Prefix string
}

func (q GateStateQuery) Validate() error {
	if q.All {
		return nil
	}
	if strings.TrimSpace(q.Scope) != "" {
		return nil
	}
	if strings.TrimSpace(q.Prefix) != "" {
		return nil
	}
	return errors.New("must specify --all, --scope, or --prefix")
}

func (q GateStateQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if q.All {
		return "", nil, nil
	}
	if scope := strings.TrimSpace(q.Scope); scope != "" {
		return "WHERE scope = ?", []any{scope}, nil
	}
	prefix := strings.TrimSpace(q.Prefix)
	if prefix == "" {
		return "", nil, errors.New("prefix is required")
	}
	return "WHERE scope LIKE ?", []any{prefix + "%"}, nil
}

func (s *Store) ListGateStates(ctx context.Context, q GateStateQuery) ([]GateStateEntry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT scope, call_count, last_call_at, window_reset_at, blocked_until, last_throttled_at
		FROM gate_states
		%s
		ORDER BY scope
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list gate states: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	entries := []GateStateEntry{}
	for rows.Next() {
		entry, err := scanGateState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan gate states: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list gate states: %w", err)
	}

	return entries, nil
}

func (s *Store) CountGateStates(ctx context.Context, q GateStateQuery) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*)
		FROM gate_states
		%s
	`, where), args...)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count gate states: %w", err)
	}
	return count, nil
}

func (s *Store) ResetGateStates(ctx context.Context, q GateStateQuery) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	result, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM gate_states
		%s
	`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("reset gate states: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset gate states: %w", err)
	}
	return affected, nil
}
