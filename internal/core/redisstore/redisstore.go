// Package redisstore keeps governor gate state in Redis. Admission and
// throttling run as Lua scripts, so every replica using the same Redis and
// scope draws on one budget.
package redisstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quotaguard/quotaguard/internal/core"
	"github.com/quotaguard/quotaguard/internal/core/governor"
)

const (
	defaultPrefix = "quotaguard:gate"
	defaultTTL    = 24 * time.Hour
)

// Hash fields holding one scope's gate state, in unix milliseconds.
const (
	fieldCallCount       = "call_count"
	fieldLastCallAt      = "last_call_at"
	fieldWindowResetAt   = "window_reset_at"
	fieldBlockedUntil    = "blocked_until"
	fieldLastThrottledAt = "last_throttled_at"
)

//go:embed scripts/prelude.lua
var preludeScript string

//go:embed scripts/acquire.lua
var acquireSource string

//go:embed scripts/throttle.lua
var throttleSource string

var (
	acquireScript  = redis.NewScript(preludeScript + "\n" + acquireSource)
	throttleScript = redis.NewScript(preludeScript + "\n" + throttleSource)
)

// Store implements governor.SharedStateStore on a Redis client.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

// WithPrefix sets the key prefix. Trailing colons are trimmed.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if trimmed := strings.Trim(strings.TrimSpace(prefix), ":"); trimmed != "" {
			s.prefix = trimmed
		}
	}
}

// WithTTL sets how long idle state is kept. Zero keeps it forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		rdb:    rdb,
		prefix: defaultPrefix,
		ttl:    defaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AcquireGate runs one admission for scope inside Redis.
func (s *Store) AcquireGate(ctx context.Context, scope string, limits governor.Limits, now time.Time) (governor.Decision, core.RateLimitState, error) {
	key, err := s.ready(scope)
	if err != nil {
		return governor.Decision{}, core.RateLimitState{}, err
	}

	values, err := acquireScript.Run(ctx, s.rdb, []string{key},
		now.UnixMilli(),
		limits.Window.Milliseconds(),
		s.ttl.Milliseconds(),
		limits.MinInterval.Milliseconds(),
		limits.MaxCallsPerWindow,
	).Slice()
	if err != nil {
		return governor.Decision{}, core.RateLimitState{}, fmt.Errorf("acquire gate: %w", err)
	}
	if len(values) != 8 {
		return governor.Decision{}, core.RateLimitState{}, errors.New("acquire gate: invalid script response")
	}

	reason, _ := values[1].(string)
	decision := governor.Decision{
		Allowed: toInt64(values[0]) == 1,
		Reason:  core.GateReason(reason),
		Wait:    time.Duration(toInt64(values[2])) * time.Millisecond,
	}
	return decision, stateFromMillis(values[3:]), nil
}

// ThrottleGate blocks scope for retryAfter, or the default back-off in limits
// when retryAfter is not positive.
func (s *Store) ThrottleGate(ctx context.Context, scope string, limits governor.Limits, retryAfter time.Duration, now time.Time) (time.Duration, core.RateLimitState, error) {
	key, err := s.ready(scope)
	if err != nil {
		return 0, core.RateLimitState{}, err
	}
	if retryAfter <= 0 {
		retryAfter = limits.DefaultRetryAfter
	}

	values, err := throttleScript.Run(ctx, s.rdb, []string{key},
		now.UnixMilli(),
		limits.Window.Milliseconds(),
		s.ttl.Milliseconds(),
		retryAfter.Milliseconds(),
	).Slice()
	if err != nil {
		return 0, core.RateLimitState{}, fmt.Errorf("throttle gate: %w", err)
	}
	if len(values) != 6 {
		return 0, core.RateLimitState{}, errors.New("throttle gate: invalid script response")
	}

	return time.Duration(toInt64(values[0])) * time.Millisecond, stateFromMillis(values[1:]), nil
}

// LoadGateState returns the stored state for scope, or nil when none exists.
func (s *Store) LoadGateState(ctx context.Context, scope string) (*core.RateLimitState, error) {
	key, err := s.ready(scope)
	if err != nil {
		return nil, err
	}

	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch gate state: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	state, err := decodeState(fields)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveGateState overwrites state for scope, refreshing the key TTL.
func (s *Store) SaveGateState(ctx context.Context, scope string, state core.RateLimitState) error {
	key, err := s.ready(scope)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, encodeState(state))
		if s.ttl > 0 {
			pipe.PExpire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store gate state: %w", err)
	}
	return nil
}

// Scopes lists every scope with stored state.
func (s *Store) Scopes(ctx context.Context) ([]string, error) {
	if s == nil || s.rdb == nil {
		return nil, errors.New("redis store is not initialized")
	}

	scopes := []string{}
	iter := s.rdb.Scan(ctx, 0, s.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		scopes = append(scopes, strings.TrimPrefix(iter.Val(), s.prefix+":"))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan gate states: %w", err)
	}
	return scopes, nil
}

// Reset deletes stored state for scope and reports whether a key existed.
func (s *Store) Reset(ctx context.Context, scope string) (bool, error) {
	key, err := s.ready(scope)
	if err != nil {
		return false, err
	}

	removed, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("reset gate state: %w", err)
	}
	return removed > 0, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.rdb == nil {
		return errors.New("redis store is not initialized")
	}
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) ready(scope string) (string, error) {
	if s == nil || s.rdb == nil {
		return "", errors.New("redis store is not initialized")
	}
	return s.key(scope)
}

func (s *Store) key(scope string) (string, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return "", errors.New("scope is required")
	}
	return s.prefix + ":" + scope, nil
}

func encodeState(state core.RateLimitState) map[string]any {
	return map[string]any{
		fieldCallCount:       state.CallCount,
		fieldLastCallAt:      toMillis(state.LastCallAt),
		fieldWindowResetAt:   toMillis(state.WindowResetAt),
		fieldBlockedUntil:    toNullMillis(state.BlockedUntil),
		fieldLastThrottledAt: toNullMillis(state.LastThrottledAt),
	}
}

func decodeState(fields map[string]string) (core.RateLimitState, error) {
	values := make([]any, 0, 5)
	for _, name := range []string{fieldCallCount, fieldLastCallAt, fieldWindowResetAt, fieldBlockedUntil, fieldLastThrottledAt} {
		raw := strings.TrimSpace(fields[name])
		if raw == "" {
			values = append(values, int64(0))
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return core.RateLimitState{}, fmt.Errorf("decode gate state field %s: %w", name, err)
		}
		values = append(values, n)
	}
	return stateFromMillis(values), nil
}

// stateFromMillis reads call_count, last_call_at, window_reset_at,
// blocked_until and last_throttled_at in that order.
func stateFromMillis(values []any) core.RateLimitState {
	return core.RateLimitState{
		CallCount:       int(toInt64(values[0])),
		LastCallAt:      fromMillis(toInt64(values[1])),
		WindowResetAt:   fromMillis(toInt64(values[2])),
		BlockedUntil:    fromNullMillis(toInt64(values[3])),
		LastThrottledAt: fromNullMillis(toInt64(values[4])),
	}
}

func toInt64(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UnixMilli()
}

func toNullMillis(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return toMillis(*value)
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
