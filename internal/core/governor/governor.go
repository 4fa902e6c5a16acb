// Package governor admits, caches and recovers outbound calls to a
// rate-limited upstream API.
//
// A Governor owns one Gate and one Cache for a single upstream scope (for
// example one access token). Callers hand it an Operation and an optional
// cache key; the governor answers from cache, fails fast when the gate denies
// admission, and blocks the scope when the upstream signals throttling.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/core"
)

const persistTimeout = 2 * time.Second

// Operation is a deferred upstream call.
type Operation func(ctx context.Context) (any, error)

// StateStore persists gate state across restarts.
type StateStore interface {
	LoadGateState(ctx context.Context, scope string) (*core.RateLimitState, error)
	SaveGateState(ctx context.Context, scope string, state core.RateLimitState) error
}

// SharedStateStore is a StateStore that runs admission and throttling
// atomically against its stored state, so every process using it draws on
// one budget per scope. Implementations apply Admit and Throttle (or an
// equivalent) inside a single transaction and return the resulting state.
type SharedStateStore interface {
	StateStore
	AcquireGate(ctx context.Context, scope string, limits Limits, now time.Time) (Decision, core.RateLimitState, error)
	ThrottleGate(ctx context.Context, scope string, limits Limits, retryAfter time.Duration, now time.Time) (time.Duration, core.RateLimitState, error)
}

// Logger is the subset of a structured logger the governor writes to. Both
// *zap.Logger and the gofulmen logger satisfy it.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
}

// Outcome labels what happened to a single Execute call.
type Outcome string

const (
	OutcomeCacheHit  Outcome = "cache_hit"
	OutcomeDenied    Outcome = "denied"
	OutcomeSuccess   Outcome = "success"
	OutcomeThrottled Outcome = "throttled"
	OutcomeFailed    Outcome = "failed"
)

// Event is emitted to the Observer after every Execute call.
type Event struct {
	Scope    string
	Outcome  Outcome
	CacheKey string
	Reason   core.GateReason
	Wait     time.Duration
	Elapsed  time.Duration
	Err      error
}

// Options configures a Governor.
type Options struct {
	Scope           string
	Limits          Limits
	CacheTTL        time.Duration
	CacheMaxEntries int
	SweepInterval   time.Duration
	CallTimeout     time.Duration
	Classifier      Classifier
	Store           StateStore
	Logger          Logger
	Observer        func(Event)
	Clock           func() time.Time
}

// Governor is the single entry point for governed upstream calls.
type Governor struct {
	scope       string
	gate        *Gate
	cache       *Cache
	classifier  Classifier
	callTimeout time.Duration
	store       StateStore
	shared      SharedStateStore
	logger      Logger
	observer    func(Event)
	clock       func() time.Time

	// persistMu orders snapshot-and-save so an older snapshot never
	// overwrites a newer one.
	persistMu sync.Mutex
}

// New builds a Governor from options. It performs no I/O; call Restore to
// load persisted state.
func New(opts Options) *Governor {
	gate := NewGate(opts.Limits)
	gate.Clock = opts.Clock

	cache := NewCache(opts.CacheTTL, opts.CacheMaxEntries)
	cache.Clock = opts.Clock

	classifier := opts.Classifier
	if classifier == nil {
		classifier = DefaultClassifier
	}

	var logger Logger = zap.NewNop()
	if opts.Logger != nil {
		logger = opts.Logger
	}

	shared, _ := opts.Store.(SharedStateStore)

	return &Governor{
		scope:       opts.Scope,
		gate:        gate,
		cache:       cache,
		classifier:  classifier,
		callTimeout: opts.CallTimeout,
		store:       opts.Store,
		shared:      shared,
		logger:      logger,
		observer:    opts.Observer,
		clock:       opts.Clock,
	}
}

// Execute runs op under admission control. A non-empty cacheKey enables
// result caching for this call.
func (g *Governor) Execute(ctx context.Context, op Operation, cacheKey string) (any, error) {
	if g == nil {
		return nil, errors.New("governor is not configured")
	}
	if op == nil {
		return nil, errors.New("governor: operation is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if cacheKey != "" {
		if value, ok := g.cache.Get(cacheKey); ok {
			g.emit(Event{Outcome: OutcomeCacheHit, CacheKey: cacheKey})
			return value, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	decision := g.admit(ctx)
	if !decision.Allowed {
		g.logger.Debug("Upstream call denied",
			zap.String("scope", g.scope),
			zap.String("reason", string(decision.Reason)),
			zap.Duration("wait", decision.Wait))
		g.emit(Event{Outcome: OutcomeDenied, CacheKey: cacheKey, Reason: decision.Reason, Wait: decision.Wait})
		return nil, &LocalThrottleError{Scope: g.scope, Reason: decision.Reason, Wait: decision.Wait}
	}

	callCtx := ctx
	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}

	start := g.now()
	value, err := op(callCtx)
	elapsed := g.now().Sub(start)

	if err != nil {
		throttled, hint := g.classifier(err)
		if !throttled {
			g.emit(Event{Outcome: OutcomeFailed, CacheKey: cacheKey, Elapsed: elapsed, Err: err})
			return nil, err
		}

		blocked := g.throttle(ctx, hint)
		g.logger.Warn("Upstream throttled, blocking scope",
			zap.String("scope", g.scope),
			zap.Duration("retry_after", blocked),
			zap.Duration("hint", hint),
			zap.Error(err))
		g.emit(Event{Outcome: OutcomeThrottled, CacheKey: cacheKey, Wait: blocked, Elapsed: elapsed, Err: err})
		return nil, &UpstreamThrottleError{Scope: g.scope, RetryAfter: blocked, Err: err}
	}

	if cacheKey != "" {
		g.cache.Set(cacheKey, value)
	}
	g.emit(Event{Outcome: OutcomeSuccess, CacheKey: cacheKey, Elapsed: elapsed})
	return value, nil
}

// Do is a typed wrapper around Execute.
func Do[T any](ctx context.Context, g *Governor, cacheKey string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	value, err := g.Execute(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	}, cacheKey)
	if err != nil || value == nil {
		return zero, err
	}

	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("governor: cached value for %q has type %T", cacheKey, value)
	}
	return typed, nil
}

// Restore loads persisted gate state, if a store is configured.
func (g *Governor) Restore(ctx context.Context) error {
	if g == nil || g.store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	state, err := g.store.LoadGateState(ctx, g.scope)
	if err != nil {
		return fmt.Errorf("restore gate state: %w", err)
	}
	if state != nil {
		g.gate.Restore(*state)
	}
	return nil
}

// Snapshot reports the current gate and cache state.
func (g *Governor) Snapshot() core.ScopeSnapshot {
	return core.ScopeSnapshot{
		Scope:      g.scope,
		State:      g.gate.Snapshot(),
		Cache:      g.cache.Stats(),
		NextCallIn: g.gate.TimeUntilNextCall(),
		CapturedAt: g.now(),
	}
}

// ClearCache drops every cached result for this scope.
func (g *Governor) ClearCache() {
	g.cache.Clear()
}

// Scope returns the upstream scope this governor guards.
func (g *Governor) Scope() string { return g.scope }

// Gate exposes the admission gate.
func (g *Governor) Gate() *Gate { return g.gate }

// Cache exposes the result cache.
func (g *Governor) Cache() *Cache { return g.cache }

// admit takes a budget slot. With a shared store the store decides and the
// local gate mirrors the result; if the store is unreachable the local gate
// decides alone.
func (g *Governor) admit(ctx context.Context) Decision {
	if g.shared == nil {
		decision := g.gate.Acquire()
		if decision.Allowed {
			g.persist(ctx)
		}
		return decision
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	decision, state, err := g.shared.AcquireGate(storeCtx, g.scope, g.gate.Limits, g.now())
	if err != nil {
		g.logger.Warn("Shared gate unavailable, admitting on local state", zap.String("scope", g.scope), zap.Error(err))
		return g.gate.Acquire()
	}
	g.gate.Restore(state)
	return decision
}

func (g *Governor) throttle(ctx context.Context, hint time.Duration) time.Duration {
	if g.shared == nil {
		blocked := g.gate.RecordThrottled(hint)
		g.persist(ctx)
		return blocked
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	blocked, state, err := g.shared.ThrottleGate(storeCtx, g.scope, g.gate.Limits, hint, g.now())
	if err != nil {
		g.logger.Warn("Shared gate unavailable, blocking local state only", zap.String("scope", g.scope), zap.Error(err))
		return g.gate.RecordThrottled(hint)
	}
	g.gate.Restore(state)
	return blocked
}

func (g *Governor) persist(ctx context.Context) {
	if g.store == nil {
		return
	}

	g.persistMu.Lock()
	defer g.persistMu.Unlock()

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := g.store.SaveGateState(persistCtx, g.scope, g.gate.Snapshot()); err != nil {
		g.logger.Warn("Failed to persist gate state", zap.String("scope", g.scope), zap.Error(err))
	}
}

func (g *Governor) emit(event Event) {
	if g.observer == nil {
		return
	}
	event.Scope = g.scope
	g.observer(event)
}

func (g *Governor) now() time.Time {
	if g.clock != nil {
		return g.clock()
	}
	return time.Now().UTC()
}
