package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quotaguard/quotaguard/internal/core"
)

type throttleErr struct {
	retryAfter time.Duration
}

func (e *throttleErr) Error() string             { return "upstream: too many calls" }
func (e *throttleErr) Throttled() bool           { return true }
func (e *throttleErr) RetryAfter() time.Duration { return e.retryAfter }

type memoryStateStore struct {
	mu      sync.Mutex
	states  map[string]core.RateLimitState
	saves   int
	loadErr error
}

func newMemoryStateStore() *memoryStateStore {
	return &memoryStateStore{states: make(map[string]core.RateLimitState)}
}

func (m *memoryStateStore) LoadGateState(_ context.Context, scope string) (*core.RateLimitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	state, ok := m.states[scope]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (m *memoryStateStore) SaveGateState(_ context.Context, scope string, state core.RateLimitState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[scope] = state
	m.saves++
	return nil
}

func countingOp(calls *int, value any, err error) Operation {
	return func(context.Context) (any, error) {
		*calls++
		return value, err
	}
}

func newTestGovernor(t *testing.T, clock *manualClock, opts Options) *Governor {
	t.Helper()
	opts.Clock = clock.Now
	opts.Logger = zaptest.NewLogger(t)
	if opts.Scope == "" {
		opts.Scope = "act_test"
	}
	return New(opts)
}

func TestGovernorIntervalThenBudget(t *testing.T) {
	clock := newManualClock()
	g := newTestGovernor(t, clock, Options{
		Limits: Limits{MinInterval: 100 * time.Millisecond, MaxCallsPerWindow: 2, Window: time.Second},
	})
	ctx := context.Background()
	calls := 0

	_, err := g.Execute(ctx, countingOp(&calls, "ok", nil), "")
	require.NoError(t, err)

	_, err = g.Execute(ctx, countingOp(&calls, "ok", nil), "")
	require.ErrorIs(t, err, ErrLocalThrottle)
	var local *LocalThrottleError
	require.ErrorAs(t, err, &local)
	require.Equal(t, core.GateReasonInterval, local.Reason)
	require.Equal(t, 100*time.Millisecond, local.Wait)

	clock.Advance(100 * time.Millisecond)
	_, err = g.Execute(ctx, countingOp(&calls, "ok", nil), "")
	require.NoError(t, err)

	_, err = g.Execute(ctx, countingOp(&calls, "ok", nil), "")
	require.ErrorAs(t, err, &local)
	require.Equal(t, core.GateReasonBudget, local.Reason)
	require.Equal(t, 900*time.Millisecond, local.Wait)

	require.Equal(t, 2, calls)
}

func TestGovernorServesFromCacheUntilExpiry(t *testing.T) {
	clock := newManualClock()
	g := newTestGovernor(t, clock, Options{
		Limits:   Limits{MaxCallsPerWindow: 100, Window: time.Hour},
		CacheTTL: 50 * time.Millisecond,
	})
	ctx := context.Background()
	calls := 0

	value, err := g.Execute(ctx, countingOp(&calls, "A", nil), "x")
	require.NoError(t, err)
	require.Equal(t, "A", value)

	value, err = g.Execute(ctx, countingOp(&calls, "B", nil), "x")
	require.NoError(t, err)
	require.Equal(t, "A", value)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, g.Gate().Snapshot().CallCount)

	clock.Advance(60 * time.Millisecond)
	value, err = g.Execute(ctx, countingOp(&calls, "B", nil), "x")
	require.NoError(t, err)
	require.Equal(t, "B", value)
	require.Equal(t, 2, calls)
}

func TestGovernorCacheHitBypassesDeniedGate(t *testing.T) {
	clock := newManualClock()
	g := newTestGovernor(t, clock, Options{
		Limits:   Limits{MaxCallsPerWindow: 1, Window: time.Hour},
		CacheTTL: time.Minute,
	})
	ctx := context.Background()
	calls := 0

	_, err := g.Execute(ctx, countingOp(&calls, "A", nil), "x")
	require.NoError(t, err)
	require.False(t, g.Gate().CanProceed())

	value, err := g.Execute(ctx, countingOp(&calls, "B", nil), "x")
	require.NoError(t, err)
	require.Equal(t, "A", value)
	require.Equal(t, 1, calls)
}

func TestGovernorUpstreamThrottleBlocksScope(t *testing.T) {
	clock := newManualClock()
	g := newTestGovernor(t, clock, Options{
		Limits: Limits{MaxCallsPerWindow: 100, Window: time.Hour, DefaultRetryAfter: 30 * time.Second},
	})
	ctx := context.Background()
	calls := 0
	upstreamErr := &throttleErr{}

	_, err := g.Execute(ctx, countingOp(&calls, nil, upstreamErr), "")
	require.ErrorIs(t, err, ErrUpstreamThrottle)
	require.ErrorIs(t, err, upstreamErr)
	var upstream *UpstreamThrottleError
	require.ErrorAs(t, err, &upstream)
	require.Equal(t, 30*time.Second, upstream.RetryAfter)

	clock.Advance(10 * time.Second)
	_, err = g.Execute(ctx, countingOp(&calls, "ok", nil), "")
	var local *LocalThrottleError
	require.ErrorAs(t, err, &local)
	require.Equal(t, core.GateReasonBlocked, local.Reason)
	require.Equal(t, 20*time.Second, local.Wait)
	require.Equal(t, 1, calls)

	clock.Advance(20 * time.Second)
	value, err := g.Execute(ctx, countingOp(&calls, "ok", nil), "")
	require.NoError(t, err)
	require.Equal(t, "ok", value)
	require.Equal(t, 2, calls)
}

func TestGovernorUsesUpstreamRetryHint(t *testing.T) {
	clock := newManualClock()
	g := newTestGovernor(t, clock, Options{
		Limits: Limits{DefaultRetryAfter: 30 * time.Second},
	})

	_, err := g.Execute(context.Background(), func(context.Context) (any, error) {
		return nil, fmt.Errorf("fetch insights: %w", &throttleErr{retryAfter: 2 * time.Minute})
	}, "")

	wait, ok := WaitHint(err)
	require.True(t, ok)
	require.Equal(t, 2*time.Minute, wait)
	require.Equal(t, 2*time.Minute, g.Gate().TimeUntilNextCall())
}

func TestGovernorPassesThroughOrdinaryFailures(t *testing.T) {
	clock := newManualClock()
	g := newTestGovernor(t, clock, Options{
		Limits:   Limits{MinInterval: 100 * time.Millisecond, MaxCallsPerWindow: 100, Window: time.Hour},
		CacheTTL: time.Minute,
	})
	ctx := context.Background()
	calls := 0
	malformed := errors.New("malformed request")

	_, err := g.Execute(ctx, countingOp(&calls, nil, malformed), "x")
	require.Same(t, malformed, err)
	require.Nil(t, g.Gate().Snapshot().BlockedUntil)
	require.Equal(t, 0, g.Cache().Len())

	clock.Advance(100 * time.Millisecond)
	value, err := g.Execute(ctx, countingOp(&calls, "ok", nil), "x")
	require.NoError(t, err)
	require.Equal(t, "ok", value)
	require.Equal(t, 2, calls)
}

func TestGovernorConsumesBudgetBeforeOperation(t *testing.T) {
	clock := newManualClock()
	g := newTestGovernor(t, clock, Options{
		Limits: Limits{MaxCallsPerWindow: 5, Window: time.Hour},
	})

	var seen int
	_, err := g.Execute(context.Background(), func(context.Context) (any, error) {
		seen = g.Gate().Snapshot().CallCount
		return nil, errors.New("boom")
	}, "")
	require.Error(t, err)
	require.Equal(t, 1, seen)
	require.Equal(t, 1, g.Gate().Snapshot().CallCount)
}

func TestGovernorNeverExceedsBudgetUnderContention(t *testing.T) {
	g := New(Options{Scope: "act_race", Limits: Limits{MaxCallsPerWindow: 7, Window: time.Hour}})

	var mu sync.Mutex
	invoked := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.Execute(context.Background(), func(context.Context) (any, error) {
				mu.Lock()
				invoked++
				mu.Unlock()
				return "ok", nil
			}, "")
		}()
	}
	wg.Wait()

	require.Equal(t, 7, invoked)
}

func TestGovernorAppliesCallTimeout(t *testing.T) {
	g := New(Options{
		Limits:      Limits{MaxCallsPerWindow: 10, Window: time.Hour},
		CallTimeout: 20 * time.Millisecond,
	})

	_, err := g.Execute(context.Background(), func(ctx context.Context) (any, error) {
		_, ok := ctx.Deadline()
		require.True(t, ok)
		<-ctx.Done()
		return nil, ctx.Err()
	}, "")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Nil(t, g.Gate().Snapshot().BlockedUntil)
}

func TestGovernorCancelledContextSkipsGate(t *testing.T) {
	clock := newManualClock()
	g := newTestGovernor(t, clock, Options{Limits: Limits{MaxCallsPerWindow: 1, Window: time.Hour}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := g.Execute(ctx, countingOp(&calls, "ok", nil), "")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, calls)
	require.True(t, g.Gate().CanProceed())
}

func TestGovernorRejectsNilOperation(t *testing.T) {
	g := New(Options{})
	_, err := g.Execute(context.Background(), nil, "")
	require.Error(t, err)
}

func TestDoReturnsTypedValue(t *testing.T) {
	clock := newManualClock()
	g := newTestGovernor(t, clock, Options{
		Limits:   Limits{MaxCallsPerWindow: 10, Window: time.Hour},
		CacheTTL: time.Minute,
	})

	type campaign struct{ ID, Name string }
	fetch := func(context.Context) (campaign, error) {
		return campaign{ID: "c1", Name: "Spring"}, nil
	}

	got, err := Do(context.Background(), g, "campaign:c1", fetch)
	require.NoError(t, err)
	require.Equal(t, "Spring", got.Name)

	cached, err := Do(context.Background(), g, "campaign:c1", fetch)
	require.NoError(t, err)
	require.Equal(t, got, cached)

	_, err = Do(context.Background(), g, "campaign:c1", func(context.Context) (int, error) { return 1, nil })
	require.Error(t, err)
}

func TestGovernorObserverReceivesOutcomes(t *testing.T) {
	clock := newManualClock()
	var events []Event
	g := newTestGovernor(t, clock, Options{
		Scope:    "act_observe",
		Limits:   Limits{MaxCallsPerWindow: 2, Window: time.Hour, DefaultRetryAfter: time.Minute},
		CacheTTL: time.Minute,
		Observer: func(e Event) { events = append(events, e) },
	})
	ctx := context.Background()
	calls := 0

	_, _ = g.Execute(ctx, countingOp(&calls, "A", nil), "x")
	_, _ = g.Execute(ctx, countingOp(&calls, "A", nil), "x")
	_, _ = g.Execute(ctx, countingOp(&calls, nil, errors.New("bad")), "")
	_, _ = g.Execute(ctx, countingOp(&calls, "A", nil), "")

	clock.Advance(2 * time.Hour)
	_, _ = g.Execute(ctx, countingOp(&calls, nil, &throttleErr{}), "")

	outcomes := make([]Outcome, 0, len(events))
	for _, e := range events {
		require.Equal(t, "act_observe", e.Scope)
		outcomes = append(outcomes, e.Outcome)
	}
	require.Equal(t, []Outcome{OutcomeSuccess, OutcomeCacheHit, OutcomeFailed, OutcomeDenied, OutcomeThrottled}, outcomes)
	require.Equal(t, core.GateReasonBudget, events[3].Reason)
	require.Equal(t, time.Minute, events[4].Wait)
}

func TestGovernorPersistsAndRestoresState(t *testing.T) {
	clock := newManualClock()
	store := newMemoryStateStore()
	opts := Options{
		Scope:  "act_persist",
		Limits: Limits{MaxCallsPerWindow: 10, Window: time.Hour, DefaultRetryAfter: 5 * time.Minute},
		Store:  store,
	}

	g := newTestGovernor(t, clock, opts)
	_, err := g.Execute(context.Background(), func(context.Context) (any, error) {
		return nil, &throttleErr{}
	}, "")
	require.ErrorIs(t, err, ErrUpstreamThrottle)
	require.Equal(t, 2, store.saves)

	saved := store.states["act_persist"]
	require.Equal(t, 1, saved.CallCount)
	require.NotNil(t, saved.BlockedUntil)

	restarted := newTestGovernor(t, clock, opts)
	require.NoError(t, restarted.Restore(context.Background()))

	_, err = restarted.Execute(context.Background(), func(context.Context) (any, error) {
		return "ok", nil
	}, "")
	var local *LocalThrottleError
	require.ErrorAs(t, err, &local)
	require.Equal(t, core.GateReasonBlocked, local.Reason)
	require.Equal(t, 5*time.Minute, local.Wait)
}

func TestGovernorRestoreReportsStoreFailure(t *testing.T) {
	store := newMemoryStateStore()
	store.loadErr = errors.New("store offline")

	g := New(Options{Scope: "act_fail", Store: store})
	err := g.Restore(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, store.loadErr)
}

func TestGovernorSnapshot(t *testing.T) {
	clock := newManualClock()
	g := newTestGovernor(t, clock, Options{
		Scope:    "act_snap",
		Limits:   Limits{MinInterval: time.Minute, MaxCallsPerWindow: 10, Window: time.Hour},
		CacheTTL: time.Minute,
	})

	_, err := g.Execute(context.Background(), func(context.Context) (any, error) { return 1, nil }, "k")
	require.NoError(t, err)

	snap := g.Snapshot()
	require.Equal(t, "act_snap", snap.Scope)
	require.Equal(t, 1, snap.State.CallCount)
	require.Equal(t, 1, snap.Cache.Entries)
	require.Equal(t, time.Minute, snap.NextCallIn)
	require.Equal(t, clock.Now(), snap.CapturedAt)

	g.ClearCache()
	require.Equal(t, 0, g.Snapshot().Cache.Entries)
}
