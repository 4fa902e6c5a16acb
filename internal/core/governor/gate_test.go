package governor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotaguard/internal/core"
)

func newTestGate(clock *manualClock, limits Limits) *Gate {
	gate := NewGate(limits)
	gate.Clock = clock.Now
	return gate
}

func TestGateMinInterval(t *testing.T) {
	clock := newManualClock()
	gate := newTestGate(clock, Limits{MinInterval: 15 * time.Second, MaxCallsPerWindow: 200, Window: time.Hour})

	require.True(t, gate.Acquire().Allowed)
	first := gate.Snapshot().LastCallAt

	clock.Advance(10 * time.Second)
	decision := gate.Acquire()
	require.False(t, decision.Allowed)
	require.Equal(t, core.GateReasonInterval, decision.Reason)
	require.Equal(t, 5*time.Second, decision.Wait)

	clock.Advance(5 * time.Second)
	require.True(t, gate.Acquire().Allowed)
	second := gate.Snapshot().LastCallAt
	require.GreaterOrEqual(t, second.Sub(first), 15*time.Second)
}

func TestGateBudgetAndRollover(t *testing.T) {
	clock := newManualClock()
	gate := newTestGate(clock, Limits{MaxCallsPerWindow: 3, Window: time.Minute})

	for i := 0; i < 3; i++ {
		require.True(t, gate.Acquire().Allowed, "call %d", i+1)
	}

	decision := gate.Acquire()
	require.False(t, decision.Allowed)
	require.Equal(t, core.GateReasonBudget, decision.Reason)
	require.Equal(t, time.Minute, decision.Wait)
	require.Equal(t, 3, gate.Snapshot().CallCount)

	clock.Advance(61 * time.Second)
	for i := 0; i < 3; i++ {
		require.True(t, gate.Acquire().Allowed, "call %d after rollover", i+1)
	}
	require.False(t, gate.CanProceed())
}

func TestGateRolloverAfterLongIdleReanchorsWindow(t *testing.T) {
	clock := newManualClock()
	gate := newTestGate(clock, Limits{MaxCallsPerWindow: 1, Window: time.Minute})

	require.True(t, gate.Acquire().Allowed)
	clock.Advance(10 * time.Minute)

	require.True(t, gate.CanProceed())
	state := gate.Snapshot()
	require.Equal(t, 0, state.CallCount)
	require.Equal(t, clock.Now().Add(time.Minute), state.WindowResetAt)
}

func TestGateCanProceedDoesNotConsumeBudget(t *testing.T) {
	clock := newManualClock()
	gate := newTestGate(clock, Limits{MaxCallsPerWindow: 1, Window: time.Minute})

	require.True(t, gate.CanProceed())
	require.True(t, gate.CanProceed())
	require.Equal(t, 0, gate.Snapshot().CallCount)

	gate.RecordSuccess()
	require.False(t, gate.CanProceed())
}

func TestGateRecordThrottledBlocksUntilElapsed(t *testing.T) {
	clock := newManualClock()
	gate := newTestGate(clock, Limits{MaxCallsPerWindow: 10, Window: time.Hour, DefaultRetryAfter: 30 * time.Second})

	require.Equal(t, 30*time.Second, gate.RecordThrottled(30*time.Second))
	require.False(t, gate.CanProceed())
	require.Equal(t, 30*time.Second, gate.TimeUntilNextCall())

	clock.Advance(29 * time.Second)
	decision := gate.Acquire()
	require.False(t, decision.Allowed)
	require.Equal(t, core.GateReasonBlocked, decision.Reason)
	require.Equal(t, time.Second, decision.Wait)

	clock.Advance(time.Second)
	require.True(t, gate.Acquire().Allowed)
	require.Nil(t, gate.Snapshot().BlockedUntil)
}

func TestGateRecordThrottledUsesDefault(t *testing.T) {
	clock := newManualClock()
	gate := newTestGate(clock, Limits{DefaultRetryAfter: 30 * time.Second})

	require.Equal(t, 30*time.Second, gate.RecordThrottled(0))

	state := gate.Snapshot()
	require.NotNil(t, state.BlockedUntil)
	require.Equal(t, clock.Now().Add(30*time.Second), *state.BlockedUntil)
	require.NotNil(t, state.LastThrottledAt)
}

func TestGateRecordThrottledKeepsLongerBlock(t *testing.T) {
	clock := newManualClock()
	gate := newTestGate(clock, Limits{DefaultRetryAfter: 30 * time.Second})

	gate.RecordThrottled(5 * time.Minute)
	require.Equal(t, 5*time.Minute, gate.RecordThrottled(10*time.Second))
	require.Equal(t, 5*time.Minute, gate.TimeUntilNextCall())
}

func TestGateTimeUntilNextCallReportsLargestWait(t *testing.T) {
	clock := newManualClock()
	gate := newTestGate(clock, Limits{MinInterval: time.Minute, MaxCallsPerWindow: 5, Window: time.Hour})

	require.Equal(t, time.Duration(0), gate.TimeUntilNextCall())

	require.True(t, gate.Acquire().Allowed)
	require.Equal(t, time.Minute, gate.TimeUntilNextCall())

	gate.RecordThrottled(10 * time.Second)
	require.Equal(t, time.Minute, gate.TimeUntilNextCall())

	gate.RecordThrottled(3 * time.Minute)
	require.Equal(t, 3*time.Minute, gate.TimeUntilNextCall())
}

func TestGateAcquireIsAtomicUnderContention(t *testing.T) {
	gate := NewGate(Limits{MaxCallsPerWindow: 10, Window: time.Hour})

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if gate.Acquire().Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(10), admitted.Load())
	require.Equal(t, 10, gate.Snapshot().CallCount)
}

func TestGateRestore(t *testing.T) {
	clock := newManualClock()
	gate := newTestGate(clock, Limits{MaxCallsPerWindow: 2, Window: time.Hour})

	until := clock.Now().Add(time.Minute)
	gate.Restore(core.RateLimitState{
		CallCount:     1,
		WindowResetAt: clock.Now().Add(30 * time.Minute),
		BlockedUntil:  &until,
	})

	decision := gate.Acquire()
	require.False(t, decision.Allowed)
	require.Equal(t, core.GateReasonBlocked, decision.Reason)

	clock.Advance(time.Minute)
	require.True(t, gate.Acquire().Allowed)
	require.False(t, gate.CanProceed())
	require.Equal(t, 29*time.Minute, gate.TimeUntilNextCall())
}
