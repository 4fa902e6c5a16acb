package governor

import (
	"sync"
	"time"

	"github.com/quotaguard/quotaguard/internal/core"
)

// Limits configures the three admission policies of a Gate.
type Limits struct {
	MinInterval       time.Duration
	MaxCallsPerWindow int
	Window            time.Duration
	DefaultRetryAfter time.Duration
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  core.GateReason
	Wait    time.Duration
}

// Gate tracks call history for one upstream scope and decides whether a new
// call may proceed. All methods are safe for concurrent use.
type Gate struct {
	Limits Limits
	Clock  func() time.Time

	mu    sync.Mutex
	state core.RateLimitState
}

// NewGate creates a gate with a fresh window.
func NewGate(limits Limits) *Gate {
	return &Gate{Limits: limits}
}

// CanProceed reports whether a call would be admitted right now. It rolls the
// window over when it has elapsed but does not consume budget.
func (g *Gate) CanProceed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.state = Normalize(g.state, g.Limits, now)
	return decide(g.state, g.Limits, now).Allowed
}

// Acquire checks admission and, when allowed, records the call in the same
// critical section so concurrent callers cannot share a budget slot.
func (g *Gate) Acquire() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	var decision Decision
	decision, g.state = Admit(g.state, g.Limits, g.now())
	return decision
}

// RecordSuccess marks an admitted call.
func (g *Gate) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.state = record(Normalize(g.state, g.Limits, now), now)
}

// RecordThrottled blocks every call for retryAfter, or the default back-off
// when retryAfter is not positive. An existing longer block is kept.
func (g *Gate) RecordThrottled(retryAfter time.Duration) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	var blocked time.Duration
	blocked, g.state = Throttle(g.state, g.Limits, retryAfter, g.now())
	return blocked
}

// TimeUntilNextCall returns how long a caller should wait before the next
// call could be admitted. Zero means a call would be admitted now.
func (g *Gate) TimeUntilNextCall() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.state = Normalize(g.state, g.Limits, now)
	return decide(g.state, g.Limits, now).Wait
}

// Snapshot returns a copy of the current state.
func (g *Gate) Snapshot() core.RateLimitState {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = Normalize(g.state, g.Limits, g.now())
	return copyState(g.state)
}

// Restore replaces the gate state, typically with a persisted snapshot or the
// result of a shared admission.
func (g *Gate) Restore(state core.RateLimitState) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = copyState(state)
}

func (g *Gate) now() time.Time {
	if g != nil && g.Clock != nil {
		return g.Clock()
	}
	return time.Now().UTC()
}

// Admit runs one admission against state at now and returns the decision with
// the updated state. An admitted call is recorded in the returned state.
// Stores that share a budget between processes apply it inside their own
// transaction.
func Admit(state core.RateLimitState, limits Limits, now time.Time) (Decision, core.RateLimitState) {
	state = Normalize(state, limits, now)
	decision := decide(state, limits, now)
	if decision.Allowed {
		state = record(state, now)
	}
	return decision, state
}

// Throttle blocks state for retryAfter (the default back-off when not
// positive) and returns the remaining block with the updated state.
func Throttle(state core.RateLimitState, limits Limits, retryAfter time.Duration, now time.Time) (time.Duration, core.RateLimitState) {
	if retryAfter <= 0 {
		retryAfter = limits.DefaultRetryAfter
	}

	state = Normalize(state, limits, now)
	state.LastThrottledAt = &now
	if retryAfter <= 0 {
		return 0, state
	}

	until := now.Add(retryAfter)
	if state.BlockedUntil == nil || until.After(*state.BlockedUntil) {
		state.BlockedUntil = &until
	}
	return state.BlockedUntil.Sub(now), state
}

// Normalize anchors a fresh window, rolls an elapsed window over and drops an
// expired block.
func Normalize(state core.RateLimitState, limits Limits, now time.Time) core.RateLimitState {
	state = copyState(state)

	if state.WindowResetAt.IsZero() {
		state.WindowResetAt = now.Add(limits.Window)
	}

	if limits.Window > 0 && now.After(state.WindowResetAt) {
		state.CallCount = 0
		next := state.WindowResetAt.Add(limits.Window)
		if !next.After(now) {
			next = now.Add(limits.Window)
		}
		state.WindowResetAt = next
	}

	if state.BlockedUntil != nil && !now.Before(*state.BlockedUntil) {
		state.BlockedUntil = nil
	}
	return state
}

// decide expects normalized state. When several policies deny, the longest
// wait wins.
func decide(state core.RateLimitState, limits Limits, now time.Time) Decision {
	decision := Decision{Allowed: true}
	deny := func(reason core.GateReason, wait time.Duration) {
		if wait < 0 {
			wait = 0
		}
		if decision.Allowed || wait > decision.Wait {
			decision.Reason = reason
			decision.Wait = wait
		}
		decision.Allowed = false
	}

	if state.Blocked(now) {
		deny(core.GateReasonBlocked, state.BlockedUntil.Sub(now))
	}

	if !state.LastCallAt.IsZero() && limits.MinInterval > 0 {
		if elapsed := now.Sub(state.LastCallAt); elapsed < limits.MinInterval {
			deny(core.GateReasonInterval, limits.MinInterval-elapsed)
		}
	}

	if limits.budgetEnforced() && state.CallCount >= limits.MaxCallsPerWindow {
		deny(core.GateReasonBudget, state.WindowResetAt.Sub(now))
	}

	return decision
}

func record(state core.RateLimitState, now time.Time) core.RateLimitState {
	state.LastCallAt = now
	state.CallCount++
	return state
}

func (l Limits) budgetEnforced() bool {
	return l.MaxCallsPerWindow > 0 && l.Window > 0
}

func copyState(state core.RateLimitState) core.RateLimitState {
	out := state
	if state.BlockedUntil != nil {
		value := *state.BlockedUntil
		out.BlockedUntil = &value
	}
	if state.LastThrottledAt != nil {
		value := *state.LastThrottledAt
		out.LastThrottledAt = &value
	}
	return out
}
