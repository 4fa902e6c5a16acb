package governor

import (
	"errors"
	"fmt"
	"time"

	"github.com/quotaguard/quotaguard/internal/core"
)

var (
	// ErrLocalThrottle matches any call the gate refused before reaching the network.
	ErrLocalThrottle = errors.New("governor: call denied locally")

	// ErrUpstreamThrottle matches any call the upstream rejected with a rate-limit signal.
	ErrUpstreamThrottle = errors.New("governor: upstream throttled")
)

// LocalThrottleError is returned when the gate denies admission. The operation was not invoked.
type LocalThrottleError struct {
	Scope  string
	Reason core.GateReason
	Wait   time.Duration
}

func (e *LocalThrottleError) Error() string {
	if e == nil {
		return ErrLocalThrottle.Error()
	}
	msg := fmt.Sprintf("rate limited locally (%s), retry in %s", e.Reason, e.Wait.Round(time.Millisecond))
	if e.Scope != "" {
		return e.Scope + ": " + msg
	}
	return msg
}

func (e *LocalThrottleError) Is(target error) bool {
	return target == ErrLocalThrottle
}

// UpstreamThrottleError wraps an operation failure classified as an upstream rate-limit response.
type UpstreamThrottleError struct {
	Scope      string
	RetryAfter time.Duration
	Err        error
}

func (e *UpstreamThrottleError) Error() string {
	if e == nil {
		return ErrUpstreamThrottle.Error()
	}
	msg := fmt.Sprintf("upstream rate limited, blocked for %s", e.RetryAfter.Round(time.Millisecond))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Scope != "" {
		return e.Scope + ": " + msg
	}
	return msg
}

func (e *UpstreamThrottleError) Is(target error) bool {
	return target == ErrUpstreamThrottle
}

func (e *UpstreamThrottleError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ThrottleSignal is implemented by upstream client errors that know whether
// they represent a rate-limit response.
type ThrottleSignal interface {
	Throttled() bool
}

// RetryAfterHint is optionally implemented by throttle errors carrying an
// explicit back-off from the upstream.
type RetryAfterHint interface {
	RetryAfter() time.Duration
}

// Classifier decides whether an operation error is an upstream throttle signal.
// The returned duration is the upstream back-off hint; zero means "use the default".
type Classifier func(err error) (throttled bool, retryAfter time.Duration)

// DefaultClassifier recognises errors implementing ThrottleSignal anywhere in the chain.
func DefaultClassifier(err error) (bool, time.Duration) {
	if err == nil {
		return false, 0
	}

	var signal ThrottleSignal
	if !errors.As(err, &signal) || !signal.Throttled() {
		return false, 0
	}

	var hint RetryAfterHint
	if errors.As(err, &hint) {
		if d := hint.RetryAfter(); d > 0 {
			return true, d
		}
	}
	return true, 0
}

// WaitHint extracts the suggested wait from a governor throttle error.
func WaitHint(err error) (time.Duration, bool) {
	var local *LocalThrottleError
	if errors.As(err, &local) {
		return local.Wait, true
	}
	var upstream *UpstreamThrottleError
	if errors.As(err, &upstream) {
		return upstream.RetryAfter, true
	}
	return 0, false
}
