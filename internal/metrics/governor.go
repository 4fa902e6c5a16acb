package metrics

import (
	"time"

	"github.com/quotaguard/quotaguard/internal/core/governor"
	"github.com/quotaguard/quotaguard/internal/observability"
)

// Governor metric names
const (
	GovernorCallsTotal    = "governor_calls_total"
	GovernorCacheTotal    = "governor_cache_total"
	GovernorWaitMs        = "governor_wait_ms"
	GovernorCallLatencyMs = "governor_call_duration_ms"
	GovernorCallsInWindow = "governor_calls_in_window"
)

// RecordGovernorEvent is a governor.Observer that emits call and cache metrics.
func RecordGovernorEvent(event governor.Event) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}

	_ = sys.Counter(GovernorCallsTotal, 1, map[string]string{
		"scope":   event.Scope,
		"outcome": string(event.Outcome),
	})

	if event.CacheKey != "" {
		result := "miss"
		if event.Outcome == governor.OutcomeCacheHit {
			result = "hit"
		}
		_ = sys.Counter(GovernorCacheTotal, 1, map[string]string{
			"scope":  event.Scope,
			"result": result,
		})
	}

	switch event.Outcome {
	case governor.OutcomeDenied, governor.OutcomeThrottled:
		labels := map[string]string{
			"scope":   event.Scope,
			"outcome": string(event.Outcome),
		}
		if event.Reason != "" {
			labels["reason"] = string(event.Reason)
		}
		_ = sys.Histogram(GovernorWaitMs, event.Wait, labels)
	}

	if event.Elapsed > 0 {
		_ = sys.Histogram(GovernorCallLatencyMs, event.Elapsed, map[string]string{
			"scope": event.Scope,
		})
	}
}

// RecordGovernorSnapshot publishes the per-scope window usage gauge.
func RecordGovernorSnapshot(scope string, callsInWindow int, nextCallIn time.Duration) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}
	_ = sys.Gauge(GovernorCallsInWindow, float64(callsInWindow), map[string]string{"scope": scope})
	_ = sys.Gauge("governor_next_call_seconds", nextCallIn.Seconds(), map[string]string{"scope": scope})
}
