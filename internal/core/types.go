package core

import "time"

// GateReason identifies which admission policy denied a call.
type GateReason string

const (
	GateReasonNone     GateReason = ""
	GateReasonBlocked  GateReason = "blocked"
	GateReasonInterval GateReason = "interval"
	GateReasonBudget   GateReason = "budget"
)

// CacheStats reports counters for a governed result cache.
type CacheStats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// ScopeSnapshot is a point-in-time view of one governed upstream scope.
type ScopeSnapshot struct {
	Scope      string         `json:"scope"`
	State      RateLimitState `json:"state"`
	Cache      CacheStats     `json:"cache"`
	NextCallIn time.Duration  `json:"next_call_in"`
	CapturedAt time.Time      `json:"captured_at"`
}
