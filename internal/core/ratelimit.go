package core

import "time"

// RateLimitState captures the admission state of one upstream scope.
type RateLimitState struct {
	LastCallAt      time.Time  `json:"last_call_at"`
	CallCount       int        `json:"call_count"`
	WindowResetAt   time.Time  `json:"window_reset_at"`
	BlockedUntil    *time.Time `json:"blocked_until,omitempty"`
	LastThrottledAt *time.Time `json:"last_throttled_at,omitempty"`
}

// Blocked reports whether the state carries a block that is still in effect at now.
func (s RateLimitState) Blocked(now time.Time) bool {
	return s.BlockedUntil != nil && now.Before(*s.BlockedUntil)
}
