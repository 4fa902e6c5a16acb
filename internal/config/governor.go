package config

import (
	"github.com/quotaguard/quotaguard/internal/core/governor"
)

// Limits converts the policy into gate limits.
func (g GovernorConfig) Limits() governor.Limits {
	return governor.Limits{
		MinInterval:       g.MinInterval,
		MaxCallsPerWindow: g.MaxCallsPerWindow,
		Window:            g.Window,
		DefaultRetryAfter: g.DefaultRetryAfter,
	}
}

// Options returns base governor options. Callers attach the logger, store and
// observer.
func (g GovernorConfig) Options() governor.Options {
	return governor.Options{
		Limits:          g.Limits(),
		CacheTTL:        g.CacheTTL,
		CacheMaxEntries: g.CacheMaxEntries,
		SweepInterval:   g.CacheSweepInterval,
		CallTimeout:     g.CallTimeout,
	}
}
