package config

import (
	"sort"
	"strings"
)

const redacted = "********"

// Effective renders the configuration as nested maps suitable for YAML or
// JSON output. Secrets are masked and durations use Go duration strings.
func (c *Config) Effective() map[string]any {
	if c == nil {
		return map[string]any{}
	}

	scopes := make([]string, 0, len(c.Upstream.Credentials))
	for scope := range c.Upstream.Credentials {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	credentials := make(map[string]any, len(scopes))
	for _, scope := range scopes {
		credentials[scope] = mask(c.Upstream.Credentials[scope])
	}

	return map[string]any{
		"governor": map[string]any{
			"min_interval":         c.Governor.MinInterval.String(),
			"max_calls_per_window": c.Governor.MaxCallsPerWindow,
			"window":               c.Governor.Window.String(),
			"cache_ttl":            c.Governor.CacheTTL.String(),
			"default_retry_after":  c.Governor.DefaultRetryAfter.String(),
			"cache_max_entries":    c.Governor.CacheMaxEntries,
			"cache_sweep_interval": c.Governor.CacheSweepInterval.String(),
			"call_timeout":         c.Governor.CallTimeout.String(),
			"state_backend":        c.Governor.StateBackend,
		},
		"upstream": map[string]any{
			"base_url":    c.Upstream.BaseURL,
			"api_version": c.Upstream.APIVersion,
			"timeout":     c.Upstream.Timeout.String(),
			"credentials": credentials,
		},
		"store": map[string]any{
			"driver":     c.Store.Driver,
			"path":       c.Store.Path,
			"url":        c.Store.URL,
			"auth_token": mask(c.Store.AuthToken),
		},
		"redis": map[string]any{
			"addr":       c.Redis.Addr,
			"password":   mask(c.Redis.Password),
			"db":         c.Redis.DB,
			"key_prefix": c.Redis.KeyPrefix,
			"state_ttl":  c.Redis.StateTTL.String(),
		},
		"server": map[string]any{
			"host":             c.Server.Host,
			"port":             c.Server.Port,
			"read_timeout":     c.Server.ReadTimeout.String(),
			"write_timeout":    c.Server.WriteTimeout.String(),
			"idle_timeout":     c.Server.IdleTimeout.String(),
			"shutdown_timeout": c.Server.ShutdownTimeout.String(),
		},
		"logging": map[string]any{
			"level":       c.Logging.Level,
			"profile":     c.Logging.Profile,
			"environment": c.Logging.Environment,
		},
		"metrics": map[string]any{
			"enabled": c.Metrics.Enabled,
			"port":    c.Metrics.Port,
		},
		"health": map[string]any{
			"enabled": c.Health.Enabled,
		},
		"debug": map[string]any{
			"enabled":       c.Debug.Enabled,
			"pprof_enabled": c.Debug.PprofEnabled,
		},
	}
}

func mask(secret string) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}
	return redacted
}
