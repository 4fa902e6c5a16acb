package config

import (
	"time"
)

// Config represents the complete application configuration.
// Values are layered: built-in defaults, then the config file, then
// environment variables, then runtime overrides.
type Config struct {
	Governor GovernorConfig `mapstructure:"governor"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
	Debug    DebugConfig    `mapstructure:"debug"`
}

// State backends for persisted gate state.
const (
	StateBackendMemory = "memory"
	StateBackendStore  = "store"
	StateBackendRedis  = "redis"
)

// GovernorConfig holds the admission, caching and back-off policy shared by
// every upstream scope.
type GovernorConfig struct {
	MinInterval        time.Duration `mapstructure:"min_interval" validate:"gte=0"`
	MaxCallsPerWindow  int           `mapstructure:"max_calls_per_window" validate:"gte=0"`
	Window             time.Duration `mapstructure:"window" validate:"gte=0"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
	DefaultRetryAfter  time.Duration `mapstructure:"default_retry_after" validate:"gt=0"`
	CacheMaxEntries    int           `mapstructure:"cache_max_entries" validate:"gte=0"`
	CacheSweepInterval time.Duration `mapstructure:"cache_sweep_interval" validate:"gte=0"`
	CallTimeout        time.Duration `mapstructure:"call_timeout" validate:"gte=0"`
	StateBackend       string        `mapstructure:"state_backend" validate:"oneof=memory store redis"`
}

// UpstreamConfig describes the Graph-style API being governed.
//
// Credentials maps a scope name (typically an ad account) to its access token.
// Scope names are case-insensitive and stored lowercased.
type UpstreamConfig struct {
	BaseURL     string            `mapstructure:"base_url" validate:"required,url"`
	APIVersion  string            `mapstructure:"api_version"`
	Timeout     time.Duration     `mapstructure:"timeout" validate:"gte=0"`
	Credentials map[string]string `mapstructure:"credentials" validate:"dive,keys,required,endkeys,required"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver" validate:"oneof=libsql"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// RedisConfig is used when governor.state_backend is "redis".
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	StateTTL  time.Duration `mapstructure:"state_ttl" validate:"gte=0"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration
// Supports progressive logging profiles:
// - SIMPLE: Console output only, minimal configuration (CLI tools)
// - STRUCTURED: Structured sinks, correlation IDs (API services)
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error"`

	// Profile selects the logging complexity level
	Profile string `mapstructure:"profile"`

	// Environment is stamped on every server log record
	Environment string `mapstructure:"environment"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	// Metrics are also available at the main HTTP port in JSON format
	Port int `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	// Enabled controls whether health endpoints are exposed
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	// Enabled controls whether debug mode is active
	Enabled bool `mapstructure:"enabled"`

	// PprofEnabled controls whether pprof endpoints are exposed
	// WARNING: Only enable in development/staging environments
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}
