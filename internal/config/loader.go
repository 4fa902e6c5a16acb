// Package config provides centralized configuration management for quotaguard.
// Defaults are registered on a viper instance, then a YAML config file, then
// environment variables, then runtime overrides are layered on top. The
// result is decoded with mapstructure hooks and checked with validator tags.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/appidentity"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/quotaguard/quotaguard/internal/appid"
)

var (
	// appConfig holds the current application configuration
	appConfig   *Config
	configMu    sync.RWMutex
	configFile  string
	appIdentity *appidentity.Identity
)

// EnvVarSpec defines environment variable mappings for config fields
// following the pattern: {PREFIX}{NAME} maps to config path
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// SetConfigFile pins an explicit config file. An empty path restores discovery
// through the XDG config paths.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Load builds the configuration from defaults, the config file, environment
// variables and the given runtime overrides (highest precedence last).
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, runtimeOverrides ...map[string]any) (*Config, error) {
	if appIdentity == nil {
		identity, err := appid.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load app identity: %w", err)
		}
		appIdentity = identity
	}

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	prefix := envPrefix()
	v.SetEnvPrefix(strings.TrimSuffix(prefix, "_"))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	applyCredentialEnvOverrides(prefix, envOverrides)
	if err := v.MergeConfigMap(envOverrides); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	for _, overrides := range runtimeOverrides {
		setOverrides(v, "", overrides)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	normalize(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	setConfig(cfg)
	return cfg, nil
}

// SetDefaults registers every configuration key with its default value.
func SetDefaults(v *viper.Viper) {
	// Governor defaults
	v.SetDefault("governor.min_interval", "15s")
	v.SetDefault("governor.max_calls_per_window", 200)
	v.SetDefault("governor.window", "1h")
	v.SetDefault("governor.cache_ttl", "5m")
	v.SetDefault("governor.default_retry_after", "30s")
	v.SetDefault("governor.cache_max_entries", 0)
	v.SetDefault("governor.cache_sweep_interval", "0s")
	v.SetDefault("governor.call_timeout", "30s")
	v.SetDefault("governor.state_backend", StateBackendMemory)

	// Upstream defaults
	v.SetDefault("upstream.base_url", "https://graph.facebook.com")
	v.SetDefault("upstream.api_version", "v19.0")
	v.SetDefault("upstream.timeout", "20s")

	// Store defaults
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	// Redis defaults
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "quotaguard:gate")
	v.SetDefault("redis.state_ttl", "24h")

	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")
	v.SetDefault("logging.environment", "production")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Health check defaults
	v.SetDefault("health.enabled", true)

	// Debug defaults
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

func readConfigFile(v *viper.Viper) error {
	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", explicit, err)
		}
		return nil
	}

	for _, path := range getUserConfigPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		return nil
	}
	return nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	cfg.Governor.StateBackend = strings.ToLower(strings.TrimSpace(cfg.Governor.StateBackend))
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))

	if len(cfg.Upstream.Credentials) > 0 {
		creds := make(map[string]string, len(cfg.Upstream.Credentials))
		for scope, token := range cfg.Upstream.Credentials {
			creds[strings.ToLower(strings.TrimSpace(scope))] = strings.TrimSpace(token)
		}
		cfg.Upstream.Credentials = creds
	}
}

// getUserConfigPaths returns the list of user config file paths to check
// Uses gofulmen/config for XDG-compliant path discovery
func getUserConfigPaths() []string {
	configName, binaryName := appNamesForPaths()

	legacyNames := []string{}
	if binaryName != configName {
		legacyNames = append(legacyNames, binaryName)
	}

	paths := gfconfig.GetAppConfigPaths(configName, legacyNames...)
	return append(paths, filepath.Join("config", configName+".yaml"))
}

func envPrefix() string {
	prefix := "QUOTAGUARD_"
	if appIdentity != nil && strings.TrimSpace(appIdentity.EnvPrefix) != "" {
		prefix = appIdentity.EnvPrefix
	}
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return prefix
}

// getEnvSpecs returns the short environment variable aliases.
// Every key is also reachable through its full dotted path, e.g.
// QUOTAGUARD_GOVERNOR_MIN_INTERVAL.
func getEnvSpecs() []EnvVarSpec {
	prefix := envPrefix()

	return []EnvVarSpec{
		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		// Duration fields are parsed as strings and converted by mapstructure decode hook
		{Name: prefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: prefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},

		// Logging config
		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},
		{Name: prefix + "ENVIRONMENT", Path: []string{"logging", "environment"}, Type: EnvString},

		// Store config
		{Name: prefix + "DB_PATH", Path: []string{"store", "path"}, Type: EnvString},
		{Name: prefix + "DB_URL", Path: []string{"store", "url"}, Type: EnvString},
		{Name: prefix + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}, Type: EnvString},

		// Upstream config
		{Name: prefix + "UPSTREAM_URL", Path: []string{"upstream", "base_url"}, Type: EnvString},
		{Name: prefix + "UPSTREAM_VERSION", Path: []string{"upstream", "api_version"}, Type: EnvString},

		// Governor config
		{Name: prefix + "STATE_BACKEND", Path: []string{"governor", "state_backend"}, Type: EnvString},

		// Redis config
		{Name: prefix + "REDIS_ADDR", Path: []string{"redis", "addr"}, Type: EnvString},
		{Name: prefix + "REDIS_PASSWORD", Path: []string{"redis", "password"}, Type: EnvString},

		// Metrics config
		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},

		// Health config
		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},

		// Debug config
		{Name: prefix + "DEBUG_ENABLED", Path: []string{"debug", "enabled"}, Type: EnvBool},
		{Name: prefix + "DEBUG_PPROF_ENABLED", Path: []string{"debug", "pprof_enabled"}, Type: EnvBool},
	}
}

// applyCredentialEnvOverrides maps {PREFIX}CREDENTIAL_<SCOPE>=<token> onto
// upstream.credentials.<scope>.
func applyCredentialEnvOverrides(prefix string, envOverrides map[string]any) {
	credentialPrefix := prefix + "CREDENTIAL_"

	for _, item := range os.Environ() {
		key, value, ok := strings.Cut(item, "=")
		if !ok || !strings.HasPrefix(key, credentialPrefix) {
			continue
		}
		scope := strings.ToLower(strings.TrimSpace(key[len(credentialPrefix):]))
		value = strings.TrimSpace(value)
		if scope == "" || value == "" {
			continue
		}

		upstream := ensureMap(envOverrides, "upstream")
		credentials := ensureMap(upstream, "credentials")
		credentials[scope] = value
	}
}

// setOverrides writes nested runtime overrides with v.Set so they outrank
// environment variables.
func setOverrides(v *viper.Viper, parent string, overrides map[string]any) {
	for key, value := range overrides {
		path := key
		if parent != "" {
			path = parent + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			setOverrides(v, path, nested)
			continue
		}
		v.Set(path, value)
	}
}

func ensureMap(parent map[string]any, key string) map[string]any {
	if parent == nil {
		return map[string]any{}
	}
	if existing, ok := parent[key]; ok {
		if typed, ok := existing.(map[string]any); ok {
			return typed
		}
	}
	next := map[string]any{}
	parent[key] = next
	return next
}

// appNamesForPaths returns the config name and binary name from app identity,
// falling back to "quotaguard" if not set.
func appNamesForPaths() (configName string, binaryName string) {
	configName = "quotaguard"
	binaryName = "quotaguard"
	if appIdentity == nil {
		return configName, binaryName
	}

	if strings.TrimSpace(appIdentity.ConfigName) != "" {
		configName = appIdentity.ConfigName
	}
	if strings.TrimSpace(appIdentity.BinaryName) != "" {
		binaryName = appIdentity.BinaryName
	}
	return configName, binaryName
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configName, _ := appNamesForPaths()
	configDir := gfconfig.GetAppConfigDir(configName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	configName, _ := appNamesForPaths()
	return gfconfig.GetAppDataDir(configName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	configName, binaryName := appNamesForPaths()
	dataDir := gfconfig.GetAppDataDir(configName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + binaryName + ".db"
	}
	return filepath.Join(dataDir, binaryName+".db")
}
