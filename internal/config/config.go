// Package config provides configuration types for Quotagate.
//
// Configuration is file-based (quotagate.yaml) with environment overrides
// (QUOTAGATE_*). Quota tables live in a separate YAML file referenced by
// rate_limit.tiers_file; without one the built-in table is used.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Override sources.
const (
	OverrideSourceNone   = "none"
	OverrideSourceState  = "state"
	OverrideSourceSQLite = "sqlite"
	OverrideSourceRedis  = "redis"
)

// Config is the top-level configuration for Quotagate.
type Config struct {
	// Server configures the HTTP server listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// RateLimit configures the admission layers.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Overrides configures where per-group quota overrides are read from.
	Overrides OverridesConfig `yaml:"overrides" mapstructure:"overrides"`

	// Telemetry configures OpenTelemetry exporters.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables development features (debug logging, stdout traces).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080", "0.0.0.0:8080").
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// TrustedProxies lists CIDRs or addresses allowed to set X-Forwarded-For.
	// Empty means the peer address is always used.
	TrustedProxies []string `yaml:"trusted_proxies" mapstructure:"trusted_proxies" validate:"omitempty,dive,cidr|ip"`

	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string `yaml:"tls_cert" mapstructure:"tls_cert" validate:"required_with=TLSKey"`
	TLSKey  string `yaml:"tls_key" mapstructure:"tls_key" validate:"required_with=TLSCert"`
}

// RateLimitConfig configures admission control.
type RateLimitConfig struct {
	// Enabled controls whether routed requests are admission-checked.
	// Default: true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// CleanupInterval is how often expired keys are swept (e.g., "1m").
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`

	// Shards is the number of lock shards in each limiter.
	Shards int `yaml:"shards" mapstructure:"shards" validate:"omitempty,min=1,max=4096"`

	// OverrideTimeout bounds each override lookup (e.g., "50ms").
	OverrideTimeout string `yaml:"override_timeout" mapstructure:"override_timeout" validate:"omitempty,duration"`

	// TiersFile is a YAML quota table. Empty uses the built-in table.
	TiersFile string `yaml:"tiers_file" mapstructure:"tiers_file"`

	// Routes maps URL path prefixes to endpoint identifiers.
	Routes map[string]string `yaml:"routes" mapstructure:"routes" validate:"omitempty,dive,keys,startswith=/,endkeys,required"`
}

// OverridesConfig selects the per-group override source.
type OverridesConfig struct {
	// Source is one of none, state, sqlite, redis. Default: none.
	Source string `yaml:"source" mapstructure:"source" validate:"omitempty,override_source"`

	// StatePath is the JSON overrides file used by the state source.
	StatePath string `yaml:"state_path" mapstructure:"state_path"`

	// RefreshInterval is how often the state file is re-read, and how long
	// sqlite lookups are cached (e.g., "1s").
	RefreshInterval string `yaml:"refresh_interval" mapstructure:"refresh_interval" validate:"omitempty,duration"`

	// SQLitePath is the database file used by the sqlite source.
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`

	// RedisAddr is the host:port used by the redis source.
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr" validate:"omitempty,hostname_port"`

	// RedisPrefix namespaces override hashes in Redis.
	RedisPrefix string `yaml:"redis_prefix" mapstructure:"redis_prefix"`
}

// TelemetryConfig configures OpenTelemetry exporters.
type TelemetryConfig struct {
	// TraceStdout writes spans as JSON to stdout.
	TraceStdout bool `yaml:"trace_stdout" mapstructure:"trace_stdout"`

	// MetricsStdout writes otel metrics as JSON to stdout.
	MetricsStdout bool `yaml:"metrics_stdout" mapstructure:"metrics_stdout"`

	// MetricsInterval is the stdout metrics export period (e.g., "1m").
	MetricsInterval string `yaml:"metrics_interval" mapstructure:"metrics_interval" validate:"omitempty,duration"`
}

// DefaultRoutes are used when rate_limit.routes is empty.
func DefaultRoutes() map[string]string {
	return map[string]string{
		"/v1/query":  "query",
		"/v1/read":   "read",
		"/v1/export": "export",
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Bind to localhost only unless told otherwise.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	// Only apply the default when the user hasn't explicitly set it in YAML/env.
	// viper.IsSet distinguishes "not set" (zero value) from "explicitly false".
	if !viper.IsSet("rate_limit.enabled") {
		c.RateLimit.Enabled = true
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "1m"
	}
	if c.RateLimit.Shards == 0 {
		c.RateLimit.Shards = 64
	}
	if c.RateLimit.OverrideTimeout == "" {
		c.RateLimit.OverrideTimeout = "50ms"
	}
	if len(c.RateLimit.Routes) == 0 {
		c.RateLimit.Routes = DefaultRoutes()
	}

	if c.Overrides.Source == "" {
		c.Overrides.Source = OverrideSourceNone
	}
	if c.Overrides.StatePath == "" {
		c.Overrides.StatePath = "quotagate-overrides.json"
	}
	if c.Overrides.RefreshInterval == "" {
		c.Overrides.RefreshInterval = "1s"
	}
	if c.Overrides.SQLitePath == "" {
		c.Overrides.SQLitePath = "quotagate.db"
	}
	if c.Overrides.RedisAddr == "" {
		c.Overrides.RedisAddr = "127.0.0.1:6379"
	}
	if c.Overrides.RedisPrefix == "" {
		c.Overrides.RedisPrefix = "quotagate:overrides"
	}

	if c.Telemetry.MetricsInterval == "" {
		c.Telemetry.MetricsInterval = "1m"
	}
}

// SetDevDefaults applies development defaults. Called after SetDefaults and
// any CLI flag overrides, before Validate.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	c.Telemetry.TraceStdout = true
}

// parseDuration returns d parsed, or fallback when d is empty or invalid.
// Values are validated before use, so fallback only covers unset fields.
func parseDuration(d string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(d)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// CleanupEvery returns CleanupInterval as a duration.
func (r RateLimitConfig) CleanupEvery() time.Duration {
	return parseDuration(r.CleanupInterval, time.Minute)
}

// OverrideDeadline returns OverrideTimeout as a duration.
func (r RateLimitConfig) OverrideDeadline() time.Duration {
	return parseDuration(r.OverrideTimeout, 50*time.Millisecond)
}

// RefreshEvery returns RefreshInterval as a duration.
func (o OverridesConfig) RefreshEvery() time.Duration {
	return parseDuration(o.RefreshInterval, time.Second)
}

// ExportEvery returns MetricsInterval as a duration.
func (t TelemetryConfig) ExportEvery() time.Duration {
	return parseDuration(t.MetricsInterval, time.Minute)
}
