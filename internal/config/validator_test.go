package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// minimalValidConfig returns a defaulted Config that passes validation.
func minimalValidConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	if err := minimalValidConfig().Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "trace" },
			wantErr: "must be one of",
		},
		{
			name:    "bad listen address",
			mutate:  func(c *Config) { c.Server.HTTPAddr = "not an address" },
			wantErr: "host:port",
		},
		{
			name:    "bad trusted proxy",
			mutate:  func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/33"} },
			wantErr: "IP address or CIDR",
		},
		{
			name:    "tls cert without key",
			mutate:  func(c *Config) { c.Server.TLSCert = "cert.pem" },
			wantErr: "is required when",
		},
		{
			name:    "negative cleanup interval",
			mutate:  func(c *Config) { c.RateLimit.CleanupInterval = "-1m" },
			wantErr: "positive duration",
		},
		{
			name:    "unparseable override timeout",
			mutate:  func(c *Config) { c.RateLimit.OverrideTimeout = "fast" },
			wantErr: "positive duration",
		},
		{
			name:    "too many shards",
			mutate:  func(c *Config) { c.RateLimit.Shards = 100000 },
			wantErr: "at most",
		},
		{
			name:    "route without leading slash",
			mutate:  func(c *Config) { c.RateLimit.Routes = map[string]string{"v1/query": "query"} },
			wantErr: "must start with",
		},
		{
			name:    "route without endpoint",
			mutate:  func(c *Config) { c.RateLimit.Routes = map[string]string{"/v1/query": ""} },
			wantErr: "is required",
		},
		{
			name:    "unknown override source",
			mutate:  func(c *Config) { c.Overrides.Source = "etcd" },
			wantErr: "none state sqlite redis",
		},
		{
			name: "redis source without address",
			mutate: func(c *Config) {
				c.Overrides.Source = OverrideSourceRedis
				c.Overrides.RedisAddr = ""
			},
			wantErr: "requires redis_addr",
		},
		{
			name: "state source without path",
			mutate: func(c *Config) {
				c.Overrides.Source = OverrideSourceState
				c.Overrides.StatePath = ""
			},
			wantErr: "requires state_path",
		},
		{
			name:    "missing tiers file",
			mutate:  func(c *Config) { c.RateLimit.TiersFile = "/nonexistent/tiers.yaml" },
			wantErr: "rate_limit.tiers_file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := minimalValidConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_AcceptsAllSources(t *testing.T) {
	t.Parallel()

	for _, src := range []string{OverrideSourceNone, OverrideSourceState, OverrideSourceSQLite, OverrideSourceRedis} {
		cfg := minimalValidConfig()
		cfg.Overrides.Source = src
		if err := cfg.Validate(); err != nil {
			t.Errorf("source %q: unexpected error: %v", src, err)
		}
	}
}

func TestValidate_TrustedProxies(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.TrustedProxies = []string{"10.0.0.0/8", "192.168.1.1", "::1"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_ExistingTiersFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tiers.yaml")
	if err := os.WriteFile(path, []byte(validTiersYAML), 0600); err != nil {
		t.Fatal(err)
	}
	cfg := minimalValidConfig()
	cfg.RateLimit.TiersFile = path
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}
