package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.API.Auth.Enabled = true
	cfg.API.Auth.JWTSecret = "test-secret"
	cfg.API.RateLimiting.Enabled = true
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "listen address must not be empty",
			mutate: func(c *Config) { c.Node.ListenAddress = "" },
		},
		{
			name:   "dial timeout must be > 0",
			mutate: func(c *Config) { c.Node.DialTimeout = 0 },
		},
		{
			name:   "send queue must be > 0",
			mutate: func(c *Config) { c.Node.SendQueueSize = 0 },
		},
		{
			name:   "text rate must be > 0",
			mutate: func(c *Config) { c.Node.TextRateLimit.MessagesPerSecond = 0 },
		},
		{
			name:   "unknown directory backend",
			mutate: func(c *Config) { c.Directory.Backend = "etcd" },
		},
		{
			name: "redis backend needs an address",
			mutate: func(c *Config) {
				c.Directory.Backend = "redis"
				c.Redis.Address = ""
			},
		},
		{
			name:   "directory timeout must be > 0",
			mutate: func(c *Config) { c.Directory.OperationTimeout = 0 },
		},
		{
			name:   "breaker threshold must be > 0",
			mutate: func(c *Config) { c.Directory.CircuitBreaker.FailureThreshold = 0 },
		},
		{
			name:   "unknown audio source",
			mutate: func(c *Config) { c.Audio.Source = "microphone" },
		},
		{
			name: "file playback needs a directory",
			mutate: func(c *Config) {
				c.Audio.Playback = "file"
				c.Audio.PlaybackDir = ""
			},
		},
		{
			name:   "samples per frame must be > 0",
			mutate: func(c *Config) { c.Audio.SamplesPerFrame = 0 },
		},
		{
			name:   "jwt secret required when auth enabled",
			mutate: func(c *Config) { c.API.Auth.JWTSecret = "" },
		},
		{
			name:   "api rps must be > 0 when rate limiting enabled",
			mutate: func(c *Config) { c.API.RateLimiting.RequestsPerSecond = 0 },
		},
		{
			name:   "call rate must not be negative",
			mutate: func(c *Config) { c.API.RateLimiting.CallsPerMinute = -1 },
		},
		{
			name: "tracing sample rate out of range",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.SampleRate = 1.5
			},
		},
		{
			name:   "log level must not be empty",
			mutate: func(c *Config) { c.Logging.Level = "" },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestValidate_APIDisabled_IgnoresAPIValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.Enabled = false
	cfg.API.Address = ""
	cfg.API.Auth.Enabled = true
	cfg.API.Auth.JWTSecret = ""

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when api disabled, got error: %v", err)
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Node.ListenAddress != ":4000" {
		t.Fatalf("expected default listen address, got %q", cfg.Node.ListenAddress)
	}
	if !cfg.Node.Encryption {
		t.Errorf("expected encryption on by default")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
node:
  username: alice
  listen_address: "10.0.0.1:9000"
  dial_timeout: 2s
  encryption: false
directory:
  backend: redis
redis:
  address: "redis:6379"
audio:
  source: silence
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Node.Username != "alice" {
		t.Errorf("expected username alice, got %q", cfg.Node.Username)
	}
	if cfg.Node.ListenAddress != "10.0.0.1:9000" {
		t.Errorf("unexpected listen address %q", cfg.Node.ListenAddress)
	}
	if cfg.Node.DialTimeout != 2*time.Second {
		t.Errorf("expected dial timeout 2s, got %s", cfg.Node.DialTimeout)
	}
	if cfg.Node.Encryption {
		t.Errorf("expected encryption disabled by file")
	}
	if cfg.Directory.Backend != "redis" || cfg.Redis.Address != "redis:6379" {
		t.Errorf("unexpected directory settings: %s %s", cfg.Directory.Backend, cfg.Redis.Address)
	}
	// untouched sections keep their defaults
	if cfg.Audio.SampleRate != 50000 {
		t.Errorf("expected default sample rate, got %d", cfg.Audio.SampleRate)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("node: [unclosed"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("VOICEBOX_USERNAME", "bob")
	t.Setenv("VOICEBOX_REDIS_ADDRESS", "cache:6379")
	t.Setenv("VOICEBOX_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Node.Username != "bob" {
		t.Errorf("expected username from env, got %q", cfg.Node.Username)
	}
	if cfg.Directory.Backend != "redis" || cfg.Redis.Address != "cache:6379" {
		t.Errorf("expected redis backend from env, got %s %s", cfg.Directory.Backend, cfg.Redis.Address)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %q", cfg.Logging.Level)
	}
}
