package config

import (
	"fmt"
	"os"
	"time"

	"voicebox/pkg/validation"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Node struct {
		Username         string        `yaml:"username"`
		ListenAddress    string        `yaml:"listen_address"`
		AdvertiseAddress string        `yaml:"advertise_address"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		SendQueueSize    int           `yaml:"send_queue_size"`
		ReportInterval   time.Duration `yaml:"report_interval"`
		ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
		// Encryption seals text and audio with a per-connection key agreed
		// during the handshake. Both peers must agree on it.
		Encryption bool `yaml:"encryption"`

		TextRateLimit struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"text_rate_limit"`
	} `yaml:"node"`

	Directory struct {
		Backend          string        `yaml:"backend"` // memory | redis
		OperationTimeout time.Duration `yaml:"operation_timeout"`
		LookupCacheTTL   time.Duration `yaml:"lookup_cache_ttl"`

		CircuitBreaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			Timeout          time.Duration `yaml:"timeout"`
		} `yaml:"circuit_breaker"`

		Retry struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"retry"`
	} `yaml:"directory"`

	Redis struct {
		Address   string `yaml:"address"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		PoolSize  int    `yaml:"pool_size"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Audio struct {
		Source            string  `yaml:"source"` // tone | silence
		SampleRate        int     `yaml:"sample_rate"`
		Channels          int     `yaml:"channels"`
		SamplesPerFrame   int     `yaml:"samples_per_frame"`
		ToneFrequency     float64 `yaml:"tone_frequency"`
		Playback          string  `yaml:"playback"` // discard | file
		PlaybackDir       string  `yaml:"playback_dir"`
		PlaybackQueueSize int     `yaml:"playback_queue_size"`
	} `yaml:"audio"`

	API struct {
		Enabled      bool          `yaml:"enabled"`
		Address      string        `yaml:"address"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`

		Auth struct {
			Enabled   bool          `yaml:"enabled"`
			JWTSecret string        `yaml:"jwt_secret"`
			TokenTTL  time.Duration `yaml:"token_ttl"`
		} `yaml:"auth"`

		RateLimiting struct {
			Enabled           bool    `yaml:"enabled"`
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
			MaxClients        int     `yaml:"max_clients"`

			// CallsPerMinute limits call attempts and user searches per
			// caller. Zero leaves them under the request limit only.
			CallsPerMinute float64 `yaml:"calls_per_minute"`
			CallBurst      int     `yaml:"call_burst"`
		} `yaml:"rate_limiting"`
	} `yaml:"api"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Node
	if err := validation.ValidateListenAddress(c.Node.ListenAddress); err != nil {
		return fmt.Errorf("node.listen_address: %w", err)
	}
	if c.Node.DialTimeout <= 0 {
		return fmt.Errorf("node.dial_timeout must be > 0")
	}
	if c.Node.HandshakeTimeout <= 0 {
		return fmt.Errorf("node.handshake_timeout must be > 0")
	}
	if c.Node.WriteTimeout <= 0 {
		return fmt.Errorf("node.write_timeout must be > 0")
	}
	if c.Node.SendQueueSize <= 0 {
		return fmt.Errorf("node.send_queue_size must be > 0")
	}
	if c.Node.ReportInterval < 0 {
		return fmt.Errorf("node.report_interval must be >= 0")
	}
	if c.Node.ShutdownTimeout <= 0 {
		return fmt.Errorf("node.shutdown_timeout must be > 0")
	}
	if c.Node.TextRateLimit.MessagesPerSecond <= 0 {
		return fmt.Errorf("node.text_rate_limit.messages_per_second must be > 0")
	}
	if c.Node.TextRateLimit.Burst <= 0 {
		return fmt.Errorf("node.text_rate_limit.burst must be > 0")
	}

	// Directory
	switch c.Directory.Backend {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when directory.backend=redis")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when directory.backend=redis")
		}
	default:
		return fmt.Errorf("directory.backend must be memory or redis, got %q", c.Directory.Backend)
	}
	if c.Directory.OperationTimeout <= 0 {
		return fmt.Errorf("directory.operation_timeout must be > 0")
	}
	if c.Directory.LookupCacheTTL < 0 {
		return fmt.Errorf("directory.lookup_cache_ttl must be >= 0")
	}
	if c.Directory.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("directory.circuit_breaker.failure_threshold must be > 0")
	}
	if c.Directory.CircuitBreaker.Timeout <= 0 {
		return fmt.Errorf("directory.circuit_breaker.timeout must be > 0")
	}
	if c.Directory.Retry.MaxAttempts < 0 {
		return fmt.Errorf("directory.retry.max_attempts must be >= 0")
	}

	// Audio
	switch c.Audio.Source {
	case "tone", "silence":
	default:
		return fmt.Errorf("audio.source must be tone or silence, got %q", c.Audio.Source)
	}
	switch c.Audio.Playback {
	case "discard":
	case "file":
		if c.Audio.PlaybackDir == "" {
			return fmt.Errorf("audio.playback_dir must not be empty when audio.playback=file")
		}
	default:
		return fmt.Errorf("audio.playback must be discard or file, got %q", c.Audio.Playback)
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be > 0")
	}
	if c.Audio.Channels <= 0 {
		return fmt.Errorf("audio.channels must be > 0")
	}
	if c.Audio.SamplesPerFrame <= 0 {
		return fmt.Errorf("audio.samples_per_frame must be > 0")
	}
	if c.Audio.PlaybackQueueSize <= 0 {
		return fmt.Errorf("audio.playback_queue_size must be > 0")
	}

	// API
	if c.API.Enabled {
		if c.API.Address == "" {
			return fmt.Errorf("api.address must not be empty when api.enabled=true")
		}
		if c.API.ReadTimeout <= 0 || c.API.WriteTimeout <= 0 {
			return fmt.Errorf("api.read_timeout and api.write_timeout must be > 0")
		}
		if c.API.Auth.Enabled {
			if err := validation.ValidateNonEmptyString(c.API.Auth.JWTSecret, "api.auth.jwt_secret"); err != nil {
				return fmt.Errorf("%w when api.auth.enabled=true", err)
			}
			if c.API.Auth.TokenTTL <= 0 {
				return fmt.Errorf("api.auth.token_ttl must be > 0")
			}
		}
		if c.API.RateLimiting.Enabled {
			if c.API.RateLimiting.RequestsPerSecond <= 0 {
				return fmt.Errorf("api.rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
			}
			if c.API.RateLimiting.Burst <= 0 {
				return fmt.Errorf("api.rate_limiting.burst must be > 0 when rate limiting is enabled")
			}
			if c.API.RateLimiting.MaxConcurrent < 0 {
				return fmt.Errorf("api.rate_limiting.max_concurrent must be >= 0")
			}
			if c.API.RateLimiting.CallsPerMinute < 0 {
				return fmt.Errorf("api.rate_limiting.calls_per_minute must be >= 0")
			}
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Node.ListenAddress = ":4000"
	cfg.Node.DialTimeout = 5 * time.Second
	cfg.Node.HandshakeTimeout = 5 * time.Second
	cfg.Node.WriteTimeout = 5 * time.Second
	cfg.Node.SendQueueSize = 64
	cfg.Node.ReportInterval = 5 * time.Second
	cfg.Node.ShutdownTimeout = 10 * time.Second
	cfg.Node.Encryption = true
	cfg.Node.TextRateLimit.MessagesPerSecond = 20
	cfg.Node.TextRateLimit.Burst = 40

	cfg.Directory.Backend = "memory"
	cfg.Directory.OperationTimeout = 3 * time.Second
	cfg.Directory.LookupCacheTTL = time.Minute
	cfg.Directory.CircuitBreaker.FailureThreshold = 5
	cfg.Directory.CircuitBreaker.Timeout = 30 * time.Second
	cfg.Directory.Retry.MaxAttempts = 3
	cfg.Directory.Retry.InitialDelay = 200 * time.Millisecond
	cfg.Directory.Retry.MaxDelay = 5 * time.Second

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "voicebox:"

	// 16-bit mono PCM, same stream shape as the desktop client.
	cfg.Audio.Source = "tone"
	cfg.Audio.SampleRate = 50000
	cfg.Audio.Channels = 1
	cfg.Audio.SamplesPerFrame = 5120
	cfg.Audio.ToneFrequency = 440
	cfg.Audio.Playback = "discard"
	cfg.Audio.PlaybackDir = "playback"
	cfg.Audio.PlaybackQueueSize = 32

	cfg.API.Enabled = true
	cfg.API.Address = "127.0.0.1:8080"
	cfg.API.ReadTimeout = 15 * time.Second
	cfg.API.WriteTimeout = 15 * time.Second
	cfg.API.Auth.Enabled = false
	cfg.API.Auth.TokenTTL = 12 * time.Hour
	cfg.API.RateLimiting.Enabled = false
	cfg.API.RateLimiting.RequestsPerSecond = 20
	cfg.API.RateLimiting.Burst = 40
	cfg.API.RateLimiting.MaxClients = 1024
	cfg.API.RateLimiting.CallsPerMinute = 30
	cfg.API.RateLimiting.CallBurst = 5

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if username := os.Getenv("VOICEBOX_USERNAME"); username != "" {
		c.Node.Username = username
	}
	if addr := os.Getenv("VOICEBOX_LISTEN_ADDRESS"); addr != "" {
		c.Node.ListenAddress = addr
	}
	if level := os.Getenv("VOICEBOX_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("VOICEBOX_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Directory.Backend = "redis"
	}
	if secret := os.Getenv("VOICEBOX_JWT_SECRET"); secret != "" {
		c.API.Auth.JWTSecret = secret
	}
}
