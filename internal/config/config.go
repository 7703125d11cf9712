// Package config loads the reconciler configuration: built-in defaults, then an optional
// YAML file, then .env files, then RECONCILER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/payment-reconciler/internal/policy"
)

const envPrefix = "RECONCILER_"

// Config is the full service configuration.
type Config struct {
	ListenAddr   string              `yaml:"listen_addr" validate:"required"`
	LogLevel     string              `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat    string              `yaml:"log_format" validate:"oneof=text json"`
	Remote       RemoteConfig        `yaml:"remote"`
	Polling      PollingConfig       `yaml:"polling"`
	Breaker      BreakerConfig       `yaml:"breaker"`
	Redis        RedisConfig         `yaml:"redis"`
	Monitor      MonitorConfig       `yaml:"monitor"`
	CadenceRules []policy.PolicyRule `yaml:"cadence_rules"`
}

// RemoteConfig locates the merchant backend and the processor.
type RemoteConfig struct {
	BackendBaseURL   string        `yaml:"backend_base_url" validate:"required,url"`
	ProcessorBaseURL string        `yaml:"processor_base_url" validate:"required,url"`
	Timeout          time.Duration `yaml:"timeout" validate:"gt=0"`
	// UseMock swaps the HTTP client for the scripted one.
	UseMock bool `yaml:"use_mock"`
}

// PollingConfig paces the status poller.
type PollingConfig struct {
	Delay          time.Duration `yaml:"delay" validate:"gt=0"`
	TimeoutMinutes int           `yaml:"timeout_minutes" validate:"gte=1"`
	// TimeoutCount defaults to TimeoutMinutes worth of Delay-spaced attempts.
	TimeoutCount int    `yaml:"timeout_count" validate:"gte=1"`
	PlatformTag  string `yaml:"platform_tag" validate:"required"`
}

// BreakerConfig tunes the per-operation circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold" validate:"gte=1"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" validate:"gt=0"`
}

// RedisConfig enables the outcome store when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// MonitorConfig points the request contract checks at schema files on disk. An empty
// SchemaDir uses the schemas built into the binary.
type MonitorConfig struct {
	SchemaDir string `yaml:"schema_dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		LogFormat:  "text",
		Remote: RemoteConfig{
			BackendBaseURL:   "https://service.iamport.kr",
			ProcessorBaseURL: "https://api.chai.finance",
			Timeout:          10 * time.Second,
		},
		Polling: PollingConfig{
			Delay:          time.Second,
			TimeoutMinutes: 5,
			PlatformTag:    "aos",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     30 * time.Second,
		},
	}
}

var validate = validator.New()

// Load builds the configuration. path may be empty. With no envFiles, a .env in the
// working directory is read if present. Variables already set in the environment win
// over .env values.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	if cfg.Polling.TimeoutCount == 0 {
		cfg.Polling.TimeoutCount = DefaultTimeoutCount(cfg.Polling.TimeoutMinutes, cfg.Polling.Delay)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// DefaultTimeoutCount is the number of delay-spaced attempts that fit in minutes.
func DefaultTimeoutCount(minutes int, delay time.Duration) int {
	if delay <= 0 {
		return 0
	}
	return int(time.Duration(minutes) * time.Minute / delay)
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	str("LISTEN_ADDR", &cfg.ListenAddr)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("BACKEND_URL", &cfg.Remote.BackendBaseURL)
	str("PROCESSOR_URL", &cfg.Remote.ProcessorBaseURL)
	str("PLATFORM_TAG", &cfg.Polling.PlatformTag)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("SCHEMA_DIR", &cfg.Monitor.SchemaDir)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"HTTP_TIMEOUT", &cfg.Remote.Timeout},
		{"POLLING_DELAY", &cfg.Polling.Delay},
		{"BREAKER_RESET_TIMEOUT", &cfg.Breaker.ResetTimeout},
	}
	for _, d := range durations {
		if v, ok := os.LookupEnv(envPrefix + d.key); ok {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, d.key, err)
			}
			*d.dst = parsed
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"TIMEOUT_MINUTES", &cfg.Polling.TimeoutMinutes},
		{"TIMEOUT_COUNT", &cfg.Polling.TimeoutCount},
		{"REDIS_DB", &cfg.Redis.DB},
	}
	for _, i := range ints {
		if v, ok := os.LookupEnv(envPrefix + i.key); ok {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, i.key, err)
			}
			*i.dst = parsed
		}
	}

	if v, ok := os.LookupEnv(envPrefix + "BREAKER_FAILURE_THRESHOLD"); ok {
		parsed, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%sBREAKER_FAILURE_THRESHOLD: %w", envPrefix, err)
		}
		cfg.Breaker.FailureThreshold = uint32(parsed)
	}
	if v, ok := os.LookupEnv(envPrefix + "USE_MOCK"); ok {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sUSE_MOCK: %w", envPrefix, err)
		}
		cfg.Remote.UseMock = parsed
	}
	return nil
}
