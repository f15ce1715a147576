// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Engine        EngineConfig        `yaml:"engine"`
	Store         StoreConfig         `yaml:"store"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Skills        SkillsConfig        `yaml:"skills"`
	Batch         BatchConfig         `yaml:"batch"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// DefinitionsConfig describes where to find workflow definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
	// Strict refuses to start when any definition fails validation.
	Strict bool `yaml:"strict"`
}

// EngineConfig describes execution engine settings.
type EngineConfig struct {
	StepTimeout    time.Duration `yaml:"step_timeout"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	Retry          RetryConfig   `yaml:"retry"`
}

// RetryConfig is the retry policy applied to steps that declare none.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// StoreConfig describes execution history persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// SkillsConfig describes the prompt catalog and text-generation backends.
type SkillsConfig struct {
	Directories    []string             `yaml:"directories"`
	DefaultKeyMode string               `yaml:"default_key_mode"`
	Provider       ProviderConfig       `yaml:"provider"`
	Proxy          ProxyConfig          `yaml:"proxy"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Services       []ServiceConfig      `yaml:"services"`
}

// ServiceConfig describes a REST service whose OpenAPI operations are
// exposed as skills named "<id>.<operationId>".
type ServiceConfig struct {
	ID       string        `yaml:"id"`
	SpecPath string        `yaml:"spec_path"`
	BaseURL  string        `yaml:"base_url"`
	TokenEnv string        `yaml:"token_env"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ProviderConfig describes the direct OpenAI-compatible provider used in
// personal key mode.
type ProviderConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKeyEnv    string        `yaml:"api_key_env"`
	DefaultModel string        `yaml:"default_model"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ProxyConfig describes the hosted proxy used in platform key mode.
type ProxyConfig struct {
	URL      string        `yaml:"url"`
	TokenEnv string        `yaml:"token_env"`
	Timeout  time.Duration `yaml:"timeout"`
}

// CircuitBreakerConfig describes circuit breaker settings per skill.
type CircuitBreakerConfig struct {
	Enabled            bool          `yaml:"enabled"`
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// BatchConfig describes batch run settings.
type BatchConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Delay       time.Duration `yaml:"delay"`
	MaxItems    int           `yaml:"max_items"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			HandlerTimeout:  55 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Correlation-Id", "Idempotency-Key"},
				MaxAge:         86400,
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions/workflows"},
			Strict:      true,
		},
		Engine: EngineConfig{
			StepTimeout: 2 * time.Minute,
			Retry: RetryConfig{
				MaxAttempts:       1,
				BackoffInitial:    time.Second,
				BackoffMultiplier: 2,
				BackoffMax:        30 * time.Second,
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "SKILLFLOW_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "SKILLFLOW_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Skills: SkillsConfig{
			Directories:    []string{"/definitions/skills"},
			DefaultKeyMode: "personal",
			Provider: ProviderConfig{
				APIKeyEnv:    "SKILLFLOW_PROVIDER_API_KEY",
				DefaultModel: "gpt-4o",
				Timeout:      2 * time.Minute,
			},
			Proxy: ProxyConfig{
				TokenEnv: "SKILLFLOW_PROXY_TOKEN",
				Timeout:  2 * time.Minute,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Batch: BatchConfig{
			Concurrency: 3,
			Delay:       time.Second,
			MaxItems:    500,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields. An empty path uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must not be empty")
	}
	if c.Engine.StepTimeout <= 0 {
		errs = append(errs, "engine.step_timeout must be positive")
	}
	if c.Engine.MaxConcurrency < 0 {
		errs = append(errs, "engine.max_concurrency must not be negative")
	}
	if c.Engine.Retry.MaxAttempts < 1 {
		errs = append(errs, "engine.retry.max_attempts must be at least 1")
	}
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.DSNEnv == "" {
		errs = append(errs, "store.dsn_env is required for the postgres driver")
	}
	switch c.Idempotency.Store.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not supported (memory, redis)", c.Idempotency.Store.Driver))
	}
	switch c.Skills.DefaultKeyMode {
	case "personal", "platform":
	default:
		errs = append(errs, fmt.Sprintf("skills.default_key_mode %q is not supported (personal, platform)", c.Skills.DefaultKeyMode))
	}
	if c.Skills.DefaultKeyMode == "platform" && c.Skills.Proxy.URL == "" {
		errs = append(errs, "skills.proxy.url is required when the default key mode is platform")
	}
	seen := make(map[string]bool)
	for i, svc := range c.Skills.Services {
		if svc.ID == "" || strings.Contains(svc.ID, ".") {
			errs = append(errs, fmt.Sprintf("skills.services[%d].id must be set and must not contain '.'", i))
		} else if seen[svc.ID] {
			errs = append(errs, fmt.Sprintf("skills.services[%d].id %q is duplicated", i, svc.ID))
		}
		seen[svc.ID] = true
		if svc.SpecPath == "" {
			errs = append(errs, fmt.Sprintf("skills.services[%d].spec_path is required", i))
		}
	}
	if c.Batch.Concurrency < 1 {
		errs = append(errs, "batch.concurrency must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads SKILLFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SKILLFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SKILLFLOW_DEFINITIONS_DIRS"); v != "" {
		cfg.Definitions.Directories = splitList(v)
	}
	if v := os.Getenv("SKILLFLOW_SKILLS_DIRS"); v != "" {
		cfg.Skills.Directories = splitList(v)
	}
	if v := os.Getenv("SKILLFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SKILLFLOW_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Idempotency.Store.Driver = v
	}
	if v := os.Getenv("SKILLFLOW_DEFAULT_KEY_MODE"); v != "" {
		cfg.Skills.DefaultKeyMode = v
	}
	if v := os.Getenv("SKILLFLOW_PROXY_URL"); v != "" {
		cfg.Skills.Proxy.URL = v
	}
	if v := os.Getenv("SKILLFLOW_PROVIDER_BASE_URL"); v != "" {
		cfg.Skills.Provider.BaseURL = v
	}
	if v := os.Getenv("SKILLFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
