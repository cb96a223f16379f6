package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/llmbench/llmbench/internal/bench"
	"github.com/llmbench/llmbench/internal/tuner"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig             `mapstructure:"server"`
	Database  DatabaseConfig           `mapstructure:"database"`
	Backends  map[string]BackendConfig `mapstructure:"backends"`
	Executor  ExecutorConfig           `mapstructure:"executor"`
	Telemetry TelemetryConfig          `mapstructure:"telemetry"`
	Tuner     tuner.Params             `mapstructure:"tuner"`
	Logging   LoggingConfig            `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BackendConfig describes one benchmark target
type BackendConfig struct {
	URL     string `mapstructure:"url"`
	Variant string `mapstructure:"variant"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

// ExecutorConfig holds load execution limits
type ExecutorConfig struct {
	MaxConcurrency    int     `mapstructure:"max_concurrency"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// TelemetryConfig holds hardware sampling configuration
type TelemetryConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Read from environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind specific environment variables
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from .env file if it exists
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // Ignore error if .env doesn't exist

	// Read from environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind specific environment variables
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	// Database defaults
	v.SetDefault("database.path", "./data/llmbench.db")

	// Backend defaults: a local Ollama daemon
	v.SetDefault("backends.local.url", "http://localhost:11434")
	v.SetDefault("backends.local.variant", "ollama")

	// Executor defaults
	v.SetDefault("executor.max_concurrency", 64)

	// Telemetry defaults
	v.SetDefault("telemetry.sample_interval", 500*time.Millisecond)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	// Helper to bind and log errors (BindEnv errors are non-fatal but should be logged)
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	// Database path
	bindEnv("database.path", "DATABASE_PATH")

	// Server config
	bindEnv("server.host", "SERVER_HOST")
	bindEnv("server.port", "SERVER_PORT")

	// Logging
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend must be configured")
	}

	for name, backend := range c.Backends {
		if backend.URL == "" {
			return fmt.Errorf("backend %q: url is required", name)
		}
		switch bench.Variant(backend.Variant) {
		case bench.VariantOllama, bench.VariantOpenAI, bench.VariantLocal:
		default:
			return fmt.Errorf("backend %q: unknown variant %q", name, backend.Variant)
		}
	}

	if c.Executor.MaxConcurrency < 0 {
		return fmt.Errorf("executor.max_concurrency must not be negative")
	}
	if c.Executor.RequestsPerSecond < 0 {
		return fmt.Errorf("executor.requests_per_second must not be negative")
	}
	return nil
}

// Connections converts the configured backends into resolved targets.
func (c *Config) Connections() []bench.Connection {
	conns := make([]bench.Connection, 0, len(c.Backends))
	for name, backend := range c.Backends {
		conns = append(conns, bench.Connection{
			Name:    name,
			BaseURL: backend.URL,
			Variant: bench.Variant(backend.Variant),
			Model:   backend.Model,
			APIKey:  backend.APIKey,
		})
	}
	return conns
}
