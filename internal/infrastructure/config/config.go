package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/GriffinCanCode/scriptpool/internal/shared/plainerr"
)

// Environment keys understood by the pool process. The supervisor sets them
// on the child it spawns.
const (
	EnvPrefix = "SCRIPTPOOL_"

	EnvMinConcurrency  = "SCRIPTPOOL_MIN_CONCURRENCY"
	EnvMaxConcurrency  = "SCRIPTPOOL_MAX_CONCURRENCY"
	EnvDebugMode       = "SCRIPTPOOL_DEBUG_MODE"
	EnvPreloadRequire  = "SCRIPTPOOL_PRELOAD_REQUIRE"
	EnvAcquireInterval = "SCRIPTPOOL_ACQUIRE_INTERVAL"
	EnvAdminAddr       = "SCRIPTPOOL_ADMIN_ADDR"
	EnvLogLevel        = "LOG_LEVEL"
	EnvLogDev          = "LOG_DEV"
)

// Config holds all pool process configuration.
type Config struct {
	Pool    PoolConfig
	Logging LogConfig
	Admin   AdminConfig
}

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	MinConcurrency  int           `envconfig:"SCRIPTPOOL_MIN_CONCURRENCY" default:"0"`
	MaxConcurrency  int           `envconfig:"SCRIPTPOOL_MAX_CONCURRENCY" default:"1"`
	DebugMode       bool          `envconfig:"SCRIPTPOOL_DEBUG_MODE" default:"false"`
	PreloadRequire  string        `envconfig:"SCRIPTPOOL_PRELOAD_REQUIRE"`
	AcquireInterval time.Duration `envconfig:"SCRIPTPOOL_ACQUIRE_INTERVAL" default:"100ms"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// AdminConfig holds the optional admin HTTP endpoint configuration.
type AdminConfig struct {
	Addr string `envconfig:"SCRIPTPOOL_ADMIN_ADDR"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Pool.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			MinConcurrency:  0,
			MaxConcurrency:  1,
			AcquireInterval: 100 * time.Millisecond,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// Validate checks the concurrency bounds.
func (c PoolConfig) Validate() error {
	if c.MinConcurrency < 0 {
		return plainerr.New(plainerr.NameConfiguration, `"minConcurrency" must not be negative`)
	}
	if c.MaxConcurrency < 1 {
		return plainerr.New(plainerr.NameConfiguration, `"maxConcurrency" must be at least 1`)
	}
	if c.MinConcurrency > c.MaxConcurrency {
		return plainerr.New(plainerr.NameConfiguration, `"minConcurrency" must be less than or equal to "maxConcurrency"`)
	}
	return nil
}

// Environ renders the pool configuration as KEY=value pairs for a child process.
func (c PoolConfig) Environ() []string {
	env := []string{
		EnvMinConcurrency + "=" + strconv.Itoa(c.MinConcurrency),
		EnvMaxConcurrency + "=" + strconv.Itoa(c.MaxConcurrency),
		EnvDebugMode + "=" + strconv.FormatBool(c.DebugMode),
		EnvPreloadRequire + "=" + c.PreloadRequire,
	}
	if c.AcquireInterval > 0 {
		env = append(env, EnvAcquireInterval+"="+c.AcquireInterval.String())
	}
	return env
}
