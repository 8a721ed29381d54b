package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/scriptpool/internal/shared/plainerr"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Pool config
	assert.Equal(t, 0, cfg.Pool.MinConcurrency)
	assert.Equal(t, 1, cfg.Pool.MaxConcurrency)
	assert.False(t, cfg.Pool.DebugMode)
	assert.Equal(t, 100*time.Millisecond, cfg.Pool.AcquireInterval)

	// Logging config
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)

	// Admin config
	assert.Empty(t, cfg.Admin.Addr)
}

func TestLoadOrDefault(t *testing.T) {
	// Should return default when no env vars set
	cfg := LoadOrDefault()

	assert.NotNil(t, cfg)
	assert.Equal(t, 1, cfg.Pool.MaxConcurrency)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		EnvMinConcurrency:  "2",
		EnvMaxConcurrency:  "8",
		EnvDebugMode:       "true",
		EnvPreloadRequire:  "/opt/preload.js",
		EnvAcquireInterval: "250ms",
		EnvAdminAddr:       "127.0.0.1:9090",
		EnvLogLevel:        "debug",
		EnvLogDev:          "true",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Pool.MinConcurrency)
	assert.Equal(t, 8, cfg.Pool.MaxConcurrency)
	assert.True(t, cfg.Pool.DebugMode)
	assert.Equal(t, "/opt/preload.js", cfg.Pool.PreloadRequire)
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.AcquireInterval)
	assert.Equal(t, "127.0.0.1:9090", cfg.Admin.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
}

func TestLoadRejectsInvertedBounds(t *testing.T) {
	t.Setenv(EnvMinConcurrency, "4")
	t.Setenv(EnvMaxConcurrency, "2")

	_, err := Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, plainerr.ErrConfiguration)

	// Falls back to defaults
	cfg := LoadOrDefault()
	assert.Equal(t, 1, cfg.Pool.MaxConcurrency)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		pool    PoolConfig
		wantErr bool
	}{
		{"defaults", PoolConfig{MinConcurrency: 0, MaxConcurrency: 1}, false},
		{"equal bounds", PoolConfig{MinConcurrency: 3, MaxConcurrency: 3}, false},
		{"min above max", PoolConfig{MinConcurrency: 2, MaxConcurrency: 1}, true},
		{"zero max", PoolConfig{MinConcurrency: 0, MaxConcurrency: 0}, true},
		{"negative min", PoolConfig{MinConcurrency: -1, MaxConcurrency: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pool.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, plainerr.ErrConfiguration)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestEnvironRoundTrip(t *testing.T) {
	pool := PoolConfig{
		MinConcurrency:  1,
		MaxConcurrency:  4,
		DebugMode:       true,
		PreloadRequire:  "/srv/preload.js",
		AcquireInterval: 50 * time.Millisecond,
	}

	for _, kv := range pool.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		require.True(t, ok, kv)
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, pool, cfg.Pool)
}

func TestEnvironAlwaysSetsPreload(t *testing.T) {
	env := PoolConfig{MaxConcurrency: 1}.Environ()
	assert.Contains(t, env, EnvPreloadRequire+"=")
}
