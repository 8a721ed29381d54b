package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "pool.yaml",
			content: `minConcurrency: 2
maxConcurrency: 4
debugMode: true
preloadRequire: setup.js
acquireInterval: 25ms
`,
		},
		{
			name: "toml",
			file: "pool.toml",
			content: `minConcurrency = 2
maxConcurrency = 4
debugMode = true
preloadRequire = "setup.js"
acquireInterval = "25ms"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			cfg := Default().Pool
			require.NoError(t, LoadFile(path, &cfg))

			assert.Equal(t, 2, cfg.MinConcurrency)
			assert.Equal(t, 4, cfg.MaxConcurrency)
			assert.True(t, cfg.DebugMode)
			assert.Equal(t, filepath.Join(filepath.Dir(path), "setup.js"), cfg.PreloadRequire)
			assert.Equal(t, 25*time.Millisecond, cfg.AcquireInterval)
		})
	}
}

func TestLoadFileKeepsAbsentKeys(t *testing.T) {
	path := writeFile(t, "pool.yml", "maxConcurrency: 3\n")
	cfg := Default().Pool
	require.NoError(t, LoadFile(path, &cfg))

	assert.Equal(t, 0, cfg.MinConcurrency)
	assert.Equal(t, 3, cfg.MaxConcurrency)
	assert.Equal(t, 100*time.Millisecond, cfg.AcquireInterval)
}

func TestLoadFileErrors(t *testing.T) {
	cfg := Default().Pool

	err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), &cfg)
	assert.ErrorIs(t, err, os.ErrNotExist)

	err = LoadFile(writeFile(t, "pool.json", "{}"), &cfg)
	assert.ErrorContains(t, err, "unsupported")

	err = LoadFile(writeFile(t, "pool.toml", "minConcurrency = ["), &cfg)
	assert.Error(t, err)

	err = LoadFile(writeFile(t, "pool.yaml", "acquireInterval: soon\n"), &cfg)
	assert.ErrorContains(t, err, "acquireInterval")
}
