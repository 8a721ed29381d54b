package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	got := parseArgs([]string{"2", `"quoted"`, "plain", `{"a":[1,true]}`, "null"})
	assert.Equal(t, []any{
		float64(2),
		"quoted",
		"plain",
		map[string]any{"a": []any{float64(1), true}},
		nil,
	}, got)
}

func TestPoolConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte("minConcurrency: 1\nmaxConcurrency: 2\ndebugMode: true\n"), 0o644))

	flagConfig = path
	t.Cleanup(func() { flagConfig = "" })

	cmd := &cobra.Command{}
	cmd.Flags().IntVar(&flagMin, "min", 0, "")
	cmd.Flags().IntVar(&flagMax, "max", 1, "")
	cmd.Flags().BoolVar(&flagDebug, "debug", false, "")
	cmd.Flags().StringVar(&flagPreload, "preload", "", "")
	require.NoError(t, cmd.Flags().Parse([]string{"--max", "5"}))

	cfg, err := poolConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MinConcurrency)
	assert.Equal(t, 5, cfg.MaxConcurrency)
	assert.True(t, cfg.DebugMode)
}
