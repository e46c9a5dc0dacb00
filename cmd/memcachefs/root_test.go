package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cmd := NewRootCommand()
	require.NoError(t, cmd.ParseFlags(nil))

	cfg, err := loadConfig(cmd, &options{})
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Pool.MaxHandles)
	assert.Equal(t, "1MiB", cfg.Pool.BufferSize)
	assert.Equal(t, "INFO", cfg.Global.LogLevel)
	assert.False(t, cfg.Monitoring.Metrics.Enabled)
}

func TestLoadConfigFlags(t *testing.T) {
	cmd := NewRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{
		"--maxhandle", "3",
		"--buffer-size", "64KiB",
		"-v",
		"--allow-other",
		"--metrics-port", "9200",
	}))

	cfg, err := loadConfig(cmd, &options{
		maxHandles:  3,
		bufferSize:  "64KiB",
		verbose:     true,
		allowOther:  true,
		metricsPort: 9200,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pool.MaxHandles)
	assert.Equal(t, "64KiB", cfg.Pool.BufferSize)
	assert.Equal(t, "DEBUG", cfg.Global.LogLevel)
	assert.True(t, cfg.Mount.AllowOther)
	assert.Equal(t, 9200, cfg.Global.MetricsPort)
	assert.True(t, cfg.Monitoring.Metrics.Enabled)
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memcachefs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool:\n  max_handles: 4\n  buffer_size: 2MiB\n"), 0600))
	t.Setenv("MEMCACHEFS_MAX_HANDLES", "6")

	t.Run("environment overrides file", func(t *testing.T) {
		cmd := NewRootCommand()
		require.NoError(t, cmd.ParseFlags([]string{"--config", path}))

		cfg, err := loadConfig(cmd, &options{configFile: path})
		require.NoError(t, err)
		assert.Equal(t, 6, cfg.Pool.MaxHandles)
		assert.Equal(t, "2MiB", cfg.Pool.BufferSize)
	})

	t.Run("flags override environment", func(t *testing.T) {
		cmd := NewRootCommand()
		require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--maxhandle", "8"}))

		cfg, err := loadConfig(cmd, &options{configFile: path, maxHandles: 8})
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.Pool.MaxHandles)
	})
}

func TestLoadConfigMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	cmd := NewRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--config", path}))

	_, err := loadConfig(cmd, &options{configFile: path})
	assert.Error(t, err)
}

func TestRootCommandArgs(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"localhost"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.Error(t, cmd.Execute())
}
