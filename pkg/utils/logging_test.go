package utils

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected LogLevel
		wantErr  bool
	}{
		{name: "debug level", input: "DEBUG", expected: DEBUG},
		{name: "info level", input: "INFO", expected: INFO},
		{name: "warn level", input: "WARN", expected: WARN},
		{name: "warning level", input: "WARNING", expected: WARN},
		{name: "error level", input: "ERROR", expected: ERROR},
		{name: "case insensitive", input: "debug", expected: DEBUG},
		{name: "invalid level", input: "INVALID", expected: INFO, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseLogLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", DEBUG.String())
	assert.Equal(t, "INFO", INFO.String())
	assert.Equal(t, "WARN", WARN.String())
	assert.Equal(t, "ERROR", ERROR.String())
	assert.Equal(t, "UNKNOWN", LogLevel(99).String())
}

func TestSetupLogging(t *testing.T) {
	t.Run("filters below level", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closer, err := SetupLogging(LoggingOptions{Level: "WARN", Output: &buf})
		require.NoError(t, err)
		defer closer.Close()

		logger.Info().Msg("hidden")
		logger.Warn().Str("key", "foo").Msg("shown")

		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, "shown")
		assert.Contains(t, out, `"key":"foo"`)
		assert.Contains(t, out, `"service":"memcachefs"`)
	})

	t.Run("writes to log file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "memcachefs.log")
		logger, closer, err := SetupLogging(LoggingOptions{Level: "DEBUG", File: path})
		require.NoError(t, err)

		logger.Debug().Msg("to file")
		require.NoError(t, closer.Close())
		assert.FileExists(t, path)
	})

	t.Run("rotates log file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "memcachefs.log")
		logger, closer, err := SetupLogging(LoggingOptions{Level: "INFO", File: path, RotateSize: 128, MaxBackups: 1})
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			logger.Info().Str("padding", strings.Repeat("p", 64)).Msg("line")
		}
		require.NoError(t, closer.Close())

		backups, err := filepath.Glob(filepath.Join(dir, "memcachefs-*.log.gz"))
		require.NoError(t, err)
		assert.Len(t, backups, 1)
	})

	t.Run("rejects invalid level", func(t *testing.T) {
		_, closer, err := SetupLogging(LoggingOptions{Level: "LOUD"})
		assert.Error(t, err)
		assert.NotNil(t, closer)
	})
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{input: "1MiB", expected: 1 << 20},
		{input: "1M", expected: 1 << 20},
		{input: "512k", expected: 512 << 10},
		{input: "2048", expected: 2048},
		{input: "1MB", expected: 1000 * 1000},
		{input: "", wantErr: true},
		{input: "lots", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseBytes(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "1.0 MiB", FormatBytes(1<<20))
	assert.True(t, strings.HasSuffix(FormatBytes(10), "B"))
}
