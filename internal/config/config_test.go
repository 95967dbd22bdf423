package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Server config
	assert.Equal(t, "8400", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	// Bus config
	assert.Equal(t, 1<<20, cfg.Bus.BufferSize)
	assert.Equal(t, 4096, cfg.Bus.PageSize)
	assert.Equal(t, 16, cfg.Bus.MaxThreads)

	// Logging config
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)

	// Rate limit config
	assert.Equal(t, 100, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 200, cfg.RateLimit.Burst)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadOrDefault(t *testing.T) {
	// Should return defaults when no env vars set
	cfg := LoadOrDefault()

	assert.NotNil(t, cfg)
	assert.Equal(t, "8400", cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"TETHER_PORT":               "9000",
		"TETHER_HOST":               "127.0.0.1",
		"TETHER_BUFFER_SIZE":        "262144",
		"TETHER_PAGE_SIZE":          "8192",
		"TETHER_MAX_THREADS":        "4",
		"TETHER_LOG_LEVEL":          "debug",
		"TETHER_LOG_DEV":            "true",
		"TETHER_RATE_LIMIT_RPS":     "500",
		"TETHER_RATE_LIMIT_BURST":   "1000",
		"TETHER_RATE_LIMIT_ENABLED": "false",
	}

	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)

	assert.Equal(t, 262144, cfg.Bus.BufferSize)
	assert.Equal(t, 8192, cfg.Bus.PageSize)
	assert.Equal(t, 4, cfg.Bus.MaxThreads)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)

	assert.Equal(t, 500, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 1000, cfg.RateLimit.Burst)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestLoadWithPartialEnvironmentVariables(t *testing.T) {
	t.Setenv("TETHER_PORT", "3000")
	t.Setenv("TETHER_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Overridden values
	assert.Equal(t, "3000", cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)

	// Defaults still apply
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 1<<20, cfg.Bus.BufferSize)
	assert.Equal(t, 16, cfg.Bus.MaxThreads)
}

func TestLoadRejectsBadGeometry(t *testing.T) {
	tests := []struct {
		name       string
		bufferSize string
		pageSize   string
	}{
		{name: "buffer not page multiple", bufferSize: "10000", pageSize: "4096"},
		{name: "zero buffer", bufferSize: "0", pageSize: "4096"},
		{name: "negative page size", bufferSize: "1048576", pageSize: "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TETHER_BUFFER_SIZE", tt.bufferSize)
			t.Setenv("TETHER_PAGE_SIZE", tt.pageSize)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tether.yaml")
	data := []byte(`
server:
  port: "9100"
bus:
  buffer_size: 524288
  page_size: 4096
logging:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	// File values win
	assert.Equal(t, "9100", cfg.Server.Port)
	assert.Equal(t, 524288, cfg.Bus.BufferSize)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched fields keep environment defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 16, cfg.Bus.MaxThreads)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadFileRejectsBadGeometry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tether.yaml")
	data := []byte(`
bus:
  buffer_size: 12345
  page_size: 4096
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err := LoadFile(path)
	assert.Error(t, err)
}
