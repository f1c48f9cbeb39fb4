package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such-config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8084", cfg.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Retention)
	assert.Equal(t, time.Hour, cfg.CleanupInterval)
	assert.Equal(t, 512*1024, cfg.ChunkSize)
	assert.Equal(t, int64(500<<20), cfg.MaxDownloadBytes)
	assert.Equal(t, 3*time.Minute, cfg.SSEIdleTimeout)
	assert.NotEmpty(t, cfg.Headers["User-Agent"])
	assert.False(t, cfg.AllowPrivateOrigins)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9999"
retention: 2h
cleanup_interval: 15m
chunk_size: 65536
headers:
  User-Agent: custom-agent
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 2*time.Hour, cfg.Retention)
	assert.Equal(t, 15*time.Minute, cfg.CleanupInterval)
	assert.Equal(t, 65536, cfg.ChunkSize)
	assert.Equal(t, "custom-agent", cfg.Headers["User-Agent"])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retention: 2h\n"), 0644))

	t.Setenv("SNAPLOAD_RETENTION", "45m")
	t.Setenv("SNAPLOAD_CLEANUP_INTERVAL", "5m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, cfg.Retention)
	assert.Equal(t, 5*time.Minute, cfg.CleanupInterval)
}

func TestLoad_BadEnvDuration(t *testing.T) {
	t.Setenv("SNAPLOAD_RETENTION", "not-a-duration")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retention: -1h\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
