package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	assert.Equal(t, time.Second, cfg.TickInterval())
	assert.Equal(t, 10*time.Second, cfg.LockTimeout())
	assert.Equal(t, 10*time.Second, cfg.ShutdownGrace())
}

func TestLoadServerMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadServer(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadServerOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"listen_addr: 0.0.0.0:9000\ntick_seconds: 5\nrate_limit: 5\n"), 0644))

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.TickInterval())
	assert.Equal(t, float64(5), cfg.RateLimit)
	// Untouched keys keep their defaults
	assert.Equal(t, "./catalog", cfg.CatalogDir)
	assert.Equal(t, 40, cfg.RateLimitBurst)
}

func TestLoadServerMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [broken"), 0644))

	_, err := LoadServer(path)
	assert.Error(t, err)
}
