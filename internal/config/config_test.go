package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KEYMINT_DATA_DIR", "/tmp/keymint-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/keymint-test", cfg.DataDir)
	assert.Equal(t, "127.0.0.1:7655", cfg.ListenAddr)
	assert.Equal(t, filepath.Join("/tmp/keymint-test", "catalog.yaml"), cfg.CatalogPath)
	assert.Equal(t, filepath.Join("/tmp/keymint-test", "keys"), cfg.KeysDir())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Minute, cfg.SweepInterval)
	assert.True(t, cfg.WatchCatalog)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KEYMINT_DATA_DIR", "/srv/keymint")
	t.Setenv("KEYMINT_LISTEN_ADDR", "0.0.0.0:9000")
	t.Setenv("KEYMINT_CATALOG_PATH", "/etc/keymint/catalog.yaml")
	t.Setenv("KEYMINT_LOG_LEVEL", "debug")
	t.Setenv("KEYMINT_SWEEP_INTERVAL", "30m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, "/etc/keymint/catalog.yaml", cfg.CatalogPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Minute, cfg.SweepInterval)
}

func TestLoadClampsSweepInterval(t *testing.T) {
	t.Setenv("KEYMINT_DATA_DIR", "/tmp/keymint-test")
	t.Setenv("KEYMINT_SWEEP_INTERVAL", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
}

func TestLoadRejectsEmptyDataDir(t *testing.T) {
	t.Setenv("KEYMINT_DATA_DIR", "   ")

	_, err := Load()
	require.Error(t, err)
}
