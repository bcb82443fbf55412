package config

import (
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrInit_CreatesDefaultsOnFirstUse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	store := NewStore(path, logr.Discard())
	cfg, err := store.LoadOrInit()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	// Second load reads back exactly what was written.
	cfg2, err := NewStore(path, logr.Discard()).LoadOrInit()
	require.NoError(t, err)
	assert.Equal(t, cfg, cfg2)
}

func TestValidate_RejectsBadProxyURL(t *testing.T) {
	cfg := Default()
	cfg.Proxy.Mode = ProxyModeHTTP
	cfg.Proxy.URL = "ftp://example.com"
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsOutOfRangeFallbackThreshold(t *testing.T) {
	cfg := Default()
	cfg.Proxy.FallbackThreshold = 1.5
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsUnknownRecoveryStrategy(t *testing.T) {
	cfg := Default()
	cfg.Proxy.RecoveryStrategy = "yolo"
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsNegativeIPPoolBounds(t *testing.T) {
	cfg := Default()
	cfg.IPPool.MaxParallelProbes = -1
	require.Error(t, cfg.Validate())
}
