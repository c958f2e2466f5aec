package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripsmith/itinera/config"
)

func TestDefaultPoolSizeIsBoundedByEight(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, 3, cfg.PoolSize("dayplan", 3))
	assert.Equal(t, 8, cfg.PoolSize("dayplan", 30))
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	yaml := []byte(`
tailLength: 25
pools:
  enrichment:
    maxWorkers: 4
`)
	require.NoError(t, os.WriteFile(path, yaml, 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.TailLength)
	assert.Equal(t, 4, cfg.PoolSize("enrichment", 30))
	// Unset fields still fall back to the built-in default.
	assert.Equal(t, 16, cfg.SubscriberSendBuffer)
}
