package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	c := &Config{}
	c.SetDefaults()

	assert.Equal(t, 20, c.Engine.Window)
	assert.Equal(t, 10, c.Engine.MinSamples)
	assert.Equal(t, 0.8, c.Engine.SuccessFloor)
	assert.Equal(t, 10, c.Engine.BatchTrigger)
	assert.Equal(t, 5*time.Minute, c.Engine.DrainInterval)
	assert.Equal(t, 60*time.Minute, c.Engine.ExportInterval)
	assert.Equal(t, 50, c.Queue.MaxBatchSize)
	assert.Equal(t, "127.0.0.1", c.Server.Host)
	assert.Equal(t, "info", c.Log.Level)
	require.NoError(t, c.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	data := "engine:\n  success_floor: 0.9\n  drain_interval: 30s\nqueue:\n  max_batch_size: 25\nserver:\n  port: 8080\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(data), 0o644))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, 0.9, cfg.Engine.SuccessFloor)
	assert.Equal(t, 30*time.Second, cfg.Engine.DrainInterval)
	assert.Equal(t, 25, cfg.Queue.MaxBatchSize)
	assert.Equal(t, 8080, cfg.Server.Port)
	// untouched fields still get defaults
	assert.Equal(t, 20, cfg.Engine.Window)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Queue.MaxBatchSize)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SELFOPT_LEARNER_BASE_URL", "http://learner.internal")
	t.Setenv("SELFOPT_ENGINE_DRAIN_INTERVAL", "2m")
	t.Setenv("SELFOPT_SERVER_PORT", "9000")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://learner.internal", cfg.Learner.BaseURL)
	assert.Equal(t, 2*time.Minute, cfg.Engine.DrainInterval)
	assert.Equal(t, 9000, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	c := &Config{}
	c.SetDefaults()
	c.Engine.MinSamples = 30
	assert.Error(t, c.Validate())

	c.SetDefaults()
	c.Engine.MinSamples = 10
	c.Engine.SuccessFloor = 1.5
	assert.Error(t, c.Validate())

	c.Engine.SuccessFloor = 0.8
	c.Output.Dir = t.TempDir()
	require.NoError(t, c.ValidateReport())
}
