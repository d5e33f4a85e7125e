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

	assert.Equal(t, "eventpipeline", cfg.ServiceName)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10000, cfg.Queue.MaxQueueSize)
	assert.Equal(t, 4, cfg.Queue.PartitionCount)
	assert.True(t, cfg.Router.EnableSmartRouting)
	assert.Equal(t, 60000, cfg.Router.CooldownPeriodsMs["nft"])
	assert.Equal(t, 0.8, cfg.Prioritizer.SignificantFraudConfidenceThreshold)
	assert.Equal(t, 90.0, cfg.Capacity.LoadSheddingThreshold)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Queue.MaxQueueSize, cfg.Queue.MaxQueueSize)
}

func TestLoad_NoPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "eventpipeline", cfg.ServiceName)
}

func TestLoad_MergesYAMLOverDefaults(t *testing.T) {
	yaml := `
serviceName: custom-pipeline
queue:
  maxQueueSize: 2500
router:
  enableSmartRouting: false
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "custom-pipeline", cfg.ServiceName)
	assert.Equal(t, 2500, cfg.Queue.MaxQueueSize)
	assert.False(t, cfg.Router.EnableSmartRouting)
	// Fields absent from the override file keep the Default() value.
	assert.Equal(t, 3, cfg.Queue.MaxRetryAttempts)
}

func TestLoad_InvalidYAMLReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PIPELINE_SERVICE_NAME", "env-pipeline")
	t.Setenv("QUEUE_MAX_SIZE", "500")
	t.Setenv("QUEUE_PARTITION_COUNT", "8")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "env-pipeline", cfg.ServiceName)
	assert.Equal(t, 500, cfg.Queue.MaxQueueSize)
	assert.Equal(t, 8, cfg.Queue.PartitionCount)
}
