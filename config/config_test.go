package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, 1883, cfg.Broker.Port)
	require.NotNil(t, cfg.Broker.QoS)
	assert.Equal(t, byte(1), *cfg.Broker.QoS)
	assert.Equal(t, "npt/mc-status", cfg.Broker.StatusTopic)
	assert.Equal(t, "npt/rotation-data", cfg.Broker.RotationTopic)
	assert.Equal(t, 100_000, cfg.Ingest.QueueSize)
	assert.Equal(t, 50, cfg.Ingest.BatchSize)
	assert.Equal(t, "Asia/Dhaka", cfg.Timezone)
}

func TestQoSZeroIsRespected(t *testing.T) {
	qos := byte(0)
	cfg := &Config{}
	cfg.Broker.QoS = &qos
	cfg.ApplyDefaults()

	require.NotNil(t, cfg.Broker.QoS)
	assert.Equal(t, byte(0), *cfg.Broker.QoS, "an explicit qos 0 must not be upgraded to the default")
}

func TestLoadKeepsExplicitQoSZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broker:\n  host: broker.local\n  qos: 0\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Broker.QoS)
	assert.Equal(t, byte(0), *cfg.Broker.QoS)
	assert.Equal(t, "broker.local", cfg.Broker.Host)
}
