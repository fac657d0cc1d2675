package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 0, cfg.DeviceID)
	assert.Equal(t, "resnet50.onnx", cfg.ModelURI)
	assert.Equal(t, "dynamic", cfg.Strategy)
	assert.Equal(t, 20*time.Millisecond, cfg.BatchWait)
	assert.Equal(t, 2, cfg.EngineNum)
	assert.True(t, cfg.ShowPerf)
	assert.Equal(t, 8080, cfg.MonitorPort)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DEVICE_ID", "3")
	t.Setenv("BATCH_STRATEGY", "static")
	t.Setenv("BATCH_SIZE", "16")
	t.Setenv("BATCH_WAIT_MS", "5")
	t.Setenv("SHOW_PERF", "false")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Load()
	assert.Equal(t, 3, cfg.DeviceID)
	assert.Equal(t, "static", cfg.Strategy)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, 5*time.Millisecond, cfg.BatchWait)
	assert.False(t, cfg.ShowPerf)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestMalformedEnvFallsBack(t *testing.T) {
	t.Setenv("BATCH_SIZE", "lots")
	t.Setenv("SHOW_PERF", "yep")

	cfg := Load()
	assert.Equal(t, 0, cfg.BatchSize)
	assert.True(t, cfg.ShowPerf)
}
