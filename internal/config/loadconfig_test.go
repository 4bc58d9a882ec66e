package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "127.0.0.1:7860", cfg.Target.Endpoint)
	assert.Equal(t, "0.4.1", cfg.Target.RTVIClientVersion)
	assert.Equal(t, 30*time.Second, cfg.Target.ConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.Target.PipelineInitDelay)
	assert.Equal(t, 3, cfg.Target.MaxRetries)
	assert.Equal(t, time.Second, cfg.Target.RetryDelay)
	assert.InDelta(t, 2.0, cfg.Target.BackoffMultiplier, 0.001)

	assert.Equal(t, 16000, cfg.Audio.SampleRate)
	assert.Equal(t, 1, cfg.Audio.Channels)
	assert.Equal(t, 60*time.Millisecond, cfg.Audio.FrameDuration)
	assert.InDelta(t, 440.0, cfg.Audio.SineFrequency, 0.001)
	assert.Equal(t, 5*time.Second, cfg.Audio.SineDuration)

	assert.Equal(t, "sustained", cfg.Load.Pattern)
	assert.Equal(t, 10, cfg.Load.Connections)
	assert.Equal(t, 60*time.Second, cfg.Load.Duration)
	assert.Equal(t, 1000, cfg.Load.MaxConcurrent)

	assert.Equal(t, 18000, cfg.TestPorts.Start)
	assert.Equal(t, 18999, cfg.TestPorts.End)
}

func TestValidateConfig(t *testing.T) {
	cfg := Default()
	require.NoError(t, validateConfig(cfg))

	bad := Default()
	bad.Target.ConnectTimeout = 0
	assert.Error(t, validateConfig(bad))

	bad = Default()
	bad.Target.BackoffMultiplier = 0.5
	assert.Error(t, validateConfig(bad))

	bad = Default()
	bad.Load.Pattern = "tsunami"
	assert.Error(t, validateConfig(bad))

	bad = Default()
	bad.Load.Connections = 0
	assert.Error(t, validateConfig(bad))

	bad = Default()
	bad.TestPorts.Start = 19000
	bad.TestPorts.End = 18000
	assert.Error(t, validateConfig(bad))
}

func TestPortManagerAllocation(t *testing.T) {
	pm := NewPortManager(18900, 18910)

	p1, err := pm.AllocatePort()
	require.NoError(t, err)
	p2, err := pm.AllocatePort()
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
	assert.GreaterOrEqual(t, p1, 18900)
	assert.LessOrEqual(t, p1, 18910)

	// 释放后可重新分配
	pm.ReleasePort(p1)
	p3, err := pm.AllocatePort()
	require.NoError(t, err)
	assert.Equal(t, p1, p3)
}

func TestPortManagerExhaustion(t *testing.T) {
	pm := NewPortManager(18920, 18921)

	_, err := pm.AllocatePort()
	require.NoError(t, err)
	_, err = pm.AllocatePort()
	require.NoError(t, err)

	_, err = pm.AllocatePort()
	assert.Error(t, err)
}

func TestGetTestServerAddress(t *testing.T) {
	cfg := Get()

	addr, err := cfg.GetTestServerAddress()
	require.NoError(t, err)
	assert.Contains(t, addr, "127.0.0.1:")

	cfg.ReleaseTestServerAddress(addr)
}

func TestGetWebSocketURL(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "ws://127.0.0.1:7860/ws", cfg.GetWebSocketURL("127.0.0.1:7860"))
}
