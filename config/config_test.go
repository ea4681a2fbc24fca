package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "CPU", cfg.Device)
	assert.Equal(t, 0.5, cfg.ProbThreshold)
	assert.Equal(t, "localhost:3001", cfg.MQTT.Broker)
	assert.Equal(t, 60*time.Second, cfg.MQTT.KeepAlive)
	assert.Equal(t, "person", cfg.MQTT.Topics.Count)
	assert.Equal(t, "person/duration", cfg.MQTT.Topics.Duration)
	assert.Equal(t, 200, cfg.Runtime.MaxDetections)
	assert.Zero(t, cfg.Runtime.WaitTimeout)
	assert.Equal(t, "bgr", cfg.Preprocess.Order)
	assert.Equal(t, 1.0, cfg.Preprocess.Scale)
	assert.Equal(t, "stdout", cfg.Output.Target)
	assert.Equal(t, "output_image.jpg", cfg.Output.Image)
	assert.Empty(t, cfg.Monitor.Addr)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model: models/person-detection.onnx
input: resources/walk.mp4
device: MYRIAD
mqtt:
  broker: mosquitto:1883
  qos: 1
runtime:
  wait_timeout: 250ms
preprocess:
  order: rgb
  scale: 0.00392
output:
  target: udp://127.0.0.1:3004
  format: mpegts
monitor:
  addr: ":9090"
log:
  json: true
`), 0o644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "models/person-detection.onnx", cfg.Model)
	assert.Equal(t, "MYRIAD", cfg.Device)
	assert.Equal(t, "mosquitto:1883", cfg.MQTT.Broker)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, "person", cfg.MQTT.Topics.Count, "unset keys keep defaults")
	assert.Equal(t, 250*time.Millisecond, cfg.Runtime.WaitTimeout)
	assert.Equal(t, "rgb", cfg.Preprocess.Order)
	assert.Equal(t, "udp://127.0.0.1:3004", cfg.Output.Target)
	assert.Equal(t, ":9090", cfg.Monitor.Addr)
	assert.True(t, cfg.Log.JSON)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mqtt:\n  broker: from-file:1883\n"), 0o644))
	t.Setenv("PEOPLE_COUNTER_MQTT_BROKER", "from-env:1883")
	t.Setenv("PEOPLE_COUNTER_PROB_THRESHOLD", "0.7")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "from-env:1883", cfg.MQTT.Broker)
	assert.Equal(t, 0.7, cfg.ProbThreshold)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	cfg.Model = "ssd.onnx"
	cfg.Input = "CAM"
	return *cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults with model and input", mutate: func(*Config) {}},
		{name: "missing model", mutate: func(c *Config) { c.Model = "" }, wantErr: true},
		{name: "missing input", mutate: func(c *Config) { c.Input = "" }, wantErr: true},
		{name: "threshold zero", mutate: func(c *Config) { c.ProbThreshold = 0 }},
		{name: "threshold one", mutate: func(c *Config) { c.ProbThreshold = 1 }},
		{name: "threshold above one", mutate: func(c *Config) { c.ProbThreshold = 1.2 }, wantErr: true},
		{name: "negative threshold", mutate: func(c *Config) { c.ProbThreshold = -0.1 }, wantErr: true},
		{name: "empty broker", mutate: func(c *Config) { c.MQTT.Broker = "" }, wantErr: true},
		{name: "qos 3", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: true},
		{name: "empty duration topic", mutate: func(c *Config) { c.MQTT.Topics.Duration = "" }, wantErr: true},
		{name: "negative threads", mutate: func(c *Config) { c.Runtime.IntraOpThreads = -1 }, wantErr: true},
		{name: "negative wait timeout", mutate: func(c *Config) { c.Runtime.WaitTimeout = -time.Second }, wantErr: true},
		{name: "upper case order", mutate: func(c *Config) { c.Preprocess.Order = "RGB" }},
		{name: "unknown order", mutate: func(c *Config) { c.Preprocess.Order = "yuv" }, wantErr: true},
		{name: "zero scale", mutate: func(c *Config) { c.Preprocess.Scale = 0 }, wantErr: true},
		{name: "negative fps", mutate: func(c *Config) { c.Stream.FPS = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
