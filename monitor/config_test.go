package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, data string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	c, err := LoadConfig(writeConfig(t, `
cameras:
  - id: gate
    source: rtsp://10.0.0.1/stream
    autostart: true
`))
	require.NoError(t, err)

	assert.Equal(t, 10.0, c.TargetFPS)
	assert.Equal(t, 10, c.FrameQueue)
	assert.Equal(t, 0.55, c.Similarity)
	assert.True(t, c.FallbackVerify)
	assert.Equal(t, 0.02, c.FallbackMargin)
	assert.Equal(t, 10*time.Second, c.AuthCacheTTL)
	assert.Equal(t, 10*time.Second, c.TrackTTL)
	assert.Equal(t, 15*time.Second, c.IdentityPersistenceTTL)
	assert.Equal(t, 3*time.Second, c.PreEvent)
	assert.Equal(t, 3*time.Second, c.PostEvent)
	assert.Equal(t, 10*time.Second, c.AnomalyCooldown)
	assert.Equal(t, 10*time.Second, c.UnauthorizedCooldown)
	assert.Equal(t, 2*time.Second, c.StopTimeout)
	assert.Equal(t, 0.75, c.Models.ObjectConfidence)

	require.Len(t, c.Cameras, 1)
	assert.Equal(t, CameraConfig{
		ID: "gate", Source: "rtsp://10.0.0.1/stream", Autostart: true,
	}, c.Cameras[0])
}

func TestLoadConfigOverrides(t *testing.T) {
	c, err := LoadConfig(writeConfig(t, `
target_fps: 15
similarity_threshold: 0.6
fallback_verify: false
pre_event: 5s
post_event: 0s
anomaly_cooldown: 1m
nats_url: nats://config:4222
directory:
  driver: mysql
  dsn: user@/db
`))
	require.NoError(t, err)

	assert.Equal(t, 15.0, c.TargetFPS)
	assert.Equal(t, 0.6, c.Similarity)
	assert.False(t, c.FallbackVerify)
	assert.Equal(t, 5*time.Second, c.PreEvent)
	assert.Equal(t, time.Duration(0), c.PostEvent)
	assert.Equal(t, time.Minute, c.AnomalyCooldown)
	assert.Equal(t, "mysql", c.Directory.Driver)

	p := c.PipelineConfig()
	assert.Equal(t, 15.0, p.Capture.FPS)
	assert.Equal(t, 5*time.Second, p.Capture.PreEvent)
	assert.Equal(t, 75, p.Capture.RingCapacity())
	assert.Equal(t, time.Minute, p.Recorder.Cooldown)
	assert.Equal(t, 0.6, p.Match.Threshold)
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv(envNatsURL, "nats://env:4222")
	t.Setenv(envDirectoryDSN, "postgres://env")

	c, err := LoadConfig(writeConfig(t, `
nats_url: nats://config:4222
directory:
  dsn: postgres://config
`))
	require.NoError(t, err)

	assert.Equal(t, "nats://env:4222", c.NatsURL)
	assert.Equal(t, "postgres://env", c.Directory.DSN)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "track_ttl: soon\n"))
	assert.ErrorContains(t, err, "track_ttl")

	_, err = LoadConfig(writeConfig(t, "target_fps: -1\n"))
	assert.ErrorContains(t, err, "target_fps")

	_, err = LoadConfig(writeConfig(t, `
cameras:
  - {id: a, source: x}
  - {id: a, source: y}
`))
	assert.ErrorContains(t, err, "duplicate camera")

	_, err = LoadConfig(writeConfig(t, `
cameras:
  - {id: a}
`))
	assert.Error(t, err)
}

func TestSetupLogging(t *testing.T) {
	c := DefaultConfig()
	assert.NoError(t, setupLogging(c))

	c.LogLevel = "loud"
	assert.Error(t, setupLogging(c))
}

func TestIsImage(t *testing.T) {
	assert.True(t, isImage("a.JPG"))
	assert.True(t, isImage("dir/b.png"))
	assert.True(t, isImage("c.jpeg"))
	assert.False(t, isImage("notes.txt"))
	assert.False(t, isImage("jpg"))
}
