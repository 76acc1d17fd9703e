package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "http://localhost:9000/write", cfg.Sink.URL)
	assert.Equal(t, 8, cfg.Consumer.Group.Partitions)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `{
		"instance_id": "ingest-1",
		"nats": {"urls": ["nats://queue:4222"], "token": "s3cret"},
		"directory": {"dsn": "postgres://app@db:5432/points"},
		"sink": {"url": "http://tsdb:9000/write", "max_rows": 500},
		"consumer": {"group": {"partitions": 16}},
		"pipeline": {"max_batch_age": 3600000000000}
	}`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "ingest-1", cfg.InstanceID)
	assert.Equal(t, []string{"nats://queue:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "s3cret", cfg.NATS.Token)
	assert.Equal(t, "postgres://app@db:5432/points", cfg.Directory.DSN)
	assert.Equal(t, 500, cfg.Sink.MaxRows)
	assert.Equal(t, 16, cfg.Consumer.Group.Partitions)
	assert.Equal(t, time.Hour, cfg.Pipeline.MaxBatchAge)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := NewLoader().LoadFile("/nonexistent/config.json")
	assert.Error(t, err)
}

func TestLoadFileInvalidJSON(t *testing.T) {
	path := writeConfig(t, "{not json")
	_, err := NewLoader().LoadFile(path)
	assert.Error(t, err)
}

func TestLoadValidationFailure(t *testing.T) {
	path := writeConfig(t, `{"nats": {"urls": ["http://wrong-scheme:4222"]}}`)
	_, err := NewLoader().LoadFile(path)
	assert.Error(t, err)

	l := NewLoader()
	l.EnableValidation(false)
	_, err = l.LoadFile(path)
	assert.NoError(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("POINTSTREAM_INSTANCE_ID", "env-instance")
	t.Setenv("POINTSTREAM_NATS_URLS", "nats://a:4222,nats://b:4222")
	t.Setenv("POINTSTREAM_DIRECTORY_DSN", "postgres://env@db:5432/points")
	t.Setenv("POINTSTREAM_SINK_URL", "http://env:9000/write")

	cfg, err := NewLoader().LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, "env-instance", cfg.InstanceID)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "postgres://env@db:5432/points", cfg.Directory.DSN)
	assert.Equal(t, "http://env:9000/write", cfg.Sink.URL)
}

func TestInstanceIDDefaultsToHostname(t *testing.T) {
	cfg, err := NewLoader().LoadFile("")
	require.NoError(t, err)

	host, hostErr := os.Hostname()
	if hostErr == nil {
		assert.Equal(t, host, cfg.InstanceID)
	}
}

func TestNATSConfigValidate(t *testing.T) {
	cfg := NATSConfig{}
	assert.Error(t, cfg.Validate())

	cfg = NATSConfig{URLs: []string{"tls://queue:4222"}}
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "tls://queue:4222", cfg.URL())
}
