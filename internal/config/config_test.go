// Package config provides unit tests for configuration loading.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/errors"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/logging"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syncd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, 5, cfg.Store.AttemptLimit)
	assert.Equal(t, 30*time.Second, cfg.Sync.TickInterval)
	assert.Equal(t, 30*time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, time.Hour, cfg.Sync.BackoffMax)
	assert.Equal(t, "client_wins", cfg.Sync.Strategy)
	assert.Equal(t, "assume_offline", cfg.Connectivity.Unknown)
	assert.False(t, cfg.Telemetry.Enabled, "telemetry is opt-in")
	assert.Equal(t, 1000, cfg.Telemetry.MaxEvents)
	assert.Equal(t, SinkNone, cfg.Telemetry.Sink)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, cfg.Transport.BaseURL, cfg.ProbeURL())
}

func TestLoad_file(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/syncd
store:
  backend: badger
  codec: msgpack
sync:
  tick_interval: 10s
  backoff_base: 1s
  backoff_max: 2m
  strategy: last_write_wins
transport:
  base_url: https://api.example.com/v1/
  headers:
    X-Device: kitchen-tablet
connectivity:
  probe_url: https://api.example.com/health
  unknown: assume_online
telemetry:
  enabled: true
  sink: s3
  s3:
    provider: minio
    bucket: events
    endpoint: localhost:9000
log:
  level: debug
`)

	m, err := Load(path)
	require.NoError(t, err)
	cfg := m.Config()

	assert.Equal(t, path, m.Path())
	assert.Equal(t, "/var/lib/syncd", cfg.DataDir)
	assert.Equal(t, BackendBadger, cfg.Store.Backend)
	assert.Equal(t, "msgpack", cfg.Store.Codec)
	assert.Equal(t, 10*time.Second, cfg.Sync.TickInterval)
	assert.Equal(t, 2*time.Minute, cfg.Sync.BackoffMax)
	assert.Equal(t, "last_write_wins", cfg.Sync.Strategy)
	assert.Equal(t, "kitchen-tablet", cfg.Transport.Headers["x-device"])
	assert.Equal(t, "https://api.example.com/health", cfg.ProbeURL())
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "minio", cfg.Telemetry.S3.Provider)
	assert.Equal(t, "events", cfg.Telemetry.S3.Bucket)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Store.AttemptLimit, "unset keys keep defaults")
}

func TestLoad_envOverrides(t *testing.T) {
	t.Setenv("SYNCD_SYNC_TICK_INTERVAL", "45s")
	t.Setenv("SYNCD_STORE_BACKEND", "memory")

	m, err := Load(writeConfig(t, "store:\n  backend: sqlite\n"))
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, m.Config().Sync.TickInterval)
	assert.Equal(t, BackendMemory, m.Config().Store.Backend)
}

func TestLoad_missingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend", func(c *Config) { c.Store.Backend = "postgres" }},
		{"codec", func(c *Config) { c.Store.Codec = "xml" }},
		{"strategy", func(c *Config) { c.Sync.Strategy = "merge" }},
		{"unknown policy", func(c *Config) { c.Connectivity.Unknown = "guess" }},
		{"sink", func(c *Config) { c.Telemetry.Sink = "kafka" }},
		{"http sink without url", func(c *Config) { c.Telemetry.Sink = SinkHTTP }},
		{"s3 sink without bucket", func(c *Config) { c.Telemetry.Sink = SinkS3 }},
		{"no base url", func(c *Config) { c.Transport.BaseURL = "" }},
		{"no data dir", func(c *Config) { c.DataDir = "" }},
		{"inverted backoff", func(c *Config) { c.Sync.BackoffMax = time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrConfig))
		})
	}

	cfg := Default()
	cfg.Store.Backend = BackendMemory
	cfg.DataDir = ""
	assert.NoError(t, cfg.Validate(), "memory backend needs no data dir")
}

func TestLoad_invalidFile(t *testing.T) {
	_, err := Load(writeConfig(t, "store:\n  backend: cassandra\n"))
	require.Error(t, err)
}

func TestManager_reload(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	m, err := Load(path)
	require.NoError(t, err)

	var prev, next *Config
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600))
	require.NoError(t, m.v.ReadInConfig())
	m.reload(func(p, n *Config) { prev, next = p, n })

	require.NotNil(t, next)
	assert.Equal(t, "info", prev.Log.Level)
	assert.Equal(t, "warn", m.Config().Log.Level)

	// Invalid edits leave the live config untouched.
	require.NoError(t, os.WriteFile(path, []byte("store:\n  codec: xml\n"), 0o600))
	require.NoError(t, m.v.ReadInConfig())
	called := false
	m.reload(func(*Config, *Config) { called = true })
	assert.False(t, called)
	assert.Equal(t, "warn", m.Config().Log.Level)
}

func TestApplyLogLevel(t *testing.T) {
	logging.Init(os.Stderr, logging.LevelInfo)
	before := logging.Get().Level()
	defer logging.Get().SetLevel(before)

	cfg := Default()
	cfg.Log.Level = "error"
	ApplyLogLevel(Default(), cfg)
	assert.Equal(t, logging.LevelError, logging.Get().Level())
}
