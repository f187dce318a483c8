// Package config loads syncd configuration from a YAML file, SYNCD_*
// environment variables and built-in defaults, and hot-reloads the file.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/errors"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/logging"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. SYNCD_SYNC_TICK_INTERVAL.
const EnvPrefix = "SYNCD"

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Telemetry sinks.
const (
	SinkNone = "none"
	SinkHTTP = "http"
	SinkS3   = "s3"
)

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	Backend      string `mapstructure:"backend"`
	Codec        string `mapstructure:"codec"`
	MaxSize      int    `mapstructure:"max_size"`
	AttemptLimit int    `mapstructure:"attempt_limit"`
	// EncryptionKey, when set, seals queue records at rest. Changing or
	// removing it makes existing records unreadable.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// SyncConfig tunes the drain coordinator.
type SyncConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	TransportTimeout time.Duration `mapstructure:"transport_timeout"`
	Strategy         string        `mapstructure:"strategy"`
}

// TransportConfig describes the remote service.
type TransportConfig struct {
	BaseURL string            `mapstructure:"base_url"`
	Token   string            `mapstructure:"token"`
	Headers map[string]string `mapstructure:"headers"`
}

// ConnectivityConfig tunes reachability probing.
type ConnectivityConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	StableFor     time.Duration `mapstructure:"stable_for"`
	Unknown       string        `mapstructure:"unknown"`
}

// TelemetryConfig configures the opt-in analytics batcher.
type TelemetryConfig struct {
	telemetry.Config `mapstructure:",squash"`
	Sink             string             `mapstructure:"sink"`
	URL              string             `mapstructure:"url"`
	S3               telemetry.S3Config `mapstructure:"s3"`
}

// ServerConfig configures the local HTTP API.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Config is the full syncd configuration.
type Config struct {
	DataDir      string             `mapstructure:"data_dir"`
	Store        StoreConfig        `mapstructure:"store"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Transport    TransportConfig    `mapstructure:"transport"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Server       ServerConfig       `mapstructure:"server"`
	Log          logging.Config     `mapstructure:"log"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")

	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.codec", "json")
	v.SetDefault("store.max_size", 10000)
	v.SetDefault("store.attempt_limit", 5)
	v.SetDefault("store.encryption_key", "")

	v.SetDefault("sync.tick_interval", 30*time.Second)
	v.SetDefault("sync.backoff_base", 30*time.Second)
	v.SetDefault("sync.backoff_max", time.Hour)
	v.SetDefault("sync.transport_timeout", 30*time.Second)
	v.SetDefault("sync.strategy", "client_wins")

	v.SetDefault("transport.base_url", "http://localhost:8080/")
	v.SetDefault("transport.token", "")

	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", 15*time.Second)
	v.SetDefault("connectivity.probe_timeout", 5*time.Second)
	v.SetDefault("connectivity.stable_for", 2*time.Second)
	v.SetDefault("connectivity.unknown", "assume_offline")

	td := telemetry.DefaultConfig()
	v.SetDefault("telemetry.enabled", td.Enabled)
	v.SetDefault("telemetry.max_events", td.MaxEvents)
	v.SetDefault("telemetry.flush_interval", td.FlushInterval)
	v.SetDefault("telemetry.flush_timeout", td.FlushTimeout)
	v.SetDefault("telemetry.sink", SinkNone)
	v.SetDefault("telemetry.url", "")
	v.SetDefault("telemetry.s3.provider", "aws")
	v.SetDefault("telemetry.s3.bucket", "")
	v.SetDefault("telemetry.s3.region", "")
	v.SetDefault("telemetry.s3.endpoint", "")
	v.SetDefault("telemetry.s3.account_id", "")
	v.SetDefault("telemetry.s3.access_key", "")
	v.SetDefault("telemetry.s3.secret_key", "")
	v.SetDefault("telemetry.s3.prefix", "")
	v.SetDefault("telemetry.s3.use_ssl", true)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", "127.0.0.1:8787")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// NewViper returns a viper instance with defaults and env overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration built from defaults alone.
func Default() *Config {
	cfg, err := decode(NewViper())
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrConfig, "decode configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerated values and required fields.
func (c *Config) Validate() error {
	oneOf := func(field, value string, allowed ...string) error {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return errors.Newf(errors.ErrConfig, "%s must be one of %v, got %q", field, allowed, value)
	}

	checks := []error{
		oneOf("store.backend", c.Store.Backend, BackendSQLite, BackendBadger, BackendMemory),
		oneOf("store.codec", c.Store.Codec, "json", "msgpack"),
		oneOf("sync.strategy", c.Sync.Strategy, "client_wins", "server_wins", "last_write_wins"),
		oneOf("connectivity.unknown", c.Connectivity.Unknown, "assume_offline", "assume_online"),
		oneOf("telemetry.sink", c.Telemetry.Sink, SinkNone, SinkHTTP, SinkS3),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}

	if c.Store.Backend != BackendMemory && c.DataDir == "" {
		return errors.New(errors.ErrConfig, "data_dir is required for persistent backends")
	}
	if c.Transport.BaseURL == "" {
		return errors.New(errors.ErrConfig, "transport.base_url is required")
	}
	if c.Telemetry.Sink == SinkHTTP && c.Telemetry.URL == "" {
		return errors.New(errors.ErrConfig, "telemetry.url is required for the http sink")
	}
	if c.Telemetry.Sink == SinkS3 && c.Telemetry.S3.Bucket == "" {
		return errors.New(errors.ErrConfig, "telemetry.s3.bucket is required for the s3 sink")
	}
	if c.Sync.BackoffMax < c.Sync.BackoffBase {
		return errors.New(errors.ErrConfig, "sync.backoff_max must not be below sync.backoff_base")
	}
	return nil
}

// ProbeURL returns the connectivity probe target, defaulting to the
// transport base URL.
func (c *Config) ProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return c.Transport.BaseURL
}

// Manager holds the live configuration and reloads it when the file changes.
type Manager struct {
	v    *viper.Viper
	path string

	mu  sync.RWMutex
	cfg *Config
}

// Load reads path (optional) on top of defaults and environment. An empty
// path looks for syncd.yaml in the working directory and skips it when
// missing.
func Load(path string) (*Manager, error) {
	v := NewViper()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("syncd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, errors.Wrap(errors.ErrConfig, "read configuration", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	used := v.ConfigFileUsed()
	if used != "" {
		used, _ = filepath.Abs(used)
	}
	return &Manager{v: v, path: used, cfg: cfg}, nil
}

// Config returns the current configuration.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Path returns the config file in use, or "".
func (m *Manager) Path() string {
	return m.path
}

// Watch reloads the file on change and calls fn with the previous and new
// configuration. Invalid edits are logged and ignored. No-op without a file.
func (m *Manager) Watch(fn func(prev, next *Config)) {
	if m.path == "" {
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		m.reload(fn)
	})
	m.v.WatchConfig()
}

func (m *Manager) reload(fn func(prev, next *Config)) {
	next, err := decode(m.v)
	if err != nil {
		logging.Warn("Ignoring invalid configuration change", map[string]interface{}{
			"file":  m.path,
			"error": err.Error(),
		})
		return
	}

	m.mu.Lock()
	prev := m.cfg
	m.cfg = next
	m.mu.Unlock()

	logging.Info("Configuration reloaded", map[string]interface{}{"file": m.path})
	if fn != nil {
		fn(prev, next)
	}
}

// ApplyLogLevel is a Watch callback that follows log.level changes.
func ApplyLogLevel(prev, next *Config) {
	if prev != nil && prev.Log.Level == next.Log.Level {
		return
	}
	logging.Get().SetLevel(logging.ParseLevel(next.Log.Level))
	logging.Info("Log level changed", map[string]interface{}{"level": next.Log.Level})
}
