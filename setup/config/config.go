package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Version is the expected schema version of the config file.
const Version = 1

type Config struct {
	Version int `yaml:"version"`

	Global  Global  `yaml:"global"`
	SyncAPI SyncAPI `yaml:"sync_api"`

	Logging []LogrusHook `yaml:"logging"`
}

type Global struct {
	// The domain name this server asserts for its users.
	ServerName string `yaml:"server_name"`

	// Address the public API listens on, e.g. ":8073".
	ListenAddress string `yaml:"listen_address"`

	Database  DatabaseOptions `yaml:"database"`
	JetStream JetStream       `yaml:"jetstream"`
	Sentry    Sentry          `yaml:"sentry"`
	Metrics   Metrics         `yaml:"metrics"`
}

type DatabaseOptions struct {
	// SQLite database path, or ":memory:" for an ephemeral store.
	ConnectionString string `yaml:"connection_string"`

	MaxOpenConnections int `yaml:"max_open_conns"`
}

type JetStream struct {
	// Addresses of the NATS server(s) to connect to. Empty means run an
	// embedded server.
	Addresses []string `yaml:"addresses"`

	// StoragePath for the embedded server's stream state.
	StoragePath string `yaml:"storage_path"`

	// TopicPrefix namespaces subjects and durable consumer names.
	TopicPrefix string `yaml:"topic_prefix"`
}

// Prefixed returns a subject name under the configured prefix.
func (j *JetStream) Prefixed(name string) string {
	return fmt.Sprintf("%s%s", j.TopicPrefix, name)
}

// Durable returns a prefixed durable consumer name.
func (j *JetStream) Durable(name string) string {
	return j.Prefixed(name)
}

type Sentry struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type Metrics struct {
	Enabled bool `yaml:"enabled"`
}

type SyncAPI struct {
	Matrix *Global `yaml:"-"`

	// DefaultTimelineLimit caps how many timeline events a full sync
	// returns per room when the client does not say otherwise.
	DefaultTimelineLimit int `yaml:"default_timeline_limit"`

	// HeroLimit caps how many hero members are surfaced per room.
	HeroLimit int `yaml:"hero_limit"`

	// LongPollInterval bounds the fallback re-check tick while a sync
	// request is blocked waiting for data.
	LongPollInterval time.Duration `yaml:"long_poll_interval"`

	// MaxTimeout caps client-requested long poll timeouts.
	MaxTimeout time.Duration `yaml:"max_timeout"`

	RateLimiting RateLimiting `yaml:"rate_limiting"`
}

type RateLimiting struct {
	Enabled       bool     `yaml:"enabled"`
	Threshold     int64    `yaml:"threshold"`
	CooloffMS     int64    `yaml:"cooloff_ms"`
	ExemptUserIDs []string `yaml:"exempt_user_ids"`
}

type LogrusHook struct {
	// The type of hook, currently only "file" is supported.
	Type string `yaml:"type"`

	// The level of the logs to produce. Will output only this level and above.
	Level string `yaml:"level"`

	// The parameters for this hook.
	Params map[string]interface{} `yaml:"params"`
}

// Defaults sets sane values for everything that was not configured.
func (c *Config) Defaults() {
	c.Version = Version
	if c.Global.ListenAddress == "" {
		c.Global.ListenAddress = ":8073"
	}
	if c.Global.Database.ConnectionString == "" {
		c.Global.Database.ConnectionString = "file:axon-syncapi.db"
	}
	if c.Global.Database.MaxOpenConnections == 0 {
		c.Global.Database.MaxOpenConnections = 10
	}
	if c.Global.JetStream.StoragePath == "" {
		c.Global.JetStream.StoragePath = "./jetstream"
	}
	if c.Global.JetStream.TopicPrefix == "" {
		c.Global.JetStream.TopicPrefix = "Axon"
	}
	if c.SyncAPI.DefaultTimelineLimit == 0 {
		c.SyncAPI.DefaultTimelineLimit = 10
	}
	if c.SyncAPI.HeroLimit == 0 {
		c.SyncAPI.HeroLimit = 5
	}
	if c.SyncAPI.LongPollInterval == 0 {
		c.SyncAPI.LongPollInterval = time.Second
	}
	if c.SyncAPI.MaxTimeout == 0 {
		c.SyncAPI.MaxTimeout = 3 * time.Minute
	}
	if c.SyncAPI.RateLimiting.Threshold == 0 {
		c.SyncAPI.RateLimiting.Threshold = 20
	}
	if c.SyncAPI.RateLimiting.CooloffMS == 0 {
		c.SyncAPI.RateLimiting.CooloffMS = 500
	}
	c.SyncAPI.Matrix = &c.Global
}

// Verify checks that required values are present.
func (c *Config) Verify() error {
	if c.Version != Version {
		return fmt.Errorf("config version must be %d, got %d", Version, c.Version)
	}
	if c.Global.ServerName == "" {
		return fmt.Errorf("global.server_name must not be empty")
	}
	if c.Global.Sentry.Enabled && c.Global.Sentry.DSN == "" {
		return fmt.Errorf("global.sentry.dsn must be set when sentry is enabled")
	}
	return nil
}

// Load reads, decodes and verifies a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode %q: %w", path, err)
	}
	c.Defaults()
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return &c, nil
}
