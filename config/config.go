// Package config holds the typed service configuration: one section per
// subsystem, each validated by the subsystem that owns it. Configuration
// is loaded from a JSON file with environment overrides on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c360/pointstream/consumer"
	"github.com/c360/pointstream/directory"
	"github.com/c360/pointstream/errors"
	"github.com/c360/pointstream/pipeline"
	"github.com/c360/pointstream/resolver"
	"github.com/c360/pointstream/sink/questdb"
)

// Config is the complete service configuration.
type Config struct {
	// InstanceID identifies this process in partition claims and logs.
	// Defaults to the hostname.
	InstanceID string `json:"instance_id,omitempty"`

	NATS      NATSConfig               `json:"nats"`
	Directory directory.PostgresConfig `json:"directory"`
	Resolver  resolver.Config          `json:"resolver,omitempty"`
	Sink      questdb.WriterConfig     `json:"sink"`
	Consumer  ConsumerConfig           `json:"consumer,omitempty"`
	Pipeline  pipeline.Config          `json:"pipeline,omitempty"`
	State     StateConfig              `json:"state,omitempty"`
	Ops       OpsConfig                `json:"ops,omitempty"`
}

// NATSConfig defines the queue connection settings.
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
}

// Validate checks the configuration for errors
func (c *NATSConfig) Validate() error {
	if len(c.URLs) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "NATSConfig", "Validate", "at least one url is required")
	}
	for _, u := range c.URLs {
		if !strings.HasPrefix(u, "nats://") && !strings.HasPrefix(u, "tls://") {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "NATSConfig", "Validate",
				"url must use nats:// or tls:// scheme: "+u)
		}
	}
	return nil
}

// URL returns the URLs joined for the client connect call.
func (c *NATSConfig) URL() string {
	return strings.Join(c.URLs, ",")
}

// ConsumerConfig wraps partition claiming with stream retention.
type ConsumerConfig struct {
	Group consumer.GroupConfig `json:"group,omitempty"`

	// StreamMaxAge bounds ingest stream retention. Zero keeps the
	// server default.
	StreamMaxAge time.Duration `json:"stream_max_age,omitempty"`
}

// Validate checks the configuration for errors
func (c *ConsumerConfig) Validate() error {
	if c.StreamMaxAge < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ConsumerConfig", "Validate",
			"stream_max_age cannot be negative")
	}
	// Group.InstanceID is filled from the top-level instance id during
	// wiring, so only the remaining fields are checked here
	if c.Group.Partitions < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ConsumerConfig", "Validate",
			"partitions cannot be negative")
	}
	return nil
}

// StateConfig bounds the KV side-state stores.
type StateConfig struct {
	// IdempotencyTTL bounds how long completed batch ids are kept.
	IdempotencyTTL time.Duration `json:"idempotency_ttl,omitempty"`

	// CurrentValueTTL expires current values for quiet points.
	CurrentValueTTL time.Duration `json:"current_value_ttl,omitempty"`
}

// Validate checks the configuration for errors
func (c *StateConfig) Validate() error {
	if c.IdempotencyTTL < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "StateConfig", "Validate",
			"idempotency_ttl cannot be negative")
	}
	if c.CurrentValueTTL < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "StateConfig", "Validate",
			"current_value_ttl cannot be negative")
	}
	return nil
}

// OpsConfig defines the operational HTTP listener.
type OpsConfig struct {
	// ListenAddr serves /healthz and /metrics. Empty disables the
	// listener.
	ListenAddr string `json:"listen_addr,omitempty"`
}

// Validate returns the first section validation failure.
func (c *Config) Validate() error {
	if err := c.NATS.Validate(); err != nil {
		return err
	}
	if err := c.Directory.Validate(); err != nil {
		return err
	}
	if err := c.Resolver.Validate(); err != nil {
		return err
	}
	if err := c.Sink.Validate(); err != nil {
		return err
	}
	if err := c.Consumer.Validate(); err != nil {
		return err
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	return c.State.Validate()
}

// Loader loads configuration from a file with environment overrides.
type Loader struct {
	envPrefix  string
	validation bool
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "POINTSTREAM",
		validation: true,
	}
}

// EnableValidation enables or disables validation on load
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a JSON file, applies environment
// overrides and validates the result.
func (l *Loader) LoadFile(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	l.applyEnvOverrides(cfg)

	if cfg.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.InstanceID = host
		}
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Defaults returns the default configuration.
func Defaults() *Config {
	return &Config{
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Directory: directory.PostgresConfig{
			DSN: "postgres://pointstream@localhost:5432/pointstream",
		},
		Sink: questdb.WriterConfig{
			URL: "http://localhost:9000/write",
		},
		Consumer: ConsumerConfig{
			Group: consumer.GroupConfig{
				Partitions: consumer.DefaultPartitions,
			},
		},
		Ops: OpsConfig{
			ListenAddr: ":8080",
		},
	}
}

func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_INSTANCE_ID"); val != "" {
		cfg.InstanceID = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := os.Getenv(l.envPrefix + "_NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
	if val := os.Getenv(l.envPrefix + "_DIRECTORY_DSN"); val != "" {
		cfg.Directory.DSN = val
	}
	if val := os.Getenv(l.envPrefix + "_SINK_URL"); val != "" {
		cfg.Sink.URL = val
	}
	if val := os.Getenv(l.envPrefix + "_OPS_LISTEN_ADDR"); val != "" {
		cfg.Ops.ListenAddr = val
	}
}
