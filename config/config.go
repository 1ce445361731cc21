// Package config defines the gateway configuration surface. Loading happens
// at the process boundary; the core consumes a validated Config struct.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Backpressure policies for the ingestion pipeline. One deployment uses
// exactly one policy; they are never mixed.
const (
	BackpressureBlock  = "block"
	BackpressureReject = "reject"
)

// Duration wraps time.Duration for human-readable config values ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// GatewayConfig controls the accept loop and session lifecycle.
type GatewayConfig struct {
	// ListenAddress is the TCP address devices connect to.
	ListenAddress string `json:"listen_address" yaml:"listen_address"`

	// MaxPayloadSize bounds a single frame payload in bytes.
	MaxPayloadSize int `json:"max_payload_size" yaml:"max_payload_size"`

	// HandshakeTimeout bounds how long a connection may sit in Connecting.
	HandshakeTimeout Duration `json:"handshake_timeout" yaml:"handshake_timeout"`

	// LivenessWindow closes an Active session with no inbound activity.
	LivenessWindow Duration `json:"liveness_window" yaml:"liveness_window"`

	// DrainDeadline bounds the Draining state before a forced close.
	DrainDeadline Duration `json:"drain_deadline" yaml:"drain_deadline"`

	// CommandQueueCapacity bounds each session's outbound command queue.
	CommandQueueCapacity int `json:"command_queue_capacity" yaml:"command_queue_capacity"`

	// SessionRateLimit caps inbound frames per second per session.
	// Zero disables rate limiting.
	SessionRateLimit float64 `json:"session_rate_limit" yaml:"session_rate_limit"`
}

// IngestConfig controls the telemetry ingestion pipeline.
type IngestConfig struct {
	// BufferCapacityPerDevice bounds each device's telemetry buffer.
	BufferCapacityPerDevice int `json:"buffer_capacity_per_device" yaml:"buffer_capacity_per_device"`

	// BackpressurePolicy is "block" or "reject"; never both in one deployment.
	BackpressurePolicy string `json:"backpressure_policy" yaml:"backpressure_policy"`

	// BatchSizeThreshold flushes a batch when it reaches this many events.
	BatchSizeThreshold int `json:"batch_size_threshold" yaml:"batch_size_threshold"`

	// BatchTimeThreshold flushes a non-empty batch after this interval.
	BatchTimeThreshold Duration `json:"batch_time_threshold" yaml:"batch_time_threshold"`

	// SchemaPath points to the JSON schema validating telemetry payloads.
	// Empty disables schema validation.
	SchemaPath string `json:"schema_path,omitempty" yaml:"schema_path,omitempty"`
}

// CommandConfig controls the command dispatcher.
type CommandConfig struct {
	// ExpiryDefault applies to commands submitted without a deadline.
	ExpiryDefault Duration `json:"expiry_default" yaml:"expiry_default"`

	// MaxRetries caps re-sends of an unacked command. Held at 1 so a
	// flapping link cannot amplify duplicates.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// PersistPendingCommands snapshots Pending commands across restarts.
	PersistPendingCommands bool `json:"persist_pending_commands" yaml:"persist_pending_commands"`
}

// NATSConfig configures the telemetry sink connection.
type NATSConfig struct {
	URL     string `json:"url" yaml:"url"`
	Stream  string `json:"stream" yaml:"stream"`
	Subject string `json:"subject" yaml:"subject"`
}

// RedisConfig configures the registry persistence store.
type RedisConfig struct {
	// URL of the Redis server (redis://host:port/db). Empty selects the
	// in-memory store.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	// ListenAddress for the /metrics endpoint. Empty disables the endpoint.
	ListenAddress string `json:"listen_address,omitempty" yaml:"listen_address,omitempty"`
}

// Config is the complete gateway configuration.
type Config struct {
	Gateway GatewayConfig `json:"gateway" yaml:"gateway"`
	Ingest  IngestConfig  `json:"ingest" yaml:"ingest"`
	Command CommandConfig `json:"command" yaml:"command"`
	NATS    NATSConfig    `json:"nats" yaml:"nats"`
	Redis   RedisConfig   `json:"redis" yaml:"redis"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// Default returns a fully populated configuration with conservative values.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ListenAddress:        ":7000",
			MaxPayloadSize:       64 * 1024,
			HandshakeTimeout:     Duration(10 * time.Second),
			LivenessWindow:       Duration(90 * time.Second),
			DrainDeadline:        Duration(15 * time.Second),
			CommandQueueCapacity: 64,
			SessionRateLimit:     0,
		},
		Ingest: IngestConfig{
			BufferCapacityPerDevice: 1024,
			BackpressurePolicy:      BackpressureReject,
			BatchSizeThreshold:      100,
			BatchTimeThreshold:      Duration(time.Second),
		},
		Command: CommandConfig{
			ExpiryDefault: Duration(30 * time.Second),
			MaxRetries:    1,
		},
		NATS: NATSConfig{
			URL:     "nats://127.0.0.1:4222",
			Stream:  "TELEMETRY",
			Subject: "telemetry.events",
		},
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Gateway.ListenAddress == "" {
		return fmt.Errorf("gateway.listen_address is required")
	}
	if c.Gateway.MaxPayloadSize <= 0 {
		return fmt.Errorf("gateway.max_payload_size must be positive")
	}
	if c.Gateway.HandshakeTimeout <= 0 {
		return fmt.Errorf("gateway.handshake_timeout must be positive")
	}
	if c.Gateway.LivenessWindow <= 0 {
		return fmt.Errorf("gateway.liveness_window must be positive")
	}
	if c.Gateway.DrainDeadline <= 0 {
		return fmt.Errorf("gateway.drain_deadline must be positive")
	}
	if c.Gateway.CommandQueueCapacity <= 0 {
		return fmt.Errorf("gateway.command_queue_capacity must be positive")
	}
	if c.Gateway.SessionRateLimit < 0 {
		return fmt.Errorf("gateway.session_rate_limit cannot be negative")
	}

	switch c.Ingest.BackpressurePolicy {
	case BackpressureBlock, BackpressureReject:
	default:
		return fmt.Errorf("ingest.backpressure_policy must be %q or %q, got %q",
			BackpressureBlock, BackpressureReject, c.Ingest.BackpressurePolicy)
	}
	if c.Ingest.BufferCapacityPerDevice <= 0 {
		return fmt.Errorf("ingest.buffer_capacity_per_device must be positive")
	}
	if c.Ingest.BatchSizeThreshold <= 0 {
		return fmt.Errorf("ingest.batch_size_threshold must be positive")
	}
	if c.Ingest.BatchTimeThreshold <= 0 {
		return fmt.Errorf("ingest.batch_time_threshold must be positive")
	}

	if c.Command.ExpiryDefault <= 0 {
		return fmt.Errorf("command.expiry_default must be positive")
	}
	if c.Command.MaxRetries != 1 {
		return fmt.Errorf("command.max_retries is fixed at 1, got %d", c.Command.MaxRetries)
	}

	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return fmt.Errorf("nats.subject is required when nats.url is set")
	}

	return nil
}

// Load reads a configuration file, merging it over defaults. The format is
// chosen by extension: .yaml/.yml or .json.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a thread-safe config wrapper.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
