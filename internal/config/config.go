// Package config loads and validates the daemon's YAML configuration:
// discovery cadence, Bluetooth concurrency limits, MQTT publishing, the
// time-series storage sink, and logging.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	Discovery DiscoveryConfig `yaml:"discovery"`
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Storage   StorageConfig   `yaml:"storage"`
	Registry  RegistryConfig  `yaml:"registry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DiscoveryConfig controls scan cadence.
type DiscoveryConfig struct {
	InitialScan       bool `yaml:"initial_scan"`
	PeriodicIntervalS int  `yaml:"periodic_interval_s"`
	ScanDurationS     int  `yaml:"scan_duration_s"`
}

// BluetoothConfig bounds connection concurrency and adapter selection.
type BluetoothConfig struct {
	MaxConcurrentConnections int    `yaml:"max_concurrent_connections"`
	ConnectionTimeoutS       int    `yaml:"connection_timeout_s"`
	Adapter                  string `yaml:"adapter"`
}

// MQTTConfig configures the outbound resilience client.
type MQTTConfig struct {
	Enabled              bool    `yaml:"enabled"`
	Broker               string  `yaml:"broker"`
	Port                 int     `yaml:"port"`
	Username             string  `yaml:"username"`
	Password             string  `yaml:"password"`
	TopicPrefix          string  `yaml:"topic_prefix"`
	MaxRetries           int     `yaml:"max_retries"`
	InitialRetryDelayS   int     `yaml:"initial_retry_delay_s"`
	MaxRetryDelayS       int     `yaml:"max_retry_delay_s"`
	BackoffMultiplier    float64 `yaml:"backoff_multiplier"`
	JitterFactor         float64 `yaml:"jitter_factor"`
	ConnectionTimeoutS   int     `yaml:"connection_timeout_s"`
	HealthCheckIntervalS int     `yaml:"health_check_interval_s"`
	MessageQueueSize     int     `yaml:"message_queue_size"`
	MessageRetryLimit    int     `yaml:"message_retry_limit"`
}

// StorageConfig configures the optional time-series sink. The core never
// speaks a specific backend's wire protocol itself; enabling storage
// only wires a storage.Sink implementation supplied by the caller.
type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
}

// RegistryConfig locates the device and vehicle registry documents the
// orchestrator hydrates from at startup and writes through on every
// mutation.
type RegistryConfig struct {
	DevicesPath  string `yaml:"devices_path"`
	VehiclesPath string `yaml:"vehicles_path"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "corewatch")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values, matching the
// documented defaults for discovery cadence, connection limits, and
// reconnection backoff.
func Default() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			InitialScan:       true,
			PeriodicIntervalS: 43200,
			ScanDurationS:     10,
		},
		Bluetooth: BluetoothConfig{
			MaxConcurrentConnections: 1,
			ConnectionTimeoutS:       10,
			Adapter:                  "hci0",
		},
		MQTT: MQTTConfig{
			Enabled:              false,
			Port:                 1883,
			TopicPrefix:          "battery-hawk",
			MaxRetries:           3,
			InitialRetryDelayS:   1,
			MaxRetryDelayS:       300,
			BackoffMultiplier:    2.0,
			JitterFactor:         0.1,
			ConnectionTimeoutS:   10,
			HealthCheckIntervalS: 60,
			MessageQueueSize:     1000,
			MessageRetryLimit:    3,
		},
		Storage: StorageConfig{
			Enabled: false,
		},
		Registry: RegistryConfig{
			DevicesPath:  filepath.Join(DefaultConfigDir(), "devices.yaml"),
			VehiclesPath: filepath.Join(DefaultConfigDir(), "vehicles.yaml"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Discovery.PeriodicIntervalS <= 0 {
		return fmt.Errorf("discovery.periodic_interval_s must be > 0")
	}
	if c.Discovery.ScanDurationS <= 0 {
		return fmt.Errorf("discovery.scan_duration_s must be > 0")
	}

	if c.Bluetooth.MaxConcurrentConnections <= 0 {
		return fmt.Errorf("bluetooth.max_concurrent_connections must be > 0")
	}
	if c.Bluetooth.ConnectionTimeoutS <= 0 {
		return fmt.Errorf("bluetooth.connection_timeout_s must be > 0")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must not be empty when mqtt.enabled is true")
		}
		if c.MQTT.Port <= 0 {
			return fmt.Errorf("mqtt.port must be > 0")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix must not be empty")
		}
		if c.MQTT.BackoffMultiplier <= 1.0 {
			return fmt.Errorf("mqtt.backoff_multiplier must be > 1.0")
		}
		if c.MQTT.MessageQueueSize <= 0 {
			return fmt.Errorf("mqtt.message_queue_size must be > 0")
		}
	}

	if c.Storage.Enabled && c.Storage.Backend == "" {
		return fmt.Errorf("storage.backend must not be empty when storage.enabled is true")
	}

	if c.Registry.DevicesPath == "" || c.Registry.VehiclesPath == "" {
		return fmt.Errorf("registry.devices_path and registry.vehicles_path must not be empty")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}

	return nil
}

// ParseLogLevel maps a config string onto an slog.Level, defaulting to
// Info for unrecognized values.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
