package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the shotline engine.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	Execution ExecutionConfig `yaml:"execution"`
	Devices   []DeviceConfig  `yaml:"devices"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings for shot telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains HTTP control-surface settings.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	Auth      AuthConfig       `yaml:"auth"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// AuthConfig contains operator authentication settings.
//
// The control surface uses a single shared operator key exchanged for
// short-lived JWTs; this is a bench-local deployment, not a multi-tenant
// service.
type AuthConfig struct {
	Secret         string `yaml:"secret"`
	OperatorKey    string `yaml:"operator_key"`
	AccessTokenTTL int    `yaml:"access_ttl_minutes"`
}

// WebSocketConfig contains WebSocket event-stream settings.
type WebSocketConfig struct {
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
	MaxMessageSize int `yaml:"max_message_size"`
}

// ExecutionConfig contains the shot execution policy.
type ExecutionConfig struct {
	// RetryAttempts is the number of attempts per shot (first try
	// included) before a retryable failure escalates to fatal.
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBackoffMs is the base backoff between attempts, doubled per
	// retry up to RetryBackoffMaxMs.
	RetryBackoffMs    int `yaml:"retry_backoff_ms"`
	RetryBackoffMaxMs int `yaml:"retry_backoff_max_ms"`

	// ShotTimeoutGraceMs is added to the evaluated shot duration to form
	// the dispatch deadline.
	ShotTimeoutGraceMs int `yaml:"shot_timeout_grace_ms"`

	// CompileAhead is the depth of the compile-ahead queue.
	CompileAhead int `yaml:"compile_ahead"`

	// SkipFailedShots records a shot-level failure and continues the sweep
	// instead of crashing the whole sequence.
	SkipFailedShots bool `yaml:"skip_failed_shots"`
}

// DeviceConfig declares one device-control process and the channels it
// owns. Together the device entries form the apparatus map.
type DeviceConfig struct {
	ID       string   `yaml:"id"`
	Channels []string `yaml:"channels"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SHOTLINE_SECTION_KEY
// For example: SHOTLINE_DATABASE_PATH, SHOTLINE_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Database: DatabaseConfig{
			Path:        "./data/shotline.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "shotline-engine",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			Auth: AuthConfig{
				AccessTokenTTL: 15,
			},
			WebSocket: WebSocketConfig{
				PingInterval:   30,
				PongTimeout:    10,
				MaxMessageSize: 8192,
			},
		},
		Execution: ExecutionConfig{
			RetryAttempts:      2,
			RetryBackoffMs:     100,
			RetryBackoffMaxMs:  5000,
			ShotTimeoutGraceMs: 10000,
			CompileAhead:       4,
			SkipFailedShots:    false,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SHOTLINE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("SHOTLINE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("SHOTLINE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("SHOTLINE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("SHOTLINE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("SHOTLINE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("SHOTLINE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Auth secrets (always override in production)
	if v := os.Getenv("SHOTLINE_AUTH_SECRET"); v != "" {
		cfg.API.Auth.Secret = v
	}
	if v := os.Getenv("SHOTLINE_AUTH_OPERATOR_KEY"); v != "" {
		cfg.API.Auth.OperatorKey = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}

		// An empty or weak secret would let anyone forge operator tokens
		// and drive the apparatus.
		const minSecretLength = 32
		switch {
		case c.API.Auth.Secret == "":
			errs = append(errs, "api.auth.secret is required (set SHOTLINE_AUTH_SECRET environment variable)")
		case len(c.API.Auth.Secret) < minSecretLength:
			errs = append(errs, "api.auth.secret must be at least 32 characters")
		}
		if c.API.Auth.OperatorKey == "" {
			errs = append(errs, "api.auth.operator_key is required (set SHOTLINE_AUTH_OPERATOR_KEY environment variable)")
		}
	}

	// Execution validation
	if c.Execution.RetryAttempts < 1 {
		errs = append(errs, "execution.retry_attempts must be at least 1")
	}
	if c.Execution.RetryBackoffMs < 0 {
		errs = append(errs, "execution.retry_backoff_ms cannot be negative")
	}
	if c.Execution.CompileAhead < 1 {
		errs = append(errs, "execution.compile_ahead must be at least 1")
	}

	// Apparatus validation: device IDs unique, every channel owned by
	// exactly one device.
	deviceIDs := make(map[string]struct{}, len(c.Devices))
	channelOwners := make(map[string]string)
	for i, device := range c.Devices {
		if device.ID == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].id is required", i))
			continue
		}
		if _, dup := deviceIDs[device.ID]; dup {
			errs = append(errs, fmt.Sprintf("devices[%d].id %q is duplicated", i, device.ID))
		}
		deviceIDs[device.ID] = struct{}{}

		for _, channel := range device.Channels {
			if owner, claimed := channelOwners[channel]; claimed {
				errs = append(errs, fmt.Sprintf("channel %q is claimed by both %q and %q", channel, owner, device.ID))
				continue
			}
			channelOwners[channel] = device.ID
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ChannelOwners returns the apparatus map: channel name → owning device ID.
func (c *Config) ChannelOwners() map[string]string {
	owners := make(map[string]string)
	for _, device := range c.Devices {
		for _, channel := range device.Channels {
			owners[channel] = device.ID
		}
	}
	return owners
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// RetryBackoff returns the base retry backoff as a Duration.
func (e ExecutionConfig) RetryBackoff() time.Duration {
	return time.Duration(e.RetryBackoffMs) * time.Millisecond
}

// RetryBackoffMax returns the retry backoff cap as a Duration.
func (e ExecutionConfig) RetryBackoffMax() time.Duration {
	return time.Duration(e.RetryBackoffMaxMs) * time.Millisecond
}

// ShotTimeoutGrace returns the dispatch deadline grace as a Duration.
func (e ExecutionConfig) ShotTimeoutGrace() time.Duration {
	return time.Duration(e.ShotTimeoutGraceMs) * time.Millisecond
}
