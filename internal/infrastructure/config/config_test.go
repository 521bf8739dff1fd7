package config

import (
	"os"
	"path/filepath"
	"testing"
)

// validSecret meets the 32-character minimum requirement.
const validSecret = "test-secret-key-at-least-32-chars!"

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "/data/shotline.db"},
		MQTT:     MQTTConfig{QoS: 1},
		API: APIConfig{
			Enabled: true,
			Port:    8080,
			Auth:    AuthConfig{Secret: validSecret, OperatorKey: "bench-key"},
		},
		Execution: ExecutionConfig{
			RetryAttempts: 2,
			CompileAhead:  4,
		},
		Devices: []DeviceConfig{
			{ID: "laser-ctl", Channels: []string{"aom.cooling", "aom.repump"}},
			{ID: "daq", Channels: []string{"pmt.counts"}},
		},
	}
}

func TestLoad_ValidConfig(t *testing.T) {
	// Create a temporary config file
	content := `
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  enabled: true
  host: "0.0.0.0"
  port: 8080
  auth:
    secret: "test-secret-key-at-least-32-chars!"
    operator_key: "bench-key"
devices:
  - id: "laser-ctl"
    channels: ["aom.cooling"]
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}

	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "localhost")
	}

	// Defaults survive a partial file.
	if cfg.Execution.RetryAttempts != 2 {
		t.Errorf("Execution.RetryAttempts = %d, want default 2", cfg.Execution.RetryAttempts)
	}
	if cfg.Execution.CompileAhead != 4 {
		t.Errorf("Execution.CompileAhead = %d, want default 4", cfg.Execution.CompileAhead)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
database:
  path: ""
api:
  enabled: false
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for empty database.path, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: true,
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "invalid port low",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: true,
		},
		{
			name:    "invalid port high",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "missing auth secret",
			mutate:  func(c *Config) { c.API.Auth.Secret = "" },
			wantErr: true,
		},
		{
			name:    "auth secret too short",
			mutate:  func(c *Config) { c.API.Auth.Secret = "short" },
			wantErr: true,
		},
		{
			name:    "missing operator key",
			mutate:  func(c *Config) { c.API.Auth.OperatorKey = "" },
			wantErr: true,
		},
		{
			name: "api disabled skips auth checks",
			mutate: func(c *Config) {
				c.API.Enabled = false
				c.API.Auth = AuthConfig{}
			},
			wantErr: false,
		},
		{
			name:    "zero retry attempts",
			mutate:  func(c *Config) { c.Execution.RetryAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "zero compile ahead",
			mutate:  func(c *Config) { c.Execution.CompileAhead = 0 },
			wantErr: true,
		},
		{
			name:    "device without id",
			mutate:  func(c *Config) { c.Devices[0].ID = "" },
			wantErr: true,
		},
		{
			name:    "duplicate device id",
			mutate:  func(c *Config) { c.Devices[1].ID = c.Devices[0].ID },
			wantErr: true,
		},
		{
			name: "channel claimed twice",
			mutate: func(c *Config) {
				c.Devices[1].Channels = append(c.Devices[1].Channels, "aom.cooling")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ChannelOwners(t *testing.T) {
	cfg := validConfig()

	owners := cfg.ChannelOwners()
	if len(owners) != 3 {
		t.Fatalf("expected 3 channels, got %d", len(owners))
	}
	if owners["aom.cooling"] != "laser-ctl" {
		t.Errorf("aom.cooling owned by %q, want laser-ctl", owners["aom.cooling"])
	}
	if owners["pmt.counts"] != "daq" {
		t.Errorf("pmt.counts owned by %q, want daq", owners["pmt.counts"])
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}

	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}

	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestExecutionConfig_Durations(t *testing.T) {
	exec := ExecutionConfig{
		RetryBackoffMs:     100,
		RetryBackoffMaxMs:  5000,
		ShotTimeoutGraceMs: 10000,
	}

	if got := exec.RetryBackoff().Milliseconds(); got != 100 {
		t.Errorf("RetryBackoff() = %vms, want 100", got)
	}
	if got := exec.RetryBackoffMax().Milliseconds(); got != 5000 {
		t.Errorf("RetryBackoffMax() = %vms, want 5000", got)
	}
	if got := exec.ShotTimeoutGrace().Seconds(); got != 10 {
		t.Errorf("ShotTimeoutGrace() = %vs, want 10", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	// Set environment variables
	t.Setenv("SHOTLINE_DATABASE_PATH", "/custom/path.db")
	t.Setenv("SHOTLINE_MQTT_HOST", "mqtt.example.com")
	t.Setenv("SHOTLINE_MQTT_USERNAME", "testuser")
	t.Setenv("SHOTLINE_MQTT_PASSWORD", "testpass")
	t.Setenv("SHOTLINE_API_HOST", "192.168.1.1")
	t.Setenv("SHOTLINE_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("SHOTLINE_AUTH_SECRET", "env-auth-secret")
	t.Setenv("SHOTLINE_AUTH_OPERATOR_KEY", "env-operator-key")

	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}

	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}

	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}

	if cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth.Password = %q, want %q", cfg.MQTT.Auth.Password, "testpass")
	}

	if cfg.API.Host != "192.168.1.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "192.168.1.1")
	}

	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}

	if cfg.API.Auth.Secret != "env-auth-secret" {
		t.Errorf("API.Auth.Secret = %q, want %q", cfg.API.Auth.Secret, "env-auth-secret")
	}

	if cfg.API.Auth.OperatorKey != "env-operator-key" {
		t.Errorf("API.Auth.OperatorKey = %q, want %q", cfg.API.Auth.OperatorKey, "env-operator-key")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}

	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}

	if cfg.Execution.RetryAttempts != 2 {
		t.Errorf("defaultConfig Execution.RetryAttempts = %d, want 2", cfg.Execution.RetryAttempts)
	}
}
