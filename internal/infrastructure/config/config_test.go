package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validJWTSecret = "test-secret-key-at-least-32-chars!"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
lab:
  id: "optics-bench"
  definition: "/etc/labhub/apparatus.yaml"
hub:
  history_length: 25
  atomic_actuation: true
sequencer:
  cycle_time: 0.5
database:
  path: "/tmp/test.db"
mqtt:
  qos: 1
api:
  port: 8080
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Lab.ID != "optics-bench" {
		t.Errorf("Lab.ID = %q, want %q", cfg.Lab.ID, "optics-bench")
	}
	if cfg.Hub.HistoryLength != 25 {
		t.Errorf("Hub.HistoryLength = %d, want 25", cfg.Hub.HistoryLength)
	}
	if !cfg.Hub.AtomicActuation {
		t.Error("Hub.AtomicActuation = false, want true")
	}
	if got := cfg.Sequencer.Cycle(); got != 500*time.Millisecond {
		t.Errorf("Sequencer.Cycle() = %v, want 500ms", got)
	}
	// Unset sections keep their defaults.
	if cfg.Hub.LockPollInterval != 100 {
		t.Errorf("Hub.LockPollInterval = %d, want 100", cfg.Hub.LockPollInterval)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
lab:
  id: ""
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`
	_, err := Load(writeConfig(t, content))
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Load() error = %v, want ErrInvalid for empty lab.id", err)
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	content := `
hub:
  histroy_length: 5
`
	if _, err := Load(writeConfig(t, content)); err == nil || !strings.Contains(err.Error(), "histroy_length") {
		t.Errorf("Load() error = %v, want unknown key reported", err)
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("LABHUB_JWT_SECRET", validJWTSecret)
	t.Setenv("LABHUB_API_PORT", "eighty")
	if _, err := Load(writeConfig(t, "lab:\n  id: x\n")); err == nil || !strings.Contains(err.Error(), "LABHUB_API_PORT") {
		t.Errorf("Load() error = %v, want LABHUB_API_PORT reported", err)
	}
}

func TestLoad_SampleConfig(t *testing.T) {
	t.Setenv("LABHUB_JWT_SECRET", validJWTSecret)
	cfg, err := Load(filepath.Join("..", "..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("Load(configs/config.yaml) error = %v", err)
	}
	if cfg.Lab.Definition != "configs/bench.yaml" {
		t.Errorf("Lab.Definition = %q, want configs/bench.yaml", cfg.Lab.Definition)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Security.JWT.Secret = validJWTSecret
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing lab ID", mutate: func(c *Config) { c.Lab.ID = "" }, wantErr: "lab.id"},
		{name: "zero history length", mutate: func(c *Config) { c.Hub.HistoryLength = 0 }, wantErr: "hub.history_length"},
		{name: "zero poll interval", mutate: func(c *Config) { c.Hub.LockPollInterval = 0 }, wantErr: "hub.lock_poll_interval"},
		{name: "negative cycle time", mutate: func(c *Config) { c.Sequencer.CycleTime = -1 }, wantErr: "sequencer.cycle_time"},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Backend = "tape" }, wantErr: "store.backend"},
		{name: "redis store without addr", mutate: func(c *Config) {
			c.Store.Backend = StoreRedis
			c.Redis.Addr = ""
		}, wantErr: "redis.addr"},
		{name: "file store without path", mutate: func(c *Config) {
			c.Store.Backend = StoreFile
			c.Store.Path = ""
		}, wantErr: "store.path"},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: "mqtt.qos"},
		{name: "mqtt enabled without host", mutate: func(c *Config) {
			c.MQTT.Enabled = true
			c.MQTT.Broker.Host = ""
		}, wantErr: "mqtt.broker.host"},
		{name: "influxdb enabled without bucket", mutate: func(c *Config) {
			c.InfluxDB = InfluxDBConfig{Enabled: true, URL: "http://influx:8086", Org: "lab"}
		}, wantErr: "influxdb.url"},
		{name: "unknown log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format"},
		{name: "unknown log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
		{name: "invalid port", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: "api.port"},
		{name: "tls without cert", mutate: func(c *Config) { c.API.TLS.Enabled = true }, wantErr: "api.tls"},
		{name: "missing JWT secret", mutate: func(c *Config) { c.Security.JWT.Secret = "" }, wantErr: "security.jwt.secret"},
		{name: "JWT secret too short", mutate: func(c *Config) { c.Security.JWT.Secret = "short" }, wantErr: "at least 32"},
		{name: "API disabled skips secret", mutate: func(c *Config) {
			c.API.Enabled = false
			c.Security.JWT.Secret = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want ErrInvalid containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Lab.ID = ""
	cfg.MQTT.QoS = 9
	err := cfg.Validate()
	for _, want := range []string{"lab.id", "mqtt.qos", "security.jwt.secret"} {
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error = %v, want mention of %s", err, want)
		}
	}
}

func TestDurations(t *testing.T) {
	cfg := Config{
		Hub:       HubConfig{LockPollInterval: 250, ProcessGracePeriod: 3},
		Sequencer: SequencerConfig{CycleTime: 0.25, SyncInterval: 5},
		Redis:     RedisConfig{TTL: 90},
		API:       APIConfig{Timeouts: APITimeoutConfig{Read: 30, Write: 45, Idle: 60}},
	}

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"Hub.LockPoll", cfg.Hub.LockPoll(), 250 * time.Millisecond},
		{"Hub.ProcessGrace", cfg.Hub.ProcessGrace(), 3 * time.Second},
		{"Sequencer.Cycle", cfg.Sequencer.Cycle(), 250 * time.Millisecond},
		{"Sequencer.Sync", cfg.Sequencer.Sync(), 5 * time.Millisecond},
		{"Redis.Expiry", cfg.Redis.Expiry(), 90 * time.Second},
		{"Timeouts.ReadTimeout", cfg.API.Timeouts.ReadTimeout(), 30 * time.Second},
		{"Timeouts.WriteTimeout", cfg.API.Timeouts.WriteTimeout(), 45 * time.Second},
		{"Timeouts.IdleTimeout", cfg.API.Timeouts.IdleTimeout(), time.Minute},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s() = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"LABHUB_LAB_DEFINITION":       "/srv/apparatus.yaml",
		"LABHUB_HUB_ATOMIC_ACTUATION": "true",
		"LABHUB_STORE_BACKEND":        "redis",
		"LABHUB_DATABASE_PATH":        "/custom/path.db",
		"LABHUB_MQTT_HOST":            "mqtt.example.com",
		"LABHUB_MQTT_PORT":            "8883",
		"LABHUB_REDIS_ADDR":           "redis:6379",
		"LABHUB_JWT_SECRET":           "jwt-secret",
		"LABHUB_LOG_LEVEL":            "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := applyEnv(cfg, lookup); err != nil {
		t.Fatalf("applyEnv() error = %v", err)
	}

	if cfg.Lab.Definition != "/srv/apparatus.yaml" {
		t.Errorf("Lab.Definition = %q, want %q", cfg.Lab.Definition, "/srv/apparatus.yaml")
	}
	if !cfg.Hub.AtomicActuation {
		t.Error("Hub.AtomicActuation = false, want true")
	}
	if cfg.Store.Backend != StoreRedis {
		t.Errorf("Store.Backend = %q, want %q", cfg.Store.Backend, StoreRedis)
	}
	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" || cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT.Broker = %+v, want mqtt.example.com:8883", cfg.MQTT.Broker)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("Redis.Addr = %q, want %q", cfg.Redis.Addr, "redis:6379")
	}
	if cfg.Security.JWT.Secret != "jwt-secret" {
		t.Errorf("Security.JWT.Secret = %q, want %q", cfg.Security.JWT.Secret, "jwt-secret")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want empty variable ignored", cfg.Logging.Level)
	}
}

func TestApplyEnv_BadValues(t *testing.T) {
	env := map[string]string{
		"LABHUB_HUB_ATOMIC_ACTUATION": "sometimes",
		"LABHUB_API_PORT":             "eighty",
	}
	cfg := Default()
	err := applyEnv(cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	for _, name := range []string{"LABHUB_HUB_ATOMIC_ACTUATION", "LABHUB_API_PORT"} {
		if err == nil || !strings.Contains(err.Error(), name) {
			t.Errorf("applyEnv() error = %v, want mention of %s", err, name)
		}
	}
	if cfg.API.Port != 8080 || cfg.Hub.AtomicActuation {
		t.Errorf("bad values changed fields: port %d, atomic %v", cfg.API.Port, cfg.Hub.AtomicActuation)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Hub.HistoryLength != 10 {
		t.Errorf("Hub.HistoryLength = %d, want 10", cfg.Hub.HistoryLength)
	}
	if cfg.Hub.LockPoll() != 100*time.Millisecond {
		t.Errorf("Hub.LockPoll() = %v, want 100ms", cfg.Hub.LockPoll())
	}
	if cfg.Hub.AtomicActuation {
		t.Error("Hub.AtomicActuation = true, want false")
	}
	if cfg.Sampler.Algorithm != "grid" {
		t.Errorf("Sampler.Algorithm = %q, want %q", cfg.Sampler.Algorithm, "grid")
	}
	if cfg.API.Port != 8080 {
		t.Errorf("API.Port = %d, want 8080", cfg.API.Port)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "security.jwt.secret") {
		t.Errorf("Default().Validate() = %v, want only the missing secret", err)
	}
}
