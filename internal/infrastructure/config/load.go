package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// minJWTSecretLength guards the API: a forged token drives the apparatus.
const minJWTSecretLength = 32

// Load builds the configuration in three layers: built-in defaults, the
// YAML file at path, then LABHUB_* environment variables. Unknown YAML
// keys and malformed environment values are errors.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec // Path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Lab: LabConfig{ID: "lab-001", Name: "labhub"},
		Hub: HubConfig{
			HistoryLength:      10,
			LockPollInterval:   100,
			Rebroadcast:        true,
			ProcessGracePeriod: 5,
		},
		Sequencer: SequencerConfig{CycleTime: 1, SyncInterval: 10},
		Sampler: SamplerConfig{
			Algorithm: "grid",
			Params:    map[string]any{"steps": 10},
		},
		Store:    StoreConfig{Backend: StoreSQLite, Path: "./data/snapshots"},
		Database: DatabaseConfig{Path: "./data/labhub.db", WALMode: true, BusyTimeout: 5},
		MQTT: MQTTConfig{
			Broker:    MQTTBrokerConfig{Host: "localhost", Port: 1883, ClientID: "labhub-core"},
			QoS:       1,
			Reconnect: MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 60},
		},
		Redis: RedisConfig{Addr: "localhost:6379", KeyPrefix: "labhub:snapshot:"},
		API: APIConfig{
			Enabled:  true,
			Host:     "0.0.0.0",
			Port:     8080,
			Timeouts: APITimeoutConfig{Read: 30, Write: 30, Idle: 60},
		},
		WebSocket: WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Logging:   LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Security: SecurityConfig{
			JWT:      JWTConfig{AccessTokenTTL: 60},
			Operator: OperatorConfig{Username: "operator"},
		},
	}
}

// envVar binds one LABHUB_* variable to a config field.
type envVar struct {
	name string
	set  func(*Config, string) error
}

func text(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func number(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func flag(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

var envVars = []envVar{
	{"LABHUB_LAB_ID", text(func(c *Config) *string { return &c.Lab.ID })},
	{"LABHUB_LAB_DEFINITION", text(func(c *Config) *string { return &c.Lab.Definition })},
	{"LABHUB_HUB_ATOMIC_ACTUATION", flag(func(c *Config) *bool { return &c.Hub.AtomicActuation })},
	{"LABHUB_STORE_BACKEND", text(func(c *Config) *string { return &c.Store.Backend })},
	{"LABHUB_DATABASE_PATH", text(func(c *Config) *string { return &c.Database.Path })},
	{"LABHUB_MQTT_ENABLED", flag(func(c *Config) *bool { return &c.MQTT.Enabled })},
	{"LABHUB_MQTT_HOST", text(func(c *Config) *string { return &c.MQTT.Broker.Host })},
	{"LABHUB_MQTT_PORT", number(func(c *Config) *int { return &c.MQTT.Broker.Port })},
	{"LABHUB_MQTT_USERNAME", text(func(c *Config) *string { return &c.MQTT.Auth.Username })},
	{"LABHUB_MQTT_PASSWORD", text(func(c *Config) *string { return &c.MQTT.Auth.Password })},
	{"LABHUB_REDIS_ADDR", text(func(c *Config) *string { return &c.Redis.Addr })},
	{"LABHUB_REDIS_PASSWORD", text(func(c *Config) *string { return &c.Redis.Password })},
	{"LABHUB_API_HOST", text(func(c *Config) *string { return &c.API.Host })},
	{"LABHUB_API_PORT", number(func(c *Config) *int { return &c.API.Port })},
	{"LABHUB_INFLUXDB_ENABLED", flag(func(c *Config) *bool { return &c.InfluxDB.Enabled })},
	{"LABHUB_INFLUXDB_URL", text(func(c *Config) *string { return &c.InfluxDB.URL })},
	{"LABHUB_INFLUXDB_TOKEN", text(func(c *Config) *string { return &c.InfluxDB.Token })},
	{"LABHUB_LOG_LEVEL", text(func(c *Config) *string { return &c.Logging.Level })},
	{"LABHUB_JWT_SECRET", text(func(c *Config) *string { return &c.Security.JWT.Secret })},
	{"LABHUB_OPERATOR_PASSWORD_HASH", text(func(c *Config) *string { return &c.Security.Operator.PasswordHash })},
}

// applyEnv overlays every set, non-empty LABHUB_* variable. Bad values
// are reported together and leave their field untouched.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, ev := range envVars {
		v, ok := lookup(ev.name)
		if !ok || v == "" {
			continue
		}
		if err := ev.set(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", ev.name, v, err))
		}
	}
	return errors.Join(errs...)
}

// Validate reports every problem in c at once, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.Lab.ID != "", "lab.id is required")
	check(c.Hub.HistoryLength >= 1, "hub.history_length must be at least 1")
	check(c.Hub.LockPollInterval >= 1, "hub.lock_poll_interval must be positive")
	check(c.Sequencer.CycleTime > 0, "sequencer.cycle_time must be positive")
	check(c.Sequencer.SyncInterval >= 1, "sequencer.sync_interval must be positive")

	switch c.Store.Backend {
	case StoreSQLite:
		check(c.Database.Path != "", "database.path is required for the sqlite store")
	case StoreRedis:
		check(c.Redis.Addr != "", "redis.addr is required for the redis store")
	case StoreFile:
		check(c.Store.Path != "", "store.path is required for the file store")
	default:
		check(false, "store.backend must be sqlite, redis, or file")
	}

	check(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1, or 2")
	if c.MQTT.Enabled {
		check(c.MQTT.Broker.Host != "", "mqtt.broker.host is required when mqtt is enabled")
	}
	if c.InfluxDB.Enabled {
		check(c.InfluxDB.URL != "" && c.InfluxDB.Org != "" && c.InfluxDB.Bucket != "",
			"influxdb.url, org and bucket are required when influxdb is enabled")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		check(false, "logging.format must be json or text")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		check(false, "logging.level must be debug, info, warn or error")
	}

	if c.API.Enabled {
		check(c.API.Port >= 1 && c.API.Port <= 65535, "api.port must be between 1 and 65535")
		if c.API.TLS.Enabled {
			check(c.API.TLS.CertFile != "" && c.API.TLS.KeyFile != "", "api.tls needs cert_file and key_file")
		}
		switch {
		case c.Security.JWT.Secret == "":
			check(false, "security.jwt.secret is required (set LABHUB_JWT_SECRET)")
		case len(c.Security.JWT.Secret) < minJWTSecretLength:
			check(false, fmt.Sprintf("security.jwt.secret must be at least %d characters", minJWTSecretLength))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
