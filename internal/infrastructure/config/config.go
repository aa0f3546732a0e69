package config

import "time"

// Config is the root of a labhub instance's settings.
type Config struct {
	Lab       LabConfig       `yaml:"lab"`
	Hub       HubConfig       `yaml:"hub"`
	Sequencer SequencerConfig `yaml:"sequencer"`
	Sampler   SamplerConfig   `yaml:"sampler"`
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Redis     RedisConfig     `yaml:"redis"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// LabConfig identifies the apparatus this instance controls.
type LabConfig struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Definition string `yaml:"definition"` // Apparatus file: things, knobs, watchdogs
}

// HubConfig tunes the actuation graph.
type HubConfig struct {
	// HistoryLength bounds every node's undo/redo buffer.
	HistoryLength int `yaml:"history_length"`

	// LockPollInterval is how often a blocking lock check re-evaluates
	// watchdogs, in milliseconds.
	LockPollInterval int `yaml:"lock_poll_interval"`

	// AtomicActuation rolls back already-applied knobs when an actuation
	// fails. Every knob actuated needs an initial value. Off by default.
	AtomicActuation bool `yaml:"atomic_actuation"`

	Rebroadcast        bool `yaml:"rebroadcast"`
	ProcessGracePeriod int  `yaml:"process_grace_period"` // Seconds between SIGTERM and SIGKILL
}

// LockPoll returns LockPollInterval as a duration.
func (h HubConfig) LockPoll() time.Duration {
	return time.Duration(h.LockPollInterval) * time.Millisecond
}

// ProcessGrace returns ProcessGracePeriod as a duration.
func (h HubConfig) ProcessGrace() time.Duration {
	return time.Duration(h.ProcessGracePeriod) * time.Second
}

// SequencerConfig sets the timing loop.
type SequencerConfig struct {
	CycleTime    float64 `yaml:"cycle_time"`    // Seconds
	SyncInterval int     `yaml:"sync_interval"` // Milliseconds
}

// Cycle returns CycleTime as a duration.
func (s SequencerConfig) Cycle() time.Duration {
	return time.Duration(s.CycleTime * float64(time.Second))
}

// Sync returns SyncInterval as a duration.
func (s SequencerConfig) Sync() time.Duration {
	return time.Duration(s.SyncInterval) * time.Millisecond
}

// SamplerConfig is the optimizer used when a request names none.
type SamplerConfig struct {
	Algorithm string         `yaml:"algorithm"`
	Params    map[string]any `yaml:"params"`
}

// Snapshot store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreFile   = "file"
)

// StoreConfig selects where hub snapshots are kept.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"` // Directory, file backend only
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"` // Seconds
}

// MQTTConfig is the broker used for drivers, sensors and telemetry.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig bounds the client's backoff, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// RedisConfig is used by the redis snapshot store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TTL       int    `yaml:"ttl"` // Seconds, 0 keeps snapshots forever
}

// Expiry returns TTL as a duration.
func (r RedisConfig) Expiry() time.Duration {
	return time.Duration(r.TTL) * time.Second
}

// APIConfig is the HTTP listener.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig holds HTTP server timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

func (t APITimeoutConfig) ReadTimeout() time.Duration  { return seconds(t.Read) }
func (t APITimeoutConfig) WriteTimeout() time.Duration { return seconds(t.Write) }
func (t APITimeoutConfig) IdleTimeout() time.Duration  { return seconds(t.Idle) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// CORSConfig lists what browsers on other origins may do. Empty
// AllowedOrigins admits any origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig tunes the event stream. Intervals are in seconds.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig is the optional time-series sink for knob values and
// sampler costs.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // Seconds
}

// LoggingConfig selects level, format (json or text) and output
// (stdout, stderr or a file path).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type SecurityConfig struct {
	JWT      JWTConfig      `yaml:"jwt"`
	Operator OperatorConfig `yaml:"operator"`
}

type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // Minutes
}

// OperatorConfig holds the single operator credential accepted by the API.
type OperatorConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // Argon2id PHC string
}
