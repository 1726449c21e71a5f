package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the irrigation core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Control   ControlConfig   `yaml:"control"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Audit     AuditConfig     `yaml:"audit"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig identifies the installation.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
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

// RealtimeConfig selects and tunes the realtime store backing the feeds.
type RealtimeConfig struct {
	// Backend is "mqtt" (device broker) or "memory" (in-process, for development).
	Backend string `yaml:"backend"`

	// EmptyGraceMS is how long an MQTT watch waits for a retained value
	// before delivering an explicit empty snapshot.
	EmptyGraceMS int `yaml:"empty_grace_ms"`

	// SettleMS is how long an MQTT watch waits after the last retained
	// message before delivering its first snapshot, so a subtree read sees
	// every retained child and not just the first to arrive.
	SettleMS int `yaml:"settle_ms"`

	Paths    RealtimePathsConfig `yaml:"paths"`
	Breaker  BreakerConfig       `yaml:"breaker"`
	Reattach ReattachConfig      `yaml:"reattach"`
}

// RealtimePathsConfig names every path the core reads or writes.
type RealtimePathsConfig struct {
	Sensors     string `yaml:"sensors"`
	Relay       string `yaml:"relay"`
	Settings    string `yaml:"settings"`
	RelayStatus string `yaml:"relay_status"`
	AutoMode    string `yaml:"auto_mode"`
	SchedMode   string `yaml:"sched_mode"`
	Schedules   string `yaml:"schedules"`
	Events      string `yaml:"events"`

	// MaxLength is the retained flag that puts the ultrasonic level sensor
	// into empty-tank calibration. Empty disables the endpoint.
	MaxLength string `yaml:"max_length"`
}

// BreakerConfig tunes the circuit breaker guarding remote command writes.
type BreakerConfig struct {
	MaxFailures int `yaml:"max_failures"`
	OpenTimeout int `yaml:"open_timeout"` // seconds
	Interval    int `yaml:"interval"`     // seconds, 0 keeps counts until state change
}

// ReattachConfig tunes exponential backoff for failed feed subscriptions.
type ReattachConfig struct {
	InitialIntervalMS int `yaml:"initial_interval_ms"`
	MaxIntervalMS     int `yaml:"max_interval_ms"`
}

// ControlConfig contains command dispatch settings.
type ControlConfig struct {
	CommandTimeout int `yaml:"command_timeout"` // seconds
}

// AlertsConfig contains threshold alert settings.
type AlertsConfig struct {
	Cooldown       int  `yaml:"cooldown"` // seconds
	WaterTankAlert bool `yaml:"water_tank_alert"`
}

// AuditConfig contains event log settings.
type AuditConfig struct {
	// RelayLogMode is "change" (log only actual relay/mode transitions)
	// or "every" (log every relay feed delivery).
	RelayLogMode string `yaml:"relay_log_mode"`
	QueueSize    int    `yaml:"queue_size"`
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT       JWTConfig        `yaml:"jwt"`
	Operators []OperatorConfig `yaml:"operators"`
}

// OperatorConfig is one dashboard account. PasswordHash is an Argon2id
// PHC string, as printed by "irrigationd hash-password".
type OperatorConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"` // viewer or operator (default)
}

// JWTConfig contains settings for validating dashboard session tokens.
type JWTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: IRRIGATION_SECTION_KEY
// For example: IRRIGATION_DATABASE_PATH, IRRIGATION_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied. Used when no config file is present.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "garden-001",
			Name:     "Irrigation",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/irrigation.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "irrigation-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Realtime: RealtimeConfig{
			Backend:      "mqtt",
			EmptyGraceMS: 1500,
			SettleMS:     250,
			Paths: RealtimePathsConfig{
				Sensors:     "client/sensors",
				Relay:       "esp/sensors/relay",
				Settings:    "esp/setting",
				RelayStatus: "esp/sensors/relay/relayStatus",
				AutoMode:    "esp/sensors/relay/autoMode",
				SchedMode:   "esp/sensors/relay/schedMode",
				Schedules:   "esp/schedules",
				Events:      "events",
				MaxLength:   "esp/sensors/ultrasonic/setmaxLenghtStatus",
			},
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: 30,
			},
			Reattach: ReattachConfig{
				InitialIntervalMS: 500,
				MaxIntervalMS:     60000,
			},
		},
		Control: ControlConfig{
			CommandTimeout: 10,
		},
		Alerts: AlertsConfig{
			Cooldown:       60,
			WaterTankAlert: true,
		},
		Audit: AuditConfig{
			RelayLogMode: "change",
			QueueSize:    256,
			WriteTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "irrigation",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: IRRIGATION_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("IRRIGATION_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("IRRIGATION_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("IRRIGATION_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("IRRIGATION_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("IRRIGATION_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Realtime
	if v := os.Getenv("IRRIGATION_REALTIME_BACKEND"); v != "" {
		cfg.Realtime.Backend = v
	}

	// Audit
	if v := os.Getenv("IRRIGATION_AUDIT_RELAY_LOG_MODE"); v != "" {
		cfg.Audit.RelayLogMode = v
	}

	// API
	if v := os.Getenv("IRRIGATION_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("IRRIGATION_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("IRRIGATION_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security
	if v := os.Getenv("IRRIGATION_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if u, h := os.Getenv("IRRIGATION_OPERATOR_USERNAME"), os.Getenv("IRRIGATION_OPERATOR_PASSWORD_HASH"); u != "" && h != "" {
		cfg.Security.Operators = append(cfg.Security.Operators, OperatorConfig{Username: u, PasswordHash: h})
	}
}

// Validate checks the configuration for errors and security issues.
// All problems are collected so an operator sees them in one pass.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	switch c.Realtime.Backend {
	case "mqtt", "memory":
	default:
		errs = append(errs, fmt.Sprintf("realtime.backend must be mqtt or memory, got %q", c.Realtime.Backend))
	}
	p := c.Realtime.Paths
	if p.Sensors == "" || p.Relay == "" || p.Settings == "" {
		errs = append(errs, "realtime.paths sensors, relay and settings are required")
	}
	if p.RelayStatus == "" || p.AutoMode == "" || p.SchedMode == "" {
		errs = append(errs, "realtime.paths relay_status, auto_mode and sched_mode are required")
	}
	if p.Events == "" {
		errs = append(errs, "realtime.paths.events is required")
	}
	if c.Realtime.EmptyGraceMS < 1 || c.Realtime.SettleMS < 1 {
		errs = append(errs, "realtime.empty_grace_ms and realtime.settle_ms must be positive")
	}
	r := c.Realtime.Reattach
	if r.InitialIntervalMS < 1 || r.MaxIntervalMS < r.InitialIntervalMS {
		errs = append(errs, "realtime.reattach.initial_interval_ms must be positive and not above max_interval_ms")
	}
	if c.Realtime.Breaker.MaxFailures < 1 {
		errs = append(errs, "realtime.breaker.max_failures must be at least 1")
	}

	if c.Control.CommandTimeout < 1 {
		errs = append(errs, "control.command_timeout must be at least 1 second")
	}

	switch c.Audit.RelayLogMode {
	case "change", "every":
	default:
		errs = append(errs, fmt.Sprintf("audit.relay_log_mode must be change or every, got %q", c.Audit.RelayLogMode))
	}
	if c.Audit.QueueSize < 1 {
		errs = append(errs, "audit.queue_size must be at least 1")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// Session tokens gate relay control, so a forgeable secret is not acceptable.
	const minJWTSecretLength = 32
	if c.Security.JWT.Enabled {
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required (set IRRIGATION_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
		}
		if len(c.Security.Operators) == 0 {
			errs = append(errs, "security.operators must list at least one account when jwt is enabled")
		}
	}
	for i, op := range c.Security.Operators {
		if op.Username == "" || op.PasswordHash == "" {
			errs = append(errs, fmt.Sprintf("security.operators[%d] needs username and password_hash", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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

// EmptyGrace returns the MQTT empty-snapshot grace period.
func (c *Config) EmptyGrace() time.Duration {
	return time.Duration(c.Realtime.EmptyGraceMS) * time.Millisecond
}

// Settle returns the MQTT settle window for a watch's first snapshot.
func (c *Config) Settle() time.Duration {
	return time.Duration(c.Realtime.SettleMS) * time.Millisecond
}

// ReattachBackoff returns the initial and maximum feed reattach intervals.
func (c *Config) ReattachBackoff() (initial, maxInterval time.Duration) {
	r := c.Realtime.Reattach
	return time.Duration(r.InitialIntervalMS) * time.Millisecond, time.Duration(r.MaxIntervalMS) * time.Millisecond
}

// CommandTimeout returns the per-command remote write timeout.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Control.CommandTimeout) * time.Second
}

// AlertCooldown returns the per-metric alert cooldown window.
func (c *Config) AlertCooldown() time.Duration {
	return time.Duration(c.Alerts.Cooldown) * time.Second
}
