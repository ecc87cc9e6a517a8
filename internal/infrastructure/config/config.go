package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Open Peer Power.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Core            CoreConfig            `yaml:"core"`
	Database        DatabaseConfig        `yaml:"database"`
	API             APIConfig             `yaml:"api"`
	WebSocket       WebSocketConfig       `yaml:"websocket"`
	Security        SecurityConfig        `yaml:"security"`
	MQTT            MQTTConfig            `yaml:"mqtt"`
	MQTTEventstream MQTTEventstreamConfig `yaml:"mqtt_eventstream"`
	InfluxDB        InfluxDBConfig        `yaml:"influxdb"`
	Recorder        RecorderConfig        `yaml:"recorder"`
	Logging         LoggingConfig         `yaml:"logging"`
}

// CoreConfig contains the settings handed to the core runtime.
type CoreConfig struct {
	Name                  string   `yaml:"name"`
	Latitude              float64  `yaml:"latitude"`
	Longitude             float64  `yaml:"longitude"`
	Elevation             int      `yaml:"elevation"`
	TimeZone              string   `yaml:"time_zone"`
	UnitSystem            string   `yaml:"unit_system"`
	InternalURL           string   `yaml:"internal_url"`
	ExternalURL           string   `yaml:"external_url"`
	AllowlistExternalDirs []string `yaml:"allowlist_external_dirs"`
	ExecutorWorkers       int      `yaml:"executor_workers"`
	StopTimeout           int      `yaml:"stop_timeout"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
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
	AuthTimeout    int    `yaml:"auth_timeout"`
	// SendQueueSize bounds pending outbound frames per connection.
	// A connection whose queue overflows is closed.
	SendQueueSize int `yaml:"send_queue_size"`
}

// SecurityConfig contains authentication settings.
type SecurityConfig struct {
	JWT           JWTConfig          `yaml:"jwt"`
	APIPassword   string             `yaml:"api_password"`
	LoginAttempts LoginAttemptConfig `yaml:"login_attempts"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret          string `yaml:"secret"`
	AccessTokenTTL  int    `yaml:"access_token_ttl"`
	RefreshTokenTTL int    `yaml:"refresh_token_ttl"`
}

// LoginAttemptConfig controls the failed-login limiter.
type LoginAttemptConfig struct {
	Enabled bool `yaml:"enabled"`
	// Threshold is the number of failures tolerated before the remote is refused.
	Threshold int `yaml:"threshold"`
	// CooldownSeconds is how long it takes to earn back one attempt.
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
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
}

// MQTTEventstreamConfig controls mirroring the event bus over MQTT.
type MQTTEventstreamConfig struct {
	Enabled        bool     `yaml:"enabled"`
	PublishTopic   string   `yaml:"publish_topic"`
	SubscribeTopic string   `yaml:"subscribe_topic"`
	IgnoreEvents   []string `yaml:"ignore_event"`
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

	// DefaultMeasurement is used for states without a unit of measurement.
	// Empty uses the entity id.
	DefaultMeasurement string   `yaml:"default_measurement"`
	ExcludeDomains     []string `yaml:"exclude_domains"`
	ExcludeEntities    []string `yaml:"exclude_entities"`
}

// RecorderConfig controls the SQLite event/state recorder.
type RecorderConfig struct {
	Enabled      bool     `yaml:"enabled"`
	PurgeKeepDay int      `yaml:"purge_keep_days"`
	Exclude      []string `yaml:"exclude_event_types"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: OPP_SECTION_KEY
// For example: OPP_DATABASE_PATH, OPP_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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

// Default returns the built-in defaults. Useful for tests and tooling.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Core: CoreConfig{
			Name:            "Home",
			TimeZone:        "UTC",
			UnitSystem:      "metric",
			ExecutorWorkers: 16,
			StopTimeout:     30,
		},
		Database: DatabaseConfig{
			Path:        "./data/openpeerpower.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8123,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/websocket",
			MaxMessageSize: 1 << 20,
			PingInterval:   30,
			PongTimeout:    10,
			AuthTimeout:    10,
			SendQueueSize:  512,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL:  30,
				RefreshTokenTTL: 60 * 24 * 90,
			},
			LoginAttempts: LoginAttemptConfig{
				Enabled:         true,
				Threshold:       5,
				CooldownSeconds: 60,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "openpeerpower-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		MQTTEventstream: MQTTEventstreamConfig{
			PublishTopic:   "openpeerpower/events",
			SubscribeTopic: "openpeerpower/remote/events",
		},
		Recorder: RecorderConfig{
			Enabled:      true,
			PurgeKeepDay: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: OPP_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPP_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("OPP_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("OPP_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("OPP_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("OPP_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("OPP_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("OPP_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Secrets: always override in production
	if v := os.Getenv("OPP_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("OPP_API_PASSWORD"); v != "" {
		cfg.Security.APIPassword = v
	}
}

// validUnitSystems lists the accepted core.unit_system values.
var validUnitSystems = map[string]bool{"metric": true, "imperial": true}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Core.Latitude < -90 || c.Core.Latitude > 90 {
		errs = append(errs, "core.latitude must be between -90 and 90")
	}
	if c.Core.Longitude < -180 || c.Core.Longitude > 180 {
		errs = append(errs, "core.longitude must be between -180 and 180")
	}
	if !validUnitSystems[strings.ToLower(c.Core.UnitSystem)] {
		errs = append(errs, "core.unit_system must be metric or imperial")
	}
	if c.Core.TimeZone != "" {
		if _, err := time.LoadLocation(c.Core.TimeZone); err != nil {
			errs = append(errs, fmt.Sprintf("core.time_zone %q is not a valid time zone", c.Core.TimeZone))
		}
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.WebSocket.SendQueueSize < 1 {
		errs = append(errs, "websocket.send_queue_size must be positive")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTTEventstream.Enabled && !c.MQTT.Enabled {
		errs = append(errs, "mqtt_eventstream requires mqtt.enabled")
	}

	// Access tokens grant full control of the installation; a short or
	// missing secret makes them forgeable.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set OPP_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
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

// GetStopTimeout returns how long shutdown waits for pending work.
func (c *Config) GetStopTimeout() time.Duration {
	return time.Duration(c.Core.StopTimeout) * time.Second
}
