package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Gray Logic replay bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Device    DeviceConfig    `yaml:"device"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig identifies the installation. The site ID seeds the default
// MQTT client ID so bridges at different sites can share a broker.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DeviceConfig describes the P-20HD appliance and how to talk to it.
type DeviceConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// PollIntervalMS is the time between poll batteries in milliseconds.
	// Zero disables polling.
	PollIntervalMS int `yaml:"poll_interval_ms"`

	Login DeviceLoginConfig `yaml:"login"`

	// ConnectTimeout is the TCP dial timeout in seconds.
	ConnectTimeout int `yaml:"connect_timeout"`

	// ReconnectInterval is the initial delay before redialling a failed
	// session, in seconds. Zero disables reconnection.
	ReconnectInterval int `yaml:"reconnect_interval"`

	// MaxReconnectInterval caps the reconnect backoff, in seconds.
	MaxReconnectInterval int `yaml:"max_reconnect_interval"`
}

// DeviceLoginConfig contains the optional USR/PSS credentials.
type DeviceLoginConfig struct {
	Enabled  bool   `yaml:"enabled"`
	UserID   string `yaml:"user_id"`
	Password string `yaml:"password"`
}

// BridgeConfig contains MQTT bridge settings.
type BridgeConfig struct {
	// ID is the address segment of the bridge's MQTT topics.
	ID string `yaml:"id"`

	// HealthInterval is the health publication period in seconds.
	HealthInterval int `yaml:"health_interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// JournalRetentionDays bounds session history. Zero keeps everything.
	JournalRetentionDays int `yaml:"journal_retention_days"`
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

	// ClientID defaults to "graylogic-replay-<site.id>".
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
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings.
type FileLoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// JWTConfig contains JWT settings. An empty secret leaves the command
// endpoint unauthenticated.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// RateLimitConfig contains rate limiting settings for command submission.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DEVICE_HOST, GRAYLOGIC_API_PORT
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
	if cfg.MQTT.Broker.ClientID == "" {
		cfg.MQTT.Broker.ClientID = defaultClientIDPrefix + cfg.Site.ID
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

const defaultClientIDPrefix = "graylogic-replay-"

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Device: DeviceConfig{
			Port:                 8023,
			PollIntervalMS:       500,
			ConnectTimeout:       10,
			ReconnectInterval:    5,
			MaxReconnectInterval: 120,
		},
		Bridge: BridgeConfig{
			ID:             "p20hd-01",
			HealthInterval: 30,
		},
		Database: DatabaseConfig{
			Path:        "./data/graylogic-replay.db",
			WALMode:     true,
			BusyTimeout: 5,

			JournalRetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
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
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File: FileLoggingConfig{
				MaxSize:    50,
				MaxBackups: 5,
				MaxAge:     28,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				Issuer: "graylogic",
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             10,
			},
		},
	}
}

// applyEnvOverrides copies GRAYLOGIC_* variables over file values.
// Unset variables and unparseable numbers leave the field alone.
func applyEnvOverrides(cfg *Config) {
	strs := map[string]*string{
		"GRAYLOGIC_SITE_ID":         &cfg.Site.ID,
		"GRAYLOGIC_DEVICE_HOST":     &cfg.Device.Host,
		"GRAYLOGIC_DEVICE_USER_ID":  &cfg.Device.Login.UserID,
		"GRAYLOGIC_DEVICE_PASSWORD": &cfg.Device.Login.Password,
		"GRAYLOGIC_BRIDGE_ID":       &cfg.Bridge.ID,
		"GRAYLOGIC_DATABASE_PATH":   &cfg.Database.Path,
		"GRAYLOGIC_MQTT_HOST":       &cfg.MQTT.Broker.Host,
		"GRAYLOGIC_MQTT_CLIENT_ID":  &cfg.MQTT.Broker.ClientID,
		"GRAYLOGIC_MQTT_USERNAME":   &cfg.MQTT.Auth.Username,
		"GRAYLOGIC_MQTT_PASSWORD":   &cfg.MQTT.Auth.Password,
		"GRAYLOGIC_API_HOST":        &cfg.API.Host,
		"GRAYLOGIC_INFLUXDB_URL":    &cfg.InfluxDB.URL,
		"GRAYLOGIC_INFLUXDB_TOKEN":  &cfg.InfluxDB.Token,
		"GRAYLOGIC_LOG_LEVEL":       &cfg.Logging.Level,
		"GRAYLOGIC_JWT_SECRET":      &cfg.Security.JWT.Secret,
	}
	ints := map[string]*int{
		"GRAYLOGIC_DEVICE_PORT":             &cfg.Device.Port,
		"GRAYLOGIC_DEVICE_POLL_INTERVAL_MS": &cfg.Device.PollIntervalMS,
		"GRAYLOGIC_MQTT_PORT":               &cfg.MQTT.Broker.Port,
		"GRAYLOGIC_API_PORT":                &cfg.API.Port,
	}
	bools := map[string]*bool{
		"GRAYLOGIC_DEVICE_LOGIN_ENABLED": &cfg.Device.Login.Enabled,
		"GRAYLOGIC_INFLUXDB_ENABLED":     &cfg.InfluxDB.Enabled,
	}

	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	for key, dst := range ints {
		if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
			*dst = v
		}
	}
	for key, dst := range bools {
		if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
			*dst = v
		}
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Device validation
	if c.Device.Host == "" {
		errs = append(errs, "device.host is required (set GRAYLOGIC_DEVICE_HOST environment variable)")
	}
	if c.Device.Port < 1 || c.Device.Port > 65535 {
		errs = append(errs, "device.port must be between 1 and 65535")
	}
	if c.Device.PollIntervalMS < 0 {
		errs = append(errs, "device.poll_interval_ms must not be negative (0 disables polling)")
	}
	if c.Device.Login.Enabled && c.Device.Login.UserID == "" {
		errs = append(errs, "device.login.user_id is required when login is enabled")
	}
	if c.Device.ReconnectInterval < 0 {
		errs = append(errs, "device.reconnect_interval must not be negative")
	}

	// Bridge validation
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	} else if strings.ContainsAny(c.Bridge.ID, "/+#") {
		errs = append(errs, "bridge.id must not contain MQTT topic characters (/, +, #)")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.JournalRetentionDays < 0 {
		errs = append(errs, "database.journal_retention_days must not be negative (0 keeps everything)")
	}

	// MQTT validation
	if c.MQTT.Broker.ClientID == "" {
		errs = append(errs, "mqtt.broker.client_id is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Security validation. The secret is optional, but a configured one
	// must be long enough that tokens cannot be forged.
	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}
	if c.Security.RateLimit.Enabled && c.Security.RateLimit.RequestsPerMinute < 1 {
		errs = append(errs, "security.rate_limit.requests_per_minute must be positive when enabled")
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

// GetPollInterval returns the device poll interval as a Duration.
func (c *Config) GetPollInterval() time.Duration {
	return time.Duration(c.Device.PollIntervalMS) * time.Millisecond
}

// GetConnectTimeout returns the device dial timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.Device.ConnectTimeout) * time.Second
}

// GetReconnectInterval returns the initial device reconnect delay.
func (c *Config) GetReconnectInterval() time.Duration {
	return time.Duration(c.Device.ReconnectInterval) * time.Second
}

// GetMaxReconnectInterval returns the device reconnect backoff cap.
func (c *Config) GetMaxReconnectInterval() time.Duration {
	return time.Duration(c.Device.MaxReconnectInterval) * time.Second
}

// GetJournalRetention returns how long journal entries are kept, or zero
// when pruning is off.
func (c *Config) GetJournalRetention() time.Duration {
	return time.Duration(c.Database.JournalRetentionDays) * 24 * time.Hour
}

// GetHealthInterval returns the bridge health publication period.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}
