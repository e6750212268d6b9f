package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the C-Bus bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BridgeConfig identifies this bridge instance.
type BridgeConfig struct {
	ID string `yaml:"id"`

	// HealthInterval is the health publish interval in seconds.
	HealthInterval int `yaml:"health_interval"`
}

// GatewayConfig contains C-Gate connection and protocol settings.
type GatewayConfig struct {
	Host        string `yaml:"host"`
	CommandPort int    `yaml:"command_port"`
	EventPort   int    `yaml:"event_port"`

	// Network is the C-Bus network number (usually "254").
	Network string `yaml:"network"`

	// Project is the C-Gate project name, used by label commands.
	Project string `yaml:"project"`

	// InterfaceUnit is the unit id C-Gate reports for commands this bridge
	// sends, so they are not mistaken for changes made on the bus.
	InterfaceUnit string `yaml:"interface_unit"`

	SecurityEnabled bool `yaml:"security_enabled"`

	// Timeouts and intervals, in seconds.
	ConnectTimeout int `yaml:"connect_timeout"`
	CommandTimeout int `yaml:"command_timeout"`
	DumpTimeout    int `yaml:"dump_timeout"`
	RetryInterval  int `yaml:"retry_interval"`
	DiscoveryRetry int `yaml:"discovery_retry"`
	IdleInterval   int `yaml:"idle_interval"`

	// PollEvery runs a level poll sweep every N monitor lines. 0 disables.
	PollEvery int `yaml:"poll_every"`

	// PollAddresses restricts polling to these groups. Empty polls all
	// discovered lighting groups.
	PollAddresses []string `yaml:"poll_addresses"`

	// ClockSyncInterval is the network clock broadcast interval in seconds.
	// 0 disables clock sync.
	ClockSyncInterval int `yaml:"clock_sync_interval"`
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

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
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
//  2. YAML file values (override defaults); skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_GATEWAY_HOST, GRAYLOGIC_MQTT_PASSWORD
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "cbus-bridge-01",
			HealthInterval: 30,
		},
		Gateway: GatewayConfig{
			Host:           "127.0.0.1",
			CommandPort:    20023,
			EventPort:      20025,
			Network:        "254",
			ConnectTimeout: 10,
			CommandTimeout: 5,
			DumpTimeout:    30,
			RetryInterval:  10,
			DiscoveryRetry: 10,
			IdleInterval:   5,
			PollEvery:      60,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-cbus",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Metrics: MetricsConfig{
			Listen: ":9120",
			Path:   "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Gateway
	if v := os.Getenv("GRAYLOGIC_GATEWAY_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_GATEWAY_NETWORK"); v != "" {
		cfg.Gateway.Network = v
	}
	if v := os.Getenv("GRAYLOGIC_GATEWAY_PROJECT"); v != "" {
		cfg.Gateway.Project = v
	}
	if v := os.Getenv("GRAYLOGIC_GATEWAY_SECURITY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Gateway.SecurityEnabled = b
		}
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("GRAYLOGIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}

	// Gateway validation
	if c.Gateway.Host == "" {
		errs = append(errs, "gateway.host is required")
	}
	if c.Gateway.CommandPort < 1 || c.Gateway.CommandPort > 65535 {
		errs = append(errs, "gateway.command_port must be between 1 and 65535")
	}
	if c.Gateway.EventPort < 1 || c.Gateway.EventPort > 65535 {
		errs = append(errs, "gateway.event_port must be between 1 and 65535")
	}
	if c.Gateway.Network == "" {
		errs = append(errs, "gateway.network is required")
	} else if _, err := strconv.Atoi(c.Gateway.Network); err != nil {
		errs = append(errs, "gateway.network must be numeric")
	}
	if c.Gateway.RetryInterval < 1 {
		errs = append(errs, "gateway.retry_interval must be at least 1 second")
	}
	if c.Gateway.PollEvery < 0 {
		errs = append(errs, "gateway.poll_every must not be negative")
	}
	if c.Gateway.ClockSyncInterval < 0 {
		errs = append(errs, "gateway.clock_sync_interval must not be negative")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// Metrics validation
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Seconds converts a seconds setting to a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// GetHealthInterval returns the health publish interval.
func (c *Config) GetHealthInterval() time.Duration {
	return Seconds(c.Bridge.HealthInterval)
}
