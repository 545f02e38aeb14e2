// Package config implements the YAML-driven configuration loader (C9):
// radio endpoint defaults, broker address, auth token source, and the
// metrics/debug-events/MQTT ambient toggles, per SPEC_FULL.md §4.9.
//
// The Load/defaulting-pass shape is grounded on the teacher's config.go
// (gopkg.in/yaml.v3, struct tags, a post-unmarshal defaulting pass for
// zero-valued fields).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document.
type Config struct {
	Radio       RadioConfig       `yaml:"radio"`
	Broker      BrokerConfig      `yaml:"broker"`
	Auth        AuthConfig        `yaml:"auth"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	DebugEvents DebugEventsConfig `yaml:"debug_events"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
}

// RadioConfig holds LAN/WAN connection defaults.
type RadioConfig struct {
	LANDiscoveryPort         int    `yaml:"lan_discovery_port"`
	ControlPort              int    `yaml:"control_port"`
	DAXPort                  int    `yaml:"dax_port"`
	ConnectTimeoutSeconds    int    `yaml:"connect_timeout_seconds"`
	KeepaliveIntervalSeconds int    `yaml:"keepalive_interval_seconds"`
	ClientProgramName        string `yaml:"client_program_name"`
	SuppressLegacyDaxTx      bool   `yaml:"suppress_legacy_dax_tx"`
}

// BrokerConfig holds the WAN broker's TLS endpoint.
type BrokerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr renders the broker endpoint as "host:port".
func (b BrokerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// AuthConfig names the environment variable holding the bearer token used
// to register with the broker.
type AuthConfig struct {
	TokenEnv string `yaml:"token_env"`
}

// Token reads the bearer token from the configured environment variable.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// MetricsConfig toggles the Prometheus exporter (C11).
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// DebugEventsConfig toggles the loopback WebSocket event mirror (C12).
type DebugEventsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// MQTTConfig toggles the telemetry publisher (C13).
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Default returns a Config with every field set to its default value,
// for callers that run without a YAML file on disk.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the YAML config file at path, then applies
// defaults to any zero-valued field, mirroring the teacher's
// LoadConfig/defaulting-pass idiom.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Radio.LANDiscoveryPort == 0 {
		c.Radio.LANDiscoveryPort = 4992
	}
	if c.Radio.ControlPort == 0 {
		c.Radio.ControlPort = 4992
	}
	if c.Radio.DAXPort == 0 {
		c.Radio.DAXPort = 4991
	}
	if c.Radio.ConnectTimeoutSeconds == 0 {
		c.Radio.ConnectTimeoutSeconds = 15
	}
	if c.Radio.KeepaliveIntervalSeconds == 0 {
		c.Radio.KeepaliveIntervalSeconds = 25
	}
	if c.Radio.ClientProgramName == "" {
		c.Radio.ClientProgramName = "smartsdr-core"
	}

	if c.Broker.Host == "" {
		c.Broker.Host = "smartlink.flexradio.com"
	}
	if c.Broker.Port == 0 {
		c.Broker.Port = 443
	}

	if c.Auth.TokenEnv == "" {
		c.Auth.TokenEnv = "SMARTSDR_BEARER_TOKEN"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = "127.0.0.1:9120"
	}
	if c.DebugEvents.ListenAddr == "" {
		c.DebugEvents.ListenAddr = "127.0.0.1:9121"
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "smartsdr-core"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "smartsdr"
	}
}
