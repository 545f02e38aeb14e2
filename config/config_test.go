package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "smartsdr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_AppliesDefaultsForZeroValuedFields(t *testing.T) {
	path := writeConfig(t, "radio:\n  client_program_name: \"my-app\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "my-app", cfg.Radio.ClientProgramName)
	assert.Equal(t, 4992, cfg.Radio.LANDiscoveryPort)
	assert.Equal(t, 4991, cfg.Radio.DAXPort)
	assert.Equal(t, 15, cfg.Radio.ConnectTimeoutSeconds)
	assert.Equal(t, 25, cfg.Radio.KeepaliveIntervalSeconds)
	assert.Equal(t, "smartlink.flexradio.com", cfg.Broker.Host)
	assert.Equal(t, 443, cfg.Broker.Port)
	assert.Equal(t, "SMARTSDR_BEARER_TOKEN", cfg.Auth.TokenEnv)
	assert.Equal(t, "127.0.0.1:9120", cfg.Metrics.ListenAddr)
	assert.Equal(t, "127.0.0.1:9121", cfg.DebugEvents.ListenAddr)
	assert.Equal(t, "smartsdr", cfg.MQTT.TopicPrefix)
}

func TestLoad_PreservesExplicitValues(t *testing.T) {
	path := writeConfig(t, `
radio:
  dax_port: 9999
broker:
  host: example.test
  port: 8443
metrics:
  enabled: true
  listen_addr: "0.0.0.0:9999"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Radio.DAXPort)
	assert.Equal(t, "example.test", cfg.Broker.Host)
	assert.Equal(t, 8443, cfg.Broker.Port)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "0.0.0.0:9999", cfg.Metrics.ListenAddr)
}

func TestBrokerConfig_Addr(t *testing.T) {
	b := BrokerConfig{Host: "smartlink.flexradio.com", Port: 443}
	assert.Equal(t, "smartlink.flexradio.com:443", b.Addr())
}

func TestAuthConfig_Token_ReadsFromEnv(t *testing.T) {
	t.Setenv("SMARTSDR_TEST_TOKEN", "secret-value")
	a := AuthConfig{TokenEnv: "SMARTSDR_TEST_TOKEN"}
	assert.Equal(t, "secret-value", a.Token())
}

func TestAuthConfig_Token_EmptyWhenUnset(t *testing.T) {
	a := AuthConfig{}
	assert.Empty(t, a.Token())
}

func TestDefault_AppliesDefaultsWithoutAFile(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 4992, cfg.Radio.LANDiscoveryPort)
	assert.Equal(t, "smartsdr-core", cfg.Radio.ClientProgramName)
	assert.Equal(t, "smartlink.flexradio.com:443", cfg.Broker.Addr())
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}
