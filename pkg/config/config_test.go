package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devlink/pkg/protocol"
	"devlink/pkg/transport"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app_name: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.AppName)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NotEmpty(t, cfg.Device.Name)
	require.Len(t, cfg.Transports, 1)
	kind, err := cfg.Transports[0].TransportKind()
	require.NoError(t, err)
	assert.Equal(t, transport.KindTCP, kind)
	f, err := cfg.Link.WireFormat()
	require.NoError(t, err)
	assert.Equal(t, protocol.FormatCBOR, f)
	assert.Equal(t, 10*time.Second, cfg.Link.WriteTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.Net.InitialBackoff())
	assert.Equal(t, 15*time.Second, cfg.Net.KeepAlive())
	assert.Equal(t, 10*time.Second, cfg.Net.DialTimeout())
	assert.Equal(t, 30*time.Second, cfg.Net.IdleTimeout())
	assert.Equal(t, 256, cfg.Link.ReceiveQueue)
	assert.Equal(t, filepath.Join(cfg.DataDir, "identity.key"), cfg.KeyFile())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
device:
  id: dev-1
  name: laptop
log:
  level: debug
link:
  format: json
  write_timeout_ms: 250
transports:
  - kind: quic
    listen: [":1717"]
    dial:
      - address: 10.0.0.2:1717
        peer_id: dev-2
discovery:
  enable: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", cfg.Device.ID)
	assert.Equal(t, "laptop", cfg.Device.Name)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 250*time.Millisecond, cfg.Link.WriteTimeout())
	assert.True(t, cfg.Discovery.Enable)
	assert.Equal(t, "1716", cfg.Discovery.Port)
	require.Len(t, cfg.Transports, 1)
	assert.Equal(t, "quic", cfg.Transports[0].Kind)
	assert.Equal(t, "dev-2", cfg.Transports[0].Dial[0].PeerID)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("DEVLINK_LOG_LEVEL", "warn")
	t.Setenv("DEVLINK_DEVICE_NAME", "from-env")
	cfg, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "from-env", cfg.Device.Name)
}

func TestValidate(t *testing.T) {
	_, err := Load(writeConfig(t, "log:\n  level: loud\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "link:\n  format: xml\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "transports:\n  - kind: udp\n"))
	assert.Error(t, err)
}
