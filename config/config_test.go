package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const yamlConfig = `
peer_id: alice
listen_addr: ":9000"
codec: cbor
peers:
  bob: ws://bob.local:9000/sync
connect: [bob]
storage:
  driver: sqlite
  dsn: /var/lib/peersync/docs.db
session:
  pong_wait: 45s
log:
  level: debug
  format: text
`

const tomlConfig = `
peer_id = "alice"
connect = ["bob"]

[peers]
bob = "wss://bob.example.com/sync"

[storage]
driver = "postgres"
dsn = "postgres://localhost/peersync"

[session]
write_timeout = "3s"
`

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "node.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.PeerID)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "/sync", cfg.Path, "default kept")
	assert.Equal(t, "cbor", cfg.Codec)
	assert.Equal(t, map[string]string{"bob": "ws://bob.local:9000/sync"}, cfg.Peers)
	assert.Equal(t, []string{"bob"}, cfg.Connect)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, 45*time.Second, cfg.Session.PongWait)
	assert.Equal(t, 15*time.Second, cfg.Session.WriteTimeout, "default kept")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_TOML(t *testing.T) {
	cfg, err := Load(writeFile(t, "node.toml", tomlConfig))
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.PeerID)
	assert.Equal(t, "wss://bob.example.com/sync", cfg.Peers["bob"])
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, 3*time.Second, cfg.Session.WriteTimeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("PEERSYNC_PEER_ID", "carol")
	t.Setenv("PEERSYNC_STORAGE_DRIVER", "none")
	t.Setenv("PEERSYNC_SESSION_PONG_WAIT", "1m")
	t.Setenv("PEERSYNC_LOG_LEVEL", "WARN")
	t.Setenv("PEERSYNC_PEERS", "bob:ws://bob.local:9000/sync,dave:ws://dave.local/sync")

	cfg, err := Load(writeFile(t, "node.yml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "carol", cfg.PeerID)
	assert.Equal(t, DriverNone, cfg.Storage.Driver)
	assert.Equal(t, time.Minute, cfg.Session.PongWait)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "ws://dave.local/sync", cfg.Peers["dave"])
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("PEERSYNC_PEER_ID", "solo")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "solo", cfg.PeerID)
	assert.Equal(t, ":7400", cfg.ListenAddr)
	assert.Equal(t, "json", cfg.Codec)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(writeFile(t, "node.json", "{}"))
	assert.ErrorContains(t, err, "unsupported extension")

	_, err = Load(writeFile(t, "node.yaml", "peer_id: a\nbogus: 1\n"))
	assert.Error(t, err, "unknown yaml keys are rejected")

	_, err = Load(writeFile(t, "node.toml", "peer_id = \"a\"\nbogus = 1\n"))
	assert.ErrorContains(t, err, "unknown keys")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Default()
		c.PeerID = "alice"
		c.Peers = map[string]string{"bob": "ws://bob/sync"}
		c.Connect = []string{"bob"}
		return c
	}
	c := valid()
	require.NoError(t, c.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing peer id", func(c *Config) { c.PeerID = "" }, "peer_id"},
		{"missing listen addr", func(c *Config) { c.ListenAddr = "" }, "listen_addr"},
		{"relative path", func(c *Config) { c.Path = "sync" }, "path"},
		{"unknown codec", func(c *Config) { c.Codec = "xml" }, "codec"},
		{"http peer url", func(c *Config) { c.Peers["bob"] = "http://bob/sync" }, "scheme"},
		{"connect to self", func(c *Config) { c.Connect = []string{"alice"} }, "this node"},
		{"connect to unknown peer", func(c *Config) { c.Connect = []string{"eve"} }, "no entry"},
		{"sqlite without dsn", func(c *Config) { c.Storage.Driver = DriverSQLite }, "storage.dsn"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"negative timeout", func(c *Config) { c.Session.PongWait = -time.Second }, "timeouts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			assert.ErrorContains(t, c.Validate(), tt.want)
		})
	}
}
