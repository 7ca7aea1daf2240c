// Package config loads the settings of a peersync node from a YAML or TOML
// file with PEERSYNC_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/peersync/codec"
	"github.com/c0deZ3R0/peersync/logging"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "PEERSYNC_"

// Storage drivers.
const (
	DriverNone     = "none"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the complete node configuration.
type Config struct {
	// PeerID is the id other peers use to reach this node.
	PeerID string `yaml:"peer_id" toml:"peer_id" env:"PEER_ID"`
	// ActorID is the automerge actor (hex). Empty means random per document.
	ActorID string `yaml:"actor_id" toml:"actor_id" env:"ACTOR_ID"`

	ListenAddr string `yaml:"listen_addr" toml:"listen_addr" env:"LISTEN_ADDR"`
	Path       string `yaml:"path" toml:"path" env:"WS_PATH"`
	Codec      string `yaml:"codec" toml:"codec" env:"CODEC"`

	// Peers maps peer ids to websocket URLs.
	Peers map[string]string `yaml:"peers" toml:"peers" env:"PEERS"`
	// Connect lists the peers dialled at startup.
	Connect []string `yaml:"connect" toml:"connect" env:"CONNECT"`

	Storage StorageConfig  `yaml:"storage" toml:"storage" envPrefix:"STORAGE_"`
	Session SessionConfig  `yaml:"session" toml:"session" envPrefix:"SESSION_"`
	Log     logging.Config `yaml:"log" toml:"log"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// StorageConfig selects where document snapshots are kept.
type StorageConfig struct {
	Driver string `yaml:"driver" toml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" toml:"dsn" env:"DSN"`
}

// SessionConfig tunes peer connections.
type SessionConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	WriteTimeout     time.Duration `yaml:"write_timeout" toml:"write_timeout" env:"WRITE_TIMEOUT"`
	PongWait         time.Duration `yaml:"pong_wait" toml:"pong_wait" env:"PONG_WAIT"`
	MaxMessageSize   int64         `yaml:"max_message_size" toml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
}

// Default returns the configuration used for fields a file and the
// environment leave unset.
func Default() Config {
	return Config{
		ListenAddr: ":7400",
		Path:       "/sync",
		Codec:      codec.KindJSON,
		Peers:      map[string]string{},
		Storage:    StorageConfig{Driver: DriverNone},
		Session: SessionConfig{
			HandshakeTimeout: 5 * time.Second,
			WriteTimeout:     15 * time.Second,
			PongWait:         30 * time.Second,
			MaxMessageSize:   16 << 20,
		},
		Log:             logging.DefaultConfig,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads path (if not empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Log = cfg.Log.Normalize()
	cfg.Codec = strings.ToLower(cfg.Codec)
	cfg.Storage.Driver = strings.ToLower(cfg.Storage.Driver)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("decode %s: unknown keys %v", path, undecoded)
		}
	default:
		return fmt.Errorf("config %s: unsupported extension %q (want .yaml, .yml or .toml)", path, ext)
	}
	return nil
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	if _, err := codec.Lookup(c.Codec); err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	for id, raw := range c.Peers {
		if id == "" {
			return errors.New("peers: empty peer id")
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("peers.%s: %w", id, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("peers.%s: scheme must be ws or wss, got %q", id, u.Scheme)
		}
	}
	for _, id := range c.Connect {
		if id == c.PeerID {
			return fmt.Errorf("connect: %q is this node", id)
		}
		if _, ok := c.Peers[id]; !ok {
			return fmt.Errorf("connect: peer %q has no entry in peers", id)
		}
	}
	switch c.Storage.Driver {
	case "", DriverNone:
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver %q is not one of none, sqlite, postgres", c.Storage.Driver)
	}
	if c.Session.HandshakeTimeout < 0 || c.Session.WriteTimeout < 0 || c.Session.PongWait < 0 {
		return errors.New("session timeouts must not be negative")
	}
	if c.Session.MaxMessageSize < 0 {
		return errors.New("session.max_message_size must not be negative")
	}
	return nil
}
