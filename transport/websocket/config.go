package websocket

import "time"

// PeerQueryParam carries the dialling peer's id on the upgrade request.
const PeerQueryParam = "peer"

// Config tunes websocket connections.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// PongWait is how long a connection may stay silent before it is
	// considered dead. Pings are sent at 9/10 of it.
	PongWait time.Duration

	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultConfig returns the connection defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     15 * time.Second,
		PongWait:         30 * time.Second,
		MaxMessageSize:   16 << 20,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
}

func (c Config) pingInterval() time.Duration {
	return c.PongWait * 9 / 10
}
