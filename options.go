package peersync

import (
	"errors"

	"github.com/c0deZ3R0/peersync/codec"
	"github.com/c0deZ3R0/peersync/docset"
	"github.com/c0deZ3R0/peersync/logging"
	"github.com/c0deZ3R0/peersync/transport"
)

// Option configures an Engine in New.
type Option func(*Engine) error

// WithCodec sets the wire codec for sync messages. The default is JSON.
func WithCodec(c codec.Codec) Option {
	return func(e *Engine) error {
		if c == nil {
			return errors.New("codec cannot be nil")
		}
		e.codec = c
		return nil
	}
}

// WithDocSet uses an existing document set instead of an empty one. Once the
// engine runs, the set must only be changed through Select.
func WithDocSet(set *docset.DocSet) Option {
	return func(e *Engine) error {
		if set == nil {
			return errors.New("document set cannot be nil")
		}
		e.set = set
		return nil
	}
}

// WithActorID sets the automerge actor id (hex) of documents this engine
// creates or loads.
func WithActorID(actorID string) Option {
	return func(e *Engine) error {
		e.actorID = actorID
		return nil
	}
}

// WithStore loads every stored document when the engine starts and saves a
// snapshot after each change. The engine does not close the store.
func WithStore(s DocStore) Option {
	return func(e *Engine) error {
		if s == nil {
			return errors.New("store cannot be nil")
		}
		e.store = s
		return nil
	}
}

// WithLogger sets the logger. Defaults to logging.Default().
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) error {
		if l == nil {
			return errors.New("logger cannot be nil")
		}
		e.logger = l
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(e *Engine) error {
		if m == nil {
			return errors.New("metrics collector cannot be nil")
		}
		e.metrics = m
		return nil
	}
}

// ConnectOption configures a single Connect call.
type ConnectOption func(*connectOptions)

type connectOptions struct {
	conn transport.Conn
}

// WithConn makes Connect use an already open connection instead of dialling.
// The connection's PeerID must be the peer being connected. It is closed if a
// session with the peer already exists when Connect starts.
func WithConn(conn transport.Conn) ConnectOption {
	return func(o *connectOptions) {
		o.conn = conn
	}
}
