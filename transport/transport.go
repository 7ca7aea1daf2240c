// Package transport defines the peer-to-peer connection contract peersync
// routes sync messages over. Implementations live in subpackages.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned when sending on, or dialling from, a closed endpoint.
var ErrClosed = errors.New("transport: closed")

// ErrUnknownPeer is returned by Connect when the peer id cannot be resolved.
var ErrUnknownPeer = errors.New("transport: unknown peer")

// Events receives what happens on a connection. Callbacks for one connection
// are never invoked concurrently. Any field may be nil.
type Events struct {
	// OnData is called for every message received from the remote peer.
	OnData func(data []byte)

	// OnClose is called once when the connection is closed by either side.
	OnClose func()

	// OnError is called when the connection fails. OnClose follows.
	OnError func(err error)
}

// Conn is a message-oriented connection to one remote peer.
type Conn interface {
	// PeerID returns the id of the remote peer.
	PeerID() string

	// Send transmits one message. It is safe for concurrent use.
	Send(data []byte) error

	// Listen starts event delivery. Messages that arrive before Listen is
	// called are held until then. Only the first call has an effect.
	Listen(ev Events)

	// Close closes the connection. It is safe to call more than once.
	Close() error
}

// Peer is a local endpoint that can dial other peers by id and accept their
// connections.
type Peer interface {
	// ID returns the id other peers use to reach this one.
	ID() string

	// Connect opens a connection to the peer with the given id.
	Connect(ctx context.Context, peerID string) (Conn, error)

	// OnConnection sets the callback for inbound connections. Inbound
	// connections that arrive while no callback is set are closed.
	OnConnection(fn func(Conn))

	// Close stops accepting connections and closes the open ones.
	Close() error
}
