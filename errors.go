package peersync

import "errors"

var (
	// ErrEngineClosed is returned by operations on a closed Engine.
	ErrEngineClosed = errors.New("peersync: engine closed")

	// ErrInvalidPeerID is returned for an empty peer id.
	ErrInvalidPeerID = errors.New("peersync: invalid peer id")

	// ErrInvalidDocID is returned for an empty document id.
	ErrInvalidDocID = errors.New("peersync: invalid document id")

	// ErrNilPeer is returned by Connect when there is no transport peer to
	// dial with and no connection was supplied.
	ErrNilPeer = errors.New("peersync: no transport peer")
)
