// Package memory is an in-process transport. Peers attach to a Network by id
// and connect to each other through paired queues; nothing touches a socket.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/c0deZ3R0/peersync/transport"
)

// Network is a registry of in-process peers.
type Network struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{peers: make(map[string]*Peer)}
}

// Peer attaches a new peer with the given id.
func (n *Network) Peer(id string) (*Peer, error) {
	if id == "" {
		return nil, fmt.Errorf("memory: empty peer id")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.peers[id]; ok {
		return nil, fmt.Errorf("memory: peer %q already attached", id)
	}
	p := &Peer{id: id, network: n, conns: make(map[*Conn]struct{})}
	n.peers[id] = p
	return p, nil
}

func (n *Network) lookup(id string) (*Peer, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.peers[id]
	return p, ok
}

func (n *Network) detach(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

// Peer is one endpoint on a Network.
type Peer struct {
	id      string
	network *Network

	mu     sync.Mutex
	onConn func(transport.Conn)
	conns  map[*Conn]struct{}
	closed bool
}

var _ transport.Peer = (*Peer)(nil)

func (p *Peer) ID() string { return p.id }

// OnConnection sets the inbound connection callback.
func (p *Peer) OnConnection(fn func(transport.Conn)) {
	p.mu.Lock()
	p.onConn = fn
	p.mu.Unlock()
}

// Connect opens a connection to the peer with the given id.
func (p *Peer) Connect(ctx context.Context, peerID string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}

	remote, ok := p.network.lookup(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnknownPeer, peerID)
	}

	local, far := Pipe(p.id, peerID)
	if !remote.accept(far) {
		local.Close()
		return nil, fmt.Errorf("%w: %s is not accepting connections", transport.ErrClosed, peerID)
	}
	p.track(local)
	return local, nil
}

func (p *Peer) accept(c *Conn) bool {
	p.mu.Lock()
	if p.closed || p.onConn == nil {
		p.mu.Unlock()
		return false
	}
	fn := p.onConn
	p.conns[c] = struct{}{}
	p.mu.Unlock()

	c.setRelease(p.untrack)
	fn(c)
	return true
}

func (p *Peer) track(c *Conn) {
	p.mu.Lock()
	p.conns[c] = struct{}{}
	p.mu.Unlock()
	c.setRelease(p.untrack)
}

func (p *Peer) untrack(c *Conn) {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
}

// Close detaches the peer from the network and closes its connections.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	p.network.detach(p.id)
	for _, c := range conns {
		c.Close()
	}
	return nil
}
