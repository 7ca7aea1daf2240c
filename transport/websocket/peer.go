// Package websocket is a peer transport over gorilla/websocket. Every peer
// serves an http.Handler; dialling peers announce their id in the "peer"
// query parameter of the upgrade request.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	gws "github.com/gorilla/websocket"

	kiterr "github.com/c0deZ3R0/peersync/errors"
	"github.com/c0deZ3R0/peersync/logging"
	"github.com/c0deZ3R0/peersync/transport"
)

const (
	componentName = "transport/websocket"
	component     = kiterr.Component(componentName)
)

// Peer is a websocket endpoint. Mount it on an HTTP server to accept
// connections; use Connect to dial others.
type Peer struct {
	id       string
	dir      Directory
	cfg      Config
	logger   *logging.Logger
	upgrader gws.Upgrader
	dialer   *gws.Dialer

	mu     sync.Mutex
	onConn func(transport.Conn)
	conns  map[*Conn]struct{}
	closed bool
}

var _ transport.Peer = (*Peer)(nil)
var _ http.Handler = (*Peer)(nil)

// Option configures a Peer.
type Option func(*Peer)

// WithConfig overrides connection settings. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(p *Peer) {
		p.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Peer) {
		p.logger = l
	}
}

// WithCheckOrigin sets the upgrader origin check. By default all origins are
// accepted, since peers are not browsers.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(p *Peer) {
		p.upgrader.CheckOrigin = fn
	}
}

// NewPeer creates a peer with the given id that resolves remote ids through dir.
func NewPeer(id string, dir Directory, opts ...Option) (*Peer, error) {
	if id == "" {
		return nil, fmt.Errorf("websocket: empty peer id")
	}
	if dir == nil {
		return nil, fmt.Errorf("websocket: nil directory")
	}
	p := &Peer{
		id:    id,
		dir:   dir,
		cfg:   DefaultConfig(),
		conns: make(map[*Conn]struct{}),
	}
	p.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	for _, opt := range opts {
		opt(p)
	}
	p.cfg.setDefaults()
	if p.logger == nil {
		p.logger = logging.Default()
	}
	p.logger = p.logger.WithComponent(logging.Component(component))
	p.upgrader.HandshakeTimeout = p.cfg.HandshakeTimeout
	p.upgrader.ReadBufferSize = p.cfg.ReadBufferSize
	p.upgrader.WriteBufferSize = p.cfg.WriteBufferSize
	p.dialer = &gws.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: p.cfg.HandshakeTimeout,
		ReadBufferSize:   p.cfg.ReadBufferSize,
		WriteBufferSize:  p.cfg.WriteBufferSize,
	}
	return p, nil
}

func (p *Peer) ID() string { return p.id }

// OnConnection sets the inbound connection callback.
func (p *Peer) OnConnection(fn func(transport.Conn)) {
	p.mu.Lock()
	p.onConn = fn
	p.mu.Unlock()
}

// ServeHTTP upgrades an inbound peer connection.
func (p *Peer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	remoteID := r.URL.Query().Get(PeerQueryParam)
	if remoteID == "" {
		http.Error(w, "missing peer id", http.StatusBadRequest)
		return
	}
	if remoteID == p.id {
		http.Error(w, "cannot connect to self", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	accepting := !p.closed && p.onConn != nil
	p.mu.Unlock()
	if !accepting {
		http.Error(w, "peer not accepting connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		p.logger.Warn("upgrade failed", slog.String("peer_id", remoteID), slog.String("error", err.Error()))
		return
	}

	c := newConn(remoteID, ws, p.cfg, p.release)
	p.mu.Lock()
	if p.closed || p.onConn == nil {
		p.mu.Unlock()
		c.Close()
		return
	}
	p.conns[c] = struct{}{}
	fn := p.onConn
	p.mu.Unlock()

	p.logger.Debug("accepted connection", slog.String("peer_id", remoteID))
	fn(c)
}

// Connect dials the peer with the given id.
func (p *Peer) Connect(ctx context.Context, peerID string) (transport.Conn, error) {
	const op = "websocket.Connect"

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, kiterr.E(kiterr.Op(op), component, kiterr.KindClosed, transport.ErrClosed)
	}

	raw, err := p.dir.Resolve(peerID)
	if err != nil {
		return nil, kiterr.E(kiterr.Op(op), component, kiterr.KindNotFound, err)
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, kiterr.E(kiterr.Op(op), component, kiterr.KindInvalid, err, "parse peer url")
	}
	q := target.Query()
	q.Set(PeerQueryParam, p.id)
	target.RawQuery = q.Encode()

	ws, resp, err := p.dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, kiterr.E(kiterr.Op(op), component, kiterr.KindUnavailable, err, "dial "+peerID)
	}

	c := newConn(peerID, ws, p.cfg, p.release)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.Close()
		return nil, kiterr.E(kiterr.Op(op), component, kiterr.KindClosed, transport.ErrClosed)
	}
	p.conns[c] = struct{}{}
	p.mu.Unlock()

	p.logger.Debug("dialled peer", slog.String("peer_id", peerID))
	return c, nil
}

func (p *Peer) release(c *Conn) {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
}

// Close stops accepting connections and closes the open ones. The HTTP
// server the peer is mounted on is left to its owner.
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

	for _, c := range conns {
		c.Close()
	}
	return nil
}
