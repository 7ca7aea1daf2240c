package websocket

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/c0deZ3R0/peersync/transport"
)

// Directory resolves a peer id to the websocket URL the peer serves on.
type Directory interface {
	Resolve(peerID string) (string, error)
}

// StaticDirectory is a fixed peer id → URL table, safe for concurrent use.
type StaticDirectory struct {
	mu    sync.RWMutex
	peers map[string]string
}

// NewStaticDirectory builds a directory from a peer id → URL map.
func NewStaticDirectory(peers map[string]string) (*StaticDirectory, error) {
	d := &StaticDirectory{peers: make(map[string]string, len(peers))}
	for id, u := range peers {
		if err := d.Add(id, u); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Add registers or replaces the URL of a peer.
func (d *StaticDirectory) Add(peerID, rawURL string) error {
	if peerID == "" {
		return fmt.Errorf("directory: empty peer id")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("directory: peer %q: %w", peerID, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("directory: peer %q: scheme must be ws or wss, got %q", peerID, u.Scheme)
	}
	d.mu.Lock()
	d.peers[peerID] = rawURL
	d.mu.Unlock()
	return nil
}

// Resolve implements Directory.
func (d *StaticDirectory) Resolve(peerID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.peers[peerID]
	if !ok {
		return "", fmt.Errorf("%w: %s", transport.ErrUnknownPeer, peerID)
	}
	return u, nil
}
