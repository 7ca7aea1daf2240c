package peersync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/peersync/codec"
	"github.com/c0deZ3R0/peersync/docset"
	"github.com/c0deZ3R0/peersync/logging"
	"github.com/c0deZ3R0/peersync/transport"
	"github.com/c0deZ3R0/peersync/transport/memory"
)

// MockMetricsCollector records every call for assertions.
type MockMetricsCollector struct {
	mu             sync.Mutex
	Opened         []string
	Closed         []string
	MessagesIn     int
	MessagesOut    int
	ErrorsByOpType map[string]int
}

func newMockMetrics() *MockMetricsCollector {
	return &MockMetricsCollector{ErrorsByOpType: make(map[string]int)}
}

func (m *MockMetricsCollector) RecordSessionOpened(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Opened = append(m.Opened, peerID)
}

func (m *MockMetricsCollector) RecordSessionClosed(peerID string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = append(m.Closed, peerID)
}

func (m *MockMetricsCollector) RecordMessage(direction string, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if direction == DirectionInbound {
		m.MessagesIn++
	} else {
		m.MessagesOut++
	}
}

func (m *MockMetricsCollector) RecordError(operation, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorsByOpType[operation+"/"+errorType]++
}

func (m *MockMetricsCollector) closedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Closed)
}

func (m *MockMetricsCollector) errorCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ErrorsByOpType[key]
}

// fakeConn is a transport.Conn whose events are fired by the test.
type fakeConn struct {
	peerID string

	mu         sync.Mutex
	events     transport.Events
	listening  bool
	sent       [][]byte
	closeCalls int
}

var _ transport.Conn = (*fakeConn)(nil)

func newFakeConn(peerID string) *fakeConn {
	return &fakeConn{peerID: peerID}
}

func (c *fakeConn) PeerID() string { return c.peerID }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Listen(ev transport.Events) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listening {
		return
	}
	c.listening = true
	c.events = ev
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return nil
}

func (c *fakeConn) closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// sentFrom returns the messages sent after the first n.
func (c *fakeConn) sentFrom(n int) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n >= len(c.sent) {
		return nil
	}
	return append([][]byte(nil), c.sent[n:]...)
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) handlers() transport.Events {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

func (c *fakeConn) fireData(data []byte) { c.handlers().OnData(data) }
func (c *fakeConn) fireClose()           { c.handlers().OnClose() }
func (c *fakeConn) fireError(err error)  { c.handlers().OnError(err) }

// gatedPeer is a transport.Peer whose dials block until the test hands over
// a connection, so inbound connections can be ordered around them.
type gatedPeer struct {
	id      string
	dialing chan string
	release chan transport.Conn

	mu     sync.Mutex
	onConn func(transport.Conn)
}

var _ transport.Peer = (*gatedPeer)(nil)

func newGatedPeer(id string) *gatedPeer {
	return &gatedPeer{id: id, dialing: make(chan string, 1), release: make(chan transport.Conn)}
}

func (p *gatedPeer) ID() string { return p.id }

func (p *gatedPeer) OnConnection(fn func(transport.Conn)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConn = fn
}

func (p *gatedPeer) Connect(ctx context.Context, peerID string) (transport.Conn, error) {
	p.dialing <- peerID
	select {
	case c := <-p.release:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *gatedPeer) Close() error { return nil }

// inbound delivers c as if the remote peer had dialled in.
func (p *gatedPeer) inbound(c transport.Conn) {
	p.mu.Lock()
	fn := p.onConn
	p.mu.Unlock()
	fn(c)
}

// encodeSync wraps an automerge sync message for the wire.
func encodeSync(t *testing.T, docID string, msg *automerge.SyncMessage) []byte {
	t.Helper()
	data, err := codec.JSON{}.Marshal(docset.Message{DocID: docID, Payload: msg.Bytes()})
	require.NoError(t, err)
	return data
}

// syncOver runs the automerge sync protocol between src and the engine's copy
// of docID through fc until neither side has anything left to send.
func syncOver(t *testing.T, e *Engine, fc *fakeConn, docID string, src *automerge.Doc) {
	t.Helper()
	state := automerge.NewSyncState(src)
	seen := fc.sentCount()
	for round := 0; round < 16; round++ {
		msg, valid := state.GenerateMessage()
		if valid {
			fc.fireData(encodeSync(t, docID, msg))
		}
		_, _ = e.Get(docID) // waits for the loop to drain

		replies := fc.sentFrom(seen)
		seen += len(replies)
		if !valid && len(replies) == 0 {
			return
		}
		for _, data := range replies {
			var reply docset.Message
			require.NoError(t, codec.JSON{}.Unmarshal(data, &reply))
			if reply.DocID != docID {
				continue
			}
			_, err := state.ReceiveMessage(reply.Payload)
			require.NoError(t, err)
		}
	}
	t.Fatalf("sync of %q did not settle", docID)
}

// memStore is an in-memory DocStore.
type memStore struct {
	mu    sync.Mutex
	docs  map[string][]byte
	saves int
}

var _ DocStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{docs: make(map[string][]byte)}
}

func (s *memStore) LoadAll(context.Context) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.docs))
	for k, v := range s.docs {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) Save(_ context.Context, docID string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[docID] = snapshot
	s.saves++
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) snapshot(docID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.docs[docID]
	return b, ok
}

// newTestEngine starts an engine with a discarded log and closes it when the
// test ends.
func newTestEngine(t *testing.T, peer transport.Peer, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	e, err := New(peer, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// newMemoryPair returns two engines on a fresh in-process network.
func newMemoryPair(t *testing.T, opts ...Option) (a, b *Engine) {
	t.Helper()
	n := memory.NewNetwork()
	pa, err := n.Peer("a")
	require.NoError(t, err)
	pb, err := n.Peer("b")
	require.NoError(t, err)
	t.Cleanup(func() {
		pa.Close()
		pb.Close()
	})
	return newTestEngine(t, pa, opts...), newTestEngine(t, pb, opts...)
}

func setField(key, value string) ChangeFunc {
	return Change("set "+key, func(doc *automerge.Doc) error {
		return doc.RootMap().Set(key, value)
	})
}

func readField(t *testing.T, doc *automerge.Doc, key string) string {
	t.Helper()
	v, err := automerge.As[string](doc.RootMap().Get(key))
	require.NoError(t, err)
	return v
}

// fieldOf reads key from the engine's copy of docID, "" when absent.
func fieldOf(e *Engine, docID, key string) string {
	doc, ok := e.Get(docID)
	if !ok {
		return ""
	}
	v, err := automerge.As[string](doc.RootMap().Get(key))
	if err != nil {
		return ""
	}
	return v
}

const waitFor = 3 * time.Second
const tick = 10 * time.Millisecond
