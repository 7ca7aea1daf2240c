package peersync

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/c0deZ3R0/peersync/codec"
	"github.com/c0deZ3R0/peersync/docset"
	syncErrors "github.com/c0deZ3R0/peersync/errors"
	"github.com/c0deZ3R0/peersync/logging"
	"github.com/c0deZ3R0/peersync/transport"
)

// ChangeFunc receives the current document and returns the document to store.
// It may change doc in place and return it, or return another document such
// as a fork or a loaded snapshot. A nil result keeps doc.
//
// ChangeFunc runs on the engine goroutine and must not call Engine methods.
type ChangeFunc func(doc *automerge.Doc) (*automerge.Doc, error)

// Mutator applies a ChangeFunc to one document and syncs the result.
type Mutator func(fn ChangeFunc) error

// Change returns a ChangeFunc that runs fn on the document and commits the
// result with message.
func Change(message string, fn func(doc *automerge.Doc) error) ChangeFunc {
	return func(doc *automerge.Doc) (*automerge.Doc, error) {
		if err := fn(doc); err != nil {
			return nil, err
		}
		if _, err := doc.Commit(message); err != nil {
			return nil, err
		}
		return doc, nil
	}
}

// Engine routes automerge sync messages between a document set and the
// peers reachable through a transport.
type Engine struct {
	peer    transport.Peer
	set     *docset.DocSet
	codec   codec.Codec
	store   DocStore
	metrics MetricsCollector
	actorID string

	logger     *logging.Logger
	sessionLog *logging.Logger

	work     chan func()
	quit     chan struct{}
	loopDone chan struct{}

	// sessions is written only on the loop goroutine.
	mu       sync.RWMutex
	sessions map[string]*session

	subs       *subscriptions
	handlerIDs []docset.HandlerID

	closeOnce sync.Once
}

// New creates an engine over peer and starts it. peer may be nil, in which
// case Connect needs WithConn and there are no inbound connections.
func New(peer transport.Peer, opts ...Option) (*Engine, error) {
	e := &Engine{
		peer:     peer,
		codec:    codec.JSON{},
		metrics:  &NoOpMetricsCollector{},
		work:     make(chan func()),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, syncErrors.E(
				syncErrors.Op("peersync.New"),
				syncErrors.Component("engine"),
				syncErrors.KindInvalid,
				err,
			)
		}
	}

	if e.logger == nil {
		e.logger = logging.Default()
	}
	e.sessionLog = e.logger.WithComponent(logging.Component("session"))
	e.logger = e.logger.WithComponent(logging.Component("engine"))

	if e.set == nil {
		e.set = docset.New(docset.WithActorID(e.actorID))
	} else if e.actorID == "" {
		e.actorID = e.set.ActorID()
	} else if set := e.set.ActorID(); set != "" && set != e.actorID {
		return nil, syncErrors.E(
			syncErrors.Op("peersync.New"),
			syncErrors.Component("engine"),
			syncErrors.KindInvalid,
			"actor id conflicts with the document set's actor id",
		)
	}

	if e.store != nil {
		if err := e.loadStored(); err != nil {
			return nil, err
		}
		e.handlerIDs = append(e.handlerIDs, e.set.RegisterHandler(e.persist))
	}

	e.subs = newSubscriptions(e.logger)
	e.handlerIDs = append(e.handlerIDs, e.set.RegisterHandler(e.subs.notify))

	go e.loop()
	e.subs.start()

	if e.peer != nil {
		e.peer.OnConnection(e.accept)
		e.logger.Info("engine started", slog.String("peer_id", e.peer.ID()))
	} else {
		e.logger.Info("engine started without transport peer")
	}
	return e, nil
}

func (e *Engine) loop() {
	defer close(e.loopDone)
	for {
		select {
		case fn := <-e.work:
			fn()
		case <-e.quit:
			return
		}
	}
}

// do runs fn on the loop and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case e.work <- func() { defer close(done); fn() }:
	case <-e.quit:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// post queues fn on the loop without waiting for it to run. It blocks until
// the loop takes fn or the engine closes.
func (e *Engine) post(fn func()) bool {
	select {
	case e.work <- fn:
		return true
	case <-e.quit:
		return false
	}
}

// Connect opens a sync session with peerID, dialling through the transport
// peer unless WithConn supplies a connection. If a session with peerID
// already exists its connection is returned and nothing is dialled.
func (e *Engine) Connect(ctx context.Context, peerID string, opts ...ConnectOption) (transport.Conn, error) {
	const op = "peersync.Connect"
	if peerID == "" {
		return nil, syncErrors.E(syncErrors.Op(op), syncErrors.Component("engine"), syncErrors.KindInvalid, ErrInvalidPeerID)
	}
	var o connectOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.conn != nil && o.conn.PeerID() != peerID {
		return nil, syncErrors.E(syncErrors.Op(op), syncErrors.Component("engine"), syncErrors.KindInvalid,
			"connection is to peer "+o.conn.PeerID()+", not "+peerID)
	}

	var existing transport.Conn
	if err := e.do(ctx, func() {
		if s := e.sessionFor(peerID); s != nil {
			existing = s.conn
		}
	}); err != nil {
		if o.conn != nil {
			o.conn.Close()
		}
		return nil, err
	}
	if existing != nil {
		if o.conn != nil && o.conn != existing {
			o.conn.Close()
		}
		return existing, nil
	}

	conn := o.conn
	if conn == nil {
		if e.peer == nil {
			return nil, syncErrors.E(syncErrors.Op(op), syncErrors.Component("engine"), syncErrors.KindInvalid, ErrNilPeer)
		}
		var err error
		conn, err = e.peer.Connect(ctx, peerID)
		if err != nil {
			e.metrics.RecordError(string(syncErrors.OpConnect), "dial_failure")
			return nil, syncErrors.E(syncErrors.Op(op), syncErrors.Component("engine"), err, "dial "+peerID)
		}
	}

	result := conn
	err := e.do(ctx, func() {
		if s := e.sessionFor(peerID); s != nil {
			// Lost a race with another Connect or an inbound connection.
			// The remote end may already use conn as its session, so it is
			// kept open and attached rather than closed.
			result = s.conn
			if s.conn != conn {
				e.attach(s, conn)
			}
			return
		}
		e.openSession(peerID, conn)
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return result, nil
}

// accept handles an inbound transport connection.
func (e *Engine) accept(conn transport.Conn) {
	if !e.post(func() { e.acceptOnLoop(conn) }) {
		conn.Close()
	}
}

func (e *Engine) acceptOnLoop(conn transport.Conn) {
	peerID := conn.PeerID()
	if peerID == "" {
		e.metrics.RecordError(string(syncErrors.OpAccept), "invalid_peer")
		e.logger.Warn("rejecting connection without peer id")
		conn.Close()
		return
	}
	s := e.sessionFor(peerID)
	if s == nil {
		e.openSession(peerID, conn)
		return
	}
	e.logger.Debug("attaching duplicate connection", slog.String("peer_id", peerID))
	e.attach(s, conn)
}

// attach makes conn, a further connection with s's peer, feed s. Closing
// conn leaves s open; closing s closes conn. Runs on the loop.
func (e *Engine) attach(s *session, conn transport.Conn) {
	s.extras = append(s.extras, conn)
	conn.Listen(transport.Events{
		OnData: func(data []byte) {
			e.post(func() { s.receive(data) })
		},
		OnError: func(err error) {
			s.logger.Debug("extra connection failed", slog.String("error", err.Error()))
		},
		OnClose: func() {
			conn.Close()
			e.post(func() { s.detach(conn) })
		},
	})
}

// sessionFor must be called on the loop goroutine or with e.mu held.
func (e *Engine) sessionFor(peerID string) *session {
	return e.sessions[peerID]
}

// openSession registers and starts a session. Runs on the loop.
func (e *Engine) openSession(peerID string, conn transport.Conn) {
	s := newSession(e, peerID, conn)
	e.mu.Lock()
	e.sessions[peerID] = s
	e.mu.Unlock()
	e.metrics.RecordSessionOpened(peerID)
	s.start()
}

// closeSession tears s down exactly once and removes it from the registry if
// it is still the registered session for its peer. Runs on the loop.
func (e *Engine) closeSession(s *session, cause error) {
	s.closeOnce.Do(func() {
		e.mu.Lock()
		if e.sessions[s.peerID] == s {
			delete(e.sessions, s.peerID)
		}
		e.mu.Unlock()

		s.stop()
		e.metrics.RecordSessionClosed(s.peerID, s.lifetime())
		if cause != nil {
			e.metrics.RecordError(string(syncErrors.OpReceive), "transport_failure")
			s.logger.Warn("session closed on transport error", slog.String("error", cause.Error()))
		} else {
			s.logger.Info("session closed")
		}
	})
}

// Sessions returns the ids of peers with an open session, sorted.
func (e *Engine) Sessions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasSession reports whether a session with peerID is open.
func (e *Engine) HasSession(peerID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.sessions[peerID]
	return ok
}

// Select returns a Mutator for docID. The document is looked up when the
// Mutator runs; a missing document is created empty first. The stored result
// is synced to every session and announced to subscribers.
func (e *Engine) Select(docID string) Mutator {
	return func(fn ChangeFunc) error {
		const op = "peersync.Select"
		if docID == "" {
			return syncErrors.E(syncErrors.Op(op), syncErrors.Component("engine"), syncErrors.KindInvalid, ErrInvalidDocID)
		}
		if fn == nil {
			return syncErrors.E(syncErrors.Op(op), syncErrors.Component("engine"), syncErrors.KindInvalid, "nil change function")
		}

		var changeErr error
		if err := e.do(context.Background(), func() {
			changeErr = e.apply(docID, fn)
		}); err != nil {
			return err
		}
		if changeErr != nil {
			return syncErrors.E(syncErrors.Op(op), syncErrors.Component("engine"), changeErr, "document "+docID)
		}
		return nil
	}
}

func (e *Engine) apply(docID string, fn ChangeFunc) error {
	doc, ok := e.set.GetDoc(docID)
	if !ok {
		var err error
		if doc, err = e.set.NewDoc(); err != nil {
			return err
		}
	}
	next, err := fn(doc)
	if err != nil {
		return err
	}
	if next == nil {
		next = doc
	}
	e.set.SetDoc(docID, next)
	return nil
}

// Get returns a fork of the document stored under docID. The fork shares no
// state with the engine.
func (e *Engine) Get(docID string) (*automerge.Doc, bool) {
	if docID == "" {
		return nil, false
	}
	var fork *automerge.Doc
	err := e.do(context.Background(), func() {
		doc, ok := e.set.GetDoc(docID)
		if !ok {
			return
		}
		var err error
		if fork, err = doc.Fork(); err != nil {
			e.logger.LogError(context.Background(), syncErrors.New(syncErrors.OpGet, err), "failed to fork document",
				slog.String("doc_id", docID))
			fork = nil
		}
	})
	if err != nil || fork == nil {
		return nil, false
	}
	return fork, true
}

// Subscribe registers fn for changes to any document and returns a function
// that removes it. Once that function returns fn is not called again; called
// from another goroutine it waits for a running fn to finish.
func (e *Engine) Subscribe(fn SetHandler) func() {
	return e.subs.add("", fn)
}

// SubscribeDoc registers fn for changes to docID and returns a function that
// removes it.
func (e *Engine) SubscribeDoc(docID string, fn DocHandler) func() {
	if fn == nil || docID == "" {
		return func() {}
	}
	return e.subs.add(docID, func(_ string, doc *automerge.Doc) { fn(doc) })
}

// Close ends every session and stops the engine. The transport peer and the
// store are left to their owners. Close is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.peer != nil {
			e.peer.OnConnection(nil)
		}
		_ = e.do(context.Background(), func() {
			e.mu.RLock()
			open := make([]*session, 0, len(e.sessions))
			for _, s := range e.sessions {
				open = append(open, s)
			}
			e.mu.RUnlock()
			for _, s := range open {
				e.closeSession(s, nil)
			}
		})
		close(e.quit)
		<-e.loopDone

		for _, id := range e.handlerIDs {
			e.set.UnregisterHandler(id)
		}
		e.subs.close()
		e.logger.Info("engine closed")
	})
	return nil
}
