package peersync

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/peersync/docset"
	syncErrors "github.com/c0deZ3R0/peersync/errors"
	"github.com/c0deZ3R0/peersync/logging"
	"github.com/c0deZ3R0/peersync/transport"
)

// session pairs the transport connection to one peer with the document sync
// connection for that peer. Apart from closeOnce, its state is only touched
// on the engine loop.
type session struct {
	id     string
	peerID string
	conn   transport.Conn
	sync   *docset.Connection
	engine *Engine
	logger *logging.Logger
	opened time.Time

	// extras are further connections with the same peer, from a lost
	// Connect race or a duplicate inbound connection. They only feed
	// receive; s.conn carries everything s sends.
	extras []transport.Conn

	closed    bool
	closeOnce sync.Once
}

func newSession(e *Engine, peerID string, conn transport.Conn) *session {
	s := &session{
		id:     uuid.NewString(),
		peerID: peerID,
		conn:   conn,
		engine: e,
		opened: time.Now(),
	}
	peerLog := e.sessionLog.WithPeer(peerID)
	s.logger = &logging.Logger{Logger: peerLog.With(slog.String("session_id", s.id))}
	s.sync = docset.NewConnection(e.set, s.send)
	s.sync.OnError = func(docID string, err error) {
		e.metrics.RecordError(string(syncErrors.OpSend), "sync_failure")
		s.logger.Warn("failed to sync document", slog.String("doc_id", docID), slog.String("error", err.Error()))
	}
	return s
}

// start subscribes to the transport connection and offers every document to
// the peer. Runs on the loop, so transport events queue behind it.
func (s *session) start() {
	e := s.engine
	s.conn.Listen(transport.Events{
		OnData: func(data []byte) {
			e.post(func() { s.receive(data) })
		},
		OnClose: func() {
			e.post(func() { e.closeSession(s, nil) })
		},
		OnError: func(err error) {
			e.post(func() { e.closeSession(s, err) })
		},
	})
	s.logger.Info("session opened")

	if err := s.sync.Open(); err != nil {
		e.metrics.RecordError(string(syncErrors.OpSend), "sync_failure")
		s.logger.Warn("initial sync incomplete", slog.String("error", err.Error()))
	}
}

// send encodes and transmits one outgoing sync message.
func (s *session) send(msg docset.Message) error {
	data, err := s.engine.codec.Marshal(msg)
	if err != nil {
		return syncErrors.NewCodecError(syncErrors.OpEncode, err)
	}
	if err := s.conn.Send(data); err != nil {
		return syncErrors.NewNetworkError(syncErrors.OpSend, err)
	}
	s.engine.metrics.RecordMessage(DirectionOutbound, len(data))
	return nil
}

// receive decodes one inbound message and applies it. Undecodable or
// rejected messages are logged and dropped; the session stays open.
func (s *session) receive(data []byte) {
	if s.closed {
		return
	}
	e := s.engine
	e.metrics.RecordMessage(DirectionInbound, len(data))

	var msg docset.Message
	if err := e.codec.Unmarshal(data, &msg); err != nil {
		e.metrics.RecordError(string(syncErrors.OpDecode), "codec_failure")
		s.logger.LogError(context.Background(), syncErrors.NewCodecError(syncErrors.OpDecode, err), "dropping undecodable message",
			slog.Int("bytes", len(data)))
		return
	}
	if err := s.sync.ReceiveMsg(msg); err != nil {
		e.metrics.RecordError(string(syncErrors.OpReceive), "sync_failure")
		s.logger.LogError(context.Background(), syncErrors.NewSyncFailure(syncErrors.OpReceive, err), "dropping sync message",
			slog.String("doc_id", msg.DocID))
	}
}

// detach forgets an extra connection once it has closed.
func (s *session) detach(conn transport.Conn) {
	s.extras = slices.DeleteFunc(s.extras, func(c transport.Conn) bool { return c == conn })
}

// stop closes the sync connection and every transport connection.
func (s *session) stop() {
	s.closed = true
	s.sync.Close()
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("transport close", slog.String("error", err.Error()))
	}
	for _, c := range s.extras {
		_ = c.Close()
	}
	s.extras = nil
}

func (s *session) lifetime() time.Duration {
	return time.Since(s.opened)
}
