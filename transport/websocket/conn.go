package websocket

import (
	"sync"
	"time"

	gws "github.com/gorilla/websocket"

	kiterr "github.com/c0deZ3R0/peersync/errors"
	"github.com/c0deZ3R0/peersync/transport"
)

// Conn is a websocket connection to one remote peer. Each Send is one binary
// frame.
type Conn struct {
	peerID  string
	ws      *gws.Conn
	cfg     Config
	release func(*Conn)

	writeMu sync.Mutex

	listenOnce sync.Once
	closeOnce  sync.Once
	done       chan struct{}
}

var _ transport.Conn = (*Conn)(nil)

func newConn(peerID string, ws *gws.Conn, cfg Config, release func(*Conn)) *Conn {
	return &Conn{
		peerID:  peerID,
		ws:      ws,
		cfg:     cfg,
		release: release,
		done:    make(chan struct{}),
	}
}

func (c *Conn) PeerID() string { return c.peerID }

// Send writes data as one binary frame.
func (c *Conn) Send(data []byte) error {
	const op = "websocket.Send"
	select {
	case <-c.done:
		return kiterr.WrapOpComponentKind(transport.ErrClosed, op, componentName, kiterr.KindClosed)
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return kiterr.WrapOpComponentKind(err, op, componentName, kiterr.KindUnavailable)
	}
	if err := c.ws.WriteMessage(gws.BinaryMessage, data); err != nil {
		return kiterr.WrapOpComponentKind(err, op, componentName, kiterr.KindUnavailable)
	}
	return nil
}

// Listen starts the read and keepalive goroutines. Frames are not read
// before Listen, so nothing is lost between accept and registration.
func (c *Conn) Listen(ev transport.Events) {
	c.listenOnce.Do(func() {
		go c.readPump(ev)
		go c.pingLoop()
	})
}

func (c *Conn) readPump(ev transport.Events) {
	defer func() {
		c.Close()
		if ev.OnClose != nil {
			ev.OnClose()
		}
	}()

	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.unexpected(err) && ev.OnError != nil {
				ev.OnError(kiterr.WrapOpComponentKind(err, "websocket.Read", componentName, kiterr.KindUnavailable))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		if kind != gws.BinaryMessage && kind != gws.TextMessage {
			continue
		}
		if ev.OnData != nil {
			ev.OnData(data)
		}
	}
}

// unexpected reports whether a read error is a failure: anything other than
// a local close or an orderly close frame from the peer.
func (c *Conn) unexpected(err error) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	return !gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway)
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.cfg.pingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(gws.PingMessage, nil, deadline); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Close sends a close frame and closes the socket. Safe to call repeatedly.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := gws.FormatCloseMessage(gws.CloseNormalClosure, "")
		_ = c.ws.WriteControl(gws.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
		if c.release != nil {
			c.release(c)
		}
	})
	return err
}
