package memory

import (
	"sync"

	"github.com/c0deZ3R0/peersync/transport"
)

// Conn is one end of an in-process connection.
type Conn struct {
	localID  string
	remoteID string
	other    *Conn

	// onRelease lets the owning peer forget the connection once closed.
	onRelease func(*Conn)

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []item
	closed    bool
	listening bool
}

// item is a queued delivery: data, or an injected error when err is set.
type item struct {
	data []byte
	err  error
}

var _ transport.Conn = (*Conn)(nil)

// Pipe returns two connected ends. a belongs to peer aID and talks to bID.
func Pipe(aID, bID string) (a, b *Conn) {
	a = &Conn{localID: aID, remoteID: bID}
	b = &Conn{localID: bID, remoteID: aID}
	a.cond = sync.NewCond(&a.mu)
	b.cond = sync.NewCond(&b.mu)
	a.other, b.other = b, a
	return a, b
}

func (c *Conn) setRelease(fn func(*Conn)) {
	c.mu.Lock()
	closed := c.closed
	c.onRelease = fn
	c.mu.Unlock()
	if closed {
		fn(c)
	}
}

func (c *Conn) PeerID() string { return c.remoteID }

// Send queues a copy of data for the other end.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return c.other.enqueue(item{data: buf})
}

// InjectError delivers err to this end's OnError callback, as if the
// connection had failed, and then closes both ends.
func (c *Conn) InjectError(err error) {
	c.enqueue(item{err: err})
	c.Close()
}

func (c *Conn) enqueue(it item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.queue = append(c.queue, it)
	c.cond.Signal()
	return nil
}

// Listen starts the delivery goroutine.
func (c *Conn) Listen(ev transport.Events) {
	c.mu.Lock()
	if c.listening {
		c.mu.Unlock()
		return
	}
	c.listening = true
	c.mu.Unlock()

	go c.deliver(ev)
}

func (c *Conn) deliver(ev transport.Events) {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if len(c.queue) == 0 {
			c.mu.Unlock()
			if ev.OnClose != nil {
				ev.OnClose()
			}
			return
		}
		it := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		switch {
		case it.err != nil:
			if ev.OnError != nil {
				ev.OnError(it.err)
			}
		case ev.OnData != nil:
			ev.OnData(it.data)
		}
	}
}

// Close closes both ends. Messages already queued are still delivered
// before OnClose.
func (c *Conn) Close() error {
	c.shutdown()
	c.other.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cond.Broadcast()
	release := c.onRelease
	c.mu.Unlock()

	if release != nil {
		release(c)
	}
}
