package node

import (
	"sync/atomic"
	"time"

	"github.com/c0deZ3R0/peersync"
)

// Counters is a peersync.MetricsCollector backed by atomic counters.
type Counters struct {
	sessionsOpened atomic.Int64
	sessionsClosed atomic.Int64
	messagesIn     atomic.Int64
	messagesOut    atomic.Int64
	bytesIn        atomic.Int64
	bytesOut       atomic.Int64
	errors         atomic.Int64
}

var _ peersync.MetricsCollector = (*Counters)(nil)

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	SessionsOpened int64 `json:"sessions_opened"`
	SessionsClosed int64 `json:"sessions_closed"`
	MessagesIn     int64 `json:"messages_in"`
	MessagesOut    int64 `json:"messages_out"`
	BytesIn        int64 `json:"bytes_in"`
	BytesOut       int64 `json:"bytes_out"`
	Errors         int64 `json:"errors"`
}

func (c *Counters) RecordSessionOpened(string) { c.sessionsOpened.Add(1) }

func (c *Counters) RecordSessionClosed(string, time.Duration) { c.sessionsClosed.Add(1) }

func (c *Counters) RecordMessage(direction string, bytes int) {
	if direction == peersync.DirectionInbound {
		c.messagesIn.Add(1)
		c.bytesIn.Add(int64(bytes))
		return
	}
	c.messagesOut.Add(1)
	c.bytesOut.Add(int64(bytes))
}

func (c *Counters) RecordError(string, string) { c.errors.Add(1) }

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		SessionsOpened: c.sessionsOpened.Load(),
		SessionsClosed: c.sessionsClosed.Load(),
		MessagesIn:     c.messagesIn.Load(),
		MessagesOut:    c.messagesOut.Load(),
		BytesIn:        c.bytesIn.Load(),
		BytesOut:       c.bytesOut.Load(),
		Errors:         c.errors.Load(),
	}
}
