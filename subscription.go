package peersync

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"strconv"
	"sync"

	"github.com/automerge/automerge-go"

	syncErrors "github.com/c0deZ3R0/peersync/errors"
	"github.com/c0deZ3R0/peersync/logging"
)

// SetHandler is called with the id and a fork of every changed document.
type SetHandler func(docID string, doc *automerge.Doc)

// DocHandler is called with a fork of one subscribed document when it changes.
type DocHandler func(doc *automerge.Doc)

type subscription struct {
	id     uint64
	docID  string // empty matches every document
	fn     SetHandler
	active bool // guarded by subscriptions.mu
}

type notification struct {
	sub   *subscription
	docID string
	doc   *automerge.Doc
}

// subscriptions fans document changes out to subscribers on a dedicated
// goroutine, in the order the changes happened.
type subscriptions struct {
	logger *logging.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	subs   []*subscription
	nextID uint64
	queue  []notification
	closed bool
	done   chan struct{}

	// current is the subscription whose callback is running; idle is
	// signalled when it returns.
	current    *subscription
	idle       *sync.Cond
	dispatcher uint64
}

func newSubscriptions(logger *logging.Logger) *subscriptions {
	s := &subscriptions{
		logger: logger,
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	s.idle = sync.NewCond(&s.mu)
	return s
}

func (s *subscriptions) start() {
	go s.run()
}

// add registers fn and returns its idempotent unsubscribe function.
func (s *subscriptions) add(docID string, fn SetHandler) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	sub := &subscription{id: s.nextID, docID: docID, fn: fn, active: true}
	if !s.closed {
		s.subs = append(s.subs, sub)
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(sub) })
	}
}

// remove deactivates sub and waits for a running callback of sub to return,
// unless called from that callback.
func (s *subscriptions) remove(sub *subscription) {
	self := goroutineID()
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.active = false
	s.subs = slices.DeleteFunc(s.subs, func(cur *subscription) bool { return cur == sub })
	if self == s.dispatcher {
		return
	}
	for s.current == sub {
		s.idle.Wait()
	}
}

// notify is the document set handler. It runs on the engine loop and queues
// one fork per matching subscriber.
func (s *subscriptions) notify(docID string, doc *automerge.Doc) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var matched []*subscription
	for _, sub := range s.subs {
		if sub.docID == "" || sub.docID == docID {
			matched = append(matched, sub)
		}
	}
	s.mu.Unlock()
	if len(matched) == 0 {
		return
	}

	pending := make([]notification, 0, len(matched))
	for _, sub := range matched {
		fork, err := doc.Fork()
		if err != nil {
			s.logger.LogError(context.Background(), syncErrors.New(syncErrors.OpGet, err), "failed to fork document for subscriber",
				slog.String("doc_id", docID))
			return
		}
		pending = append(pending, notification{sub: sub, docID: docID, doc: fork})
	}

	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, pending...)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriptions) run() {
	defer close(s.done)
	s.mu.Lock()
	s.dispatcher = goroutineID()
	s.mu.Unlock()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		n := s.queue[0]
		s.queue[0] = notification{}
		s.queue = s.queue[1:]
		if !n.sub.active {
			s.mu.Unlock()
			continue
		}
		s.current = n.sub
		s.mu.Unlock()

		s.call(n)

		s.mu.Lock()
		s.current = nil
		s.idle.Broadcast()
		s.mu.Unlock()
	}
}

func (s *subscriptions) call(n notification) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber panicked",
				slog.String("doc_id", n.docID),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	n.sub.fn(n.docID, n.doc)
}

// close stops delivery. Queued notifications are dropped.
func (s *subscriptions) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.done
}

// goroutineID returns the id of the calling goroutine, read from the header
// line of its stack trace ("goroutine 42 [running]:").
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
