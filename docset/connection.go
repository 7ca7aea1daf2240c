package docset

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/automerge/automerge-go"
)

// ErrConnectionClosed is returned by ReceiveMsg after Close.
var ErrConnectionClosed = errors.New("docset: connection closed")

// SendFunc delivers an outgoing message to the remote peer.
type SendFunc func(Message) error

// docState pairs a document instance with the sync state tracking what the
// remote peer has of it. The sync state belongs to that exact instance.
type docState struct {
	doc  *automerge.Doc
	sync *automerge.SyncState
}

// Connection syncs every document of a DocSet with a single remote peer.
type Connection struct {
	set  *DocSet
	send SendFunc

	// OnError, if set, receives failures that happen while reacting to local
	// document changes, where there is no caller to return them to.
	OnError func(docID string, err error)

	mu        sync.Mutex
	states    map[string]*docState
	handlerID HandlerID
	open      bool
	closed    bool
}

// NewConnection creates a connection over set that emits messages via send.
func NewConnection(set *DocSet, send SendFunc) *Connection {
	return &Connection{
		set:    set,
		send:   send,
		states: make(map[string]*docState),
	}
}

// Open starts tracking local changes and offers every known document to the
// peer.
func (c *Connection) Open() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = true
	c.mu.Unlock()

	c.handlerID = c.set.RegisterHandler(c.docChanged)

	var errs []error
	for _, id := range c.set.DocIDs() {
		if err := c.syncDoc(id); err != nil {
			errs = append(errs, fmt.Errorf("doc %q: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops tracking local changes and drops all sync state.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wasOpen := c.open
	c.states = make(map[string]*docState)
	c.mu.Unlock()

	if wasOpen {
		c.set.UnregisterHandler(c.handlerID)
	}
}

// ReceiveMsg applies a message from the peer. A document unknown locally is
// created. The document is written back to the set, which notifies handlers
// and makes every connection offer the new state, only when the message
// changed it; otherwise this connection just answers.
func (c *Connection) ReceiveMsg(msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.mu.Unlock()

	doc, exists := c.set.GetDoc(msg.DocID)
	if !exists {
		var err error
		if doc, err = c.set.NewDoc(); err != nil {
			return err
		}
	}

	st := c.state(msg.DocID, doc)
	before := doc.Heads()
	if _, err := st.sync.ReceiveMessage(msg.Payload); err != nil {
		return fmt.Errorf("apply sync message for %q: %w", msg.DocID, err)
	}

	if !exists || !slices.Equal(before, doc.Heads()) {
		c.set.SetDoc(msg.DocID, doc)
		return nil
	}
	return c.syncDoc(msg.DocID)
}

// DocIDs returns the documents this connection holds sync state for.
func (c *Connection) DocIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.states))
	for id := range c.states {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *Connection) docChanged(docID string, _ *automerge.Doc) {
	if err := c.syncDoc(docID); err != nil && c.OnError != nil {
		c.OnError(docID, err)
	}
}

// state returns the sync state for docID, rebuilding it when the set now
// holds a different document instance.
func (c *Connection) state(docID string, doc *automerge.Doc) *docState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[docID]
	if !ok || st.doc != doc {
		st = &docState{doc: doc, sync: automerge.NewSyncState(doc)}
		c.states[docID] = st
	}
	return st
}

// syncDoc sends the next sync message for docID, if the protocol has one.
func (c *Connection) syncDoc(docID string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}

	doc, ok := c.set.GetDoc(docID)
	if !ok {
		return nil
	}
	st := c.state(docID, doc)
	msg, valid := st.sync.GenerateMessage()
	if !valid {
		return nil
	}
	return c.send(Message{DocID: docID, Payload: msg.Bytes()})
}
