// Package docset keeps a set of automerge documents keyed by id and syncs
// them with remote peers, one Connection per peer.
//
// A DocSet is not tied to any transport. Connections hand outgoing sync
// messages to a send function and accept incoming ones through ReceiveMsg;
// the caller decides how messages travel. Document mutation is expected to be
// serialized by the caller: the set guards its own maps, but automerge
// documents themselves are handed out as live values.
package docset

import (
	"sort"
	"sync"

	"github.com/automerge/automerge-go"
)

// Handler is notified after a document has been written to the set.
type Handler func(docID string, doc *automerge.Doc)

// HandlerID identifies a registered Handler for later removal.
type HandlerID uint64

type registeredHandler struct {
	id HandlerID
	fn Handler
}

// DocSet is a collection of automerge documents keyed by id.
type DocSet struct {
	actorID string

	mu       sync.RWMutex
	docs     map[string]*automerge.Doc
	handlers []registeredHandler
	nextID   HandlerID
}

// Option configures a DocSet.
type Option func(*DocSet)

// WithActorID sets the automerge actor id (hex) applied to documents created
// by NewDoc. Without it every new document gets a random actor.
func WithActorID(actorID string) Option {
	return func(ds *DocSet) {
		ds.actorID = actorID
	}
}

// New creates an empty DocSet.
func New(opts ...Option) *DocSet {
	ds := &DocSet{
		docs: make(map[string]*automerge.Doc),
	}
	for _, opt := range opts {
		opt(ds)
	}
	return ds
}

// ActorID returns the configured actor id, or "" when documents use random actors.
func (ds *DocSet) ActorID() string {
	return ds.actorID
}

// NewDoc creates an empty document that is not yet part of the set.
func (ds *DocSet) NewDoc() (*automerge.Doc, error) {
	doc := automerge.New()
	if ds.actorID != "" {
		if err := doc.SetActorID(ds.actorID); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// GetDoc returns the document stored under id.
func (ds *DocSet) GetDoc(id string) (*automerge.Doc, bool) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	doc, ok := ds.docs[id]
	return doc, ok
}

// SetDoc stores doc under id and notifies every registered handler.
// Handlers run on the calling goroutine after the set's lock is released.
func (ds *DocSet) SetDoc(id string, doc *automerge.Doc) {
	ds.mu.Lock()
	ds.docs[id] = doc
	handlers := make([]registeredHandler, len(ds.handlers))
	copy(handlers, ds.handlers)
	ds.mu.Unlock()

	for _, h := range handlers {
		if ds.registered(h.id) {
			h.fn(id, doc)
		}
	}
}

// DocIDs returns the ids of all documents in the set, sorted.
func (ds *DocSet) DocIDs() []string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	ids := make([]string, 0, len(ds.docs))
	for id := range ds.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of documents in the set.
func (ds *DocSet) Len() int {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return len(ds.docs)
}

// RegisterHandler adds h to the handlers notified by SetDoc.
func (ds *DocSet) RegisterHandler(h Handler) HandlerID {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.nextID++
	ds.handlers = append(ds.handlers, registeredHandler{id: ds.nextID, fn: h})
	return ds.nextID
}

// UnregisterHandler removes a handler. Unknown ids are ignored.
func (ds *DocSet) UnregisterHandler(id HandlerID) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	for i, h := range ds.handlers {
		if h.id == id {
			ds.handlers = append(ds.handlers[:i:i], ds.handlers[i+1:]...)
			return
		}
	}
}

// registered reports whether id is still registered; a handler removed by an
// earlier handler during the same SetDoc is skipped.
func (ds *DocSet) registered(id HandlerID) bool {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	for _, h := range ds.handlers {
		if h.id == id {
			return true
		}
	}
	return false
}
