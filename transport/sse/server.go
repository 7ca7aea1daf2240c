// Package sse publishes document changes to HTTP observers as a stream of
// server-sent events. It is one-way: observers learn which documents changed
// and their new heads, and fetch content through their own peer if they need
// it.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/c0deZ3R0/peersync"
	kiterr "github.com/c0deZ3R0/peersync/errors"
	"github.com/c0deZ3R0/peersync/logging"
)

// EventChange is the SSE event name of a Change.
const EventChange = "change"

// Change announces a new state of one document.
type Change struct {
	Seq   uint64   `json:"seq"`
	DocID string   `json:"doc_id"`
	Heads []string `json:"heads"`
}

// Source delivers document changes. *peersync.Engine implements it.
type Source interface {
	Subscribe(fn peersync.SetHandler) (unsubscribe func())
	SubscribeDoc(docID string, fn peersync.DocHandler) (unsubscribe func())
}

// Server streams changes from a Source. Create it with NewServer.
type Server struct {
	Source Source
	Logger *logging.Logger

	// Buffer is how many changes may wait for a slow observer before its
	// stream is ended.
	Buffer int
	// Heartbeat is the interval of keepalive comments.
	Heartbeat time.Duration

	seq       atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates a feed over src with default settings
func NewServer(src Source, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{
		Source:    src,
		Logger:    logger.WithComponent(logging.Component("transport/sse")),
		Buffer:    256,
		Heartbeat: 15 * time.Second,
		done:      make(chan struct{}),
	}
}

// Close ends every open stream. Later requests get 503.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Handler streams changes until the client goes away. The optional "doc"
// query parameter restricts the stream to one document.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		select {
		case <-s.done:
			http.Error(w, "feed closed", http.StatusServiceUnavailable)
			return
		default:
		}
		only := r.URL.Query().Get("doc")

		changes := make(chan Change, s.Buffer)
		overflow := make(chan struct{})
		var overflowed atomic.Bool
		publish := func(docID string, doc *automerge.Doc) {
			c := Change{Seq: s.seq.Add(1), DocID: docID, Heads: headStrings(doc)}
			select {
			case changes <- c:
			default:
				if overflowed.CompareAndSwap(false, true) {
					close(overflow)
				}
			}
		}
		var unsubscribe func()
		if only != "" {
			unsubscribe = s.Source.SubscribeDoc(only, func(doc *automerge.Doc) { publish(only, doc) })
		} else {
			unsubscribe = s.Source.Subscribe(publish)
		}
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		heartbeat := time.NewTicker(s.Heartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-s.done:
				return
			case <-overflow:
				e := kiterr.E(kiterr.Op("sse.Handler"), kiterr.Component("transport/sse"), kiterr.KindUnavailable, "observer too slow")
				s.Logger.Warn("ending change stream", slog.String("error", e.Error()))
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case c := <-changes:
				b, err := json.Marshal(c)
				if err != nil {
					s.Logger.Error("failed to encode change", slog.String("error", err.Error()))
					return
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", EventChange, b)
				flusher.Flush()
			}
		}
	})
}

func headStrings(doc *automerge.Doc) []string {
	heads := doc.Heads()
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	return out
}
