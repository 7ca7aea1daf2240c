// Package node assembles a runnable peersync node from its configuration:
// document store, websocket peer, engine and HTTP server.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/automerge/automerge-go"
	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/peersync"
	"github.com/c0deZ3R0/peersync/codec"
	"github.com/c0deZ3R0/peersync/config"
	kiterr "github.com/c0deZ3R0/peersync/errors"
	"github.com/c0deZ3R0/peersync/logging"
	"github.com/c0deZ3R0/peersync/storage/postgres"
	"github.com/c0deZ3R0/peersync/storage/sqlite"
	"github.com/c0deZ3R0/peersync/transport/sse"
	"github.com/c0deZ3R0/peersync/transport/websocket"
)

// Node is one peersync process.
type Node struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   peersync.DocStore
	peer    *websocket.Peer
	engine  *peersync.Engine
	feed    *sse.Server
	metrics *Counters
}

// New opens storage and starts the engine. Nothing listens until Run.
func New(cfg *config.Config, logger *logging.Logger) (*Node, error) {
	if logger == nil {
		logger = logging.Default()
	}
	n := &Node{
		cfg:     cfg,
		logger:  logger.WithComponent(logging.Component("node")),
		metrics: &Counters{},
	}

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	n.store = store

	dir, err := websocket.NewStaticDirectory(cfg.Peers)
	if err != nil {
		n.closeStore()
		return nil, err
	}
	n.peer, err = websocket.NewPeer(cfg.PeerID, dir,
		websocket.WithLogger(logger),
		websocket.WithConfig(websocket.Config{
			HandshakeTimeout: cfg.Session.HandshakeTimeout,
			WriteTimeout:     cfg.Session.WriteTimeout,
			PongWait:         cfg.Session.PongWait,
			MaxMessageSize:   cfg.Session.MaxMessageSize,
		}),
	)
	if err != nil {
		n.closeStore()
		return nil, err
	}

	wire, err := codec.Lookup(cfg.Codec)
	if err != nil {
		n.closeStore()
		return nil, err
	}
	opts := []peersync.Option{
		peersync.WithCodec(wire),
		peersync.WithLogger(logger),
		peersync.WithMetrics(n.metrics),
		peersync.WithActorID(cfg.ActorID),
	}
	if n.store != nil {
		opts = append(opts, peersync.WithStore(n.store))
	}
	n.engine, err = peersync.New(n.peer, opts...)
	if err != nil {
		n.peer.Close()
		n.closeStore()
		return nil, err
	}
	n.engine.Subscribe(n.logChange)
	n.feed = sse.NewServer(n.engine, logger)
	return n, nil
}

func openStore(cfg config.StorageConfig, logger *logging.Logger) (peersync.DocStore, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		c := sqlite.DefaultConfig(cfg.DSN)
		c.Logger = logger
		s, err := sqlite.New(c)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		c := postgres.DefaultConfig(cfg.DSN)
		c.Logger = logger
		s, err := postgres.New(c)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "", config.DriverNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Engine returns the node's engine.
func (n *Node) Engine() *peersync.Engine { return n.engine }

// Metrics returns the node's counters.
func (n *Node) Metrics() *Counters { return n.metrics }

// Handler serves the websocket endpoint, a JSON status page at /healthz and
// the change feed at /changes.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(n.cfg.Path, n.peer)
	mux.HandleFunc("/healthz", n.serveHealth)
	mux.Handle("/changes", n.feed.Handler())
	return mux
}

type health struct {
	PeerID   string   `json:"peer_id"`
	Sessions []string `json:"sessions"`
	Counters Snapshot `json:"counters"`
}

func (n *Node) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health{
		PeerID:   n.cfg.PeerID,
		Sessions: n.engine.Sessions(),
		Counters: n.metrics.Snapshot(),
	})
}

// ConnectAll dials every peer in the connect list. Failures are logged; there
// is no retry.
func (n *Node) ConnectAll(ctx context.Context) {
	for _, id := range n.cfg.Connect {
		if _, err := n.engine.Connect(ctx, id); err != nil {
			n.logger.LogError(ctx, err, "failed to connect to peer",
				slog.String("peer_id", id),
				slog.Bool("transient", kiterr.IsRetryable(err)),
			)
			continue
		}
		n.logger.Info("connected to peer", slog.String("peer_id", id))
	}
}

// Run serves until ctx is cancelled, then shuts down and releases everything.
func (n *Node) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.ListenAddr)
	if err != nil {
		n.Close()
		return fmt.Errorf("listen %s: %w", n.cfg.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           n.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	n.logger.Info("listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("path", n.cfg.Path),
		slog.String("peer_id", n.cfg.PeerID),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		n.ConnectAll(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), n.cfg.ShutdownTimeout)
		defer cancel()
		n.Close()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	n.logger.Info("node stopped", slog.Any("counters", n.metrics.Snapshot()))
	return err
}

// Close stops the engine, the websocket peer and the store. Safe to call more
// than once.
func (n *Node) Close() {
	n.feed.Close()
	n.engine.Close()
	n.peer.Close()
	n.closeStore()
}

func (n *Node) closeStore() {
	if n.store == nil {
		return
	}
	if err := n.store.Close(); err != nil {
		n.logger.Warn("failed to close store", slog.String("error", err.Error()))
	}
}

func (n *Node) logChange(docID string, doc *automerge.Doc) {
	n.logger.Debug("document changed",
		slog.String("doc_id", docID),
		slog.Int("heads", len(doc.Heads())),
	)
}
