// Command peersync-node runs a peersync node: it serves the websocket sync
// endpoint, dials the configured peers and keeps documents in the configured
// store until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/c0deZ3R0/peersync/config"
	"github.com/c0deZ3R0/peersync/internal/node"
	"github.com/c0deZ3R0/peersync/logging"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a .yaml or .toml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "peersync-node: %v\n", err)
		os.Exit(2)
	}
	logging.Init(cfg.Log)
	logger := logging.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(cfg, logger)
	if err != nil {
		logger.LogError(ctx, err, "failed to start node")
		os.Exit(1)
	}
	if err := n.Run(ctx); err != nil {
		logger.LogError(ctx, err, "node failed", slog.String("peer_id", cfg.PeerID))
		os.Exit(1)
	}
}
