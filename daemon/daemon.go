// Package daemon wires the bus client and node together for the
// long-running chainfeedd process.
package daemon

import (
	"context"
	"log/slog"

	"chainfeed/internal/bus"
	"chainfeed/node"

	"golang.org/x/sync/errgroup"
)

// Config carries the process-level settings the CLI resolves.
type Config struct {
	// BusAddr is the Redis host:port.
	BusAddr string
	// SeedPaths override the default truth seed search list.
	SeedPaths []string
	// Version is the build version stamped into heartbeats.
	Version string
}

// Run starts a node over a fresh bus connection and blocks until ctx is
// cancelled, then drives the graceful shutdown sequence. The node owns
// the bus handle and closes it on the way out.
func Run(ctx context.Context, cfg Config) error {
	b := bus.New(cfg.BusAddr)
	n := node.New(b, node.Config{
		SeedPaths: cfg.SeedPaths,
		Version:   cfg.Version,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting node.", "bus", cfg.BusAddr)

		go func() {
			select {
			case <-n.Started():
				slog.Info("Node ready.", "node_id", n.Identity().NodeID)
			case <-ctx.Done():
			}
		}()

		return n.Run(ctx)
	})
	return g.Wait()
}
