// Package node composes one chainfeed node: the ordered startup
// sequence, the supervision of core services and ingestion workers, and
// the graceful shutdown path. Components converge through the bus; the
// node owns the only bus handle and closes it exactly once.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"chainfeed"
	"chainfeed/internal/bus"
	"chainfeed/internal/check"
	"chainfeed/internal/feed"
	"chainfeed/internal/group"
	"chainfeed/internal/mesh"
	"chainfeed/internal/signal/ntp"
	"chainfeed/internal/truth"
)

const defaultShutdownGrace = 5 * time.Second

// Bus is the full bus surface the node and its components share.
// *bus.Client satisfies it in production.
type Bus interface {
	Ping(ctx context.Context) error
	Close() error
	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	HGetAll(ctx context.Context, hash string) (map[string]string, error)
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) (<-chan bus.Message, error)
	Atomic(ctx context.Context, fn func(p bus.Pipeline) error) error
	UsePolicy(p bus.TTLPolicy)
}

// Config carries the node's startup parameters.
type Config struct {
	// SeedPaths override the default truth seed search list.
	SeedPaths []string
	// Version is the build version stamped into heartbeats.
	Version string
	// ShutdownGrace is the delay between stopping ingest workers and
	// stopping core services. Zero reads SHUTDOWN_GRACE_DELAY, then 5s.
	ShutdownGrace time.Duration
}

// Node is one running chainfeed instance.
type Node struct {
	bus      Bus
	clock    chainfeed.Clock
	cfg      Config
	board    *statusBoard
	groups   *group.Registry
	offsets  mesh.OffsetSource
	feedOpts []feed.Option

	identity  chainfeed.Identity
	truth     *truth.Service
	emitter   *mesh.Emitter
	watcher   *mesh.Watcher
	feed      *feed.Orchestrator
	ntpCancel context.CancelFunc
	started   chan struct{}
}

// Option configures a Node.
type Option func(*Node)

// WithClock replaces the wall clock.
func WithClock(c chainfeed.Clock) Option {
	return func(n *Node) { n.clock = c }
}

// WithOffsetSource replaces the NTP checker as the heartbeat clock
// offset source.
func WithOffsetSource(s mesh.OffsetSource) Option {
	return func(n *Node) { n.offsets = s }
}

// WithGroupRegistry replaces the groups.yaml lookup.
func WithGroupRegistry(r *group.Registry) Option {
	return func(n *Node) { n.groups = r }
}

// WithFeedOptions passes options through to the feed orchestrator.
func WithFeedOptions(opts ...feed.Option) Option {
	return func(n *Node) { n.feedOpts = append(n.feedOpts, opts...) }
}

// New creates a Node over the given bus handle.
func New(b Bus, cfg Config, opts ...Option) *Node {
	check.Assert(b != nil, "node.New: bus must not be nil")
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = graceFromEnv()
	}
	n := &Node{
		bus:     b,
		clock:   chainfeed.RealClock{},
		cfg:     cfg,
		board:   newStatusBoard(),
		started: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Identity returns the resolved node identity. Valid after Start.
func (n *Node) Identity() chainfeed.Identity { return n.identity }

// Truth returns the truth service. Valid after Start.
func (n *Node) Truth() *truth.Service { return n.truth }

// Started closes once startup has completed.
func (n *Node) Started() <-chan struct{} { return n.started }

// Run starts the node, blocks until ctx is cancelled, then shuts down.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	slog.Info("termination signal received")
	return n.Shutdown(context.Background())
}

// Start walks the ordered startup phases. A bus or core-services failure
// aborts with an error; later phases degrade to a partial state instead.
func (n *Node) Start(ctx context.Context) error {
	// Phase 1: the bus must answer before anything else runs.
	if err := n.bus.Ping(ctx); err != nil {
		return fmt.Errorf("bus unreachable: %w", err)
	}
	n.board.set("bus", StatusOK)
	n.publishPhase(ctx, PhaseRedisConnected)

	if err := n.startCore(ctx); err != nil {
		return fmt.Errorf("core services: %w", err)
	}
	n.publishPhase(ctx, PhaseCoreServices)

	// Feed service and below never abort startup; failures surface as
	// partial state on the status key.
	n.feed = feed.New(n.bus, n.clock, n.truth.Get(), n.feedOpts...)
	if err := n.feed.RegisterProviders(ctx); err != nil {
		slog.Error("provider registration failed", "err", err)
		n.board.set("feed", StatusError)
	} else {
		n.board.set("feed", StatusOK)
		n.feed.StartChainWorkers(ctx)
	}
	n.publishPhase(ctx, PhaseFeedService)

	n.feed.StartDiffWorker()
	n.board.set("diff", StatusActive)
	n.publishPhase(ctx, PhaseDiffTransform)

	n.feed.StartRSSWorkers()
	n.board.set("rss", rssStatus(n.truth.Get()))
	n.publishPhase(ctx, PhaseRSSFeeds)

	n.feed.StartSpotWorker()
	if len(n.truth.Get().ChainFeed.SyntheticIndexes) > 0 {
		n.board.set("synthetic_spot", StatusActive)
	} else {
		n.board.set("synthetic_spot", StatusSkipped)
	}
	n.publishPhase(ctx, PhaseSyntheticSpot)

	announced, err := n.initEntityBridge(ctx)
	switch {
	case err != nil:
		slog.Error("entity bridge failed", "err", err)
		n.board.set("entity_bridge", StatusError)
	case announced:
		n.board.set("entity_bridge", StatusOK)
	default:
		n.board.set("entity_bridge", StatusSkipped)
	}
	n.publishPhase(ctx, PhaseEntityBridge)

	if err := n.feed.PublishRegistry(ctx); err != nil {
		slog.Error("registry publication failed", "err", err)
		n.board.set("registry", StatusError)
	} else {
		n.board.set("registry", StatusOK)
	}
	n.publishPhase(ctx, PhaseRuntime)

	n.publishPhase(ctx, PhaseComplete)
	close(n.started)
	return nil
}

// startCore brings up the truth service and the heartbeat pair. Any
// failure here is fatal to startup.
func (n *Node) startCore(ctx context.Context) error {
	doc, err := truth.LoadSeed(n.cfg.SeedPaths...)
	if err != nil {
		return err
	}

	if n.groups == nil {
		reg, err := group.LoadDefault()
		if err != nil {
			slog.Warn("group registry unreadable, using truth defaults", "err", err)
		} else {
			n.groups = reg
		}
	}
	n.identity = resolveIdentity(doc, n.groups)
	slog.Info("node identity resolved", "node_id", n.identity.NodeID, "groups", n.identity.Groups)

	n.truth = truth.NewService(n.bus, n.clock, n.identity.NodeID, doc)
	if err := n.truth.SyncWithBus(ctx); err != nil {
		return err
	}
	if err := n.truth.Start(); err != nil {
		return err
	}
	n.board.set("truth", StatusOK)

	if n.offsets == nil {
		checker := ntp.NewChecker(n.clock)
		ntpCtx, cancel := context.WithCancel(context.Background())
		n.ntpCancel = cancel
		go checker.Run(ntpCtx)
		n.offsets = checker
	}

	// The synced document may carry different intervals than the seed.
	doc = n.truth.Get()
	ttl := doc.MaxHeartbeatAge()
	// Policy-governed keys, heartbeats above all, must expire on the
	// document's schedule rather than the construction-time default.
	n.bus.UsePolicy(bus.DefaultPolicy(ttl))
	n.emitter = mesh.NewEmitter(n.bus, n.clock, mesh.EmitterConfig{
		Identity: n.identity,
		Version:  n.cfg.Version,
		Symbols:  groupSymbols(doc, n.groups, n.identity),
		Interval: doc.HeartbeatInterval(),
		TTL:      ttl,
		Offsets:  n.offsets,
	})
	n.emitter.Start()
	n.board.set("heartbeat", StatusOK)

	n.watcher = mesh.NewWatcher(n.bus, n.clock, n.identity.NodeID, doc.HeartbeatInterval(), ttl)
	n.watcher.Start()
	n.board.set("mesh", StatusOK)
	return nil
}

// Shutdown tears the node down in reverse order: announce, final
// heartbeat, stop ingest, grace delay, stop core, close the bus.
func (n *Node) Shutdown(ctx context.Context) error {
	slog.Info("shutdown started", "node_id", n.identity.NodeID)

	alert, err := json.Marshal(map[string]string{
		"type":      "shutdown",
		"node_id":   n.identity.NodeID,
		"timestamp": n.clock.Now().UTC().Format(time.RFC3339Nano),
	})
	if err == nil {
		if err := n.bus.Publish(ctx, chainfeed.ChannelSystemAlert, string(alert)); err != nil {
			slog.Warn("shutdown alert failed", "err", err)
		}
	}

	if n.emitter != nil {
		if err := n.emitter.EmitShutdown(ctx); err != nil {
			slog.Warn("final heartbeat failed", "err", err)
		}
	}

	if n.feed != nil {
		n.feed.Stop()
	}

	// Observers get one window to see the shutting_down state before
	// the heartbeats stop refreshing.
	time.Sleep(n.cfg.ShutdownGrace)

	if n.watcher != nil {
		n.watcher.Stop()
	}
	if n.emitter != nil {
		n.emitter.Stop()
	}
	if n.truth != nil {
		n.truth.Stop()
	}
	if n.ntpCancel != nil {
		n.ntpCancel()
	}

	if err := n.bus.Close(); err != nil {
		return fmt.Errorf("bus close: %w", err)
	}
	slog.Info("shutdown complete", "node_id", n.identity.NodeID)
	return nil
}

func rssStatus(doc *truth.Document) string {
	for _, cfg := range doc.Providers.RSSFeeds {
		if cfg.Enabled {
			return StatusActive
		}
	}
	return StatusSkipped
}

// graceFromEnv reads SHUTDOWN_GRACE_DELAY as a duration or a number of
// seconds.
func graceFromEnv() time.Duration {
	raw := os.Getenv("SHUTDOWN_GRACE_DELAY")
	if raw == "" {
		return defaultShutdownGrace
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if sec, err := strconv.Atoi(raw); err == nil && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return defaultShutdownGrace
}
