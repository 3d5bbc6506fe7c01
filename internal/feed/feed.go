// Package feed derives the set of ingestion workers from the truth
// document, launches and supervises them, and publishes the feed
// registries. Worker panics are recovered and the worker restarted
// within a bounded budget.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"chainfeed"
	"chainfeed/internal/bus"
	"chainfeed/internal/check"
	"chainfeed/internal/ingest"
	"chainfeed/internal/market"
	"chainfeed/internal/provider"
	"chainfeed/internal/rss"
	"chainfeed/internal/truth"
)

const (
	// Panicking workers restart at most this often before being left in
	// the failed state for manual intervention.
	maxRestartsPerHour = 3

	stopGrace = 5 * time.Second

	// stoppedTTL keeps a clean-shutdown status visible for one observer
	// window before it ages out.
	stoppedTTL = 15 * time.Second
)

// Bus is the slice of the bus client the orchestrator consumes. It is a
// superset of what the workers need, so one handle serves all of them.
type Bus interface {
	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// ProviderFactory builds a provider entry from its truth configuration.
type ProviderFactory func(cfg truth.DataProvider) (provider.Entry, error)

// Orchestrator owns the ingestion workers of one node.
type Orchestrator struct {
	bus       Bus
	clock     chainfeed.Clock
	doc       *truth.Document
	providers *provider.Registry
	factories map[string]ProviderFactory
	fetcher   rss.Fetcher

	workers []*supervised
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFetcher replaces the RSS fetcher.
func WithFetcher(f rss.Fetcher) Option {
	return func(o *Orchestrator) { o.fetcher = f }
}

// WithProviderFactory adds or replaces the factory for a provider name.
func WithProviderFactory(name string, f ProviderFactory) Option {
	return func(o *Orchestrator) { o.factories[name] = f }
}

// New creates an Orchestrator over a truth snapshot taken at startup.
func New(b Bus, clock chainfeed.Clock, doc *truth.Document, opts ...Option) *Orchestrator {
	check.Assert(b != nil, "feed.New: bus must not be nil")
	check.Assert(doc != nil, "feed.New: document must not be nil")
	o := &Orchestrator{
		bus:       b,
		clock:     clock,
		doc:       doc,
		providers: provider.NewRegistry(),
		factories: map[string]ProviderFactory{
			"polygon": func(cfg truth.DataProvider) (provider.Entry, error) {
				p, err := provider.NewPolygon(cfg)
				if err != nil {
					return provider.Entry{}, err
				}
				return provider.Entry{Provider: p, Normalize: provider.NormalizePolygon}, nil
			},
		},
		fetcher: rss.NewFetcher(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Providers returns the registry of connected providers.
func (o *Orchestrator) Providers() *provider.Registry { return o.providers }

// RegisterProviders connects every enabled data provider: builds its
// adapter, registers it, and writes its metadata and status keys. A
// provider that cannot be built is skipped; the others proceed.
func (o *Orchestrator) RegisterProviders(ctx context.Context) error {
	names := make([]string, 0, len(o.doc.Providers.DataProviders))
	for name := range o.doc.Providers.DataProviders {
		names = append(names, name)
	}
	sort.Strings(names)

	registered := 0
	for _, name := range names {
		cfg := o.doc.Providers.DataProviders[name]
		if !cfg.Enabled {
			continue
		}
		factory, ok := o.factories[name]
		if !ok {
			slog.Warn("no adapter for provider", "provider", name)
			continue
		}
		entry, err := factory(cfg)
		if err != nil {
			slog.Warn("provider setup failed", "provider", name, "err", err)
			continue
		}
		if err := o.providers.Register(entry); err != nil {
			return err
		}
		meta := map[string]any{
			"name":      name,
			"base_url":  cfg.BaseURL,
			"timestamp": o.now(),
		}
		if err := o.bus.SetJSON(ctx, chainfeed.KeyProviderMetadata(name), meta, bus.Persistent); err != nil {
			return fmt.Errorf("provider metadata %s: %w", name, err)
		}
		if err := o.bus.SetWithTTL(ctx, chainfeed.KeyProviderStatus(name), "connected", bus.Persistent); err != nil {
			return fmt.Errorf("provider status %s: %w", name, err)
		}
		registered++
		slog.Info("provider connected", "provider", name)
	}
	if registered == 0 && len(names) > 0 {
		return fmt.Errorf("no provider could be registered")
	}
	return nil
}

// StartChainWorkers evaluates market state per default symbol and spawns
// a raw chain worker for every valid one. Invalid symbols get a
// validation record and no worker.
func (o *Orchestrator) StartChainWorkers(ctx context.Context) {
	if !o.doc.ChainFeed.Raw.Enabled {
		slog.Info("raw chain ingestion disabled")
		return
	}
	entry, ok := o.defaultProvider()
	if !ok {
		slog.Warn("no provider registered, chain workers not started")
		return
	}
	for _, symbol := range o.doc.ChainFeed.DefaultSymbols {
		v := market.Validate(o.clock.Now(), symbol)
		o.writeValidation(ctx, symbol, v)
		if !v.Valid {
			slog.Info("market closed, chain worker skipped", "symbol", symbol, "reason", v.Reason)
			continue
		}
		w := ingest.NewChainWorker(o.bus, o.clock, symbol, entry, o.doc.RawInterval(), o.doc.RawTTL())
		o.spawn("chain:"+symbol, chainfeed.KeyFeedStatus(symbol), w.Run)
	}
}

// StartDiffWorker spawns the diff transformer over the default symbols.
func (o *Orchestrator) StartDiffWorker() {
	w := ingest.NewDiffWorker(o.bus, o.doc.ChainFeed.DefaultSymbols, o.doc.DiffInterval())
	o.spawn("diff", "", w.Run)
}

// StartSpotWorker spawns the synthetic spot computer when any synthetic
// is configured.
func (o *Orchestrator) StartSpotWorker() {
	if len(o.doc.ChainFeed.SyntheticIndexes) == 0 {
		return
	}
	w := ingest.NewSpotWorker(o.bus, o.clock, o.doc.ChainFeed.SyntheticIndexes)
	o.spawn("spot", "", w.Run)
}

// StartRSSWorkers spawns one worker per enabled RSS group.
func (o *Orchestrator) StartRSSWorkers() {
	groups := make([]string, 0, len(o.doc.Providers.RSSFeeds))
	for name := range o.doc.Providers.RSSFeeds {
		groups = append(groups, name)
	}
	sort.Strings(groups)
	for _, name := range groups {
		cfg := o.doc.Providers.RSSFeeds[name]
		if !cfg.Enabled {
			continue
		}
		w := rss.NewWorker(o.bus, o.clock, o.fetcher, name, cfg)
		o.spawn("rss:"+name, chainfeed.KeyRSSMetrics(name), w.Run)
	}
}

// PublishRegistry writes the active-feed registries.
func (o *Orchestrator) PublishRegistry(ctx context.Context) error {
	reg := map[string]any{
		"providers": o.providers.Names(),
		"symbols":   o.doc.ChainFeed.DefaultSymbols,
		"timestamp": o.now(),
	}
	if err := o.bus.SetJSON(ctx, chainfeed.KeyFeedRegistry, reg, bus.Persistent); err != nil {
		return fmt.Errorf("feed registry: %w", err)
	}

	var rssGroups []string
	for name, cfg := range o.doc.Providers.RSSFeeds {
		if cfg.Enabled {
			rssGroups = append(rssGroups, name)
		}
	}
	sort.Strings(rssGroups)
	rssReg := map[string]any{
		"groups":    rssGroups,
		"timestamp": o.now(),
	}
	if err := o.bus.SetJSON(ctx, chainfeed.KeyRSSRegistry, rssReg, bus.Persistent); err != nil {
		return fmt.Errorf("rss registry: %w", err)
	}
	return nil
}

// Stop signals every worker and joins each with a bounded grace period.
// A joined worker's status record is marked stopped; one that overstays
// is abandoned and logged, its last cycle status left in place.
func (o *Orchestrator) Stop() {
	ctx := context.Background()
	for _, s := range o.workers {
		s.cancel()
	}
	for _, s := range o.workers {
		select {
		case <-s.done:
			if !s.failed {
				o.writeStopped(ctx, s.statusKey)
			}
		case <-time.After(stopGrace):
			slog.Warn("worker did not stop within grace, abandoned", "worker", s.name)
		}
	}
	o.workers = nil
}

func (o *Orchestrator) writeStopped(ctx context.Context, statusKey string) {
	if statusKey == "" {
		return
	}
	status := chainfeed.WorkerStatus{
		State:     chainfeed.WorkerStopped,
		Timestamp: o.now(),
	}
	if err := o.bus.SetJSON(ctx, statusKey, status, stoppedTTL); err != nil {
		slog.Warn("stopped-state write failed", "key", statusKey, "err", err)
	}
}

func (o *Orchestrator) defaultProvider() (provider.Entry, bool) {
	names := o.providers.Names()
	if len(names) == 0 {
		return provider.Entry{}, false
	}
	return o.providers.Get(names[0])
}

func (o *Orchestrator) writeValidation(ctx context.Context, symbol string, v market.Validation) {
	record := map[string]any{
		"valid":     v.Valid,
		"reason":    v.Reason,
		"timestamp": o.now(),
	}
	if err := o.bus.SetJSON(ctx, chainfeed.KeyFeedValidation(symbol), record, bus.Persistent); err != nil {
		slog.Warn("validation write failed", "symbol", symbol, "err", err)
	}
}

func (o *Orchestrator) now() string {
	return o.clock.Now().UTC().Format(time.RFC3339Nano)
}
