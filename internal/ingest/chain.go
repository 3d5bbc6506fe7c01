// Package ingest holds the long-lived ingestion workers: the per-symbol
// raw chain fetcher, the diff transformer, and the synthetic spot
// computer. Workers never propagate cycle errors upward; they publish
// state and carry on.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"chainfeed"
	"chainfeed/internal/check"
	"chainfeed/internal/provider"
)

const (
	// Consecutive failed cycles before a chain worker reports degraded.
	degradedThreshold = 3

	statusTTL = 15 * time.Second
)

// ChainWorker fetches one symbol's option chain from one provider and
// publishes the normalized frame. Single writer per symbol: raw chain
// writes are strictly ordered.
type ChainWorker struct {
	bus      Bus
	clock    chainfeed.Clock
	symbol   string
	source   provider.Entry
	interval time.Duration
	ttl      time.Duration

	failures int
	state    chainfeed.WorkerState
}

// NewChainWorker creates a worker for symbol backed by the given
// provider entry.
func NewChainWorker(b Bus, clock chainfeed.Clock, symbol string, src provider.Entry, interval, ttl time.Duration) *ChainWorker {
	check.Assert(b != nil, "ingest.NewChainWorker: bus must not be nil")
	check.Assert(symbol != "", "ingest.NewChainWorker: symbol must not be empty")
	check.Assert(interval > 0, "ingest.NewChainWorker: interval must be positive")
	return &ChainWorker{
		bus:      b,
		clock:    clock,
		symbol:   symbol,
		source:   src,
		interval: interval,
		ttl:      ttl,
		state:    chainfeed.WorkerActive,
	}
}

// Symbol returns the worker's symbol.
func (w *ChainWorker) Symbol() string { return w.symbol }

// State returns the worker's current lifecycle state.
func (w *ChainWorker) State() chainfeed.WorkerState { return w.state }

// Run executes the fetch loop until ctx is cancelled. The first cycle
// runs immediately.
func (w *ChainWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.CycleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.CycleOnce(ctx)
		}
	}
}

// CycleOnce runs one fetch-normalize-publish cycle. Errors are counted,
// not returned: the previous frame stays on the bus under its TTL and
// three consecutive failures flip the state to degraded.
func (w *ChainWorker) CycleOnce(ctx context.Context) {
	count, err := w.cycle(ctx)
	if err != nil {
		w.failures++
		if w.failures >= degradedThreshold {
			w.state = chainfeed.WorkerDegraded
		}
		slog.Warn("chain cycle failed",
			"symbol", w.symbol, "consecutive", w.failures, "state", w.state, "err", err)
		w.publishStatus(ctx, 0, err.Error())
		return
	}
	w.failures = 0
	w.state = chainfeed.WorkerActive
	w.publishStatus(ctx, count, "")
}

func (w *ChainWorker) cycle(ctx context.Context) (int, error) {
	payload, err := w.source.Provider.FetchChain(ctx, w.symbol)
	if err != nil {
		return 0, err
	}
	contracts, dropped, err := w.source.Normalize(payload)
	if err != nil {
		return 0, err
	}
	if dropped > 0 {
		slog.Debug("malformed contracts dropped", "symbol", w.symbol, "dropped", dropped)
	}

	frame := chainfeed.NewChain(w.symbol, w.source.Provider.Name(), w.clock.Now(), contracts)
	data, err := frame.Serialize()
	if err != nil {
		return 0, err
	}
	if err := w.bus.SetWithTTL(ctx, chainfeed.KeyChainRaw(w.symbol), string(data), w.ttl); err != nil {
		return 0, err
	}
	return frame.Count, nil
}

func (w *ChainWorker) publishStatus(ctx context.Context, count int, reason string) {
	status := chainfeed.WorkerStatus{
		State:     w.state,
		ItemCount: count,
		Timestamp: w.clock.Now().UTC().Format(time.RFC3339Nano),
		Reason:    reason,
	}
	if err := w.bus.SetJSON(ctx, chainfeed.KeyFeedStatus(w.symbol), status, statusTTL); err != nil {
		slog.Warn("status write failed", "symbol", w.symbol, "err", err)
	}
}
