package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"chainfeed"
	"chainfeed/internal/bus"
	"chainfeed/internal/check"
)

const diffTTL = 20 * time.Second

// DiffWorker derives per-symbol change frames from successive full
// chains. One worker serves every symbol; cycles per symbol are
// independent and a missing frame just skips that symbol.
type DiffWorker struct {
	bus      Bus
	symbols  []string
	interval time.Duration
	epsilon  float64
}

// NewDiffWorker creates the diff transformer for symbols.
func NewDiffWorker(b Bus, symbols []string, interval time.Duration) *DiffWorker {
	check.Assert(b != nil, "ingest.NewDiffWorker: bus must not be nil")
	check.Assert(interval > 0, "ingest.NewDiffWorker: interval must be positive")
	return &DiffWorker{bus: b, symbols: symbols, interval: interval}
}

// Run executes the diff loop until ctx is cancelled.
func (w *DiffWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.CycleOnce(ctx)
		}
	}
}

// CycleOnce diffs every symbol once.
func (w *DiffWorker) CycleOnce(ctx context.Context) {
	for _, sym := range w.symbols {
		if ctx.Err() != nil {
			return
		}
		if err := w.diffSymbol(ctx, sym); err != nil {
			slog.Warn("diff cycle failed", "symbol", sym, "err", err)
		}
	}
}

// diffSymbol computes and publishes one symbol's diff. A missing full or
// prev frame is not an error: cold starts intentionally emit no diff.
func (w *DiffWorker) diffSymbol(ctx context.Context, symbol string) error {
	fullRaw, err := w.bus.Get(ctx, chainfeed.KeyChainFull(symbol))
	if err != nil {
		if errors.Is(err, bus.ErrNotFound) {
			return nil
		}
		return err
	}
	prevRaw, err := w.bus.Get(ctx, chainfeed.KeyChainPrev(symbol))
	if err != nil {
		if errors.Is(err, bus.ErrNotFound) {
			// Seed prev so the next cycle has a window.
			return w.bus.SetWithTTL(ctx, chainfeed.KeyChainPrev(symbol), fullRaw, diffTTL)
		}
		return err
	}

	current, err := chainfeed.DeserializeChain([]byte(fullRaw))
	if err != nil {
		return err
	}
	prev, err := chainfeed.DeserializeChain([]byte(prevRaw))
	if err != nil {
		return err
	}
	if prev.FrameTS == current.FrameTS {
		// Full frame unchanged since the last cycle; nothing to emit.
		return nil
	}

	diff, err := chainfeed.ComputeDiff(prev, current, w.epsilon)
	if err != nil {
		return err
	}
	data, err := json.Marshal(diff)
	if err != nil {
		return err
	}
	if err := w.bus.SetWithTTL(ctx, chainfeed.KeyChainDiff(symbol), string(data), diffTTL); err != nil {
		return err
	}
	return w.bus.SetWithTTL(ctx, chainfeed.KeyChainPrev(symbol), fullRaw, diffTTL)
}
