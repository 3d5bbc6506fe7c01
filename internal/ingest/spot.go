package ingest

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"chainfeed"
	"chainfeed/internal/bus"
	"chainfeed/internal/check"
	"chainfeed/internal/market"
	"chainfeed/internal/truth"
)

const (
	spotInterval = 10 * time.Second
	spotTTL      = 15 * time.Second
)

// SpotValidation is the per-synthetic validation record written each
// cycle: ok when a quote was published, skipped when the market is
// closed, partial when component snapshots are missing.
type SpotValidation struct {
	Status    string   `json:"status"` // ok, skipped, partial
	Reason    string   `json:"reason,omitempty"`
	Missing   []string `json:"missing,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// SpotWorker computes configured synthetic index spots as weighted sums
// of component snapshot spots.
type SpotWorker struct {
	bus    Bus
	clock  chainfeed.Clock
	synths map[string]truth.SyntheticIndex
}

// NewSpotWorker creates the synthetic spot computer.
func NewSpotWorker(b Bus, clock chainfeed.Clock, synths map[string]truth.SyntheticIndex) *SpotWorker {
	check.Assert(b != nil, "ingest.NewSpotWorker: bus must not be nil")
	return &SpotWorker{bus: b, clock: clock, synths: synths}
}

// Run executes the computation loop until ctx is cancelled.
func (w *SpotWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(spotInterval)
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

// CycleOnce evaluates every configured synthetic once.
func (w *SpotWorker) CycleOnce(ctx context.Context) {
	names := make([]string, 0, len(w.synths))
	for name := range w.synths {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		w.compute(ctx, name, w.synths[name])
	}
}

func (w *SpotWorker) compute(ctx context.Context, name string, idx truth.SyntheticIndex) {
	now := w.clock.Now()

	if v := market.Validate(now, name); !v.Valid {
		w.writeValidation(ctx, name, SpotValidation{Status: "skipped", Reason: v.Reason})
		return
	}

	var sum float64
	var missing []string
	for _, comp := range idx.Components {
		spot, ok := w.componentSpot(ctx, comp.Symbol)
		if !ok {
			missing = append(missing, comp.Symbol)
			continue
		}
		sum += comp.Weight * comp.Multiplier * spot
	}
	if len(missing) > 0 {
		w.writeValidation(ctx, name, SpotValidation{
			Status:  "partial",
			Reason:  "missing component snapshots",
			Missing: missing,
		})
		return
	}

	quote := chainfeed.SpotQuote{
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Symbol:    name,
		Spot:      math.Round(sum*100) / 100,
		Source:    "synthetic",
	}
	if err := w.bus.SetJSON(ctx, chainfeed.KeySpot(name), quote, spotTTL); err != nil {
		slog.Warn("spot write failed", "synthetic", name, "err", err)
		return
	}
	w.writeValidation(ctx, name, SpotValidation{Status: "ok"})
}

func (w *SpotWorker) componentSpot(ctx context.Context, symbol string) (float64, bool) {
	raw, err := w.bus.Get(ctx, chainfeed.KeyFeedSnapshot(symbol))
	if err != nil {
		if !errors.Is(err, bus.ErrNotFound) {
			slog.Warn("component snapshot read failed", "symbol", symbol, "err", err)
		}
		return 0, false
	}
	v := gjson.Get(raw, "spot")
	if !v.Exists() || v.Type != gjson.Number {
		return 0, false
	}
	return v.Float(), true
}

func (w *SpotWorker) writeValidation(ctx context.Context, name string, v SpotValidation) {
	v.Timestamp = w.clock.Now().UTC().Format(time.RFC3339Nano)
	if err := w.bus.SetJSON(ctx, chainfeed.KeyFeedValidation(name), v, bus.Persistent); err != nil {
		slog.Warn("validation write failed", "synthetic", name, "err", err)
	}
}
