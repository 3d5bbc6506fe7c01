package ingest_test

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"chainfeed"
	"chainfeed/internal/adapter/fake"
	"chainfeed/internal/bus"
	"chainfeed/internal/ingest"
	"chainfeed/internal/truth"
)

// Tuesday 18:00 UTC = 14:00 US/Eastern, mid-session.
var openSession = time.Date(2025, 6, 3, 18, 0, 0, 0, time.UTC)

func spxSynth() map[string]truth.SyntheticIndex {
	return map[string]truth.SyntheticIndex{
		"SPX": {Components: []truth.SyntheticComponent{
			{Symbol: "SPY", Weight: 1, Multiplier: 10},
			{Symbol: "ES", Weight: 0.5, Multiplier: 1},
		}},
	}
}

func writeSnapshot(t *testing.T, b *fake.Bus, symbol string, spot float64) {
	t.Helper()
	err := b.SetJSON(context.Background(), chainfeed.KeyFeedSnapshot(symbol),
		map[string]any{"symbol": symbol, "spot": spot}, 15*time.Second)
	if err != nil {
		t.Fatal(err)
	}
}

func readValidation(t *testing.T, b *fake.Bus, name string) ingest.SpotValidation {
	t.Helper()
	raw, err := b.Get(context.Background(), chainfeed.KeyFeedValidation(name))
	if err != nil {
		t.Fatalf("validation key: %v", err)
	}
	var v ingest.SpotValidation
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestSpotWorker_ComputesWeightedSum(t *testing.T) {
	clock := fake.NewClock(openSession)
	b := fake.NewBus(clock)
	ctx := context.Background()

	writeSnapshot(t, b, "SPY", 596.333)
	writeSnapshot(t, b, "ES", 5970.5)

	w := ingest.NewSpotWorker(b, clock, spxSynth())
	w.CycleOnce(ctx)

	raw, err := b.Get(ctx, chainfeed.KeySpot("SPX"))
	if err != nil {
		t.Fatalf("spot key: %v", err)
	}
	var q chainfeed.SpotQuote
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		t.Fatal(err)
	}
	// 1*10*596.333 + 0.5*1*5970.5 = 8948.58, rounded to 2 decimals.
	if q.Spot != 8948.58 {
		t.Errorf("spot = %v, want 8948.58", q.Spot)
	}
	if q.Symbol != "SPX" || q.Source != "synthetic" {
		t.Errorf("quote = %+v", q)
	}
	if ttl, err := b.TTL(ctx, chainfeed.KeySpot("SPX")); err != nil || ttl != 15*time.Second {
		t.Errorf("spot TTL = %v (%v), want 15s", ttl, err)
	}
	if v := readValidation(t, b, "SPX"); v.Status != "ok" {
		t.Errorf("validation = %+v, want ok", v)
	}
}

func TestSpotWorker_PartialWhenComponentMissing(t *testing.T) {
	clock := fake.NewClock(openSession)
	b := fake.NewBus(clock)
	ctx := context.Background()

	writeSnapshot(t, b, "SPY", 596.0)
	// ES snapshot absent.

	w := ingest.NewSpotWorker(b, clock, spxSynth())
	w.CycleOnce(ctx)

	if _, err := b.Get(ctx, chainfeed.KeySpot("SPX")); err != bus.ErrNotFound {
		t.Errorf("spot published despite missing component, err = %v", err)
	}
	v := readValidation(t, b, "SPX")
	if v.Status != "partial" || !reflect.DeepEqual(v.Missing, []string{"ES"}) {
		t.Errorf("validation = %+v, want partial with [ES]", v)
	}
}

func TestSpotWorker_SkipsClosedMarket(t *testing.T) {
	// Saturday.
	clock := fake.NewClock(time.Date(2025, 6, 7, 18, 0, 0, 0, time.UTC))
	b := fake.NewBus(clock)
	ctx := context.Background()

	writeSnapshot(t, b, "SPY", 596.0)
	writeSnapshot(t, b, "ES", 5970.0)

	w := ingest.NewSpotWorker(b, clock, spxSynth())
	w.CycleOnce(ctx)

	if _, err := b.Get(ctx, chainfeed.KeySpot("SPX")); err != bus.ErrNotFound {
		t.Errorf("spot published on a weekend, err = %v", err)
	}
	v := readValidation(t, b, "SPX")
	if v.Status != "skipped" || v.Reason == "" {
		t.Errorf("validation = %+v, want skipped with reason", v)
	}
}
