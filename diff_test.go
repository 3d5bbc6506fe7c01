package chainfeed

import (
	"encoding/json"
	"testing"
)

func fp(f float64) *float64 { return &f }
func ip(i int64) *int64     { return &i }

func frame(symbol, ts string, contracts ...OptionContract) Chain {
	return Chain{Symbol: symbol, Source: "polygon", FrameTS: ts, Count: len(contracts), Contracts: contracts}
}

func TestComputeDiff_AddedChanged(t *testing.T) {
	prev := frame("SPX", "2025-01-17T14:00:00Z",
		OptionContract{ContractType: Call, Strike: 100, Expiry: "2025-01-17", Bid: fp(1.0)},
	)
	cur := frame("SPX", "2025-01-17T14:00:05Z",
		OptionContract{ContractType: Call, Strike: 100, Expiry: "2025-01-17", Bid: fp(1.5)},
		OptionContract{ContractType: Put, Strike: 100, Expiry: "2025-01-17", Bid: fp(2.0)},
	)

	d, err := ComputeDiff(prev, cur, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Added) != 1 || d.Added[0].ContractType != Put {
		t.Errorf("added = %v, want one put", d.Added)
	}
	if len(d.Removed) != 0 {
		t.Errorf("removed = %v, want none", d.Removed)
	}
	if len(d.Changed) != 1 {
		t.Fatalf("changed = %v, want one entry", d.Changed)
	}
	ch, ok := d.Changed[0].FieldChanges["bid"]
	if !ok {
		t.Fatalf("field_changes = %v, want bid", d.Changed[0].FieldChanges)
	}
	if ch.Old != 1.0 || ch.New != 1.5 {
		t.Errorf("bid change = %v -> %v, want 1.0 -> 1.5", ch.Old, ch.New)
	}
}

func TestComputeDiff_Removed(t *testing.T) {
	prev := frame("SPX", "2025-01-17T14:00:00Z",
		OptionContract{ContractType: Call, Strike: 100, Expiry: "2025-01-17"},
		OptionContract{ContractType: Call, Strike: 105, Expiry: "2025-01-17"},
	)
	cur := frame("SPX", "2025-01-17T14:00:05Z",
		OptionContract{ContractType: Call, Strike: 100, Expiry: "2025-01-17"},
	)

	d, err := ComputeDiff(prev, cur, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Removed) != 1 || d.Removed[0].Strike != 105 {
		t.Errorf("removed = %v, want strike 105", d.Removed)
	}
}

func TestComputeDiff_RejectsNonIncreasingWindow(t *testing.T) {
	a := frame("SPX", "2025-01-17T14:00:05Z")
	b := frame("SPX", "2025-01-17T14:00:00Z")
	if _, err := ComputeDiff(a, b, 0); err == nil {
		t.Fatal("expected error for non-increasing frame window")
	}
	if _, err := ComputeDiff(a, a, 0); err == nil {
		t.Fatal("expected error for equal frame timestamps")
	}
}

func TestComputeDiff_MixedPrecisionTimestamps(t *testing.T) {
	// A whole-second stamp followed by a sub-second stamp is strictly
	// increasing even though the strings compare the other way around.
	a := frame("SPX", "2025-01-17T14:00:00Z")
	b := frame("SPX", "2025-01-17T14:00:00.5Z")
	d, err := ComputeDiff(a, b, 0)
	if err != nil {
		t.Fatalf("ComputeDiff() error = %v, want increasing window accepted", err)
	}
	if d.PrevTS != a.FrameTS || d.FrameTS != b.FrameTS {
		t.Errorf("window = (%s, %s)", d.PrevTS, d.FrameTS)
	}

	if _, err := ComputeDiff(b, a, 0); err == nil {
		t.Fatal("expected error for decreasing mixed-precision window")
	}
	if _, err := ComputeDiff(frame("SPX", "garbage"), b, 0); err == nil {
		t.Fatal("expected error for unparseable prev frame_ts")
	}
}

func TestComputeDiff_SymbolMismatch(t *testing.T) {
	a := frame("SPX", "2025-01-17T14:00:00Z")
	b := frame("NDX", "2025-01-17T14:00:05Z")
	if _, err := ComputeDiff(a, b, 0); err == nil {
		t.Fatal("expected error for symbol mismatch")
	}
}

func TestComputeDiff_EpsilonSuppressesNoise(t *testing.T) {
	prev := frame("SPX", "2025-01-17T14:00:00Z",
		OptionContract{ContractType: Call, Strike: 100, Expiry: "2025-01-17", IV: fp(0.2000)},
	)
	cur := frame("SPX", "2025-01-17T14:00:05Z",
		OptionContract{ContractType: Call, Strike: 100, Expiry: "2025-01-17", IV: fp(0.2004)},
	)

	d, err := ComputeDiff(prev, cur, 0.001)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Empty() {
		t.Errorf("diff = %+v, want empty at epsilon 0.001", d)
	}
}

// Applying a diff to the previous frame must reproduce the current frame.
func TestDiff_RoundTrip(t *testing.T) {
	prev := frame("SPX", "2025-01-17T14:00:00Z",
		OptionContract{ContractType: Call, Strike: 100, Expiry: "2025-01-17", Bid: fp(1.0), OI: ip(500)},
		OptionContract{ContractType: Call, Strike: 105, Expiry: "2025-01-17", Bid: fp(0.5)},
		OptionContract{ContractType: Put, Strike: 95, Expiry: "2025-01-17", Ask: fp(2.2)},
	)
	cur := frame("SPX", "2025-01-17T14:00:05Z",
		OptionContract{ContractType: Call, Strike: 100, Expiry: "2025-01-17", Bid: fp(1.5), OI: ip(510)},
		OptionContract{ContractType: Put, Strike: 95, Expiry: "2025-01-17", Ask: fp(2.2)},
		OptionContract{ContractType: Put, Strike: 90, Expiry: "2025-01-17", Bid: fp(0.1)},
	)

	d, err := ComputeDiff(prev, cur, 0)
	if err != nil {
		t.Fatal(err)
	}

	got := d.Apply(prev)
	if got.Count != cur.Count {
		t.Fatalf("applied count = %d, want %d", got.Count, cur.Count)
	}
	gotIdx := got.Index()
	for key, want := range cur.Index() {
		have, ok := gotIdx[key]
		if !ok {
			t.Fatalf("applied frame missing %s", key)
		}
		wantJSON, _ := json.Marshal(want)
		haveJSON, _ := json.Marshal(have)
		if string(wantJSON) != string(haveJSON) {
			t.Errorf("contract %s: applied %s, want %s", key, haveJSON, wantJSON)
		}
	}
}

// The round-trip law must also hold after the diff has crossed the bus as JSON.
func TestDiff_RoundTripThroughJSON(t *testing.T) {
	prev := frame("SPX", "2025-01-17T14:00:00Z",
		OptionContract{ContractType: Call, Strike: 100, Expiry: "2025-01-17", Bid: fp(1.0)},
	)
	cur := frame("SPX", "2025-01-17T14:00:05Z",
		OptionContract{ContractType: Call, Strike: 100, Expiry: "2025-01-17", Bid: fp(1.5)},
	)

	d, err := ComputeDiff(prev, cur, 0)
	if err != nil {
		t.Fatal(err)
	}
	data, err := d.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	var decoded Diff
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	got := decoded.Apply(prev)
	if got.Contracts[0].Bid == nil || *got.Contracts[0].Bid != 1.5 {
		t.Errorf("bid after JSON round trip = %v, want 1.5", got.Contracts[0].Bid)
	}
}
