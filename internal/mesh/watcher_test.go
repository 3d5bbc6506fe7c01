package mesh_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"chainfeed"
	"chainfeed/internal/adapter/fake"
	"chainfeed/internal/mesh"
)

func writeHeartbeat(t *testing.T, b *fake.Bus, hb chainfeed.Heartbeat, ttl time.Duration) {
	t.Helper()
	data, err := json.Marshal(hb)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := b.SetWithTTL(ctx, chainfeed.KeyGroupHeartbeat(hb.Group), string(data), ttl); err != nil {
		t.Fatal(err)
	}
	if err := b.HSet(ctx, chainfeed.KeyMeshState, hb.Field(), string(data)); err != nil {
		t.Fatal(err)
	}
}

func stamp(tm time.Time) string {
	return tm.UTC().Format(time.RFC3339Nano)
}

func TestScanOnce_FreshAndStale(t *testing.T) {
	now := time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC)
	clock := fake.NewClock(now)
	b := fake.NewBus(clock)
	ctx := context.Background()

	// node-2: fresh. node-3: timestamp 20s old, past the 5s max age, but
	// its key is still alive (clock-skew case).
	writeHeartbeat(t, b, chainfeed.Heartbeat{
		NodeID: "node-2", Group: "spx_complex", Timestamp: stamp(now.Add(-1 * time.Second)),
		Status: chainfeed.StatusOnline,
	}, 60*time.Second)
	writeHeartbeat(t, b, chainfeed.Heartbeat{
		NodeID: "node-3", Group: "ndx_complex", Timestamp: stamp(now.Add(-20 * time.Second)),
		Status: chainfeed.StatusOnline,
	}, 60*time.Second)

	w := mesh.NewWatcher(b, clock, "node-1", 6*time.Second, 5*time.Second)
	if err := w.ScanOnce(ctx); err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}

	fresh, ok := b.HashField(chainfeed.KeyMeshState, "node-2:spx_complex")
	if !ok || !strings.Contains(fresh, `"online"`) {
		t.Errorf("fresh entry = %q, want online retained", fresh)
	}
	stale, ok := b.HashField(chainfeed.KeyMeshState, "node-3:ndx_complex")
	if !ok {
		t.Fatal("stale entry deleted on first cycle, want marked offline in place")
	}
	var hb chainfeed.Heartbeat
	if err := json.Unmarshal([]byte(stale), &hb); err != nil {
		t.Fatal(err)
	}
	if hb.Status != chainfeed.StatusOffline {
		t.Errorf("stale entry status = %q, want offline", hb.Status)
	}

	alerts := b.Published(chainfeed.ChannelSystemAlert)
	if len(alerts) != 1 || !strings.Contains(alerts[0].Payload, "node-3") {
		t.Errorf("alerts = %v, want one stale alert for node-3", alerts)
	}
}

func TestScanOnce_StaleAlertFiresOnce(t *testing.T) {
	now := time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC)
	clock := fake.NewClock(now)
	b := fake.NewBus(clock)
	ctx := context.Background()

	writeHeartbeat(t, b, chainfeed.Heartbeat{
		NodeID: "node-3", Group: "ndx_complex", Timestamp: stamp(now.Add(-20 * time.Second)),
		Status: chainfeed.StatusOnline,
	}, 60*time.Second)

	w := mesh.NewWatcher(b, clock, "node-1", 6*time.Second, 5*time.Second)
	if err := w.ScanOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.ScanOnce(ctx); err != nil {
		t.Fatal(err)
	}

	alerts := b.Published(chainfeed.ChannelSystemAlert)
	if len(alerts) != 1 {
		t.Errorf("alerts = %d, want exactly 1 across repeated scans", len(alerts))
	}
}

func TestScanOnce_RemovesUnseenEntries(t *testing.T) {
	now := time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC)
	clock := fake.NewClock(now)
	b := fake.NewBus(clock)
	ctx := context.Background()

	writeHeartbeat(t, b, chainfeed.Heartbeat{
		NodeID: "node-3", Group: "ndx_complex", Timestamp: stamp(now.Add(-1 * time.Second)),
		Status: chainfeed.StatusOnline,
	}, 15*time.Second)

	w := mesh.NewWatcher(b, clock, "node-1", 6*time.Second, 5*time.Second)
	if err := w.ScanOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.HashField(chainfeed.KeyMeshState, "node-3:ndx_complex"); !ok {
		t.Fatal("entry should survive while its heartbeat is fresh")
	}

	// Heartbeat key expires; the registry entry goes with it next cycle.
	clock.Advance(30 * time.Second)
	if err := w.ScanOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.HashField(chainfeed.KeyMeshState, "node-3:ndx_complex"); ok {
		t.Error("entry for expired heartbeat not pruned")
	}
}

func TestScanOnce_DeadEmitterAlertsOnPrune(t *testing.T) {
	now := time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC)
	clock := fake.NewClock(now)
	b := fake.NewBus(clock)
	ctx := context.Background()

	// Key TTL equals the staleness threshold, as the node wires it: when
	// the emitter dies the key expires before any scan reads it stale, so
	// the prune is the only place an alert can come from.
	writeHeartbeat(t, b, chainfeed.Heartbeat{
		NodeID: "node-3", Group: "ndx_complex", Timestamp: stamp(now),
		Status: chainfeed.StatusOnline,
	}, 5*time.Second)

	w := mesh.NewWatcher(b, clock, "node-1", 6*time.Second, 5*time.Second)
	if err := w.ScanOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if got := b.Published(chainfeed.ChannelSystemAlert); len(got) != 0 {
		t.Fatalf("alerts = %v while the peer was fresh", got)
	}

	clock.Advance(6 * time.Second)
	if err := w.ScanOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.HashField(chainfeed.KeyMeshState, "node-3:ndx_complex"); ok {
		t.Error("dead peer entry not pruned")
	}
	alerts := b.Published(chainfeed.ChannelSystemAlert)
	if len(alerts) != 1 || !strings.Contains(alerts[0].Payload, "node-3") {
		t.Fatalf("alerts = %v, want one offline alert for node-3", alerts)
	}

	if err := w.ScanOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if len(b.Published(chainfeed.ChannelSystemAlert)) != 1 {
		t.Error("prune alert repeated on later scans")
	}
}

func TestScanOnce_ShutdownPeerPrunedSilently(t *testing.T) {
	now := time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC)
	clock := fake.NewClock(now)
	b := fake.NewBus(clock)
	ctx := context.Background()

	// A peer that emitted its shutting_down finale and left: registry
	// entry present, heartbeat key long gone.
	hb := chainfeed.Heartbeat{
		NodeID: "node-2", Group: "spx_complex", Timestamp: stamp(now.Add(-time.Minute)),
		Status: chainfeed.StatusShuttingDown,
	}
	data, err := json.Marshal(hb)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.HSet(ctx, chainfeed.KeyMeshState, hb.Field(), string(data)); err != nil {
		t.Fatal(err)
	}

	w := mesh.NewWatcher(b, clock, "node-1", 6*time.Second, 5*time.Second)
	if err := w.ScanOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.HashField(chainfeed.KeyMeshState, hb.Field()); ok {
		t.Error("departed peer entry not pruned")
	}
	if got := b.Published(chainfeed.ChannelSystemAlert); len(got) != 0 {
		t.Errorf("alerts = %v, want none for an announced shutdown", got)
	}
}

func TestScanOnce_NeverTouchesOwnEntries(t *testing.T) {
	now := time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC)
	clock := fake.NewClock(now)
	b := fake.NewBus(clock)
	ctx := context.Background()

	// Own entry with no live heartbeat key at all.
	own := chainfeed.Heartbeat{
		NodeID: "node-1", Group: "spx_complex", Timestamp: stamp(now.Add(-1 * time.Hour)),
		Status: chainfeed.StatusOnline,
	}
	data, _ := json.Marshal(own)
	if err := b.HSet(ctx, chainfeed.KeyMeshState, own.Field(), string(data)); err != nil {
		t.Fatal(err)
	}

	w := mesh.NewWatcher(b, clock, "node-1", 6*time.Second, 5*time.Second)
	if err := w.ScanOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got, ok := b.HashField(chainfeed.KeyMeshState, "node-1:spx_complex")
	if !ok {
		t.Fatal("watcher pruned its own node's entry")
	}
	if got != string(data) {
		t.Error("watcher rewrote its own node's entry")
	}
}

func TestSnapshot(t *testing.T) {
	now := time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC)
	clock := fake.NewClock(now)
	b := fake.NewBus(clock)
	ctx := context.Background()

	writeHeartbeat(t, b, chainfeed.Heartbeat{
		NodeID: "node-2", Group: "spx_complex", Timestamp: stamp(now),
		Status: chainfeed.StatusOnline,
	}, 15*time.Second)
	if err := b.HSet(ctx, chainfeed.KeyMeshState, "garbage", "{not json"); err != nil {
		t.Fatal(err)
	}

	snap, err := mesh.Snapshot(ctx, b)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap) != 1 {
		t.Fatalf("snapshot size = %d, want 1 (garbage skipped)", len(snap))
	}
	if hb := snap["node-2:spx_complex"]; hb.NodeID != "node-2" {
		t.Errorf("snapshot entry = %+v", hb)
	}
	if nodes := mesh.Nodes(snap); len(nodes) != 1 || nodes[0] != "node-2" {
		t.Errorf("Nodes() = %v, want [node-2]", nodes)
	}
}
