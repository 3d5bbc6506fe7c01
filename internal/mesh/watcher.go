package mesh

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"chainfeed"
	"chainfeed/internal/bus"
	"chainfeed/internal/check"
	"chainfeed/internal/signal/freshness"
)

// Watcher scans peer heartbeats, marks stale entries offline, and prunes
// the mesh registry. It never touches its own node's entries; pruning a
// healthy self because of a slow local scan would flap the whole mesh.
//
// A stale entry is marked offline in place and retained for one cycle;
// if its heartbeat key is still unseen on the next scan the entry is
// deleted.
type Watcher struct {
	bus     Bus
	clock   chainfeed.Clock
	nodeID  string
	maxAge  time.Duration
	period  time.Duration
	tracker *freshness.Tracker

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a Watcher scanning every heartbeatInterval/3.
func NewWatcher(b Bus, clock chainfeed.Clock, nodeID string, heartbeatInterval, maxAge time.Duration) *Watcher {
	check.Assert(b != nil, "mesh.NewWatcher: bus must not be nil")
	check.Assert(heartbeatInterval > 0, "mesh.NewWatcher: interval must be positive")
	period := heartbeatInterval / 3
	if period < time.Second {
		period = time.Second
	}
	return &Watcher{
		bus:     b,
		clock:   clock,
		nodeID:  nodeID,
		maxAge:  maxAge,
		period:  period,
		tracker: freshness.NewTracker(nodeID, clock),
	}
}

// PeerHealth reports the tracked lifecycle of every peer mesh field.
func (w *Watcher) PeerHealth() map[string]freshness.Health {
	return w.tracker.Snapshot()
}

// Start launches the scan loop.
func (w *Watcher) Start() {
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx)
}

// Stop terminates the loop and waits for the current scan to finish.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.ScanOnce(ctx); err != nil {
				slog.Warn("mesh scan failed", "err", err)
			}
		}
	}
}

// ScanOnce performs one watcher cycle: scan heartbeat keys, classify by
// drift, then reconcile the registry in one atomic batch.
func (w *Watcher) ScanOnce(ctx context.Context) error {
	keys, err := w.bus.Keys(ctx, "heartbeat:*")
	if err != nil {
		return err
	}

	fresh := make(map[string]string)     // field -> payload to overwrite
	stale := make(map[string]string)     // field -> offline payload, retained
	var alerts []chainfeed.Heartbeat
	now := w.clock.Now()

	for _, key := range keys {
		raw, err := w.bus.Get(ctx, key)
		if err != nil {
			// Expired between KEYS and GET; the reconcile pass handles it.
			continue
		}
		var hb chainfeed.Heartbeat
		if err := json.Unmarshal([]byte(raw), &hb); err != nil {
			slog.Warn("unparseable heartbeat dropped", "key", key, "err", err)
			continue
		}
		if hb.NodeID == "" || hb.Group == "" {
			continue
		}
		drift := now.Sub(hb.IssuedAt())
		if drift <= w.maxAge {
			w.tracker.Observe(hb.Field(), hb.IssuedAt(), false)
			fresh[hb.Field()] = raw
			continue
		}
		hb.Status = chainfeed.StatusOffline
		offline, err := json.Marshal(hb)
		if err != nil {
			continue
		}
		stale[hb.Field()] = string(offline)
		// Alert once per transition, not on every scan the entry
		// lingers.
		if phase, changed := w.tracker.Observe(hb.Field(), hb.IssuedAt(), true); changed && phase == freshness.Stale {
			alerts = append(alerts, hb)
		}
	}

	registry, err := w.bus.HGetAll(ctx, chainfeed.KeyMeshState)
	if err != nil {
		return err
	}

	var overwrite []fieldPayload
	var remove []string
	for field, payload := range registry {
		if w.ownField(field) {
			continue
		}
		if payload, ok := fresh[field]; ok {
			overwrite = append(overwrite, fieldPayload{field, payload})
			continue
		}
		if payload, ok := stale[field]; ok {
			overwrite = append(overwrite, fieldPayload{field, payload})
			continue
		}
		remove = append(remove, field)
		// A dead emitter's key usually expires before the entry ever
		// reads as stale; the prune is the first and only signal, so
		// alert here unless the stale path already did.
		if w.tracker.Phase(field) != freshness.Stale {
			var hb chainfeed.Heartbeat
			if err := json.Unmarshal([]byte(payload), &hb); err == nil && hb.NodeID != "" && hb.Group != "" &&
				hb.Status != chainfeed.StatusShuttingDown {
				hb.Status = chainfeed.StatusOffline
				alerts = append(alerts, hb)
			}
		}
		w.tracker.MarkRemoved(field)
	}
	// Heartbeats whose registry entry is missing (fresh node, pruned too
	// eagerly) are restored from the scan.
	for field, payload := range fresh {
		if _, exists := registry[field]; !exists && !w.ownField(field) {
			overwrite = append(overwrite, fieldPayload{field, payload})
		}
	}

	if len(overwrite) == 0 && len(remove) == 0 && len(alerts) == 0 {
		return nil
	}

	return w.bus.Atomic(ctx, func(p bus.Pipeline) error {
		for _, fp := range overwrite {
			p.HSet(chainfeed.KeyMeshState, fp.field, fp.payload)
		}
		if len(remove) > 0 {
			p.HDel(chainfeed.KeyMeshState, remove...)
		}
		for _, hb := range alerts {
			payload, err := json.Marshal(staleAlert{
				Type:      "stale_heartbeat",
				NodeID:    hb.NodeID,
				Group:     hb.Group,
				Timestamp: now.UTC().Format(time.RFC3339Nano),
			})
			if err != nil {
				continue
			}
			p.Publish(chainfeed.ChannelSystemAlert, string(payload))
		}
		return nil
	})
}

type fieldPayload struct {
	field   string
	payload string
}

type staleAlert struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	Group     string `json:"group"`
	Timestamp string `json:"timestamp"`
}

func (w *Watcher) ownField(field string) bool {
	return strings.HasPrefix(field, w.nodeID+":")
}
