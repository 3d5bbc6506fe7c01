// Package mesh implements node liveness: the heartbeat emitter that
// announces this node, the watcher that detects stale peers and prunes
// the registry, and read access to the mesh state hash.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"chainfeed"
	"chainfeed/internal/bus"
	"chainfeed/internal/check"
)

// Emitter periodically announces this node's liveness, once per group it
// participates in. All bus effects of one emission cycle go through a
// single atomic pipeline: observers see the whole cycle or none of it.
type Emitter struct {
	bus      Bus
	clock    chainfeed.Clock
	identity chainfeed.Identity
	version  string
	symbols  map[string][]string // group -> member symbols
	interval time.Duration
	ttl      time.Duration
	offsets  OffsetSource // optional

	cancel context.CancelFunc
	done   chan struct{}
}

// EmitterConfig collects the emitter's construction parameters.
type EmitterConfig struct {
	Identity chainfeed.Identity
	Version  string
	Symbols  map[string][]string
	Interval time.Duration
	TTL      time.Duration
	Offsets  OffsetSource
}

// NewEmitter creates an Emitter. cfg.Symbols keys must cover the
// identity's groups; groups without an entry emit an empty symbol list.
func NewEmitter(b Bus, clock chainfeed.Clock, cfg EmitterConfig) *Emitter {
	check.Assert(b != nil, "mesh.NewEmitter: bus must not be nil")
	check.Assert(cfg.Identity.NodeID != "", "mesh.NewEmitter: node id must not be empty")
	check.Assert(cfg.Interval > 0, "mesh.NewEmitter: interval must be positive")
	return &Emitter{
		bus:      b,
		clock:    clock,
		identity: cfg.Identity,
		version:  cfg.Version,
		symbols:  cfg.Symbols,
		interval: cfg.Interval,
		ttl:      cfg.TTL,
		offsets:  cfg.Offsets,
	}
}

// Start launches the emission loop.
func (e *Emitter) Start() {
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx)
}

// Stop terminates the loop. It does not emit a final heartbeat; callers
// use EmitShutdown for that before stopping.
func (e *Emitter) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
}

func (e *Emitter) run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	// First emission immediately, so the node is visible before the
	// first full interval elapses.
	if err := e.EmitOnce(ctx); err != nil {
		slog.Warn("heartbeat emission failed", "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.EmitOnce(ctx); err != nil {
				// Dropped, not buffered; the next cycle re-emits.
				slog.Warn("heartbeat emission failed", "err", err)
			}
		}
	}
}

// EmitOnce performs one emission cycle for every group.
func (e *Emitter) EmitOnce(ctx context.Context) error {
	return e.emit(ctx, chainfeed.StatusOnline, false)
}

// EmitShutdown emits the final shutting_down heartbeat for every group
// and writes the persistent shutdown notice.
func (e *Emitter) EmitShutdown(ctx context.Context) error {
	return e.emit(ctx, chainfeed.StatusShuttingDown, true)
}

func (e *Emitter) emit(ctx context.Context, status chainfeed.NodeStatus, finale bool) error {
	beats, err := e.payloads(status)
	if err != nil {
		return err
	}
	nodePayload, err := e.nodePayload(status)
	if err != nil {
		return err
	}

	return e.bus.Atomic(ctx, func(p bus.Pipeline) error {
		for _, hb := range beats {
			// Group heartbeat keys expire per the bus TTL policy, which the
			// node aligns with the truth document's max heartbeat age.
			p.SetPolicy(chainfeed.KeyGroupHeartbeat(hb.beat.Group), hb.payload)
			p.HSet(chainfeed.KeyMeshState, hb.beat.Field(), hb.payload)
			p.Publish(chainfeed.ChannelMeshUpdate, hb.payload)
		}
		p.Set(chainfeed.KeyNodeHeartbeat(e.identity.NodeID), nodePayload, e.ttl)
		if finale {
			p.Set(chainfeed.KeyShutdownNotice, nodePayload, bus.Persistent)
		}
		return nil
	})
}

type encodedBeat struct {
	beat    chainfeed.Heartbeat
	payload string
}

func (e *Emitter) payloads(status chainfeed.NodeStatus) ([]encodedBeat, error) {
	groups := append([]string(nil), e.identity.Groups...)
	sort.Strings(groups)
	out := make([]encodedBeat, 0, len(groups))
	for _, g := range groups {
		hb := e.heartbeat(g, e.symbols[g], status)
		data, err := json.Marshal(hb)
		if err != nil {
			return nil, fmt.Errorf("encode heartbeat %s: %w", g, err)
		}
		out = append(out, encodedBeat{beat: hb, payload: string(data)})
	}
	return out, nil
}

func (e *Emitter) nodePayload(status chainfeed.NodeStatus) (string, error) {
	var all []string
	for _, syms := range e.symbols {
		all = append(all, syms...)
	}
	sort.Strings(all)
	data, err := json.Marshal(e.heartbeat("", all, status))
	if err != nil {
		return "", fmt.Errorf("encode node heartbeat: %w", err)
	}
	return string(data), nil
}

func (e *Emitter) heartbeat(group string, symbols []string, status chainfeed.NodeStatus) chainfeed.Heartbeat {
	hb := chainfeed.Heartbeat{
		NodeID:    e.identity.NodeID,
		Group:     group,
		Symbols:   symbols,
		Timestamp: e.clock.Now().UTC().Format(time.RFC3339Nano),
		Status:    status,
		Version:   e.version,
	}
	if e.offsets != nil {
		if off, ok := e.offsets.Offset(); ok {
			ms := off.Milliseconds()
			hb.ClockOffsetMS = &ms
		}
	}
	return hb
}
