// Package freshness tracks the lifecycle of peer heartbeats across
// watcher scans, so state changes fire once instead of on every cycle.
package freshness

import (
	"strings"
	"sync"
	"time"

	"chainfeed"
	"chainfeed/internal/check"
)

type Phase uint8

const (
	Unknown Phase = iota + 1
	Fresh
	Stale
	Removed
)

func (p Phase) String() string {
	switch p {
	case Unknown:
		return "unknown"
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Removed:
		return "removed"
	default:
		return "unknown_phase"
	}
}

func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case Unknown:
		ok = to == Fresh || to == Stale || to == Removed
	case Fresh:
		ok = to == Stale || to == Removed
	case Stale:
		ok = to == Fresh || to == Removed
	case Removed:
		ok = to == Fresh || to == Stale
	}
	check.Assertf(ok, "freshness transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

type peerState struct {
	phase      Phase
	lastSeen   time.Time
	reportedAt time.Time
}

// Health is one peer entry's view at snapshot time.
type Health struct {
	Phase Phase
	// Age is the time since the entry was last observed in a scan.
	Age time.Duration
	// Lag is how far the peer's reported timestamp trailed the local
	// clock at observation time.
	Lag time.Duration
}

// Tracker remembers the phase of every mesh field between scans. Own
// fields are ignored; a node never judges its own freshness.
type Tracker struct {
	mu     sync.RWMutex
	peers  map[string]peerState
	selfID string
	clock  chainfeed.Clock
}

func NewTracker(selfID string, clock chainfeed.Clock) *Tracker {
	check.Assert(clock != nil, "freshness.NewTracker: clock must not be nil")
	return &Tracker{
		peers:  make(map[string]peerState),
		selfID: selfID,
		clock:  clock,
	}
}

// Observe records one scan observation for a mesh field. It returns the
// resulting phase and whether this observation changed it.
func (t *Tracker) Observe(field string, reportedAt time.Time, stale bool) (Phase, bool) {
	if t.ownField(field) {
		return Unknown, false
	}
	target := Fresh
	if stale {
		target = Stale
	}

	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	prev, seen := t.peers[field]
	phase := target
	changed := !seen || prev.phase != target
	if seen && prev.phase != target {
		phase = prev.phase.Transition(target)
	}
	t.peers[field] = peerState{
		phase:      phase,
		lastSeen:   now,
		reportedAt: reportedAt,
	}
	return phase, changed
}

// Phase returns the last recorded phase for a field, Unknown when the
// field has never been observed.
func (t *Tracker) Phase(field string) Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, seen := t.peers[field]; seen {
		return p.phase
	}
	return Unknown
}

// MarkRemoved records that a field was pruned from the registry. The
// entry is kept in the Removed phase so a returning node reads as a
// fresh transition.
func (t *Tracker) MarkRemoved(field string) {
	if t.ownField(field) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, seen := t.peers[field]
	if !seen {
		return
	}
	if prev.phase != Removed {
		prev.phase = prev.phase.Transition(Removed)
	}
	t.peers[field] = prev
}

// Snapshot returns the current health of every tracked peer field.
func (t *Tracker) Snapshot() map[string]Health {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.clock.Now()
	out := make(map[string]Health, len(t.peers))
	for field, p := range t.peers {
		lag := p.lastSeen.Sub(p.reportedAt)
		if lag < 0 {
			lag = 0
		}
		out[field] = Health{
			Phase: p.phase,
			Age:   now.Sub(p.lastSeen),
			Lag:   lag,
		}
	}
	return out
}

func (t *Tracker) ownField(field string) bool {
	return strings.HasPrefix(field, t.selfID+":")
}
