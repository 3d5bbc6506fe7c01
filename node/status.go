package node

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chainfeed"
	"chainfeed/internal/bus"
)

// Component health values reported on the startup status key.
const (
	StatusOK      = "ok"
	StatusActive  = "active"
	StatusStub    = "stub"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// StartupStatus is the record published after every phase transition.
type StartupStatus struct {
	Timestamp string            `json:"timestamp"`
	Phase     string            `json:"phase"`
	State     string            `json:"state"` // ok or partial
	Status    map[string]string `json:"status"`
}

// statusBoard tracks per-component health during startup. The only
// in-process lock besides the truth service's write lock.
type statusBoard struct {
	mu         sync.Mutex
	components map[string]string
}

func newStatusBoard() *statusBoard {
	return &statusBoard{components: make(map[string]string)}
}

func (s *statusBoard) set(component, status string) {
	s.mu.Lock()
	s.components[component] = status
	s.mu.Unlock()
}

func (s *statusBoard) snapshot() (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.components))
	healthy := true
	for c, st := range s.components {
		out[c] = st
		if st == StatusError {
			healthy = false
		}
	}
	return out, healthy
}

// publishPhase writes the startup status record for a completed phase.
// A write failure is logged, not fatal: losing one status record must
// not abort a startup that is otherwise progressing.
func (n *Node) publishPhase(ctx context.Context, phase Phase) {
	components, healthy := n.board.snapshot()
	state := "ok"
	if !healthy {
		state = "partial"
	}
	record := StartupStatus{
		Timestamp: n.clock.Now().UTC().Format(time.RFC3339Nano),
		Phase:     phase.String(),
		State:     state,
		Status:    components,
	}
	if err := n.bus.SetJSON(ctx, chainfeed.KeyStartupStatus, record, bus.Persistent); err != nil {
		slog.Warn("startup status write failed", "phase", phase, "err", err)
	}
	slog.Info("startup phase", "phase", phase, "state", state)
}
