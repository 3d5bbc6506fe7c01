// Package ntp measures the node's wall-clock offset against an NTP pool.
// The mesh accepts clock skew rather than correcting it; the measured
// offset is surfaced in heartbeat metadata so operators can see when a
// node is about to look stale to its peers.
package ntp

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"chainfeed"
	"chainfeed/internal/check"
)

const (
	defaultPool     = "pool.ntp.org"
	defaultInterval = 60 * time.Second

	// Offsets beyond this are flagged: they are a meaningful fraction of
	// the heartbeat TTL and will distort drift computation on peers.
	defaultThreshold = 500 * time.Millisecond
)

type Phase uint8

const (
	Unchecked Phase = iota + 1
	Healthy
	UnhealthyOffset
	Error
)

func (p Phase) String() string {
	switch p {
	case Unchecked:
		return "unchecked"
	case Healthy:
		return "healthy"
	case UnhealthyOffset:
		return "unhealthy_offset"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case Unchecked:
		ok = to == Healthy || to == UnhealthyOffset || to == Error
	case Healthy:
		ok = to == UnhealthyOffset || to == Error
	case UnhealthyOffset:
		ok = to == Healthy || to == Error
	case Error:
		ok = to == Healthy || to == UnhealthyOffset || to == Error
	}
	check.Assertf(ok, "ntp transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

type Status struct {
	Offset    time.Duration
	Phase     Phase
	Error     string
	CheckedAt time.Time
}

// Checker periodically queries the pool and caches the last measurement.
type Checker struct {
	mu        sync.RWMutex
	status    Status
	pool      string
	interval  time.Duration
	threshold time.Duration
	clock     chainfeed.Clock

	// CheckFunc substitutes the network query in tests. Classification
	// and phase bookkeeping still run.
	CheckFunc func() (time.Duration, error)
}

func NewChecker(clock chainfeed.Clock) *Checker {
	check.Assert(clock != nil, "ntp.NewChecker: clock must not be nil")
	return &Checker{
		pool:      defaultPool,
		interval:  defaultInterval,
		threshold: defaultThreshold,
		status: Status{
			Phase: Unchecked,
		},
		clock: clock,
	}
}

// Run checks once immediately, then on the interval until ctx ends.
func (n *Checker) Run(ctx context.Context) {
	n.check()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.check()
		}
	}
}

func (n *Checker) check() {
	query := n.CheckFunc
	if query == nil {
		query = func() (time.Duration, error) {
			resp, err := ntp.Query(n.pool)
			if err != nil {
				return 0, err
			}
			return resp.ClockOffset, nil
		}
	}
	offset, err := query()

	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock.Now()
	if err != nil {
		n.status = Status{Error: err.Error(), Phase: n.advance(Error), CheckedAt: now}
		return
	}

	phase := UnhealthyOffset
	if offset.Abs() < n.threshold {
		phase = Healthy
	}
	n.status = Status{Offset: offset, Phase: n.advance(phase), CheckedAt: now}
}

// advance moves the cached phase through the transition table. Staying in
// the same phase is not a transition. Caller must hold n.mu.
func (n *Checker) advance(to Phase) Phase {
	if n.status.Phase == to {
		return to
	}
	return n.status.Phase.Transition(to)
}

func (n *Checker) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// Offset reports the last measured offset. ok is false until a
// measurement has succeeded; the heartbeat omits the field then.
func (n *Checker) Offset() (time.Duration, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.status.Phase != Healthy && n.status.Phase != UnhealthyOffset {
		return 0, false
	}
	return n.status.Offset, true
}
