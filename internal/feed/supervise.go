package feed

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"chainfeed"
	"chainfeed/internal/bus"
)

type supervised struct {
	name      string
	statusKey string
	cancel    context.CancelFunc
	done      chan struct{}
	// failed is set before done closes; Stop must not overwrite a failed
	// record with stopped.
	failed bool
}

// spawn launches run under supervision. A panic is recovered, logged,
// and the worker restarted; more than maxRestartsPerHour restarts within
// an hour leaves it failed until manual intervention.
func (o *Orchestrator) spawn(name, statusKey string, run func(context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &supervised{name: name, statusKey: statusKey, cancel: cancel, done: make(chan struct{})}
	o.workers = append(o.workers, s)
	go o.supervise(ctx, s, statusKey, run)
	slog.Info("worker started", "worker", name)
}

func (o *Orchestrator) supervise(ctx context.Context, s *supervised, statusKey string, run func(context.Context)) {
	defer close(s.done)
	var restarts []time.Time
	for {
		panicked := runProtected(ctx, s.name, run)
		if ctx.Err() != nil || !panicked {
			return
		}

		now := o.clock.Now()
		kept := restarts[:0]
		for _, t := range restarts {
			if now.Sub(t) < time.Hour {
				kept = append(kept, t)
			}
		}
		restarts = append(kept, now)

		if len(restarts) > maxRestartsPerHour {
			slog.Error("worker restart budget exhausted, giving up", "worker", s.name)
			s.failed = true
			o.writeFailed(ctx, statusKey)
			return
		}
		slog.Warn("worker restarting after panic",
			"worker", s.name, "restarts_last_hour", len(restarts))
	}
}

// runProtected runs one worker incarnation, converting a panic into a
// restart signal instead of taking the process down.
func runProtected(ctx context.Context, name string, run func(context.Context)) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			slog.Error("worker panicked", "worker", name, "panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	run(ctx)
	return false
}

func (o *Orchestrator) writeFailed(ctx context.Context, statusKey string) {
	if statusKey == "" {
		return
	}
	status := chainfeed.WorkerStatus{
		State:     chainfeed.WorkerFailed,
		Timestamp: o.now(),
		Reason:    "restart budget exhausted",
	}
	// Persistent: a failed worker must stay visible, not age out.
	if err := o.bus.SetJSON(ctx, statusKey, status, bus.Persistent); err != nil {
		slog.Warn("failed-state write failed", "key", statusKey, "err", err)
	}
}
