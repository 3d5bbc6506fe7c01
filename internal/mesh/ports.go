package mesh

import (
	"context"
	"time"

	"chainfeed/internal/bus"
)

// Bus is the slice of the bus client the mesh components consume.
type Bus interface {
	Get(ctx context.Context, key string) (string, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	HGetAll(ctx context.Context, hash string) (map[string]string, error)
	Publish(ctx context.Context, channel, payload string) error
	Atomic(ctx context.Context, fn func(p bus.Pipeline) error) error
}

// OffsetSource reports the node's last measured clock offset, when one
// is available.
type OffsetSource interface {
	Offset() (time.Duration, bool)
}
