package truth

import (
	"context"
	"time"

	"chainfeed/internal/bus"
)

// Bus is the slice of the bus client the truth service consumes.
type Bus interface {
	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) (<-chan bus.Message, error)
}
