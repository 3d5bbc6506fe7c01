package ingest

import (
	"context"
	"time"
)

// Bus is the slice of the bus client the ingestion workers consume.
type Bus interface {
	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}
