// Package bus wraps the shared Redis instance every node publishes into.
// It enforces the prefix TTL policy, applies per-operation timeouts with
// capped backoff retries, and exposes the atomic pipeline used for
// heartbeat emission. All cross-component communication goes through here;
// components never hold a raw Redis handle.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("bus: key not found")

const (
	opTimeout  = 2 * time.Second
	maxRetries = 3
)

// backoffs are the waits between retry attempts.
var backoffs = [maxRetries]time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1600 * time.Millisecond}

// Client is the typed bus handle shared by all workers. It is safe for
// concurrent use; the orchestrator closes it exactly once on shutdown.
type Client struct {
	rdb    *redis.Client
	policy TTLPolicy
}

// Option configures a Client.
type Option func(*Client)

// WithPolicy replaces the default TTL policy.
func WithPolicy(p TTLPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// UsePolicy replaces the TTL policy after construction, once the truth
// document's heartbeat TTL is known. Call during startup, before any
// writer runs concurrently.
func (c *Client) UsePolicy(p TTLPolicy) { c.policy = p }

// New connects to the bus at addr ("host:port"). The connection is not
// verified; call Ping before relying on it.
func New(addr string, opts ...Option) *Client {
	c := &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr: addr,
			// The client's own retry discipline applies; disable the driver's.
			MaxRetries: -1,
		}),
		policy: DefaultPolicy(0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddrFromEnv resolves the bus address from REDIS_HOST/REDIS_PORT,
// defaulting to localhost:6379.
func AddrFromEnv() string {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	return net.JoinHostPort(host, port)
}

// Ping verifies the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", func(ctx context.Context) error {
		return c.rdb.Ping(ctx).Err()
	})
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Get returns the string value at key, or ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var out string
	err := c.do(ctx, "get", func(ctx context.Context) error {
		v, err := c.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Set writes key with the TTL the policy assigns to its prefix.
func (c *Client) Set(ctx context.Context, key, value string) error {
	return c.SetWithTTL(ctx, key, value, c.policy.For(key))
}

// SetWithTTL writes key with an explicit TTL. Persistent means no expiry.
func (c *Client) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.do(ctx, "set", func(ctx context.Context) error {
		return c.rdb.Set(ctx, key, value, normalizeTTL(ttl)).Err()
	})
}

// SetJSON marshals v and writes it under key with an explicit TTL.
func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.SetWithTTL(ctx, key, string(data), ttl)
}

// TTL returns the remaining time to live of key. Persistent keys report
// Persistent; missing keys report an error.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	var out time.Duration
	err := c.do(ctx, "ttl", func(ctx context.Context) error {
		d, err := c.rdb.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

// Del removes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.do(ctx, "del", func(ctx context.Context) error {
		return c.rdb.Del(ctx, keys...).Err()
	})
}

// HSet writes one hash field.
func (c *Client) HSet(ctx context.Context, hash, field, value string) error {
	return c.do(ctx, "hset", func(ctx context.Context) error {
		return c.rdb.HSet(ctx, hash, field, value).Err()
	})
}

// HDel removes hash fields.
func (c *Client) HDel(ctx context.Context, hash string, fields ...string) error {
	return c.do(ctx, "hdel", func(ctx context.Context) error {
		return c.rdb.HDel(ctx, hash, fields...).Err()
	})
}

// HGetAll returns all fields of a hash as strings. A missing hash is an
// empty map, not an error.
func (c *Client) HGetAll(ctx context.Context, hash string) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, "hgetall", func(ctx context.Context) error {
		m, err := c.rdb.HGetAll(ctx, hash).Result()
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// Keys returns all keys matching pattern.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	err := c.do(ctx, "keys", func(ctx context.Context) error {
		ks, err := c.rdb.Keys(ctx, pattern).Result()
		if err != nil {
			return err
		}
		out = ks
		return nil
	})
	return out, err
}

// Publish sends payload on channel.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	return c.do(ctx, "publish", func(ctx context.Context) error {
		return c.rdb.Publish(ctx, channel, payload).Err()
	})
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscribe opens a subscription on the given channels. The returned
// channel closes when ctx is cancelled. Messages are delivered
// best-effort; a slow consumer drops, it does not block the bus.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (<-chan Message, error) {
	sub := c.rdb.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: m.Channel, Payload: m.Payload}:
				default:
					slog.Warn("bus subscriber lagging, message dropped", "channel", m.Channel)
				}
			}
		}
	}()
	return out, nil
}

// Atomic runs fn against a transactional pipeline. Either every queued
// command applies or none do; heartbeat emission depends on this.
func (c *Client) Atomic(ctx context.Context, fn func(p Pipeline) error) error {
	return c.do(ctx, "atomic", func(ctx context.Context) error {
		_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return fn(redisPipeline{pipe: pipe, policy: c.policy})
		})
		return err
	})
}

// Pipeline queues commands inside an Atomic batch.
type Pipeline interface {
	Set(key, value string, ttl time.Duration)
	// SetPolicy writes key with the TTL the policy assigns to its prefix.
	SetPolicy(key, value string)
	HSet(hash, field, value string)
	HDel(hash string, fields ...string)
	Publish(channel, payload string)
}

type redisPipeline struct {
	pipe   redis.Pipeliner
	policy TTLPolicy
}

func (p redisPipeline) Set(key, value string, ttl time.Duration) {
	p.pipe.Set(context.Background(), key, value, normalizeTTL(ttl))
}

func (p redisPipeline) SetPolicy(key, value string) {
	p.pipe.Set(context.Background(), key, value, normalizeTTL(p.policy.For(key)))
}

func (p redisPipeline) HSet(hash, field, value string) {
	p.pipe.HSet(context.Background(), hash, field, value)
}

func (p redisPipeline) HDel(hash string, fields ...string) {
	p.pipe.HDel(context.Background(), hash, fields...)
}

func (p redisPipeline) Publish(channel, payload string) {
	p.pipe.Publish(context.Background(), channel, payload)
}

// do applies the per-operation timeout and retry discipline. Transient
// errors retry at 100/400/1600 ms; ErrNotFound and context cancellation
// surface immediately.
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		err := fn(opCtx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		if attempt >= maxRetries-1 {
			break
		}
		slog.Debug("bus operation retrying", "op", op, "attempt", attempt+1, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffs[attempt]):
		}
	}
	return fmt.Errorf("bus %s: %w", op, lastErr)
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0 // redis: no expiration
	}
	return ttl
}
