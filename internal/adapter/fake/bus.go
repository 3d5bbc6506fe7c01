package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"chainfeed"
	"chainfeed/internal/adapter/fake/fault"
	"chainfeed/internal/bus"
)

// Fault points recognized by the Bus.
const (
	FaultBusGet     = "bus.get"
	FaultBusSet     = "bus.set"
	FaultBusKeys    = "bus.keys"
	FaultBusHGetAll = "bus.hgetall"
	FaultBusPublish = "bus.publish"
	FaultBusAtomic  = "bus.atomic"
)

type busEntry struct {
	value     string
	expiresAt time.Time // zero: persistent
}

// Bus is an in-memory stand-in for the Redis bus. Expiry is evaluated
// lazily against the injected clock, so tests advance time explicitly.
type Bus struct {
	CallRecorder

	mu      sync.Mutex
	clock   chainfeed.Clock
	policy  bus.TTLPolicy
	kv      map[string]busEntry
	hashes  map[string]map[string]string
	pubs    []bus.Message
	subs    map[string][]chan bus.Message
	faults  *fault.Injector
	batches [][]string // op names per Atomic batch, for atomicity assertions
}

// NewBus creates a Bus against the given clock.
func NewBus(clock chainfeed.Clock) *Bus {
	return &Bus{
		clock:  clock,
		policy: bus.DefaultPolicy(0),
		kv:     make(map[string]busEntry),
		hashes: make(map[string]map[string]string),
		subs:   make(map[string][]chan bus.Message),
		faults: fault.NewInjector(),
	}
}

// UsePolicy replaces the TTL policy, mirroring the production client.
func (b *Bus) UsePolicy(p bus.TTLPolicy) {
	b.mu.Lock()
	b.policy = p
	b.mu.Unlock()
}

func (b *Bus) FailOnce(point string, err error)  { b.faults.FailOnce(point, err) }
func (b *Bus) FailAlways(point string, err error) { b.faults.FailAlways(point, err) }
func (b *Bus) ClearFault(point string)           { b.faults.Clear(point) }

func (b *Bus) Ping(context.Context) error { return nil }

func (b *Bus) Close() error { return nil }

func (b *Bus) Get(_ context.Context, key string) (string, error) {
	b.record("Get", key)
	if err := b.faults.Eval(FaultBusGet, key); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.kv[key]
	if !ok || b.expired(e) {
		delete(b.kv, key)
		return "", bus.ErrNotFound
	}
	return e.value, nil
}

func (b *Bus) Set(ctx context.Context, key, value string) error {
	b.mu.Lock()
	ttl := b.policy.For(key)
	b.mu.Unlock()
	return b.SetWithTTL(ctx, key, value, ttl)
}

func (b *Bus) SetWithTTL(_ context.Context, key, value string, ttl time.Duration) error {
	b.record("SetWithTTL", key, ttl)
	if err := b.faults.Eval(FaultBusSet, key); err != nil {
		return err
	}
	b.mu.Lock()
	b.kv[key] = busEntry{value: value, expiresAt: b.deadline(ttl)}
	b.mu.Unlock()
	return nil
}

func (b *Bus) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := marshal(v)
	if err != nil {
		return err
	}
	return b.SetWithTTL(ctx, key, data, ttl)
}

func (b *Bus) TTL(_ context.Context, key string) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.kv[key]
	if !ok || b.expired(e) {
		return 0, bus.ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return bus.Persistent, nil
	}
	return e.expiresAt.Sub(b.clock.Now()), nil
}

func (b *Bus) Del(_ context.Context, keys ...string) error {
	b.mu.Lock()
	for _, k := range keys {
		delete(b.kv, k)
	}
	b.mu.Unlock()
	return nil
}

func (b *Bus) HSet(_ context.Context, hash, field, value string) error {
	b.mu.Lock()
	b.hset(hash, field, value)
	b.mu.Unlock()
	return nil
}

func (b *Bus) HDel(_ context.Context, hash string, fields ...string) error {
	b.mu.Lock()
	b.hdel(hash, fields...)
	b.mu.Unlock()
	return nil
}

func (b *Bus) HGetAll(_ context.Context, hash string) (map[string]string, error) {
	b.record("HGetAll", hash)
	if err := b.faults.Eval(FaultBusHGetAll, hash); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.hashes[hash]))
	for f, v := range b.hashes[hash] {
		out[f] = v
	}
	return out, nil
}

func (b *Bus) Keys(_ context.Context, pattern string) ([]string, error) {
	b.record("Keys", pattern)
	if err := b.faults.Eval(FaultBusKeys, pattern); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for k, e := range b.kv {
		if b.expired(e) {
			delete(b.kv, k)
			continue
		}
		if matchPattern(pattern, k) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (b *Bus) Publish(_ context.Context, channel, payload string) error {
	b.record("Publish", channel)
	if err := b.faults.Eval(FaultBusPublish, channel); err != nil {
		return err
	}
	b.mu.Lock()
	b.publish(channel, payload)
	b.mu.Unlock()
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channels ...string) (<-chan bus.Message, error) {
	ch := make(chan bus.Message, 64)
	b.mu.Lock()
	for _, c := range channels {
		b.subs[c] = append(b.subs[c], ch)
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for _, c := range channels {
			subs := b.subs[c]
			for i, s := range subs {
				if s == ch {
					b.subs[c] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		}
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Atomic applies every queued command under one lock acquisition, so a
// concurrent reader observes all effects or none.
func (b *Bus) Atomic(_ context.Context, fn func(p bus.Pipeline) error) error {
	b.record("Atomic")
	if err := b.faults.Eval(FaultBusAtomic); err != nil {
		return err
	}
	b.mu.Lock()
	p := &memPipeline{policy: b.policy}
	b.mu.Unlock()
	if err := fn(p); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var ops []string
	for _, op := range p.ops {
		op.apply(b)
		ops = append(ops, op.name())
	}
	b.batches = append(b.batches, ops)
	return nil
}

// Published returns every message published so far on channel; "" means all.
func (b *Bus) Published(channel string) []bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bus.Message
	for _, m := range b.pubs {
		if channel == "" || m.Channel == channel {
			out = append(out, m)
		}
	}
	return out
}

// Batches returns the op names queued per Atomic call.
func (b *Bus) Batches() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]string, len(b.batches))
	copy(out, b.batches)
	return out
}

// HashField returns one mesh-style hash field value.
func (b *Bus) HashField(hash, field string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.hashes[hash][field]
	return v, ok
}

// --- internals (caller holds b.mu unless noted) ---

func (b *Bus) expired(e busEntry) bool {
	return !e.expiresAt.IsZero() && !b.clock.Now().Before(e.expiresAt)
}

func (b *Bus) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return b.clock.Now().Add(ttl)
}

func (b *Bus) hset(hash, field, value string) {
	h, ok := b.hashes[hash]
	if !ok {
		h = make(map[string]string)
		b.hashes[hash] = h
	}
	h[field] = value
}

func (b *Bus) hdel(hash string, fields ...string) {
	for _, f := range fields {
		delete(b.hashes[hash], f)
	}
}

func (b *Bus) publish(channel, payload string) {
	m := bus.Message{Channel: channel, Payload: payload}
	b.pubs = append(b.pubs, m)
	for _, s := range b.subs[channel] {
		select {
		case s <- m:
		default:
		}
	}
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return string(data), nil
}

// matchPattern supports the single trailing-star form the watchers use.
func matchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}

type pipelineOp interface {
	apply(b *Bus)
	name() string
}

type setOp struct {
	key, value string
	ttl        time.Duration
}

func (o setOp) apply(b *Bus) { b.kv[o.key] = busEntry{value: o.value, expiresAt: b.deadline(o.ttl)} }
func (o setOp) name() string { return "set" }

type hsetOp struct{ hash, field, value string }

func (o hsetOp) apply(b *Bus) { b.hset(o.hash, o.field, o.value) }
func (o hsetOp) name() string { return "hset" }

type hdelOp struct {
	hash   string
	fields []string
}

func (o hdelOp) apply(b *Bus) { b.hdel(o.hash, o.fields...) }
func (o hdelOp) name() string { return "hdel" }

type pubOp struct{ channel, payload string }

func (o pubOp) apply(b *Bus) { b.publish(o.channel, o.payload) }
func (o pubOp) name() string { return "publish" }

type memPipeline struct {
	policy bus.TTLPolicy
	ops    []pipelineOp
}

func (p *memPipeline) Set(key, value string, ttl time.Duration) {
	p.ops = append(p.ops, setOp{key: key, value: value, ttl: ttl})
}

func (p *memPipeline) SetPolicy(key, value string) {
	p.ops = append(p.ops, setOp{key: key, value: value, ttl: p.policy.For(key)})
}

func (p *memPipeline) HSet(hash, field, value string) {
	p.ops = append(p.ops, hsetOp{hash: hash, field: field, value: value})
}

func (p *memPipeline) HDel(hash string, fields ...string) {
	p.ops = append(p.ops, hdelOp{hash: hash, fields: fields})
}

func (p *memPipeline) Publish(channel, payload string) {
	p.ops = append(p.ops, pubOp{channel: channel, payload: payload})
}
