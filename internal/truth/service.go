package truth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chainfeed"
	"chainfeed/internal/bus"
	"chainfeed/internal/check"
)

// Envelope wraps the document on the bus with provenance fields.
type Envelope struct {
	Version    string   `json:"version"`
	Schema     Document `json:"schema"`
	SourceNode string   `json:"source_node"`
	Timestamp  string   `json:"timestamp"`
}

// Service is the single owner of the node's in-memory truth document.
// Reads go through Get, which hands out an immutable snapshot; writes are
// serialized by an internal lock and swap the snapshot pointer whole, so
// no reader ever observes a partial update.
type Service struct {
	bus    Bus
	clock  chainfeed.Clock
	nodeID string

	doc atomic.Pointer[Document]

	writeMu sync.Mutex // serializes PublishUpdate and listener adoption

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a Service seeded with doc.
func NewService(b Bus, clock chainfeed.Clock, nodeID string, doc *Document) *Service {
	check.Assert(b != nil, "truth.NewService: bus must not be nil")
	check.Assert(doc != nil, "truth.NewService: seed document must not be nil")
	s := &Service{bus: b, clock: clock, nodeID: nodeID}
	s.doc.Store(doc)
	return s
}

// Get returns the current document snapshot. Callers must treat it as
// read-only; mutate a Clone and hand it to PublishUpdate instead.
func (s *Service) Get() *Document {
	return s.doc.Load()
}

// SyncWithBus converges the local document with the bus copy: a newer bus
// version is adopted, then the winning document is written back so a fresh
// bus converges too.
func (s *Service) SyncWithBus(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	raw, err := s.bus.Get(ctx, chainfeed.KeyTruthSchema)
	switch {
	case err == nil:
		remote, derr := decodeBusDocument(raw)
		if derr != nil {
			slog.Warn("truth bus copy unreadable, keeping local", "err", derr)
		} else if chainfeed.CompareVersions(remote.Version, s.doc.Load().Version) > 0 {
			slog.Info("adopting newer truth from bus",
				"local", s.doc.Load().Version, "bus", remote.Version)
			s.doc.Store(remote)
		}
	case errors.Is(err, bus.ErrNotFound):
		slog.Info("no truth on bus, seeding", "version", s.doc.Load().Version)
	default:
		return fmt.Errorf("truth sync read: %w", err)
	}

	return s.writeLocked(ctx)
}

// Start launches the update listener. It applies bus updates sequentially
// and never terminates on a malformed payload. Stop owns the listener's
// lifetime, not the caller's context.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	msgs, err := s.bus.Subscribe(listenCtx, chainfeed.ChannelTruthUpdate)
	if err != nil {
		cancel()
		return fmt.Errorf("truth subscribe: %w", err)
	}

	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go s.listen(listenCtx, msgs, done)
	return nil
}

// Stop terminates the listener and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// PublishUpdate installs mutated as the new truth: the patch version is
// bumped past the current one, last_updated refreshed, the bus copy
// rewritten, and the update announced on the schema channel.
func (s *Service) PublishUpdate(ctx context.Context, mutated *Document) error {
	check.Assert(mutated != nil, "truth.PublishUpdate: document must not be nil")
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.doc.Load()
	next := mutated.Clone()
	next.Version = chainfeed.BumpPatch(current.Version)
	next.Metadata.LastUpdated = s.now()

	// No write regresses the version.
	if chainfeed.CompareVersions(next.Version, current.Version) <= 0 {
		return fmt.Errorf("truth update would regress version %s -> %s",
			current.Version, next.Version)
	}
	s.doc.Store(next)

	if err := s.writeLocked(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(s.envelope(next))
	if err != nil {
		return fmt.Errorf("truth encode update: %w", err)
	}
	if err := s.bus.Publish(ctx, chainfeed.ChannelTruthUpdate, string(payload)); err != nil {
		return fmt.Errorf("truth announce update: %w", err)
	}
	slog.Info("truth updated", "version", next.Version)
	return nil
}

func (s *Service) listen(ctx context.Context, msgs <-chan bus.Message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			s.apply(ctx, m.Payload)
		}
	}
}

// apply installs a truth update delivered on the schema channel. The
// payload is either a full envelope or a bare version string pointing at
// the bus copy.
func (s *Service) apply(ctx context.Context, payload string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	local := s.doc.Load()
	remote, err := decodeBusDocument(payload)
	if err != nil {
		version := payload
		if chainfeed.CompareVersions(version, local.Version) <= 0 {
			return
		}
		raw, gerr := s.bus.Get(ctx, chainfeed.KeyTruthSchema)
		if gerr != nil {
			slog.Warn("truth update names unseen version, bus read failed",
				"version", version, "err", gerr)
			return
		}
		remote, err = decodeBusDocument(raw)
		if err != nil {
			slog.Warn("truth update ignored, bus copy unreadable", "err", err)
			return
		}
	}

	if chainfeed.CompareVersions(remote.Version, local.Version) <= 0 {
		return
	}
	s.doc.Store(remote)
	slog.Info("truth adopted from peer", "version", remote.Version)
}

// writeLocked writes the current document to the bus. Caller holds writeMu.
func (s *Service) writeLocked(ctx context.Context) error {
	doc := s.doc.Load()
	data, err := json.Marshal(s.envelope(doc))
	if err != nil {
		return fmt.Errorf("truth encode: %w", err)
	}
	if err := s.bus.SetWithTTL(ctx, chainfeed.KeyTruthSchema, string(data), bus.Persistent); err != nil {
		return fmt.Errorf("truth write: %w", err)
	}
	return nil
}

func (s *Service) envelope(doc *Document) Envelope {
	return Envelope{
		Version:    doc.Version,
		Schema:     *doc,
		SourceNode: s.nodeID,
		Timestamp:  s.now(),
	}
}

func (s *Service) now() string {
	return s.clock.Now().UTC().Format(time.RFC3339Nano)
}

// decodeBusDocument accepts both the enveloped form and a bare document,
// so nodes running older builds stay interoperable.
func decodeBusDocument(raw string) (*Document, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err == nil && env.Schema.Version != "" {
		doc := env.Schema
		return &doc, nil
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode truth document: %w", err)
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("decode truth document: missing version")
	}
	return &doc, nil
}
