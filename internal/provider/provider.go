// Package provider defines the chain-provider plug-in surface: a narrow
// fetch interface, a per-provider normalizer into the canonical contract
// schema, and a name-keyed registry the feed orchestrator draws from.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chainfeed"
)

// RawPayload is an opaque vendor response body.
type RawPayload []byte

// Provider fetches one vendor's option-chain snapshot for a symbol.
type Provider interface {
	Name() string
	FetchChain(ctx context.Context, symbol string) (RawPayload, error)
}

// Normalizer maps a vendor payload to canonical contracts. Malformed
// entries are dropped, not fatal; the second return counts them.
type Normalizer func(RawPayload) (contracts []chainfeed.OptionContract, dropped int, err error)

// Entry pairs a provider with its normalizer.
type Entry struct {
	Provider  Provider
	Normalize Normalizer
}

// Registry is the name-keyed provider table. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds an entry under its provider's name. Registering the same
// name twice is an error: two workers writing one symbol would race.
func (r *Registry) Register(e Entry) error {
	if e.Provider == nil || e.Normalize == nil {
		return fmt.Errorf("provider registry: incomplete entry")
	}
	name := e.Provider.Name()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.entries[name] = e
	return nil
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
