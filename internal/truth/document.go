// Package truth owns the canonical configuration document for the node:
// seeding it from disk, converging it with the bus copy, and handing out
// immutable snapshots to every other component.
package truth

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Document is the canonical truth: one versioned configuration document
// shared by every node in the mesh.
type Document struct {
	Version   string          `json:"version"`
	Metadata  Metadata        `json:"metadata"`
	ChainFeed ChainFeedConfig `json:"chainfeed"`
	Providers Providers       `json:"providers"`
	Mesh      MeshConfig      `json:"mesh"`
	Entities  []Entity        `json:"entities,omitempty"`
}

// Metadata carries document-level bookkeeping.
type Metadata struct {
	LastUpdated string `json:"last_updated,omitempty"`
}

// ChainFeedConfig configures the chain ingestion workers.
type ChainFeedConfig struct {
	DefaultSymbols   []string                  `json:"default_symbols,omitempty"`
	Raw              RawConfig                 `json:"raw"`
	FeedScope        FeedScope                 `json:"feed_scope"`
	SyntheticIndexes map[string]SyntheticIndex `json:"synthetic_indexes,omitempty"`
	DiffIntervalSec  int                       `json:"diff_interval_sec,omitempty"`
}

// RawConfig configures the raw chain worker.
type RawConfig struct {
	Enabled     bool `json:"enabled"`
	IntervalSec int  `json:"interval_sec,omitempty"`
	TTLSec      int  `json:"ttl_sec,omitempty"`
}

// FeedScope sets per-scope update intervals; only the default scope is
// honored today.
type FeedScope struct {
	Default ScopeConfig `json:"default"`
}

type ScopeConfig struct {
	UpdateIntervalSec int `json:"update_interval_sec,omitempty"`
}

// SyntheticIndex defines one synthetic spot as a weighted component sum.
type SyntheticIndex struct {
	Components []SyntheticComponent `json:"components"`
}

type SyntheticComponent struct {
	Symbol     string  `json:"symbol"`
	Weight     float64 `json:"weight"`
	Multiplier float64 `json:"multiplier"`
}

// Providers declares external data sources.
type Providers struct {
	DataProviders map[string]DataProvider `json:"data_providers,omitempty"`
	RSSFeeds      map[string]RSSGroup     `json:"rss_feeds,omitempty"`
}

// DataProvider is one chain provider entry. APIKeyEnv names an environment
// variable holding the key; APIKey is a literal and wins when both are set.
type DataProvider struct {
	Enabled   bool   `json:"enabled"`
	APIKey    string `json:"api_key,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
}

// RSSGroup is one named set of RSS sources polled together.
type RSSGroup struct {
	Enabled         bool        `json:"enabled"`
	PollIntervalSec int         `json:"poll_interval_sec,omitempty"`
	IsGoogleAlerts  bool        `json:"is_google_alerts,omitempty"`
	Sources         []RSSSource `json:"sources,omitempty"`
}

type RSSSource struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// MeshConfig configures heartbeat cadence and staleness.
type MeshConfig struct {
	HeartbeatIntervalSec int    `json:"heartbeat_interval_sec,omitempty"`
	MaxHeartbeatAgeSec   int    `json:"max_heartbeat_age_sec,omitempty"`
	NodeID               string `json:"node_id,omitempty"`
}

// Entity is an optional identity record assigning a role to a node.
type Entity struct {
	NodeID   string         `json:"node_id"`
	Name     string         `json:"name"`
	Role     string         `json:"role,omitempty"`
	Contract map[string]any `json:"contract,omitempty"`
}

// Interval defaults applied when the document leaves a field zero.
const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultMaxHeartbeatAge   = 30 * time.Second
	defaultRawInterval       = 5 * time.Second
	defaultDiffInterval      = 10 * time.Second
	defaultRawTTL            = 20 * time.Second
)

// HeartbeatInterval returns the emitter cadence.
func (d *Document) HeartbeatInterval() time.Duration {
	return secondsOr(d.Mesh.HeartbeatIntervalSec, defaultHeartbeatInterval)
}

// MaxHeartbeatAge returns the staleness threshold for mesh entries.
func (d *Document) MaxHeartbeatAge() time.Duration {
	return secondsOr(d.Mesh.MaxHeartbeatAgeSec, defaultMaxHeartbeatAge)
}

// RawInterval returns the raw chain worker cadence.
func (d *Document) RawInterval() time.Duration {
	return secondsOr(d.ChainFeed.Raw.IntervalSec, defaultRawInterval)
}

// RawTTL returns the TTL applied to raw chain frames.
func (d *Document) RawTTL() time.Duration {
	return secondsOr(d.ChainFeed.Raw.TTLSec, defaultRawTTL)
}

// DiffInterval returns the diff worker cadence.
func (d *Document) DiffInterval() time.Duration {
	return secondsOr(d.ChainFeed.DiffIntervalSec, defaultDiffInterval)
}

// EntityFor returns the entity record assigned to nodeID, if any.
func (d *Document) EntityFor(nodeID string) (Entity, bool) {
	for _, e := range d.Entities {
		if e.NodeID == nodeID {
			return e, true
		}
	}
	return Entity{}, false
}

// Clone returns a deep copy safe to mutate independently.
func (d *Document) Clone() *Document {
	data, err := json.Marshal(d)
	if err != nil {
		// Document is plain data; marshal cannot fail on a valid one.
		panic(fmt.Sprintf("truth: clone marshal: %v", err))
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("truth: clone unmarshal: %v", err))
	}
	return &out
}

func secondsOr(sec int, fallback time.Duration) time.Duration {
	if sec <= 0 {
		return fallback
	}
	return time.Duration(sec) * time.Second
}

// DefaultSeedPaths are tried in order when no explicit seed path is given.
var DefaultSeedPaths = []string{
	"canonical_truth.json",
	"config/canonical_truth.json",
	"/app/canonical_truth.json",
	"/app/config/canonical_truth.json",
}

// LoadSeed reads the first existing path and decodes it. paths may be
// empty, in which case DefaultSeedPaths apply. A missing seed is fatal
// for the caller: the node cannot run without a truth document.
func LoadSeed(paths ...string) (*Document, error) {
	if len(paths) == 0 {
		paths = DefaultSeedPaths
	}
	var firstErr error
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("truth seed %s: %w", p, err)
		}
		if doc.Version == "" {
			return nil, fmt.Errorf("truth seed %s: missing version", p)
		}
		return &doc, nil
	}
	return nil, fmt.Errorf("truth seed not found in %v: %w", paths, firstErr)
}
