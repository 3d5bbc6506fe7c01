// Package chainfeed holds the canonical data model shared by every node
// component: option contracts, chain frames, heartbeats, and worker status.
// These types are the wire contract with downstream consumers — field names
// and key layouts must not drift.
package chainfeed

import (
	"encoding/json"
	"fmt"
	"time"
)

// ContractType is the side of an option contract.
type ContractType string

const (
	Call ContractType = "call"
	Put  ContractType = "put"
)

// OptionContract is one normalized option contract snapshot. The contract
// type, strike, and expiry are always set; every other field is optional
// and nil when the provider did not report it.
type OptionContract struct {
	ContractType ContractType `json:"contract_type"`
	Strike       float64      `json:"strike"`
	Expiry       string       `json:"expiry"` // YYYY-MM-DD
	Bid          *float64     `json:"bid,omitempty"`
	Ask          *float64     `json:"ask,omitempty"`
	Mark         *float64     `json:"mark,omitempty"`
	IV           *float64     `json:"iv,omitempty"`
	Delta        *float64     `json:"delta,omitempty"`
	Gamma        *float64     `json:"gamma,omitempty"`
	Theta        *float64     `json:"theta,omitempty"`
	Vega         *float64     `json:"vega,omitempty"`
	OI           *int64       `json:"oi,omitempty"`
	Volume       *int64       `json:"volume,omitempty"`
	Updated      string       `json:"updated,omitempty"` // ISO timestamp
}

// Key returns the identity of this contract within a chain.
func (c OptionContract) Key() ContractKey {
	return ContractKey{ContractType: c.ContractType, Strike: c.Strike, Expiry: c.Expiry}
}

func (c OptionContract) String() string {
	return fmt.Sprintf("%s %.2f exp %s", c.ContractType, c.Strike, c.Expiry)
}

// Validate reports whether the contract satisfies the canonical invariants.
func (c OptionContract) Validate() error {
	if c.ContractType != Call && c.ContractType != Put {
		return fmt.Errorf("contract_type %q: must be call or put", c.ContractType)
	}
	if c.Expiry == "" {
		return fmt.Errorf("contract %s: empty expiry", c.ContractType)
	}
	return nil
}

// ContractKey identifies a contract within a chain: (type, strike, expiry).
type ContractKey struct {
	ContractType ContractType `json:"contract_type"`
	Strike       float64      `json:"strike"`
	Expiry       string       `json:"expiry"`
}

func (k ContractKey) String() string {
	return fmt.Sprintf("%s:%g:%s", k.ContractType, k.Strike, k.Expiry)
}

// Chain is one snapshot frame of an option chain for a symbol.
// Invariant: Count == len(Contracts); FrameTS is monotonically
// non-decreasing per (Symbol, Source).
type Chain struct {
	Symbol    string           `json:"symbol"`
	Source    string           `json:"source"`
	FrameTS   string           `json:"frame_ts"` // ISO timestamp
	Count     int              `json:"count"`
	Contracts []OptionContract `json:"contracts"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// NewChain builds a frame stamped at now with Count kept consistent.
func NewChain(symbol, source string, now time.Time, contracts []OptionContract) Chain {
	return Chain{
		Symbol:    symbol,
		Source:    source,
		FrameTS:   now.UTC().Format(time.RFC3339Nano),
		Count:     len(contracts),
		Contracts: contracts,
	}
}

// Index returns the chain's contracts keyed by identity. Later duplicates
// overwrite earlier ones.
func (c Chain) Index() map[ContractKey]OptionContract {
	out := make(map[ContractKey]OptionContract, len(c.Contracts))
	for _, ct := range c.Contracts {
		out[ct.Key()] = ct
	}
	return out
}

// Serialize returns the canonical JSON encoding of the frame.
func (c Chain) Serialize() ([]byte, error) {
	return json.Marshal(c)
}

// DeserializeChain rehydrates a frame from its JSON encoding.
func DeserializeChain(data []byte) (Chain, error) {
	var c Chain
	if err := json.Unmarshal(data, &c); err != nil {
		return Chain{}, fmt.Errorf("decode chain frame: %w", err)
	}
	return c, nil
}

// NodeStatus is a node's liveness state as seen by the mesh.
type NodeStatus string

const (
	StatusOnline       NodeStatus = "online"
	StatusOffline      NodeStatus = "offline"
	StatusShuttingDown NodeStatus = "shutting_down"
)

// Heartbeat is the liveness record a node writes about itself, once per
// group it participates in. Timestamp is the emitting node's wall clock
// in UTC.
type Heartbeat struct {
	NodeID    string     `json:"node_id"`
	Group     string     `json:"group"`
	Symbols   []string   `json:"symbols,omitempty"`
	Timestamp string     `json:"timestamp"`
	Status    NodeStatus `json:"status"`
	Version   string     `json:"version"`
	// ClockOffsetMS is the node's last measured NTP offset, when known.
	ClockOffsetMS *int64 `json:"clock_offset_ms,omitempty"`
}

// Field returns the mesh registry hash field for this heartbeat.
func (h Heartbeat) Field() string {
	return h.NodeID + ":" + h.Group
}

// IssuedAt parses the heartbeat timestamp. A zero time is returned for
// unparseable timestamps; callers treat those as infinitely stale.
func (h Heartbeat) IssuedAt() time.Time {
	t, err := time.Parse(time.RFC3339Nano, h.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// WorkerState is the lifecycle state of one ingestion worker.
type WorkerState string

const (
	WorkerActive   WorkerState = "active"
	WorkerInvalid  WorkerState = "invalid"
	WorkerDegraded WorkerState = "degraded"
	WorkerStopped  WorkerState = "stopped"
	WorkerFailed   WorkerState = "failed"
)

// WorkerStatus is the per-worker status record refreshed each cycle.
type WorkerStatus struct {
	State     WorkerState `json:"state"`
	ItemCount int         `json:"item_count"`
	Timestamp string      `json:"timestamp"`
	Reason    string      `json:"reason,omitempty"`
}

// SpotQuote is a published spot price, synthetic or direct.
type SpotQuote struct {
	Timestamp string  `json:"timestamp"`
	Symbol    string  `json:"symbol"`
	Spot      float64 `json:"spot"`
	Source    string  `json:"source"`
}

// Identity is the process-wide immutable node identity, resolved once at
// startup from environment, truth config, or hostname fallback.
type Identity struct {
	NodeID string
	Groups []string
}

// Clock abstracts wall time so staleness logic is testable.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
