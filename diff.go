package chainfeed

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// FieldChange records one field moving from Old to New between two frames.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// ContractChange lists the fields of a surviving contract that changed.
type ContractChange struct {
	Key          ContractKey            `json:"key"`
	FieldChanges map[string]FieldChange `json:"field_changes"`
}

// Diff is the delta between two successive frames of the same symbol.
// The window (PrevTS, FrameTS) is strictly increasing.
type Diff struct {
	Symbol  string           `json:"symbol"`
	Source  string           `json:"source"`
	PrevTS  string           `json:"prev_ts"`
	FrameTS string           `json:"frame_ts"`
	Added   []OptionContract `json:"added"`
	Removed []OptionContract `json:"removed"`
	Changed []ContractChange `json:"changed"`
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Serialize returns the canonical JSON encoding of the diff.
func (d Diff) Serialize() ([]byte, error) {
	return json.Marshal(d)
}

// ComputeDiff derives the delta from prev to current. Contracts are matched
// by (contract_type, strike, expiry); numeric fields compare beyond epsilon
// (exact inequality at epsilon 0), everything else by equality.
func ComputeDiff(prev, current Chain, epsilon float64) (Diff, error) {
	if prev.Symbol != current.Symbol {
		return Diff{}, fmt.Errorf("diff symbol mismatch: %q vs %q", prev.Symbol, current.Symbol)
	}
	// Compare as instants, not strings: RFC3339Nano drops trailing zeros,
	// so "14:00:00Z" sorts after the later "14:00:00.5Z" lexically.
	prevAt, err := time.Parse(time.RFC3339Nano, prev.FrameTS)
	if err != nil {
		return Diff{}, fmt.Errorf("diff prev frame_ts %q: %w", prev.FrameTS, err)
	}
	curAt, err := time.Parse(time.RFC3339Nano, current.FrameTS)
	if err != nil {
		return Diff{}, fmt.Errorf("diff current frame_ts %q: %w", current.FrameTS, err)
	}
	if !curAt.After(prevAt) {
		return Diff{}, fmt.Errorf("diff window not increasing: prev %s >= current %s", prev.FrameTS, current.FrameTS)
	}

	prevIdx := prev.Index()
	curIdx := current.Index()

	d := Diff{
		Symbol:  current.Symbol,
		Source:  current.Source,
		PrevTS:  prev.FrameTS,
		FrameTS: current.FrameTS,
		Added:   []OptionContract{},
		Removed: []OptionContract{},
		Changed: []ContractChange{},
	}

	for key, cur := range curIdx {
		old, ok := prevIdx[key]
		if !ok {
			d.Added = append(d.Added, cur)
			continue
		}
		changes := fieldChanges(old, cur, epsilon)
		if len(changes) > 0 {
			d.Changed = append(d.Changed, ContractChange{Key: key, FieldChanges: changes})
		}
	}
	for key, old := range prevIdx {
		if _, ok := curIdx[key]; !ok {
			d.Removed = append(d.Removed, old)
		}
	}

	sortContracts(d.Added)
	sortContracts(d.Removed)
	sort.Slice(d.Changed, func(i, j int) bool {
		return d.Changed[i].Key.String() < d.Changed[j].Key.String()
	})
	return d, nil
}

// Apply reconstructs the current frame from prev plus this diff.
// For every well-formed diff D over (prev, current), prev.Apply(D)
// equals current up to contract ordering.
func (d Diff) Apply(prev Chain) Chain {
	idx := prev.Index()
	for _, ch := range d.Changed {
		if c, ok := idx[ch.Key]; ok {
			idx[ch.Key] = applyFieldChanges(c, ch.FieldChanges)
		}
	}
	for _, r := range d.Removed {
		delete(idx, r.Key())
	}
	for _, a := range d.Added {
		idx[a.Key()] = a
	}

	contracts := make([]OptionContract, 0, len(idx))
	for _, c := range idx {
		contracts = append(contracts, c)
	}
	sortContracts(contracts)

	return Chain{
		Symbol:    d.Symbol,
		Source:    d.Source,
		FrameTS:   d.FrameTS,
		Count:     len(contracts),
		Contracts: contracts,
	}
}

func sortContracts(cs []OptionContract) {
	sort.Slice(cs, func(i, j int) bool {
		return cs[i].Key().String() < cs[j].Key().String()
	})
}

func fieldChanges(old, cur OptionContract, epsilon float64) map[string]FieldChange {
	out := map[string]FieldChange{}
	numeric := func(name string, a, b *float64) {
		switch {
		case a == nil && b == nil:
		case a == nil || b == nil:
			out[name] = FieldChange{Old: deref(a), New: deref(b)}
		default:
			if abs(*a-*b) > epsilon {
				out[name] = FieldChange{Old: *a, New: *b}
			}
		}
	}
	count := func(name string, a, b *int64) {
		switch {
		case a == nil && b == nil:
		case a == nil || b == nil:
			out[name] = FieldChange{Old: derefInt(a), New: derefInt(b)}
		default:
			if *a != *b {
				out[name] = FieldChange{Old: *a, New: *b}
			}
		}
	}

	numeric("bid", old.Bid, cur.Bid)
	numeric("ask", old.Ask, cur.Ask)
	numeric("mark", old.Mark, cur.Mark)
	numeric("iv", old.IV, cur.IV)
	numeric("delta", old.Delta, cur.Delta)
	numeric("gamma", old.Gamma, cur.Gamma)
	numeric("theta", old.Theta, cur.Theta)
	numeric("vega", old.Vega, cur.Vega)
	count("oi", old.OI, cur.OI)
	count("volume", old.Volume, cur.Volume)
	if old.Updated != cur.Updated {
		out["updated"] = FieldChange{Old: old.Updated, New: cur.Updated}
	}
	return out
}

func applyFieldChanges(c OptionContract, changes map[string]FieldChange) OptionContract {
	for name, ch := range changes {
		switch name {
		case "bid":
			c.Bid = toFloatPtr(ch.New)
		case "ask":
			c.Ask = toFloatPtr(ch.New)
		case "mark":
			c.Mark = toFloatPtr(ch.New)
		case "iv":
			c.IV = toFloatPtr(ch.New)
		case "delta":
			c.Delta = toFloatPtr(ch.New)
		case "gamma":
			c.Gamma = toFloatPtr(ch.New)
		case "theta":
			c.Theta = toFloatPtr(ch.New)
		case "vega":
			c.Vega = toFloatPtr(ch.New)
		case "oi":
			c.OI = toIntPtr(ch.New)
		case "volume":
			c.Volume = toIntPtr(ch.New)
		case "updated":
			if s, ok := ch.New.(string); ok {
				c.Updated = s
			}
		}
	}
	return c
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func deref(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func derefInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// toFloatPtr tolerates both float64 and json.Number shapes: a diff that has
// round-tripped through JSON carries float64 values.
func toFloatPtr(v any) *float64 {
	switch n := v.(type) {
	case nil:
		return nil
	case float64:
		return &n
	case int64:
		f := float64(n)
		return &f
	case int:
		f := float64(n)
		return &f
	}
	return nil
}

func toIntPtr(v any) *int64 {
	switch n := v.(type) {
	case nil:
		return nil
	case int64:
		return &n
	case int:
		i := int64(n)
		return &i
	case float64:
		i := int64(n)
		return &i
	}
	return nil
}
