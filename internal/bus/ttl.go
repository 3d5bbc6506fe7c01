package bus

import (
	"strings"
	"time"
)

// Persistent is the TTL sentinel for keys that never expire.
const Persistent = time.Duration(-1)

// DefaultTTL applies to keys that match no policy prefix.
const DefaultTTL = 15 * time.Second

// TTLPolicy maps bus key prefixes to expirations. Longest matching prefix
// wins; keys that match nothing receive DefaultTTL.
type TTLPolicy struct {
	prefixes []prefixTTL
}

type prefixTTL struct {
	prefix string
	ttl    time.Duration
}

// DefaultPolicy returns the canonical prefix table shared by all nodes.
// heartbeatTTL <= 0 selects the 15 s default. Keys outside the table take
// DefaultTTL; writers of persistent truth:* keys pass Persistent explicitly.
func DefaultPolicy(heartbeatTTL time.Duration) TTLPolicy {
	if heartbeatTTL <= 0 {
		heartbeatTTL = 15 * time.Second
	}
	return NewTTLPolicy(map[string]time.Duration{
		"meta:":        Persistent,
		"config:":      Persistent,
		"expirations:": Persistent,
		"mesh:":        600 * time.Second,
		"heartbeat:":   heartbeatTTL,
		"chainfeed:":   20 * time.Second,
		"feed:":        15 * time.Second,
	})
}

// NewTTLPolicy builds a policy from a prefix table.
func NewTTLPolicy(table map[string]time.Duration) TTLPolicy {
	p := TTLPolicy{prefixes: make([]prefixTTL, 0, len(table))}
	for prefix, ttl := range table {
		p.prefixes = append(p.prefixes, prefixTTL{prefix: prefix, ttl: ttl})
	}
	return p
}

// For returns the TTL for a key. Persistent means no expiration.
func (p TTLPolicy) For(key string) time.Duration {
	best := DefaultTTL
	bestLen := -1
	for _, e := range p.prefixes {
		if strings.HasPrefix(key, e.prefix) && len(e.prefix) > bestLen {
			best = e.ttl
			bestLen = len(e.prefix)
		}
	}
	return best
}
