package node

import (
	"os"

	"chainfeed"
	"chainfeed/internal/group"
	"chainfeed/internal/truth"
)

// DefaultGroup is the group every node belongs to when no registry
// assigns it elsewhere.
const DefaultGroup = "default"

// resolveIdentity fixes the process-wide node identity once, during the
// first startup phase: NODE_ID env > truth mesh.node_id > hostname.
func resolveIdentity(doc *truth.Document, reg *group.Registry) chainfeed.Identity {
	nodeID := os.Getenv("NODE_ID")
	if nodeID == "" {
		nodeID = doc.Mesh.NodeID
	}
	if nodeID == "" {
		if host, err := os.Hostname(); err == nil {
			nodeID = host
		} else {
			nodeID = "node-unknown"
		}
	}

	groups := []string{DefaultGroup}
	if reg != nil && len(reg.Names()) > 0 {
		groups = reg.Names()
	}
	return chainfeed.Identity{NodeID: nodeID, Groups: groups}
}

// groupSymbols maps each group to its member symbols: registry members
// when defined, the truth default symbols for the default group.
func groupSymbols(doc *truth.Document, reg *group.Registry, id chainfeed.Identity) map[string][]string {
	out := make(map[string][]string, len(id.Groups))
	for _, g := range id.Groups {
		if reg != nil && reg.Contains(g) {
			out[g] = reg.Members(g)
			continue
		}
		if g == DefaultGroup {
			out[g] = doc.ChainFeed.DefaultSymbols
		}
	}
	return out
}
