package mesh

import (
	"context"
	"encoding/json"
	"log/slog"

	"chainfeed"
)

// Snapshot reads the mesh registry: every known (node, group) entry and
// its last observed heartbeat. Unparseable fields are skipped.
func Snapshot(ctx context.Context, b Bus) (map[string]chainfeed.Heartbeat, error) {
	raw, err := b.HGetAll(ctx, chainfeed.KeyMeshState)
	if err != nil {
		return nil, err
	}
	out := make(map[string]chainfeed.Heartbeat, len(raw))
	for field, payload := range raw {
		var hb chainfeed.Heartbeat
		if err := json.Unmarshal([]byte(payload), &hb); err != nil {
			slog.Warn("mesh entry unreadable", "field", field, "err", err)
			continue
		}
		out[field] = hb
	}
	return out, nil
}

// Nodes returns the distinct node ids present in a registry snapshot.
func Nodes(snapshot map[string]chainfeed.Heartbeat) []string {
	seen := make(map[string]bool)
	var out []string
	for _, hb := range snapshot {
		if hb.NodeID != "" && !seen[hb.NodeID] {
			seen[hb.NodeID] = true
			out = append(out, hb.NodeID)
		}
	}
	return out
}
