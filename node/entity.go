package node

import (
	"context"
	"fmt"
	"time"

	"chainfeed"
	"chainfeed/internal/bus"
)

// seatRecord is the identity record a node writes when the truth assigns
// it an entity role.
type seatRecord struct {
	NodeID    string `json:"node_id"`
	Name      string `json:"name"`
	Role      string `json:"role,omitempty"`
	Timestamp string `json:"timestamp"`
}

type presenceRecord struct {
	Name      string `json:"name"`
	NodeID    string `json:"node_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// initEntityBridge writes the seat, presence, and contract records when
// the truth's entities list names this node. A node without an entity
// skips the phase; that is the common case, not an error.
func (n *Node) initEntityBridge(ctx context.Context) (announced bool, err error) {
	entity, ok := n.truth.Get().EntityFor(n.identity.NodeID)
	if !ok {
		return false, nil
	}

	now := n.clock.Now().UTC().Format(time.RFC3339Nano)
	seat := seatRecord{
		NodeID:    n.identity.NodeID,
		Name:      entity.Name,
		Role:      entity.Role,
		Timestamp: now,
	}
	if err := n.bus.SetJSON(ctx, chainfeed.KeyEntitySeat(n.identity.NodeID), seat, bus.Persistent); err != nil {
		return false, fmt.Errorf("entity seat: %w", err)
	}

	presence := presenceRecord{
		Name:      entity.Name,
		NodeID:    n.identity.NodeID,
		Status:    "present",
		Timestamp: now,
	}
	if err := n.bus.SetJSON(ctx, chainfeed.KeyEntityPresence(entity.Name), presence, bus.Persistent); err != nil {
		return false, fmt.Errorf("entity presence: %w", err)
	}

	if len(entity.Contract) > 0 {
		if err := n.bus.SetJSON(ctx, chainfeed.KeyEntityContract(entity.Name), entity.Contract, bus.Persistent); err != nil {
			return false, fmt.Errorf("entity contract: %w", err)
		}
	}
	return true, nil
}
