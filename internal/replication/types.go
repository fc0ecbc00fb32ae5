// Package replication decides which networked entities each connection sees
// and turns those decisions into entity update packets.
//
// Per tick and per connection the flow is:
//
//	EntityDomain     coarse membership, driven by controller events
//	ReplicationWindow scores in-domain candidates and keeps the top N
//	Manager          diffs the window into replicators and packs updates
//
// Nothing in this package locks. A connection's domain, window and manager
// belong to the goroutine that runs the game tick.
package replication

import (
	"image/color"
	"sort"

	"multiplayer/internal/netentity"
)

// EntityReplicationData is what a connection's window decided about one entity.
type EntityReplicationData struct {
	Role     netentity.Role
	Priority float32
}

// ReplicationSet maps every entity in a window to its replication data.
// A window replaces its set on each update and never mutates a set it has
// already handed out.
type ReplicationSet map[netentity.ConstHandle]EntityReplicationData

// Handles returns the set's entities ordered by NetEntityID.
func (s ReplicationSet) Handles() []netentity.ConstHandle {
	out := make([]netentity.ConstHandle, 0, len(s))
	for h := range s {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NetEntityID() < out[j].NetEntityID() })
	return out
}

// ReplicationWindow is the per-connection policy that bounds and prioritizes
// which entities are sent.
type ReplicationWindow interface {
	// ReplicationSetUpdateReady reports whether UpdateWindow should run this
	// tick. Called every tick; must be cheap.
	ReplicationSetUpdateReady() bool
	// ReplicationSet returns the set computed by the last UpdateWindow.
	ReplicationSet() ReplicationSet
	// MaxEntityReplicatorSendCount caps how many non-autonomous entities may
	// be packed into one tick's updates.
	MaxEntityReplicatorSendCount() uint32
	// IsInWindow reports whether h is in the current set and with what role.
	IsInWindow(h netentity.ConstHandle) (netentity.Role, bool)
	// UpdateWindow recomputes the set.
	UpdateWindow()
	// DebugDraw renders the window's current state. It must not mutate the window.
	DebugDraw(d DebugDrawer)
}

// SendObserver is implemented by windows that want to know when an entity's
// update actually went out, e.g. to age priorities.
type SendObserver interface {
	EntitySent(id netentity.NetEntityID)
}

// DebugDrawer receives draw calls in world coordinates.
type DebugDrawer interface {
	Circle(x, y, radius float64, fill bool, c color.Color)
	Text(x, y float64, s string, c color.Color)
}

// SpatialQuery finds entities whose position lies within radius of (x, y).
// Implementations do the narrow-phase distance check.
type SpatialQuery interface {
	QueryRadius(x, y, radius float64) []netentity.ConstHandle
}
