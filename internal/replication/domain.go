package replication

import (
	"sort"

	"multiplayer/internal/netentity"
)

// EntityDomain answers whether an entity is a candidate for a connection at
// all, independent of bandwidth, and remembers which tracked entities left.
type EntityDomain interface {
	IsInDomain(h netentity.ConstHandle) bool
	// ActivateTracking rebuilds the tracked set from owned plus the current
	// world state. Called when a connection is (re)established.
	ActivateTracking(owned []netentity.ConstHandle)
	// RetrieveEntitiesNotInDomain returns tracked entities that stopped
	// qualifying since the last call, each exactly once, ordered by id.
	RetrieveEntitiesNotInDomain() []netentity.ConstHandle
	// Revision increases whenever domain membership changes.
	Revision() uint64
	// Close detaches the domain from entity events.
	Close()
}

// trackingDomain holds the bookkeeping shared by every domain; the rule
// deciding membership is supplied by the concrete type.
type trackingDomain struct {
	entities *netentity.Manager
	accepts  func(e *netentity.Entity) bool

	tracked     map[netentity.NetEntityID]netentity.ConstHandle
	notInDomain map[netentity.NetEntityID]netentity.ConstHandle
	revision    uint64
	subs        []*netentity.Subscription
}

func newTrackingDomain(entities *netentity.Manager, accepts func(*netentity.Entity) bool) *trackingDomain {
	d := &trackingDomain{
		entities:    entities,
		accepts:     accepts,
		tracked:     make(map[netentity.NetEntityID]netentity.ConstHandle),
		notInDomain: make(map[netentity.NetEntityID]netentity.ConstHandle),
	}
	d.subs = append(d.subs,
		entities.OnControllersActivated(d.reevaluate),
		entities.OnControllersDeactivated(d.reevaluate),
	)
	return d
}

func (d *trackingDomain) IsInDomain(h netentity.ConstHandle) bool {
	e := h.Entity()
	return e != nil && e.ControllersActive() && d.accepts(e)
}

func (d *trackingDomain) ActivateTracking(owned []netentity.ConstHandle) {
	d.tracked = make(map[netentity.NetEntityID]netentity.ConstHandle, len(owned))
	d.notInDomain = make(map[netentity.NetEntityID]netentity.ConstHandle)

	for _, h := range owned {
		if d.IsInDomain(h) {
			d.tracked[h.NetEntityID()] = h
		} else {
			d.notInDomain[h.NetEntityID()] = h
		}
	}
	for _, h := range d.entities.Entities() {
		if d.IsInDomain(h) {
			d.tracked[h.NetEntityID()] = h
		}
	}
	d.revision++
}

func (d *trackingDomain) RetrieveEntitiesNotInDomain() []netentity.ConstHandle {
	if len(d.notInDomain) == 0 {
		return nil
	}
	out := make([]netentity.ConstHandle, 0, len(d.notInDomain))
	for _, h := range d.notInDomain {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NetEntityID() < out[j].NetEntityID() })
	d.notInDomain = make(map[netentity.NetEntityID]netentity.ConstHandle)
	return out
}

func (d *trackingDomain) Revision() uint64 { return d.revision }

func (d *trackingDomain) Close() {
	for _, s := range d.subs {
		s.Close()
	}
	d.subs = nil
}

// TrackedCount returns the number of entities currently tracked.
func (d *trackingDomain) TrackedCount() int { return len(d.tracked) }

// reevaluate moves h between the tracked and exited sets after an event.
func (d *trackingDomain) reevaluate(h netentity.ConstHandle) {
	id := h.NetEntityID()
	_, wasTracked := d.tracked[id]
	in := d.IsInDomain(h)

	switch {
	case in && !wasTracked:
		d.tracked[id] = h
		delete(d.notInDomain, id)
	case !in && wasTracked:
		delete(d.tracked, id)
		d.notInDomain[id] = h
	default:
		return
	}
	d.revision++
}

// GlobalEntityDomain accepts every entity whose controllers are active.
type GlobalEntityDomain struct {
	*trackingDomain
}

// NewGlobalEntityDomain subscribes to entities' controller events. Call
// Close when the connection goes away.
func NewGlobalEntityDomain(entities *netentity.Manager) *GlobalEntityDomain {
	return &GlobalEntityDomain{
		trackingDomain: newTrackingDomain(entities, func(*netentity.Entity) bool { return true }),
	}
}

// Bounds is an axis-aligned rectangle in world units, max exclusive.
type Bounds struct {
	MinX, MinY float64
	MaxX, MaxY float64
}

// Contains reports whether (x, y) lies inside b.
func (b Bounds) Contains(x, y float64) bool {
	return x >= b.MinX && x < b.MaxX && y >= b.MinY && y < b.MaxY
}

// RegionEntityDomain accepts active entities positioned inside a rectangle,
// for servers that split the world between hosts.
type RegionEntityDomain struct {
	*trackingDomain
	bounds Bounds
}

// NewRegionEntityDomain also follows entity movement so that crossing the
// region edge counts as leaving or entering the domain.
func NewRegionEntityDomain(entities *netentity.Manager, bounds Bounds) *RegionEntityDomain {
	d := &RegionEntityDomain{bounds: bounds}
	d.trackingDomain = newTrackingDomain(entities, func(e *netentity.Entity) bool {
		return d.bounds.Contains(e.X, e.Y)
	})
	d.subs = append(d.subs, entities.OnEntityMoved(d.reevaluate))
	return d
}

func (d *RegionEntityDomain) Bounds() Bounds { return d.bounds }
