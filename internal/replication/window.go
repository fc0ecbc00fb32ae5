package replication

import (
	"fmt"
	"image/color"
	"log"
	"math"
	"sort"
	"time"

	"multiplayer/internal/netentity"
)

// WindowConfig tunes a ServerToClientReplicationWindow.
type WindowConfig struct {
	// MaxEntitySendCount is the window size and the per-tick send cap.
	MaxEntitySendCount uint32
	// ViewRadius bounds the spatial query around the controlled entity.
	ViewRadius float64
	// UpdateInterval is how long a computed set stays valid when the domain
	// has not changed.
	UpdateInterval time.Duration

	DistanceWeight      float64
	AgeWeight           float64
	AgeCap              int
	AlwaysRelevantBoost float64
}

// DefaultWindowConfig returns the values the server uses when nothing is configured.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		MaxEntitySendCount:  64,
		ViewRadius:          500,
		UpdateInterval:      100 * time.Millisecond,
		DistanceWeight:      10,
		AgeWeight:           0.5,
		AgeCap:              20,
		AlwaysRelevantBoost: 5,
	}
}

// Candidate is what a PriorityFunc sees about one entity.
type Candidate struct {
	Handle           netentity.ConstHandle
	Distance         float64 // from the controlled entity; +Inf when there is none
	AlwaysRelevant   bool
	UpdatesSinceSent int // window updates since the entity was last sent
}

// PriorityFunc scores a candidate; higher is sent first.
type PriorityFunc func(c Candidate) float32

// WindowStats counts what the window did over its lifetime.
type WindowStats struct {
	Updates        uint64
	PinnedDropped  uint64
	LastSetSize    int
	LastCandidates int
}

// ServerToClientReplicationWindow picks, for one client connection, the
// entities near the entity it controls plus those flagged always relevant.
//
// Entities the connection controls are pinned ahead of everything else and
// replicated as Autonomous. If the connection controls more entities than the
// window holds, the surplus is dropped from the set, counted and logged.
type ServerToClientReplicationWindow struct {
	conn     netentity.ConnectionID
	entities *netentity.Manager
	domain   EntityDomain
	spatial  SpatialQuery
	cfg      WindowConfig
	priority PriorityFunc
	now      func() time.Time

	set            ReplicationSet
	updated        bool
	lastUpdate     time.Time
	domainRevision uint64
	viewX, viewY   float64
	hasViewer      bool

	// update counter at which each entity was last sent
	lastSent map[netentity.NetEntityID]uint64
	stats    WindowStats
}

// NewServerToClientReplicationWindow builds a window for conn. spatial may be
// nil, in which case only owned and always-relevant entities are candidates.
func NewServerToClientReplicationWindow(conn netentity.ConnectionID, entities *netentity.Manager,
	domain EntityDomain, spatial SpatialQuery, cfg WindowConfig) *ServerToClientReplicationWindow {
	w := &ServerToClientReplicationWindow{
		conn:     conn,
		entities: entities,
		domain:   domain,
		spatial:  spatial,
		cfg:      cfg,
		now:      time.Now,
		set:      ReplicationSet{},
		lastSent: make(map[netentity.NetEntityID]uint64),
	}
	w.priority = w.defaultPriority
	return w
}

// SetPriorityFunc replaces the scoring function. nil restores the default.
func (w *ServerToClientReplicationWindow) SetPriorityFunc(fn PriorityFunc) {
	if fn == nil {
		fn = w.defaultPriority
	}
	w.priority = fn
}

// SetClock replaces time.Now, for tests.
func (w *ServerToClientReplicationWindow) SetClock(now func() time.Time) { w.now = now }

func (w *ServerToClientReplicationWindow) Config() WindowConfig { return w.cfg }

func (w *ServerToClientReplicationWindow) Stats() WindowStats { return w.stats }

func (w *ServerToClientReplicationWindow) ReplicationSetUpdateReady() bool {
	if !w.updated {
		return true
	}
	if w.domain != nil && w.domain.Revision() != w.domainRevision {
		return true
	}
	return w.now().Sub(w.lastUpdate) >= w.cfg.UpdateInterval
}

func (w *ServerToClientReplicationWindow) ReplicationSet() ReplicationSet { return w.set }

func (w *ServerToClientReplicationWindow) MaxEntityReplicatorSendCount() uint32 {
	return w.cfg.MaxEntitySendCount
}

func (w *ServerToClientReplicationWindow) IsInWindow(h netentity.ConstHandle) (netentity.Role, bool) {
	data, ok := w.set[h]
	if !ok {
		return netentity.InvalidRole, false
	}
	return data.Role, true
}

// EntitySent records that id went out in this connection's updates.
func (w *ServerToClientReplicationWindow) EntitySent(id netentity.NetEntityID) {
	w.lastSent[id] = w.stats.Updates
}

type scored struct {
	handle   netentity.ConstHandle
	pinned   bool
	priority float32
}

func (w *ServerToClientReplicationWindow) UpdateWindow() {
	w.stats.Updates++
	w.updated = true
	w.lastUpdate = w.now()
	if w.domain != nil {
		w.domainRevision = w.domain.Revision()
	}

	candidates := w.gatherCandidates()
	w.stats.LastCandidates = len(candidates)

	budget := int(w.cfg.MaxEntitySendCount)
	next := make(ReplicationSet, min(len(candidates), budget))
	if budget == 0 || len(candidates) == 0 {
		w.set = next
		w.stats.LastSetSize = 0
		w.forgetStale()
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.pinned != b.pinned {
			return a.pinned
		}
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.handle.NetEntityID() < b.handle.NetEntityID()
	})

	if len(candidates) > budget {
		if dropped := countPinned(candidates[budget:]); dropped > 0 {
			w.stats.PinnedDropped += uint64(dropped)
			log.Printf("⚠️ Connection %d controls more entities than its window holds: %d autonomous entities not replicated (window %d)",
				w.conn, dropped, budget)
		}
		candidates = candidates[:budget]
	}

	for _, c := range candidates {
		role := netentity.Client
		if c.pinned {
			role = netentity.Autonomous
		}
		next[c.handle] = EntityReplicationData{Role: role, Priority: c.priority}
	}
	w.set = next
	w.stats.LastSetSize = len(next)
	w.forgetStale()
}

// gatherCandidates returns every in-domain entity the connection could see,
// each once, already scored.
func (w *ServerToClientReplicationWindow) gatherCandidates() []scored {
	seen := make(map[netentity.NetEntityID]struct{})
	var out []scored

	add := func(h netentity.ConstHandle, pinned bool) {
		if _, dup := seen[h.NetEntityID()]; dup {
			return
		}
		if w.domain != nil && !w.domain.IsInDomain(h) {
			return
		}
		e := h.Entity()
		if e == nil {
			return
		}
		seen[h.NetEntityID()] = struct{}{}
		out = append(out, scored{handle: h, pinned: pinned, priority: w.priority(w.candidate(h, e))})
	}

	var owned []netentity.ConstHandle
	if w.conn != netentity.InvalidConnectionID {
		owned = w.entities.OwnedBy(w.conn)
	}
	w.hasViewer = false
	for _, h := range owned {
		if e := h.Entity(); e != nil && !w.hasViewer {
			w.viewX, w.viewY = e.X, e.Y
			w.hasViewer = true
		}
	}
	for _, h := range owned {
		add(h, true)
	}

	if w.hasViewer && w.spatial != nil {
		for _, h := range w.spatial.QueryRadius(w.viewX, w.viewY, w.cfg.ViewRadius) {
			add(h, false)
		}
	}

	for _, h := range w.entities.Entities() {
		if e := h.Entity(); e != nil && e.AlwaysRelevant {
			add(h, false)
		}
	}
	return out
}

func (w *ServerToClientReplicationWindow) candidate(h netentity.ConstHandle, e *netentity.Entity) Candidate {
	c := Candidate{
		Handle:         h,
		Distance:       math.Inf(1),
		AlwaysRelevant: e.AlwaysRelevant,
	}
	if w.hasViewer {
		c.Distance = math.Hypot(e.X-w.viewX, e.Y-w.viewY)
	}
	if sent, ok := w.lastSent[h.NetEntityID()]; ok {
		c.UpdatesSinceSent = int(w.stats.Updates - sent)
	} else {
		c.UpdatesSinceSent = w.cfg.AgeCap
	}
	return c
}

// defaultPriority is relevance boost plus inverse distance plus a capped age
// term, so far entities that have waited long still get a turn.
func (w *ServerToClientReplicationWindow) defaultPriority(c Candidate) float32 {
	var p float64
	if c.AlwaysRelevant {
		p += w.cfg.AlwaysRelevantBoost
	}
	if !math.IsInf(c.Distance, 1) && w.cfg.ViewRadius > 0 {
		p += w.cfg.DistanceWeight / (1 + c.Distance/w.cfg.ViewRadius)
	}
	p += float64(min(c.UpdatesSinceSent, w.cfg.AgeCap)) * w.cfg.AgeWeight
	return float32(p)
}

// forgetStale drops send history for entities that no longer exist.
func (w *ServerToClientReplicationWindow) forgetStale() {
	for id := range w.lastSent {
		if w.entities.GetEntity(id).IsNull() {
			delete(w.lastSent, id)
		}
	}
}

func countPinned(cs []scored) int {
	n := 0
	for _, c := range cs {
		if c.pinned {
			n++
		}
	}
	return n
}

var (
	debugViewColor    = color.RGBA{80, 160, 255, 255}
	debugAutoColor    = color.RGBA{80, 220, 120, 255}
	debugClientColor  = color.RGBA{240, 200, 60, 255}
	debugTextColor    = color.White
	debugEntityRadius = 6.0
)

// DebugDraw draws the view radius, each replicated entity and its priority.
func (w *ServerToClientReplicationWindow) DebugDraw(d DebugDrawer) {
	if w.hasViewer {
		d.Circle(w.viewX, w.viewY, w.cfg.ViewRadius, false, debugViewColor)
	}
	for _, h := range w.set.Handles() {
		e := h.Entity()
		if e == nil {
			continue
		}
		data := w.set[h]
		c := debugClientColor
		if data.Role == netentity.Autonomous {
			c = debugAutoColor
		}
		d.Circle(e.X, e.Y, debugEntityRadius, true, c)
		d.Text(e.X, e.Y-debugEntityRadius*2, fmt.Sprintf("%s %.1f", e.Name, data.Priority), debugTextColor)
	}
}
