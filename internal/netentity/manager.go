package netentity

import (
	"sort"
)

// Entity is the replicated state this layer reads. Fields are written only
// through Manager methods so that membership events stay in sync.
type Entity struct {
	Name string
	// Role is this host's role for the entity.
	Role Role
	// Owner is the connection whose input drives the entity, if any.
	Owner ConnectionID
	// AlwaysRelevant entities bypass distance culling in replication windows.
	AlwaysRelevant bool

	X, Y float64

	handle            ConstHandle
	controllersActive bool
}

// Handle returns the entity's own handle.
func (e *Entity) Handle() ConstHandle { return e.handle }

// ControllersActive reports whether the entity's controllers are running.
func (e *Entity) ControllersActive() bool { return e.controllersActive }

type slot struct {
	generation uint32
	entity     *Entity
}

// Manager owns every networked entity on this host.
//
// It is not safe for concurrent use: the game tick goroutine owns it, and the
// replication layer reads it from the same goroutine.
type Manager struct {
	slots []slot
	free  []uint32
	count int

	controllersActivated   Event[ConstHandle]
	controllersDeactivated Event[ConstHandle]
	entityMoved            Event[ConstHandle]
	entityRemoved          Event[ConstHandle]
}

// NewManager creates an empty entity store.
func NewManager() *Manager {
	// Slot 0 is reserved so that the zero NetEntityID is never valid.
	return &Manager{slots: make([]slot, 1, 64)}
}

// CreateEntity adds an entity in the given local role. Controllers start inactive.
func (m *Manager) CreateEntity(name string, role Role, x, y float64) ConstHandle {
	var index uint32
	if n := len(m.free); n > 0 {
		index = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		index = uint32(len(m.slots))
		m.slots = append(m.slots, slot{generation: 1})
	}

	s := &m.slots[index]
	h := ConstHandle{id: makeNetEntityID(index, s.generation), manager: m}
	s.entity = &Entity{
		Name:   name,
		Role:   role,
		X:      x,
		Y:      y,
		handle: h,
	}
	m.count++
	return h
}

// RemoveEntity deactivates the entity's controllers, frees its slot and
// invalidates every outstanding handle. Returns false for stale handles.
func (m *Manager) RemoveEntity(h ConstHandle) bool {
	e := m.resolveHandle(h)
	if e == nil {
		return false
	}
	if e.controllersActive {
		m.DeactivateControllers(h)
	}

	index := h.id.index()
	m.slots[index].entity = nil
	m.slots[index].generation++
	if m.slots[index].generation == 0 {
		m.slots[index].generation = 1
	}
	m.free = append(m.free, index)
	m.count--

	m.entityRemoved.Signal(h)
	return true
}

// GetEntity returns a handle for id, or the null handle when id is not alive.
func (m *Manager) GetEntity(id NetEntityID) ConstHandle {
	if m.resolve(id) == nil {
		return ConstHandle{}
	}
	return ConstHandle{id: id, manager: m}
}

// ActivateControllers starts the entity's controllers and signals
// ControllersActivated. No-op when already active.
func (m *Manager) ActivateControllers(h ConstHandle) {
	e := m.resolveHandle(h)
	if e == nil || e.controllersActive {
		return
	}
	e.controllersActive = true
	m.controllersActivated.Signal(h)
}

// DeactivateControllers stops the entity's controllers and signals
// ControllersDeactivated. No-op when already inactive.
func (m *Manager) DeactivateControllers(h ConstHandle) {
	e := m.resolveHandle(h)
	if e == nil || !e.controllersActive {
		return
	}
	e.controllersActive = false
	m.controllersDeactivated.Signal(h)
}

// SetPosition moves the entity and signals EntityMoved.
func (m *Manager) SetPosition(h ConstHandle, x, y float64) {
	e := m.resolveHandle(h)
	if e == nil {
		return
	}
	if e.X == x && e.Y == y {
		return
	}
	e.X, e.Y = x, y
	m.entityMoved.Signal(h)
}

// SetOwner assigns the connection that drives the entity.
func (m *Manager) SetOwner(h ConstHandle, owner ConnectionID) {
	if e := m.resolveHandle(h); e != nil {
		e.Owner = owner
	}
}

// SetAlwaysRelevant flags the entity as replicated regardless of distance.
func (m *Manager) SetAlwaysRelevant(h ConstHandle, relevant bool) {
	if e := m.resolveHandle(h); e != nil {
		e.AlwaysRelevant = relevant
	}
}

// Count returns the number of live entities.
func (m *Manager) Count() int { return m.count }

// Entities returns handles for every live entity ordered by NetEntityID.
func (m *Manager) Entities() []ConstHandle {
	out := make([]ConstHandle, 0, m.count)
	for _, s := range m.slots {
		if s.entity != nil {
			out = append(out, s.entity.handle)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// OwnedBy returns the live entities driven by the given connection.
func (m *Manager) OwnedBy(conn ConnectionID) []ConstHandle {
	var out []ConstHandle
	for _, s := range m.slots {
		if s.entity != nil && s.entity.Owner == conn {
			out = append(out, s.entity.handle)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// OnControllersActivated subscribes to controller activation.
func (m *Manager) OnControllersActivated(fn func(ConstHandle)) *Subscription {
	return m.controllersActivated.Subscribe(fn)
}

// OnControllersDeactivated subscribes to controller deactivation.
func (m *Manager) OnControllersDeactivated(fn func(ConstHandle)) *Subscription {
	return m.controllersDeactivated.Subscribe(fn)
}

// OnEntityMoved subscribes to position changes.
func (m *Manager) OnEntityMoved(fn func(ConstHandle)) *Subscription {
	return m.entityMoved.Subscribe(fn)
}

// OnEntityRemoved subscribes to entity removal. The handle is already stale
// when the callback runs; only its NetEntityID is meaningful.
func (m *Manager) OnEntityRemoved(fn func(ConstHandle)) *Subscription {
	return m.entityRemoved.Subscribe(fn)
}

func (m *Manager) resolveHandle(h ConstHandle) *Entity {
	if h.manager != m {
		return nil
	}
	return m.resolve(h.id)
}

func (m *Manager) resolve(id NetEntityID) *Entity {
	index := id.index()
	if index == 0 || int(index) >= len(m.slots) {
		return nil
	}
	s := m.slots[index]
	if s.entity == nil || s.generation != id.generation() {
		return nil
	}
	return s.entity
}
