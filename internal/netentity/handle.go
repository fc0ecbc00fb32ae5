package netentity

import (
	"fmt"
	"strconv"
	"strings"
)

// NetEntityID is unique per entity instance: the arena index in the low 32
// bits and the slot generation in the high 32 bits. An ID is not reused
// until its slot's generation wraps.
type NetEntityID uint64

const InvalidNetEntityID NetEntityID = 0

func makeNetEntityID(index, generation uint32) NetEntityID {
	return NetEntityID(uint64(generation)<<32 | uint64(index))
}

func (id NetEntityID) index() uint32      { return uint32(id) }
func (id NetEntityID) generation() uint32 { return uint32(id >> 32) }

func (id NetEntityID) String() string {
	return fmt.Sprintf("%d:%d", id.index(), id.generation())
}

// ParseNetEntityID parses the "index:generation" form produced by String.
func ParseNetEntityID(s string) (NetEntityID, error) {
	idx, gen, ok := strings.Cut(s, ":")
	if !ok {
		return InvalidNetEntityID, fmt.Errorf("net entity id %q: missing generation", s)
	}
	i, err := strconv.ParseUint(idx, 10, 32)
	if err != nil {
		return InvalidNetEntityID, fmt.Errorf("net entity id %q: %w", s, err)
	}
	g, err := strconv.ParseUint(gen, 10, 32)
	if err != nil {
		return InvalidNetEntityID, fmt.Errorf("net entity id %q: %w", s, err)
	}
	return makeNetEntityID(uint32(i), uint32(g)), nil
}

// ConstHandle is a non-owning reference to a networked entity.
// The zero value is the null handle.
type ConstHandle struct {
	id      NetEntityID
	manager *Manager
}

// NetEntityID returns the id the handle was created for, even if the entity is gone.
func (h ConstHandle) NetEntityID() NetEntityID { return h.id }

// IsNull reports whether the handle was never bound to an entity.
func (h ConstHandle) IsNull() bool { return h.manager == nil || h.id == InvalidNetEntityID }

// Exists reports whether the referenced entity is still alive.
func (h ConstHandle) Exists() bool { return h.Entity() != nil }

// Entity resolves the handle through the store. It returns nil when the
// handle is null or the entity has been removed.
func (h ConstHandle) Entity() *Entity {
	if h.IsNull() {
		return nil
	}
	return h.manager.resolve(h.id)
}

func (h ConstHandle) String() string {
	if h.IsNull() {
		return "null"
	}
	if e := h.Entity(); e != nil {
		return fmt.Sprintf("%s(%s)", e.Name, h.id)
	}
	return fmt.Sprintf("stale(%s)", h.id)
}
