package game

import (
	"math"

	"multiplayer/internal/game/spatial"
	"multiplayer/internal/netentity"
)

// EntityIndex answers radius queries over the entity store. It is rebuilt
// once per tick after simulation, so queries see this tick's positions.
type EntityIndex struct {
	grid    *spatial.SpatialGrid
	handles []netentity.ConstHandle // grid slot -> entity
}

func NewEntityIndex(width, height, cellSize float64, maxEntities int) *EntityIndex {
	return &EntityIndex{
		grid:    spatial.NewSpatialGrid(width, height, cellSize, maxEntities),
		handles: make([]netentity.ConstHandle, 0, maxEntities),
	}
}

// Rebuild reinserts every entity of m.
func (ix *EntityIndex) Rebuild(m *netentity.Manager) {
	ix.grid.Clear()
	ix.handles = ix.handles[:0]
	for _, h := range m.Entities() {
		e := h.Entity()
		if e == nil {
			continue
		}
		ix.grid.Insert(uint32(len(ix.handles)), e.X, e.Y)
		ix.handles = append(ix.handles, h)
	}
}

// QueryRadius returns indexed entities now within radius of (x, y). Entities
// removed or spawned since the last Rebuild are not reported.
func (ix *EntityIndex) QueryRadius(x, y, radius float64) []netentity.ConstHandle {
	var out []netentity.ConstHandle
	for _, slot := range ix.grid.QueryRadius(x, y, radius) {
		h := ix.handles[slot]
		e := h.Entity()
		if e == nil {
			continue
		}
		if math.Hypot(e.X-x, e.Y-y) <= radius {
			out = append(out, h)
		}
	}
	return out
}

func (ix *EntityIndex) Len() int { return len(ix.handles) }

func (ix *EntityIndex) Stats() spatial.GridStats { return ix.grid.Stats() }
