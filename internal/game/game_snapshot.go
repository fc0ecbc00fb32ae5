package game

import (
	"sync/atomic"
	"time"
)

// ResourceLimits caps what the world accepts and what a snapshot carries.
type ResourceLimits struct {
	MaxPlayers          int // joined connections
	MaxSnapshotEntities int // entities copied into a snapshot
}

// DefaultLimits are used when Options leaves limits zero.
var DefaultLimits = ResourceLimits{
	MaxPlayers:          256,
	MaxSnapshotEntities: 1024,
}

// EntitySnapshot is a value copy of one entity for the status endpoints.
type EntitySnapshot struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Kind           string  `json:"kind"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Owner          uint32  `json:"owner,omitempty"`
	AlwaysRelevant bool    `json:"alwaysRelevant,omitempty"`
	Active         bool    `json:"active"`
}

// WorldSnapshot is an immutable copy of the world taken at the end of a tick.
type WorldSnapshot struct {
	Sequence   uint64    `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
	TickNumber uint64    `json:"tick"`

	Entities []EntitySnapshot `json:"entities"`

	EntityCount int  `json:"entityCount"` // may exceed len(Entities)
	PlayerCount int  `json:"playerCount"`
	Truncated   bool `json:"truncated,omitempty"`
}

// Clone deep-copies s so it can leave the engine lock.
func (s *WorldSnapshot) Clone() WorldSnapshot {
	out := *s
	out.Entities = append([]EntitySnapshot(nil), s.Entities...)
	return out
}

// SnapshotPool triple-buffers snapshots so the tick writes one while readers
// hold another, with no allocation after warm-up.
type SnapshotPool struct {
	snapshots [3]WorldSnapshot
	limits    ResourceLimits
	writeIdx  atomic.Uint32
	readIdx   atomic.Uint32
	sequence  atomic.Uint64
}

func NewSnapshotPool(limits ResourceLimits) *SnapshotPool {
	pool := &SnapshotPool{limits: limits}
	for i := range pool.snapshots {
		pool.snapshots[i].Entities = make([]EntitySnapshot, 0, limits.MaxSnapshotEntities)
	}
	return pool
}

// AcquireWrite returns the next slot, reset. Tick goroutine only.
func (p *SnapshotPool) AcquireWrite() *WorldSnapshot {
	idx := p.writeIdx.Add(1) % 3
	snap := &p.snapshots[idx]
	snap.Entities = snap.Entities[:0]
	snap.Truncated = false
	snap.Sequence = p.sequence.Add(1)
	snap.Timestamp = time.Now()
	return snap
}

// PublishWrite makes the last acquired slot the one readers see.
func (p *SnapshotPool) PublishWrite() {
	p.readIdx.Store(p.writeIdx.Load())
}

// AcquireRead returns the latest published snapshot. The zero snapshot is
// returned before the first publish.
func (p *SnapshotPool) AcquireRead() *WorldSnapshot {
	return &p.snapshots[p.readIdx.Load()%3]
}

func (p *SnapshotPool) Limits() ResourceLimits { return p.limits }
