// Package game is the authoritative world host: it owns the entity store,
// simulates avatars and props at a fixed tick rate, and drives every attached
// connection's replication once per tick.
package game

import (
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"multiplayer/internal/game/spatial"
	"multiplayer/internal/netentity"
	"multiplayer/internal/netinput"
)

var (
	ErrWorldFull     = errors.New("game: world is full")
	ErrAlreadyJoined = errors.New("game: connection already joined")
	ErrNoConnection  = errors.New("game: attach returned no connection")
)

// Connection is a client the engine drives. All methods are called on the
// tick goroutine with the engine lock held.
type Connection interface {
	ID() netentity.ConnectionID
	// PollInputs returns input frames received since the last tick, oldest first.
	PollInputs() []netinput.FramedInput
	// Replicate runs after the tick's simulation and index rebuild.
	Replicate(tick uint64)
	InputStats() netinput.ReceiverStats
	// Detach releases the connection's hold on the entity store.
	Detach()
}

// AttachFunc builds the Connection for a freshly spawned avatar. It runs with
// the engine lock held, so it may read and subscribe to the entity store.
type AttachFunc func(entities *netentity.Manager, index *EntityIndex, avatar netentity.ConstHandle) (Connection, error)

// Options configures the world.
type Options struct {
	TickRate    int
	WorldWidth  float64
	WorldHeight float64
	CellSize    float64

	Wanderers   int
	Beacons     int
	PlayerSpeed float64 // units per second
	PropSpeed   float64

	Limits ResourceLimits
	Seed   int64 // zero picks a time-based seed
}

func DefaultOptions() Options {
	return Options{
		TickRate:    30,
		WorldWidth:  4000,
		WorldHeight: 4000,
		CellSize:    500,
		Wanderers:   200,
		Beacons:     4,
		PlayerSpeed: 240,
		PropSpeed:   60,
		Limits:      DefaultLimits,
	}
}

// Engine is the fixed-rate world loop.
type Engine struct {
	mu       sync.RWMutex
	entities *netentity.Manager
	index    *EntityIndex

	players     map[netentity.ConnectionID]*Player
	connections map[netentity.ConnectionID]Connection
	props       map[netentity.NetEntityID]*Prop

	leaves   *spatial.LockFreeQueue[netentity.ConnectionID]
	nextConn atomic.Uint32

	opts     Options
	running  bool
	ticker   *time.Ticker
	stopChan chan struct{}

	tickCount   uint64
	lastTickDur time.Duration

	rng *rand.Rand

	snapshotPool *SnapshotPool
	eventLog     *EventLog
	onTick       func(d time.Duration)
}

// NewEngine builds the world and spawns its props.
func NewEngine(opts Options) *Engine {
	def := DefaultOptions()
	if opts.TickRate <= 0 {
		opts.TickRate = def.TickRate
	}
	if opts.WorldWidth <= 0 || opts.WorldHeight <= 0 {
		opts.WorldWidth, opts.WorldHeight = def.WorldWidth, def.WorldHeight
	}
	if opts.CellSize <= 0 {
		opts.CellSize = def.CellSize
	}
	if opts.Limits.MaxPlayers <= 0 {
		opts.Limits.MaxPlayers = DefaultLimits.MaxPlayers
	}
	if opts.Limits.MaxSnapshotEntities <= 0 {
		opts.Limits.MaxSnapshotEntities = DefaultLimits.MaxSnapshotEntities
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	maxEntities := opts.Limits.MaxPlayers + opts.Wanderers + opts.Beacons
	e := &Engine{
		entities:     netentity.NewManager(),
		index:        NewEntityIndex(opts.WorldWidth, opts.WorldHeight, opts.CellSize, maxEntities),
		players:      make(map[netentity.ConnectionID]*Player),
		connections:  make(map[netentity.ConnectionID]Connection),
		props:        make(map[netentity.NetEntityID]*Prop),
		leaves:       spatial.NewLockFreeQueue[netentity.ConnectionID](256),
		opts:         opts,
		stopChan:     make(chan struct{}),
		rng:          rand.New(rand.NewSource(opts.Seed)),
		snapshotPool: NewSnapshotPool(opts.Limits),
		eventLog:     NewEventLog(),
	}

	for i := 0; i < opts.Wanderers; i++ {
		e.spawnPropLocked(PropWanderer, e.rng.Float64()*opts.WorldWidth, e.rng.Float64()*opts.WorldHeight)
	}
	for i := 0; i < opts.Beacons; i++ {
		// Beacons sit evenly along the horizontal midline.
		x := opts.WorldWidth * float64(i+1) / float64(opts.Beacons+1)
		e.spawnPropLocked(PropBeacon, x, opts.WorldHeight/2)
	}
	e.index.Rebuild(e.entities)
	e.produceSnapshot()
	return e
}

// Start begins the tick loop.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.ticker = time.NewTicker(time.Second / time.Duration(e.opts.TickRate))
	e.mu.Unlock()

	go func() {
		for {
			select {
			case <-e.ticker.C:
				e.tick()
			case <-e.stopChan:
				return
			}
		}
	}()

	log.Printf("🎮 World engine started at %d TPS (%d entities)", e.opts.TickRate, e.EntityCount())
}

// Stop halts the tick loop. Safe to call twice.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}
	e.running = false
	e.ticker.Stop()
	close(e.stopChan)
	log.Println("🛑 World engine stopped")
}

// SetTickObserver registers fn to receive each tick's duration. Call before Start.
func (e *Engine) SetTickObserver(fn func(d time.Duration)) {
	e.mu.Lock()
	e.onTick = fn
	e.mu.Unlock()
}

func (e *Engine) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	e.tickCount++
	dt := 1.0 / float64(e.opts.TickRate)

	e.processLeaves()

	conns := e.sortedConnections()
	for _, c := range conns {
		e.applyInputs(c)
	}
	e.stepProps(dt)

	e.index.Rebuild(e.entities)

	for _, c := range conns {
		c.Replicate(e.tickCount)
	}

	e.produceSnapshot()

	e.lastTickDur = time.Since(start)
	if e.onTick != nil {
		e.onTick(e.lastTickDur)
	}
	if e.tickCount%uint64(e.opts.TickRate) == 0 {
		e.eventLog.EmitSimple(EventTypeTick, e.tickCount, "", TickPayload{
			Entities:    e.entities.Count(),
			Players:     len(e.players),
			Connections: len(e.connections),
			DurationNs:  e.lastTickDur.Nanoseconds(),
		})
	}
}

func (e *Engine) sortedConnections() []Connection {
	out := make([]Connection, 0, len(e.connections))
	for _, c := range e.connections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// applyInputs steps the connection's avatar once per received frame. A tick
// with no frames leaves the avatar where it is.
func (e *Engine) applyInputs(c Connection) {
	frames := c.PollInputs()
	p := e.players[c.ID()]
	if p == nil || len(frames) == 0 {
		return
	}
	ent := p.Handle.Entity()
	if ent == nil {
		return
	}

	dt := 1.0 / float64(e.opts.TickRate)
	x, y := ent.X, ent.Y
	for i := range frames {
		in, ok := MoveInputFrom(&frames[i].Input)
		if !ok {
			continue
		}
		x, y = p.Step(in, x, y, e.opts.PlayerSpeed, dt, e.opts.WorldWidth, e.opts.WorldHeight)
	}
	e.entities.SetPosition(p.Handle, x, y)
}

func (e *Engine) stepProps(dt float64) {
	for _, h := range e.entities.Entities() {
		prop := e.props[h.NetEntityID()]
		ent := h.Entity()
		if prop == nil || ent == nil {
			continue
		}
		x, y := prop.Step(e.rng, ent.X, ent.Y, e.opts.PropSpeed, dt, e.opts.WorldWidth, e.opts.WorldHeight)
		e.entities.SetPosition(h, x, y)
	}
}

// =============================================================================
// CONNECTIONS
// =============================================================================

// NextConnectionID allocates a connection id. Never returns InvalidConnectionID.
func (e *Engine) NextConnectionID() netentity.ConnectionID {
	return netentity.ConnectionID(e.nextConn.Add(1))
}

// Join spawns an avatar for conn, hands it to attach and starts driving the
// returned Connection from the next tick.
func (e *Engine) Join(conn netentity.ConnectionID, name string, attach AttachFunc) (netentity.ConstHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.players[conn]; ok {
		return netentity.ConstHandle{}, fmt.Errorf("%w: %d", ErrAlreadyJoined, conn)
	}
	if len(e.players) >= e.opts.Limits.MaxPlayers {
		log.Printf("⚠️ Player limit reached (%d), rejecting connection %d", e.opts.Limits.MaxPlayers, conn)
		return netentity.ConstHandle{}, ErrWorldFull
	}

	// Spawn away from the edges.
	x := e.rng.Float64()*e.opts.WorldWidth*0.8 + e.opts.WorldWidth*0.1
	y := e.rng.Float64()*e.opts.WorldHeight*0.8 + e.opts.WorldHeight*0.1
	h := e.entities.CreateEntity(name, netentity.Authority, x, y)
	e.entities.SetOwner(h, conn)
	e.entities.ActivateControllers(h)

	c, err := attach(e.entities, e.index, h)
	if err == nil && c == nil {
		err = ErrNoConnection
	}
	if err != nil {
		e.entities.DeactivateControllers(h)
		e.entities.RemoveEntity(h)
		return netentity.ConstHandle{}, fmt.Errorf("attach connection %d: %w", conn, err)
	}

	e.players[conn] = &Player{Conn: conn, Name: name, Handle: h, JoinedAt: time.Now()}
	e.connections[conn] = c

	e.eventLog.EmitSimple(EventTypePlayerJoin, e.tickCount, connSource(conn), PlayerJoinPayload{
		Connection: uint32(conn),
		Entity:     h.NetEntityID().String(),
		Name:       name,
		SpawnX:     x,
		SpawnY:     y,
	})
	log.Printf("👤 Player joined: %s (connection %d, entity %s)", name, conn, h.NetEntityID())
	return h, nil
}

// Leave schedules conn's removal at the start of the next tick. It does not
// block on the tick goroutine.
func (e *Engine) Leave(conn netentity.ConnectionID) {
	if e.leaves.TryPush(conn) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeConnection(conn)
}

func (e *Engine) processLeaves() {
	for {
		conn, ok := e.leaves.TryPop()
		if !ok {
			return
		}
		e.removeConnection(conn)
	}
}

func (e *Engine) removeConnection(conn netentity.ConnectionID) {
	c, ok := e.connections[conn]
	if ok {
		c.Detach()
		delete(e.connections, conn)
	}
	p := e.players[conn]
	if p == nil {
		return
	}
	delete(e.players, conn)

	// Deactivating first lets every other connection's domain report the exit.
	e.entities.DeactivateControllers(p.Handle)
	e.entities.RemoveEntity(p.Handle)

	e.eventLog.EmitSimple(EventTypePlayerLeave, e.tickCount, connSource(conn), PlayerLeavePayload{
		Connection: uint32(conn),
		Entity:     p.Handle.NetEntityID().String(),
		Frames:     p.Frames,
	})
	if ok {
		if st := c.InputStats(); st.Dropped > 0 {
			e.eventLog.EmitSimple(EventTypeInputLoss, e.tickCount, connSource(conn), InputLossPayload{
				Connection: uint32(conn),
				Dropped:    st.Dropped,
				Recovered:  st.Recovered,
			})
		}
	}
	log.Printf("👋 Player left: %s (connection %d)", p.Name, conn)
}

func connSource(conn netentity.ConnectionID) string {
	return fmt.Sprintf("conn-%d", conn)
}

// =============================================================================
// PROPS
// =============================================================================

// SpawnProp adds a server-driven entity at (x, y).
func (e *Engine) SpawnProp(kind PropKind, x, y float64) netentity.ConstHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spawnPropLocked(kind, x, y)
}

func (e *Engine) spawnPropLocked(kind PropKind, x, y float64) netentity.ConstHandle {
	name := fmt.Sprintf("%s-%d", kind, len(e.props)+1)
	h := e.entities.CreateEntity(name, netentity.Authority, x, y)
	p := &Prop{Kind: kind, Handle: h, Heading: e.rng.Float64() * 2 * math.Pi}
	if kind == PropBeacon {
		e.entities.SetAlwaysRelevant(h, true)
	}
	e.entities.ActivateControllers(h)
	e.props[h.NetEntityID()] = p

	e.eventLog.EmitSimple(EventTypeEntitySpawn, e.tickCount, "", EntityPayload{
		Entity:         h.NetEntityID().String(),
		Name:           name,
		Kind:           kind.String(),
		X:              x,
		Y:              y,
		AlwaysRelevant: kind == PropBeacon,
	})
	return h
}

// RemoveProp deletes a prop. Avatars are removed through Leave only.
func (e *Engine) RemoveProp(id netentity.NetEntityID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.props[id]
	if !ok {
		return false
	}
	delete(e.props, id)
	ent := p.Handle.Entity()
	e.entities.DeactivateControllers(p.Handle)
	e.entities.RemoveEntity(p.Handle)

	payload := EntityPayload{Entity: id.String(), Kind: p.Kind.String()}
	if ent != nil {
		payload.Name, payload.X, payload.Y = ent.Name, ent.X, ent.Y
	}
	e.eventLog.EmitSimple(EventTypeEntityRemove, e.tickCount, "", payload)
	return true
}

// =============================================================================
// READ ACCESS
// =============================================================================

// Exclusive runs fn with the engine lock held, for callers that must read
// tick-owned state such as a connection's replication window.
func (e *Engine) Exclusive(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

// Snapshot returns a copy of the latest world snapshot.
func (e *Engine) Snapshot() WorldSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotPool.AcquireRead().Clone()
}

func (e *Engine) produceSnapshot() {
	snap := e.snapshotPool.AcquireWrite()
	snap.TickNumber = e.tickCount
	snap.EntityCount = e.entities.Count()
	snap.PlayerCount = len(e.players)

	limit := e.snapshotPool.Limits().MaxSnapshotEntities
	for _, h := range e.entities.Entities() {
		if len(snap.Entities) >= limit {
			snap.Truncated = true
			break
		}
		ent := h.Entity()
		kind := "player"
		if p := e.props[h.NetEntityID()]; p != nil {
			kind = p.Kind.String()
		}
		snap.Entities = append(snap.Entities, EntitySnapshot{
			ID:             h.NetEntityID().String(),
			Name:           ent.Name,
			Kind:           kind,
			X:              ent.X,
			Y:              ent.Y,
			Owner:          uint32(ent.Owner),
			AlwaysRelevant: ent.AlwaysRelevant,
			Active:         ent.ControllersActive(),
		})
	}
	e.snapshotPool.PublishWrite()
}

// EngineStats summarizes the loop for the status endpoints.
type EngineStats struct {
	Tick         uint64            `json:"tick"`
	TickRate     int               `json:"tickRate"`
	LastTickNs   int64             `json:"lastTickNs"`
	Entities     int               `json:"entities"`
	Players      int               `json:"players"`
	Connections  int               `json:"connections"`
	PendingLeave int               `json:"pendingLeave"`
	Grid         spatial.GridStats `json:"grid"`
	EventLog     EventLogStats     `json:"eventLog"`
}

func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return EngineStats{
		Tick:         e.tickCount,
		TickRate:     e.opts.TickRate,
		LastTickNs:   e.lastTickDur.Nanoseconds(),
		Entities:     e.entities.Count(),
		Players:      len(e.players),
		Connections:  len(e.connections),
		PendingLeave: e.leaves.Len(),
		Grid:         e.index.Stats(),
		EventLog:     e.eventLog.Stats(),
	}
}

func (e *Engine) EntityCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.entities.Count()
}

func (e *Engine) Options() Options { return e.opts }

// StartEventLog starts the event log writer; see EventLog.Start.
func (e *Engine) StartEventLog(filePath string) error {
	return e.eventLog.Start(filePath)
}

func (e *Engine) StopEventLog() {
	e.eventLog.Stop()
}
