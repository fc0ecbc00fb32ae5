package replication

import (
	"fmt"
	"log"
	"sort"

	"multiplayer/internal/netentity"
)

// ManagerConfig tunes a connection's replication manager.
type ManagerConfig struct {
	// MaxPayloadSize bounds the encoded body of one updates packet.
	MaxPayloadSize int
	// MaxPendingCreation caps creates sent but not yet acknowledged.
	MaxPendingCreation int
	// PendingRemovalTicks is how long an entity that fell out of the window
	// keeps its replicator before the client is told to delete it.
	PendingRemovalTicks uint64
	// ResendTimeoutTicks is how long a create or delete waits for an ack
	// before it is sent again.
	ResendTimeoutTicks uint64
	// CompressThreshold is passed to EncodePacket.
	CompressThreshold int
}

// DefaultManagerConfig sizes packets for a 1200-byte MTU like the UDP
// transport the layer was designed against.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxPayloadSize:      1200 - udpHeaderSize - packetOverhead,
		MaxPendingCreation:  32,
		PendingRemovalTicks: 30,
		ResendTimeoutTicks:  60,
		CompressThreshold:   512,
	}
}

const (
	udpHeaderSize  = 12
	packetOverhead = 16
	// updatesPacketHeader is sequence + tick + count.
	updatesPacketHeader = 4 + 4 + 2
	// maxInFlightPackets bounds the ack bookkeeping per connection.
	maxInFlightPackets = 1024
)

type replicator struct {
	handle   netentity.ConstHandle
	role     netentity.Role
	priority float32

	established    bool // client acknowledged the create
	createInFlight bool
	createSentTick uint64
	sentX, sentY   float32
	stateSent      bool
	pendingRemoval uint64 // tick at which to delete; 0 when not pending
	markedRemoval  bool
	deleteInFlight bool
	deleteSentTick uint64
	deleteAcked    bool
}

func (r *replicator) id() netentity.NetEntityID { return r.handle.NetEntityID() }

// ReplicatorInfo is a read-only view of one replicator, for status pages and tests.
type ReplicatorInfo struct {
	Entity         netentity.NetEntityID
	Role           netentity.Role
	Priority       float32
	Established    bool
	PendingRemoval bool
	MarkedRemoval  bool
}

// sentRecord ties a sent message to the replicator it was sent for. An
// entity's replicator is replaced when it re-enters or changes role, and acks
// for the old one must not establish the new one.
type sentRecord struct {
	entity     netentity.NetEntityID
	kind       UpdateKind
	replicator *replicator
}

// SendStats summarizes one SendUpdates call.
type SendStats struct {
	Packets        int
	Entities       int
	Creates        int
	Deletes        int
	Bytes          int
	OversizeAlone  int
	SkippedPending int
}

// Manager turns one connection's replication window into entity update
// packets: it keeps a replicator per entity the client knows about, diffs
// each new window against them and tracks acknowledgements.
type Manager struct {
	conn   netentity.ConnectionID
	window ReplicationWindow
	domain EntityDomain
	cfg    ManagerConfig

	replicators     map[netentity.NetEntityID]*replicator
	pendingCreation map[netentity.NetEntityID]struct{}
	inFlight        map[uint32][]sentRecord
	sequence        uint32
	tick            uint64
}

// NewManager binds a manager to a window and the domain feeding it.
func NewManager(conn netentity.ConnectionID, window ReplicationWindow, domain EntityDomain, cfg ManagerConfig) *Manager {
	return &Manager{
		conn:            conn,
		window:          window,
		domain:          domain,
		cfg:             cfg,
		replicators:     make(map[netentity.NetEntityID]*replicator),
		pendingCreation: make(map[netentity.NetEntityID]struct{}),
		inFlight:        make(map[uint32][]sentRecord),
	}
}

func (m *Manager) Window() ReplicationWindow { return m.window }

func (m *Manager) Domain() EntityDomain { return m.domain }

// Tick runs one replication step and returns encoded packets ready to send.
func (m *Manager) Tick(tick uint64) ([][]byte, SendStats, error) {
	m.tick = tick
	m.HandleDomainExits()
	m.UpdateWindow()
	m.expirePendingRemovals()
	m.expireInFlight()
	packets, stats, err := m.SendUpdates()
	m.ClearRemovedReplicators()
	return packets, stats, err
}

// HandleDomainExits marks replicators of entities that left the domain for
// removal, so the client gets an explicit delete.
func (m *Manager) HandleDomainExits() {
	if m.domain == nil {
		return
	}
	for _, h := range m.domain.RetrieveEntitiesNotInDomain() {
		if r, ok := m.replicators[h.NetEntityID()]; ok {
			m.markForRemoval(r)
		}
	}
}

// UpdateWindow recomputes the window when it is ready and diffs the new set
// against the current replicators: new entities get a replicator, role
// changes re-create it, and missing entities start their pending removal.
func (m *Manager) UpdateWindow() {
	if m.window == nil || !m.window.ReplicationSetUpdateReady() {
		return
	}
	m.window.UpdateWindow()
	set := m.window.ReplicationSet()

	for _, h := range set.Handles() {
		data := set[h]
		r, ok := m.replicators[h.NetEntityID()]
		if !ok || r.role != data.Role || r.markedRemoval {
			r = m.addReplicator(h, data.Role)
		}
		r.priority = data.Priority
		r.pendingRemoval = 0
	}

	for _, r := range m.sortedReplicators() {
		if _, in := set[r.handle]; in || r.markedRemoval || r.pendingRemoval != 0 {
			continue
		}
		r.pendingRemoval = m.tick + m.cfg.PendingRemovalTicks
		if r.pendingRemoval == 0 {
			r.pendingRemoval = 1
		}
	}
}

// addReplicator replaces any existing replicator for h. A role change means
// the client must rebuild the entity, so it starts unestablished.
func (m *Manager) addReplicator(h netentity.ConstHandle, role netentity.Role) *replicator {
	r := &replicator{handle: h, role: role}
	m.replicators[h.NetEntityID()] = r
	delete(m.pendingCreation, h.NetEntityID())
	return r
}

func (m *Manager) markForRemoval(r *replicator) {
	if r.markedRemoval {
		return
	}
	r.markedRemoval = true
	r.pendingRemoval = 0
	// The client never heard of it; nothing to delete.
	if !r.established && !r.createInFlight {
		r.deleteAcked = true
	}
}

func (m *Manager) expirePendingRemovals() {
	for _, r := range m.replicators {
		if r.markedRemoval {
			continue
		}
		if !r.handle.Exists() || (r.pendingRemoval != 0 && m.tick >= r.pendingRemoval) {
			m.markForRemoval(r)
		}
	}
}

// expireInFlight forgets packets that were never acknowledged so their
// creates and deletes go out again.
func (m *Manager) expireInFlight() {
	if m.cfg.ResendTimeoutTicks == 0 {
		return
	}
	for _, r := range m.replicators {
		if r.createInFlight && !r.established && m.tick-r.createSentTick >= m.cfg.ResendTimeoutTicks {
			r.createInFlight = false
			r.stateSent = false
			delete(m.pendingCreation, r.id())
		}
		if r.deleteInFlight && !r.deleteAcked && m.tick-r.deleteSentTick >= m.cfg.ResendTimeoutTicks {
			r.deleteInFlight = false
		}
	}
	if len(m.inFlight) > maxInFlightPackets {
		oldest := m.sequence - maxInFlightPackets
		for seq := range m.inFlight {
			if int32(seq-oldest) < 0 {
				delete(m.inFlight, seq)
			}
		}
	}
}

// GenerateEntityUpdateList returns the messages to send this tick: deletes
// always, updates for autonomous entities always, and other entities up to
// the window's send cap in priority order. Creates are held back while
// MaxPendingCreation creates are unacknowledged.
func (m *Manager) GenerateEntityUpdateList() ([]EntityUpdateMessage, int) {
	var deletes, autonomous, proxies []*replicator
	for _, r := range m.sortedReplicators() {
		switch {
		case r.markedRemoval:
			if !r.deleteAcked && !r.deleteInFlight {
				deletes = append(deletes, r)
			}
		case r.pendingRemoval != 0:
		case r.role == netentity.Autonomous:
			autonomous = append(autonomous, r)
		default:
			proxies = append(proxies, r)
		}
	}
	sort.SliceStable(proxies, func(i, j int) bool { return proxies[i].priority > proxies[j].priority })

	var out []EntityUpdateMessage
	for _, r := range deletes {
		out = append(out, EntityUpdateMessage{Kind: UpdateDelete, Entity: r.id()})
	}

	skipped := 0
	limit := m.window.MaxEntityReplicatorSendCount()
	var proxyCount uint32
	consider := func(r *replicator, capped bool) {
		msg, ok := m.updateFor(r)
		if !ok {
			return
		}
		if capped && proxyCount >= limit {
			return
		}
		if msg.Kind == UpdateCreate && !m.canCreate(r) {
			skipped++
			return
		}
		if capped {
			proxyCount++
		}
		out = append(out, msg)
	}
	for _, r := range autonomous {
		consider(r, false)
	}
	for _, r := range proxies {
		consider(r, true)
	}
	return out, skipped
}

func (m *Manager) canCreate(r *replicator) bool {
	if _, pending := m.pendingCreation[r.id()]; pending {
		return true
	}
	return len(m.pendingCreation) < m.cfg.MaxPendingCreation
}

// updateFor builds r's message, reporting false when nothing changed.
func (m *Manager) updateFor(r *replicator) (EntityUpdateMessage, bool) {
	e := r.handle.Entity()
	if e == nil {
		return EntityUpdateMessage{}, false
	}
	x, y := float32(e.X), float32(e.Y)
	msg := EntityUpdateMessage{
		Entity:   r.id(),
		Role:     r.role,
		X:        x,
		Y:        y,
		Priority: r.priority,
	}

	switch {
	case !r.established && !r.createInFlight:
		msg.Kind = UpdateCreate
		msg.Name = e.Name
	case r.stateSent && r.sentX == x && r.sentY == y:
		return EntityUpdateMessage{}, false
	default:
		msg.Kind = UpdateState
	}
	return msg, true
}

// SendUpdates packs this tick's update list into packets no larger than
// MaxPayloadSize. An entity too large for an empty packet goes out alone.
func (m *Manager) SendUpdates() ([][]byte, SendStats, error) {
	var stats SendStats
	if m.window == nil {
		return nil, stats, nil
	}
	pending, skipped := m.GenerateEntityUpdateList()
	stats.SkippedPending = skipped

	var packets [][]byte
	for len(pending) > 0 {
		n, oversize := m.packCount(pending)
		if oversize {
			stats.OversizeAlone++
		}
		pkt, err := m.sendPacket(pending[:n], &stats)
		if err != nil {
			return packets, stats, err
		}
		packets = append(packets, pkt)
		pending = pending[n:]
	}
	return packets, stats, nil
}

// packCount returns how many leading messages fit one packet.
func (m *Manager) packCount(msgs []EntityUpdateMessage) (int, bool) {
	size := updatesPacketHeader
	for i := range msgs {
		next := msgs[i].EstimatedSize()
		payloadFull := size+next > m.cfg.MaxPayloadSize
		if i >= maxUpdatesPerPacket || (payloadFull && i > 0) {
			return i, false
		}
		size += next
		if payloadFull {
			log.Printf("⚠️ Serializing extremely large entity %s for connection %d: max payload %d, needed %d",
				msgs[i].Entity, m.conn, m.cfg.MaxPayloadSize, next)
			return 1, true
		}
	}
	return len(msgs), false
}

func (m *Manager) sendPacket(msgs []EntityUpdateMessage, stats *SendStats) ([]byte, error) {
	m.sequence++
	pkt := EntityUpdatesPacket{Sequence: m.sequence, Tick: uint32(m.tick), Updates: msgs}
	data, err := MarshalPacket(PacketEntityUpdates, pkt.Serialize, m.cfg.CompressThreshold)
	if err != nil {
		return nil, fmt.Errorf("connection %d: %w", m.conn, err)
	}

	observer, _ := m.window.(SendObserver)
	records := make([]sentRecord, 0, len(msgs))
	for _, msg := range msgs {
		r := m.replicators[msg.Entity]
		records = append(records, sentRecord{entity: msg.Entity, kind: msg.Kind, replicator: r})
		if r == nil {
			continue
		}
		switch msg.Kind {
		case UpdateCreate:
			r.createInFlight = true
			r.createSentTick = m.tick
			m.pendingCreation[msg.Entity] = struct{}{}
			stats.Creates++
		case UpdateDelete:
			r.deleteInFlight = true
			r.deleteSentTick = m.tick
			stats.Deletes++
		}
		if msg.Kind != UpdateDelete {
			r.sentX, r.sentY = msg.X, msg.Y
			r.stateSent = true
			if observer != nil {
				observer.EntitySent(msg.Entity)
			}
		}
		stats.Entities++
	}
	m.inFlight[m.sequence] = records

	stats.Packets++
	stats.Bytes += len(data)
	return data, nil
}

// HandleAck applies a client acknowledgement. Unknown sequences are ignored,
// as are records for replicators that have since been replaced.
func (m *Manager) HandleAck(seq uint32) {
	records, ok := m.inFlight[seq]
	if !ok {
		return
	}
	delete(m.inFlight, seq)
	for _, rec := range records {
		r := m.replicators[rec.entity]
		if r == nil || r != rec.replicator {
			continue
		}
		switch rec.kind {
		case UpdateCreate:
			if r.createInFlight {
				r.established = true
				delete(m.pendingCreation, rec.entity)
			}
		case UpdateDelete:
			if r.markedRemoval {
				r.deleteAcked = true
			}
		}
	}
}

// ClearRemovedReplicators forgets replicators whose delete the client acknowledged.
func (m *Manager) ClearRemovedReplicators() {
	for id, r := range m.replicators {
		if r.markedRemoval && r.deleteAcked {
			delete(m.pendingCreation, id)
			delete(m.replicators, id)
		}
	}
}

// Replicator reports the state of one entity's replicator.
func (m *Manager) Replicator(id netentity.NetEntityID) (ReplicatorInfo, bool) {
	r, ok := m.replicators[id]
	if !ok {
		return ReplicatorInfo{}, false
	}
	return r.info(), true
}

// Replicators lists every replicator ordered by entity id.
func (m *Manager) Replicators() []ReplicatorInfo {
	rs := m.sortedReplicators()
	out := make([]ReplicatorInfo, len(rs))
	for i, r := range rs {
		out[i] = r.info()
	}
	return out
}

func (m *Manager) ReplicatorCount() int { return len(m.replicators) }

// PendingCreationCount is the number of creates awaiting acknowledgement.
func (m *Manager) PendingCreationCount() int { return len(m.pendingCreation) }

func (r *replicator) info() ReplicatorInfo {
	return ReplicatorInfo{
		Entity:         r.id(),
		Role:           r.role,
		Priority:       r.priority,
		Established:    r.established,
		PendingRemoval: r.pendingRemoval != 0,
		MarkedRemoval:  r.markedRemoval,
	}
}

func (m *Manager) sortedReplicators() []*replicator {
	out := make([]*replicator, 0, len(m.replicators))
	for _, r := range m.replicators {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id() < out[j].id() })
	return out
}
