package replication

import (
	"fmt"
	"strings"
	"testing"

	"multiplayer/internal/netentity"
	"multiplayer/internal/serialize"
)

type managerFixture struct {
	entities *netentity.Manager
	domain   *GlobalEntityDomain
	window   *ServerToClientReplicationWindow
	manager  *Manager
	own      netentity.ConstHandle
	tick     uint64
}

func newManagerFixture(t *testing.T, budget uint32, cfg ManagerConfig) *managerFixture {
	t.Helper()
	f := &managerFixture{entities: netentity.NewManager()}
	f.own = activeEntity(f.entities, "own", 0, 0)
	f.entities.SetOwner(f.own, 1)
	f.domain = NewGlobalEntityDomain(f.entities)
	t.Cleanup(f.domain.Close)
	f.window = testWindow(f.entities, f.domain, 1, budget)
	f.window.cfg.UpdateInterval = 0
	f.manager = NewManager(1, f.window, f.domain, cfg)
	f.domain.ActivateTracking(f.entities.OwnedBy(1))
	return f
}

// step runs one tick and decodes what the client would receive.
func (f *managerFixture) step(t *testing.T) []EntityUpdatesPacket {
	t.Helper()
	f.tick++
	packets, _, err := f.manager.Tick(f.tick)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	return decodeUpdates(t, packets)
}

// ackAll acknowledges every packet.
func (f *managerFixture) ackAll(pkts []EntityUpdatesPacket) {
	for _, p := range pkts {
		f.manager.HandleAck(p.Sequence)
	}
}

func decodeUpdates(t *testing.T, packets [][]byte) []EntityUpdatesPacket {
	t.Helper()
	var out []EntityUpdatesPacket
	for _, data := range packets {
		typ, body, err := DecodePacket(data)
		if err != nil {
			t.Fatalf("DecodePacket failed: %v", err)
		}
		if typ != PacketEntityUpdates {
			t.Fatalf("Unexpected packet type %v", typ)
		}
		var p EntityUpdatesPacket
		if err := serialize.Decode(body, p.Serialize); err != nil {
			t.Fatalf("Decode updates failed: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func kinds(pkts []EntityUpdatesPacket) map[netentity.NetEntityID]UpdateKind {
	out := make(map[netentity.NetEntityID]UpdateKind)
	for _, p := range pkts {
		for _, u := range p.Updates {
			out[u.Entity] = u.Kind
		}
	}
	return out
}

// TestManagerCreatesThenUpdates verifies the create, ack, update lifecycle
func TestManagerCreatesThenUpdates(t *testing.T) {
	f := newManagerFixture(t, 10, DefaultManagerConfig())
	prop := activeEntity(f.entities, "prop", 20, 0)

	pkts := f.step(t)
	got := kinds(pkts)
	if got[f.own.NetEntityID()] != UpdateCreate || got[prop.NetEntityID()] != UpdateCreate {
		t.Fatalf("Expected creates for both entities, got %v", got)
	}
	for _, p := range pkts {
		for _, u := range p.Updates {
			if u.Entity == f.own.NetEntityID() && u.Role != netentity.Autonomous {
				t.Errorf("Own entity created as %v, want Autonomous", u.Role)
			}
			if u.Entity == prop.NetEntityID() && u.Name != "prop" {
				t.Errorf("Create carried name %q", u.Name)
			}
		}
	}
	f.ackAll(pkts)

	info, ok := f.manager.Replicator(prop.NetEntityID())
	if !ok || !info.Established {
		t.Fatalf("Replicator should be established after ack: %+v", info)
	}

	// Nothing moved: nothing to send.
	if pkts := f.step(t); len(kinds(pkts)) != 0 {
		t.Errorf("Idle tick sent %v", kinds(pkts))
	}

	f.entities.SetPosition(prop, 25, 0)
	got = kinds(f.step(t))
	if len(got) != 1 || got[prop.NetEntityID()] != UpdateState {
		t.Errorf("Expected a single state update for prop, got %v", got)
	}
}

// TestManagerResendsUnackedCreate verifies lost creates go out again
func TestManagerResendsUnackedCreate(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.ResendTimeoutTicks = 3
	f := newManagerFixture(t, 10, cfg)

	if got := kinds(f.step(t)); got[f.own.NetEntityID()] != UpdateCreate {
		t.Fatalf("Expected create, got %v", got)
	}
	f.step(t)
	f.step(t)
	if got := kinds(f.step(t)); got[f.own.NetEntityID()] != UpdateCreate {
		t.Errorf("Create should be resent after the timeout, got %v", got)
	}
}

// TestManagerDomainExitSendsDelete verifies deactivation produces an explicit delete
func TestManagerDomainExitSendsDelete(t *testing.T) {
	f := newManagerFixture(t, 10, DefaultManagerConfig())
	prop := activeEntity(f.entities, "prop", 20, 0)
	f.ackAll(f.step(t))

	f.entities.DeactivateControllers(prop)
	pkts := f.step(t)
	if got := kinds(pkts)[prop.NetEntityID()]; got != UpdateDelete {
		t.Fatalf("Expected delete, got %v", got)
	}
	if _, ok := f.manager.Replicator(prop.NetEntityID()); !ok {
		t.Fatal("Replicator should live until the delete is acknowledged")
	}

	f.ackAll(pkts)
	f.step(t)
	if _, ok := f.manager.Replicator(prop.NetEntityID()); ok {
		t.Error("Replicator should be cleared after the delete is acknowledged")
	}
}

// TestManagerPendingRemoval verifies entities leaving the window linger before deletion
func TestManagerPendingRemoval(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.PendingRemovalTicks = 3
	f := newManagerFixture(t, 10, cfg)
	prop := activeEntity(f.entities, "prop", 20, 0)
	f.ackAll(f.step(t))

	// Out of view but still in the domain.
	f.entities.SetPosition(prop, 5000, 5000)
	f.step(t)
	info, _ := f.manager.Replicator(prop.NetEntityID())
	if !info.PendingRemoval {
		t.Fatalf("Replicator should be pending removal: %+v", info)
	}

	var deleted bool
	for i := 0; i < 4 && !deleted; i++ {
		deleted = kinds(f.step(t))[prop.NetEntityID()] == UpdateDelete
	}
	if !deleted {
		t.Error("Delete should be sent once the pending removal expires")
	}
}

// TestManagerReturnCancelsPendingRemoval verifies coming back keeps the replicator
func TestManagerReturnCancelsPendingRemoval(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.PendingRemovalTicks = 10
	f := newManagerFixture(t, 10, cfg)
	prop := activeEntity(f.entities, "prop", 20, 0)
	f.ackAll(f.step(t))

	f.entities.SetPosition(prop, 5000, 5000)
	f.step(t)
	f.entities.SetPosition(prop, 30, 0)
	got := kinds(f.step(t))

	info, _ := f.manager.Replicator(prop.NetEntityID())
	if info.PendingRemoval || !info.Established {
		t.Errorf("Replicator should be back to normal: %+v", info)
	}
	if got[prop.NetEntityID()] != UpdateState {
		t.Errorf("Returning entity should get a state update, got %v", got[prop.NetEntityID()])
	}
}

// TestManagerSendCap verifies non-autonomous updates respect the window's cap
func TestManagerSendCap(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.MaxPendingCreation = 100
	f := newManagerFixture(t, 4, cfg)
	for i := 0; i < 10; i++ {
		activeEntity(f.entities, fmt.Sprintf("p%d", i), float64(i+1), 0)
	}

	got := kinds(f.step(t))
	// Window of 4 holds own + 3 proxies, all within the cap.
	if len(got) != 4 {
		t.Errorf("Expected 4 entities sent, got %d", len(got))
	}
	if _, ok := got[f.own.NetEntityID()]; !ok {
		t.Error("Autonomous entity must always be sent")
	}
}

// TestManagerPendingCreationCap verifies unacknowledged creates are throttled
func TestManagerPendingCreationCap(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.MaxPendingCreation = 2
	f := newManagerFixture(t, 20, cfg)
	for i := 0; i < 5; i++ {
		activeEntity(f.entities, fmt.Sprintf("p%d", i), float64(i+1), 0)
	}

	pkts := f.step(t)
	if got := len(kinds(pkts)); got != 2 {
		t.Fatalf("Expected 2 creates while unacknowledged, got %d", got)
	}
	if f.manager.PendingCreationCount() != 2 {
		t.Errorf("PendingCreationCount = %d, want 2", f.manager.PendingCreationCount())
	}

	f.ackAll(pkts)
	if got := len(kinds(f.step(t))); got != 2 {
		t.Errorf("Expected 2 more creates after ack, got %d", got)
	}
}

// TestManagerPacksByPayload verifies packets stay under the payload limit
func TestManagerPacksByPayload(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.MaxPayloadSize = 120
	cfg.MaxPendingCreation = 100
	cfg.CompressThreshold = 0
	f := newManagerFixture(t, 50, cfg)
	for i := 0; i < 20; i++ {
		activeEntity(f.entities, fmt.Sprintf("prop-%02d", i), float64(i), 0)
	}

	f.tick++
	packets, stats, err := f.manager.Tick(f.tick)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(packets) < 2 {
		t.Fatalf("Expected several packets, got %d", len(packets))
	}
	for i, p := range packets {
		if body := len(p) - HeaderSize; body > cfg.MaxPayloadSize {
			t.Errorf("Packet %d body is %d bytes, limit %d", i, body, cfg.MaxPayloadSize)
		}
	}
	if stats.Entities != 21 {
		t.Errorf("Entities = %d, want 21", stats.Entities)
	}

	seqs := map[uint32]bool{}
	for _, p := range decodeUpdates(t, packets) {
		if seqs[p.Sequence] {
			t.Errorf("Duplicate sequence %d", p.Sequence)
		}
		seqs[p.Sequence] = true
	}
}

// TestManagerOversizeEntityAlone verifies an entity larger than a packet is still sent
func TestManagerOversizeEntityAlone(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.MaxPayloadSize = 30
	cfg.CompressThreshold = 0
	f := newManagerFixture(t, 10, cfg)
	big := activeEntity(f.entities, strings.Repeat("x", 60), 1, 0)

	f.tick++
	packets, stats, err := f.manager.Tick(f.tick)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if stats.OversizeAlone == 0 {
		t.Error("Oversize entity should be reported")
	}
	found := false
	for _, p := range decodeUpdates(t, packets) {
		for _, u := range p.Updates {
			if u.Entity == big.NetEntityID() {
				found = true
				if len(p.Updates) != 1 {
					t.Errorf("Oversize entity shared a packet with %d others", len(p.Updates)-1)
				}
			}
		}
	}
	if !found {
		t.Error("Oversize entity was never sent")
	}
}

// TestManagerRoleChangeRecreates verifies a role change starts a new replicator
func TestManagerRoleChangeRecreates(t *testing.T) {
	f := newManagerFixture(t, 10, DefaultManagerConfig())
	prop := activeEntity(f.entities, "prop", 5, 0)
	f.ackAll(f.step(t))

	f.entities.SetOwner(prop, 1)
	got := kinds(f.step(t))
	if got[prop.NetEntityID()] != UpdateCreate {
		t.Errorf("Role change should re-create the entity, got %v", got[prop.NetEntityID()])
	}
	info, _ := f.manager.Replicator(prop.NetEntityID())
	if info.Role != netentity.Autonomous {
		t.Errorf("Role = %v, want Autonomous", info.Role)
	}
}

// TestManagerRemovedEntity verifies world removal is replicated as a delete
func TestManagerRemovedEntity(t *testing.T) {
	f := newManagerFixture(t, 10, DefaultManagerConfig())
	prop := activeEntity(f.entities, "prop", 5, 0)
	id := prop.NetEntityID()
	f.ackAll(f.step(t))

	f.entities.RemoveEntity(prop)
	if got := kinds(f.step(t))[id]; got != UpdateDelete {
		t.Errorf("Expected delete for removed entity, got %v", got)
	}
}

// TestManagerLateAckIgnoredForReplacedReplicator verifies an ack for an
// entity's earlier create does not establish the replicator that replaced it
func TestManagerLateAckIgnoredForReplacedReplicator(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.ResendTimeoutTicks = 3
	f := newManagerFixture(t, 10, cfg)
	prop := activeEntity(f.entities, "prop", 20, 0)

	first := f.step(t)
	if got := kinds(first); got[prop.NetEntityID()] != UpdateCreate {
		t.Fatalf("Expected create, got %v", got)
	}

	f.entities.DeactivateControllers(prop)
	second := f.step(t)
	if got := kinds(second); got[prop.NetEntityID()] != UpdateDelete {
		t.Fatalf("Expected delete, got %v", got)
	}

	f.entities.ActivateControllers(prop)
	// This create is lost.
	if got := kinds(f.step(t)); got[prop.NetEntityID()] != UpdateCreate {
		t.Fatalf("Expected a fresh create, got %v", got)
	}

	f.ackAll(first)
	f.ackAll(second)

	info, ok := f.manager.Replicator(prop.NetEntityID())
	if !ok || info.Established {
		t.Fatalf("Late acks established the new replicator: %+v", info)
	}
	if own, _ := f.manager.Replicator(f.own.NetEntityID()); !own.Established {
		t.Error("Ack should still establish the unchanged own replicator")
	}

	resent := false
	for i := 0; i < int(cfg.ResendTimeoutTicks)+1 && !resent; i++ {
		resent = kinds(f.step(t))[prop.NetEntityID()] == UpdateCreate
	}
	if !resent {
		t.Error("Lost create was never resent")
	}
}

// fixedWindow serves a constant set with a configurable send cap.
type fixedWindow struct {
	set   ReplicationSet
	limit uint32
}

func (w *fixedWindow) ReplicationSetUpdateReady() bool      { return true }
func (w *fixedWindow) ReplicationSet() ReplicationSet       { return w.set }
func (w *fixedWindow) MaxEntityReplicatorSendCount() uint32 { return w.limit }
func (w *fixedWindow) UpdateWindow()                        {}
func (w *fixedWindow) DebugDraw(DebugDrawer)                {}
func (w *fixedWindow) IsInWindow(h netentity.ConstHandle) (netentity.Role, bool) {
	data, ok := w.set[h]
	return data.Role, ok
}

// TestManagerSkippedPendingCountsOnlyDeferredCreates verifies creates already
// excluded by the send cap are not reported as deferred
func TestManagerSkippedPendingCountsOnlyDeferredCreates(t *testing.T) {
	entities := netentity.NewManager()
	set := ReplicationSet{}
	var handles []netentity.ConstHandle
	for i := 0; i < 6; i++ {
		h := activeEntity(entities, fmt.Sprintf("p%d", i), float64(i), 0)
		handles = append(handles, h)
		set[h] = EntityReplicationData{Role: netentity.Client, Priority: float32(10 - i)}
	}
	win := &fixedWindow{set: set, limit: 2}

	cfg := DefaultManagerConfig()
	cfg.MaxPendingCreation = 2
	cfg.ResendTimeoutTicks = 0
	m := NewManager(1, win, nil, cfg)

	_, stats, err := m.Tick(1)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if stats.Creates != 2 || stats.SkippedPending != 0 {
		t.Fatalf("First tick stats = %+v", stats)
	}

	// The two in-flight entities move and use up the cap.
	entities.SetPosition(handles[0], 30, 0)
	entities.SetPosition(handles[1], 31, 0)
	_, stats, err = m.Tick(2)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if stats.Entities != 2 || stats.SkippedPending != 0 {
		t.Errorf("Capped tick stats = %+v, want 2 entities and no deferrals", stats)
	}

	// With room under the cap, the remaining creates are held back by the
	// pending-creation limit and counted.
	win.limit = 6
	_, stats, err = m.Tick(3)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if stats.Creates != 0 || stats.SkippedPending != 4 {
		t.Errorf("Deferred tick stats = %+v, want 4 deferred creates", stats)
	}
}
