package netentity

import (
	"math"
	"testing"
)

// TestHandleGeneration verifies stale handles never resolve to a reused slot
func TestHandleGeneration(t *testing.T) {
	m := NewManager()

	first := m.CreateEntity("first", Authority, 0, 0)
	if !first.Exists() {
		t.Fatal("New entity should exist")
	}

	if !m.RemoveEntity(first) {
		t.Fatal("RemoveEntity should succeed")
	}
	if first.Exists() {
		t.Error("Removed entity should not resolve")
	}

	second := m.CreateEntity("second", Authority, 0, 0)
	if second.NetEntityID() == first.NetEntityID() {
		t.Error("Reused slot must get a new NetEntityID")
	}
	if first.Entity() != nil {
		t.Error("Stale handle resolved after slot reuse")
	}
	if got := second.Entity(); got == nil || got.Name != "second" {
		t.Errorf("Expected second entity, got %+v", got)
	}

	if m.RemoveEntity(first) {
		t.Error("Removing a stale handle should fail")
	}
}

// TestGenerationWrapSkipsZero verifies a wrapped generation never yields the invalid ID
func TestGenerationWrapSkipsZero(t *testing.T) {
	m := NewManager()
	h := m.CreateEntity("old", Authority, 0, 0)
	index := h.NetEntityID().index()
	m.slots[index].generation = math.MaxUint32
	m.slots[index].entity.handle.id = makeNetEntityID(index, math.MaxUint32)
	stale := m.slots[index].entity.Handle()

	if !m.RemoveEntity(stale) {
		t.Fatal("RemoveEntity should succeed")
	}
	next := m.CreateEntity("next", Authority, 0, 0)
	if next.NetEntityID().generation() != 1 {
		t.Errorf("Generation after wrap = %d, want 1", next.NetEntityID().generation())
	}
	if next.NetEntityID() == InvalidNetEntityID || next.IsNull() {
		t.Error("Wrapped generation produced the invalid ID")
	}
}

// TestNullHandle verifies the zero handle is inert
func TestNullHandle(t *testing.T) {
	var h ConstHandle
	if !h.IsNull() {
		t.Error("Zero handle should be null")
	}
	if h.Exists() {
		t.Error("Null handle should not exist")
	}
	if h.String() != "null" {
		t.Errorf("Expected 'null', got %q", h.String())
	}

	m := NewManager()
	if got := m.GetEntity(InvalidNetEntityID); !got.IsNull() {
		t.Error("GetEntity(invalid) should return the null handle")
	}
}

// TestControllerEvents verifies activation events fire once per transition
func TestControllerEvents(t *testing.T) {
	m := NewManager()
	h := m.CreateEntity("hero", Authority, 1, 2)

	var activated, deactivated int
	subA := m.OnControllersActivated(func(ConstHandle) { activated++ })
	subD := m.OnControllersDeactivated(func(ConstHandle) { deactivated++ })

	m.ActivateControllers(h)
	m.ActivateControllers(h)
	if activated != 1 {
		t.Errorf("Expected 1 activation, got %d", activated)
	}
	if !h.Entity().ControllersActive() {
		t.Error("Controllers should be active")
	}

	m.RemoveEntity(h)
	if deactivated != 1 {
		t.Errorf("Removal should deactivate controllers, got %d deactivations", deactivated)
	}

	subA.Close()
	subD.Close()
	subA.Close()

	h2 := m.CreateEntity("other", Authority, 0, 0)
	m.ActivateControllers(h2)
	if activated != 1 {
		t.Error("Closed subscription should not be called")
	}
}

// TestEntitiesOrdered verifies listing is sorted and skips removed entities
func TestEntitiesOrdered(t *testing.T) {
	m := NewManager()
	a := m.CreateEntity("a", Authority, 0, 0)
	b := m.CreateEntity("b", Authority, 0, 0)
	c := m.CreateEntity("c", Authority, 0, 0)
	m.RemoveEntity(b)

	list := m.Entities()
	if len(list) != 2 {
		t.Fatalf("Expected 2 entities, got %d", len(list))
	}
	if list[0] != a || list[1] != c {
		t.Errorf("Unexpected order: %v", list)
	}
	if m.Count() != 2 {
		t.Errorf("Count = %d, want 2", m.Count())
	}
}

// TestOwnedBy verifies owner filtering
func TestOwnedBy(t *testing.T) {
	m := NewManager()
	a := m.CreateEntity("a", Authority, 0, 0)
	m.CreateEntity("b", Authority, 0, 0)
	m.SetOwner(a, 7)

	owned := m.OwnedBy(7)
	if len(owned) != 1 || owned[0] != a {
		t.Errorf("Expected [a], got %v", owned)
	}
}

// TestSetPositionSignalsOnChange verifies moves only signal real changes
func TestSetPositionSignalsOnChange(t *testing.T) {
	m := NewManager()
	h := m.CreateEntity("mover", Authority, 0, 0)

	moves := 0
	m.OnEntityMoved(func(ConstHandle) { moves++ })

	m.SetPosition(h, 0, 0)
	m.SetPosition(h, 5, 5)
	m.SetPosition(h, 5, 5)
	if moves != 1 {
		t.Errorf("Expected 1 move event, got %d", moves)
	}
}

// TestEventUnsubscribeDuringSignal verifies removal while signalling is safe
func TestEventUnsubscribeDuringSignal(t *testing.T) {
	var ev Event[int]
	calls := 0
	var sub *Subscription
	sub = ev.Subscribe(func(int) {
		calls++
		sub.Close()
	})
	ev.Subscribe(func(int) { calls++ })

	ev.Signal(1)
	if calls != 2 {
		t.Errorf("Expected both handlers on first signal, got %d", calls)
	}
	ev.Signal(2)
	if calls != 3 {
		t.Errorf("Expected only the remaining handler, got %d calls", calls)
	}
	if ev.HandlerCount() != 1 {
		t.Errorf("HandlerCount = %d, want 1", ev.HandlerCount())
	}
}

// TestParseNetEntityID round-trips the printed form and rejects junk
func TestParseNetEntityID(t *testing.T) {
	m := NewManager()
	h := m.CreateEntity("a", Authority, 0, 0)
	m.RemoveEntity(h)
	h = m.CreateEntity("b", Authority, 0, 0)

	got, err := ParseNetEntityID(h.NetEntityID().String())
	if err != nil || got != h.NetEntityID() {
		t.Errorf("ParseNetEntityID(%q) = %v, %v", h.NetEntityID(), got, err)
	}
	for _, bad := range []string{"", "12", "x:1", "1:y", "1:2:3", "99999999999:0"} {
		if _, err := ParseNetEntityID(bad); err == nil {
			t.Errorf("ParseNetEntityID(%q) accepted", bad)
		}
	}
}
