package netinput

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"multiplayer/internal/netentity"
	"multiplayer/internal/serialize"
)

const testComponentID ComponentID = 7

// stickInput is a small analog-stick-and-buttons input used by the tests
type stickInput struct {
	Forward float32
	Strafe  float32
	Buttons uint8
	Tag     []byte
}

func (s *stickInput) ComponentID() ComponentID { return testComponentID }

func (s *stickInput) Serialize(ser serialize.Serializer) bool {
	ser.Float32(&s.Forward)
	ser.Float32(&s.Strafe)
	ser.Uint8(&s.Buttons)
	ser.Bytes(&s.Tag, 64)
	return ser.IsValid()
}

func (s *stickInput) Clone() ComponentInput {
	c := *s
	c.Tag = append([]byte(nil), s.Tag...)
	return &c
}

func testRegistry(t testing.TB) *Registry {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register(testComponentID, func() ComponentInput { return &stickInput{} }); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return reg
}

func makeInput(forward float32, buttons uint8, tag string) NetworkInput {
	var in NetworkInput
	in.SetComponentInput(&stickInput{Forward: forward, Buttons: buttons, Tag: []byte(tag)})
	return in
}

func newTestArray(t testing.TB) *NetworkInputArray {
	a := NewNetworkInputArray(netentity.ConstHandle{})
	a.SetRegistry(testRegistry(t))
	return a
}

func encodeArray(t testing.TB, a *NetworkInputArray) []byte {
	t.Helper()
	data, err := serialize.Encode(a.Serialize)
	if err != nil {
		t.Fatalf("Serialize (write) failed: %v", err)
	}
	return data
}

// TestArraySetGet verifies every slot reads back what was written
func TestArraySetGet(t *testing.T) {
	a := newTestArray(t)
	for i := 0; i < MaxElements; i++ {
		if err := a.Set(i, makeInput(float32(i), uint8(i), "")); err != nil {
			t.Fatalf("Set(%d) failed: %v", i, err)
		}
	}
	for i := 0; i < MaxElements; i++ {
		got, err := a.Get(i)
		if err != nil {
			t.Fatalf("Get(%d) failed: %v", i, err)
		}
		want := makeInput(float32(i), uint8(i), "")
		if !got.Equal(&want) {
			t.Errorf("Slot %d did not read back its value", i)
		}
	}
}

// TestArrayOutOfRange verifies checked access rejects bad indexes
func TestArrayOutOfRange(t *testing.T) {
	a := newTestArray(t)
	for _, idx := range []int{-1, MaxElements, MaxElements + 5} {
		t.Run(fmt.Sprintf("index_%d", idx), func(t *testing.T) {
			if _, err := a.Get(idx); !errors.Is(err, ErrOutOfRange) {
				t.Errorf("Get: expected ErrOutOfRange, got %v", err)
			}
			if err := a.Set(idx, NetworkInput{}); !errors.Is(err, ErrOutOfRange) {
				t.Errorf("Set: expected ErrOutOfRange, got %v", err)
			}
		})
	}

	defer func() {
		if recover() == nil {
			t.Error("At with a bad index should panic")
		}
	}()
	a.At(MaxElements)
}

// TestArrayPush verifies FIFO history with the newest input at slot 0
func TestArrayPush(t *testing.T) {
	a := newTestArray(t)
	for i := 0; i < MaxElements+3; i++ {
		a.Push(makeInput(float32(i), 0, ""))
	}

	if a.NewestFrame() != FrameID(MaxElements+3) {
		t.Errorf("NewestFrame = %d, want %d", a.NewestFrame(), MaxElements+3)
	}

	// Slot k holds the input pushed k pushes ago.
	for k := 0; k < MaxElements; k++ {
		want := makeInput(float32(MaxElements+2-k), 0, "")
		if !a.At(k).Equal(&want) {
			t.Errorf("Slot %d does not hold push #%d", k, MaxElements+2-k)
		}
	}
}

// TestArrayPushShiftsOneSlot checks a single push against a full array
func TestArrayPushShiftsOneSlot(t *testing.T) {
	a := newTestArray(t)
	for i := 0; i < MaxElements; i++ {
		a.Set(i, makeInput(float32(i), 0, ""))
	}
	oldest := makeInput(float32(MaxElements-1), 0, "")

	a.Push(makeInput(99, 0, ""))

	newest := makeInput(99, 0, "")
	if !a.At(0).Equal(&newest) {
		t.Error("Pushed input should be at slot 0")
	}
	for k := 0; k < MaxElements-1; k++ {
		want := makeInput(float32(k), 0, "")
		if !a.At(k + 1).Equal(&want) {
			t.Errorf("Input from slot %d should now be at slot %d", k, k+1)
		}
	}
	for k := 0; k < MaxElements; k++ {
		if a.At(k).Equal(&oldest) {
			t.Errorf("Oldest input should have been discarded, found at slot %d", k)
		}
	}
}

// TestArrayRoundTrip verifies Serialize(writer) then Serialize(reader) reproduces every slot
func TestArrayRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input func(i int) NetworkInput
	}{
		{"all identical", func(int) NetworkInput { return makeInput(1, 3, "hold") }},
		{"all distinct", func(i int) NetworkInput { return makeInput(float32(i)*1.5, uint8(i*17), fmt.Sprintf("frame-%d", i)) }},
		{"alternating", func(i int) NetworkInput { return makeInput(float32(i%2), 1, "") }},
		{"growing payload", func(i int) NetworkInput { return makeInput(0, 0, string(make([]byte, i*9))) }},
		{"empty inputs", func(int) NetworkInput { return NetworkInput{} }},
		{"mixed empty", func(i int) NetworkInput {
			if i%3 == 0 {
				return NetworkInput{}
			}
			return makeInput(float32(i), 2, "x")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner := netentity.NewManager().CreateEntity("owner", netentity.Authority, 0, 0)
			src := NewNetworkInputArray(owner)
			src.SetRegistry(testRegistry(t))
			for i := 0; i < MaxElements; i++ {
				src.Set(i, tt.input(i))
			}
			src.SetNewestFrame(1234)

			data := encodeArray(t, src)

			dst := NewNetworkInputArray(owner)
			dst.SetRegistry(testRegistry(t))
			if err := serialize.Decode(data, dst.Serialize); err != nil {
				t.Fatalf("Serialize (read) failed: %v", err)
			}

			if dst.NewestFrame() != 1234 {
				t.Errorf("NewestFrame = %d, want 1234", dst.NewestFrame())
			}
			for i := 0; i < MaxElements; i++ {
				if !dst.At(i).Equal(src.At(i)) {
					t.Errorf("Slot %d differs after round trip", i)
				}
			}
		})
	}
}

// TestArrayCompression verifies steady input costs less than changing input
func TestArrayCompression(t *testing.T) {
	same := newTestArray(t)
	distinct := newTestArray(t)
	for i := 0; i < MaxElements; i++ {
		same.Set(i, makeInput(0.5, 1, "steady"))
		distinct.Set(i, makeInput(float32(i)+0.25, uint8(i), fmt.Sprintf("step%02d", i)))
	}

	sameSize := len(encodeArray(t, same))
	distinctSize := len(encodeArray(t, distinct))
	if sameSize >= distinctSize {
		t.Errorf("Identical history (%d bytes) should be smaller than distinct history (%d bytes)", sameSize, distinctSize)
	}

	// Seven repeats cost two bits each on top of one full slot.
	full, _ := same.At(0).encode()
	maxExpected := 4 + 4 + len(full) + 2
	if sameSize > maxExpected {
		t.Errorf("Identical history took %d bytes, expected at most %d", sameSize, maxExpected)
	}
}

// TestArrayDeltaIsSmallerThanFull verifies a one-field change is sent as a patch
func TestArrayDeltaIsSmallerThanFull(t *testing.T) {
	longTag := "a-fairly-long-label-that-does-not-change-between-frames"
	a := newTestArray(t)
	b := newTestArray(t)
	for i := 0; i < MaxElements; i++ {
		a.Set(i, makeInput(float32(i), 1, longTag))
		// every byte of the label changes between frames
		b.Set(i, makeInput(float32(i), 1, strings.Repeat(string(rune('a'+i)), len(longTag))))
	}

	if len(encodeArray(t, a)) >= len(encodeArray(t, b)) {
		t.Error("Small per-frame changes should encode smaller than unrelated frames")
	}
}

// TestArrayReadFailureLeavesArrayIntact verifies no torn state on bad input
func TestArrayReadFailureLeavesArrayIntact(t *testing.T) {
	src := newTestArray(t)
	for i := 0; i < MaxElements; i++ {
		src.Set(i, makeInput(float32(i), 0, "abc"))
	}
	data := encodeArray(t, src)

	dst := newTestArray(t)
	keep := makeInput(42, 42, "keep")
	for i := 0; i < MaxElements; i++ {
		dst.Set(i, keep)
	}
	dst.SetNewestFrame(9)

	truncated := data[:len(data)-2]
	if err := serialize.Decode(truncated, dst.Serialize); err == nil {
		t.Fatal("Decoding a truncated array should fail")
	}

	if dst.NewestFrame() != 9 {
		t.Errorf("NewestFrame changed to %d after failed read", dst.NewestFrame())
	}
	for i := 0; i < MaxElements; i++ {
		if !dst.At(i).Equal(&keep) {
			t.Errorf("Slot %d changed after failed read", i)
		}
	}
}

// TestArrayUnknownComponent verifies unregistered components fail decoding
func TestArrayUnknownComponent(t *testing.T) {
	src := newTestArray(t)
	src.Push(makeInput(1, 1, ""))
	data := encodeArray(t, src)

	dst := NewNetworkInputArray(netentity.ConstHandle{})
	dst.SetRegistry(NewRegistry())
	if err := serialize.Decode(data, dst.Serialize); err == nil {
		t.Error("Decoding without the component registered should fail")
	}
}

// TestRegistryDuplicate verifies double registration is rejected
func TestRegistryDuplicate(t *testing.T) {
	reg := testRegistry(t)
	err := reg.Register(testComponentID, func() ComponentInput { return &stickInput{} })
	if !errors.Is(err, ErrDuplicateComponent) {
		t.Errorf("Expected ErrDuplicateComponent, got %v", err)
	}
}

func BenchmarkArraySerializeSteady(b *testing.B) {
	a := newTestArray(b)
	for i := 0; i < MaxElements; i++ {
		a.Push(makeInput(1, 1, "steady"))
	}
	w := serialize.NewWriter(0)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.Reset()
		a.Serialize(w)
	}
}
