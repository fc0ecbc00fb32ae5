package game

import (
	"math"

	"multiplayer/internal/netinput"
	"multiplayer/internal/serialize"
)

// MoveInputID is the component id of MoveInput on the wire.
const MoveInputID netinput.ComponentID = 1

// Button bits carried in MoveInput.Buttons.
const (
	ButtonBoost uint8 = 1 << iota
	ButtonInteract
)

// MoveInput is one frame of avatar steering. Axes are in [-1, 1]; values
// outside are clamped when applied.
type MoveInput struct {
	MoveX, MoveY float32
	Buttons      uint8
}

func init() {
	if err := netinput.DefaultRegistry.Register(MoveInputID, func() netinput.ComponentInput { return &MoveInput{} }); err != nil {
		panic(err)
	}
}

func (m *MoveInput) ComponentID() netinput.ComponentID { return MoveInputID }

func (m *MoveInput) Serialize(s serialize.Serializer) bool {
	s.Float32(&m.MoveX)
	s.Float32(&m.MoveY)
	s.Uint8(&m.Buttons)
	return s.IsValid()
}

func (m *MoveInput) Clone() netinput.ComponentInput {
	c := *m
	return &c
}

// Direction returns the steering vector with length at most 1. NaN axes count as zero.
func (m MoveInput) Direction() (dx, dy float64) {
	dx, dy = axis(m.MoveX), axis(m.MoveY)
	if l := math.Hypot(dx, dy); l > 1 {
		dx, dy = dx/l, dy/l
	}
	return dx, dy
}

func axis(v float32) float64 {
	f := float64(v)
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(-1, math.Min(1, f))
}

// NewMoveNetworkInput wraps m in a NetworkInput, as clients send it.
func NewMoveNetworkInput(m MoveInput) netinput.NetworkInput {
	var in netinput.NetworkInput
	in.SetComponentInput(&m)
	return in
}

// MoveInputFrom extracts the MoveInput from a frame. ok is false when the
// frame carries none.
func MoveInputFrom(in *netinput.NetworkInput) (MoveInput, bool) {
	c, _ := in.FindComponentInput(MoveInputID).(*MoveInput)
	if c == nil {
		return MoveInput{}, false
	}
	return *c, true
}
