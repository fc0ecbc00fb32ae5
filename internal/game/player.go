package game

import (
	"math"
	"time"

	"multiplayer/internal/netentity"
)

// Player is the avatar a connection controls.
type Player struct {
	Conn     netentity.ConnectionID
	Name     string
	Handle   netentity.ConstHandle
	JoinedAt time.Time

	LastInput MoveInput
	Frames    uint64 // input frames applied
}

// boostMultiplier scales speed while ButtonBoost is held.
const boostMultiplier = 2.0

// Step moves the avatar by one input frame and returns the new position.
// The result is clamped to [0, width] x [0, height].
func (p *Player) Step(in MoveInput, x, y, speed, dt, width, height float64) (float64, float64) {
	p.LastInput = in
	p.Frames++

	dx, dy := in.Direction()
	if in.Buttons&ButtonBoost != 0 {
		speed *= boostMultiplier
	}
	x += dx * speed * dt
	y += dy * speed * dt
	return clamp(x, 0, width), clamp(y, 0, height)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
