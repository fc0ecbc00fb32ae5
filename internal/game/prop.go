package game

import (
	"math"
	"math/rand"

	"multiplayer/internal/netentity"
)

// PropKind distinguishes server-driven entities.
type PropKind uint8

const (
	// PropWanderer drifts around the world.
	PropWanderer PropKind = iota + 1
	// PropBeacon stays put and is replicated to every connection.
	PropBeacon
)

func (k PropKind) String() string {
	switch k {
	case PropWanderer:
		return "wanderer"
	case PropBeacon:
		return "beacon"
	default:
		return "unknown"
	}
}

// ParsePropKind is the inverse of PropKind.String.
func ParsePropKind(s string) (PropKind, bool) {
	switch s {
	case "wanderer":
		return PropWanderer, true
	case "beacon":
		return PropBeacon, true
	default:
		return 0, false
	}
}

// Prop is an entity simulated entirely by the server.
type Prop struct {
	Kind    PropKind
	Handle  netentity.ConstHandle
	Heading float64 // radians
}

// turnChance is the per-tick probability that a wanderer picks a new heading.
const turnChance = 0.02

// Step advances a wanderer by dt seconds, bouncing off the world edges.
// Beacons do not move.
func (p *Prop) Step(rng *rand.Rand, x, y, speed, dt, width, height float64) (float64, float64) {
	if p.Kind != PropWanderer {
		return x, y
	}
	if rng.Float64() < turnChance {
		p.Heading = rng.Float64() * 2 * math.Pi
	}

	x += math.Cos(p.Heading) * speed * dt
	y += math.Sin(p.Heading) * speed * dt

	if x < 0 || x > width {
		p.Heading = math.Pi - p.Heading
		x = clamp(x, 0, width)
	}
	if y < 0 || y > height {
		p.Heading = -p.Heading
		y = clamp(y, 0, height)
	}
	return x, y
}
