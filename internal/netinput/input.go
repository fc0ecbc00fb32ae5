// Package netinput carries per-frame player input and the compressed input
// history that lets a receiver rebuild frames lost with an unreliable packet.
package netinput

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"multiplayer/internal/serialize"
)

// ComponentID names the game component an input belongs to.
type ComponentID uint16

// MaxInputSize bounds one NetworkInput's encoding.
const MaxInputSize = 1024

// maxComponents is the largest component count a NetworkInput may carry.
const maxComponents = 255

var ErrDuplicateComponent = errors.New("netinput: component already registered")

// ComponentInput is one component's slice of a frame's input. The payload is
// owned by game logic; this package only moves it.
type ComponentInput interface {
	ComponentID() ComponentID
	Serialize(s serialize.Serializer) bool
	Clone() ComponentInput
}

// Registry allocates ComponentInputs by id when decoding.
type Registry struct {
	factories map[ComponentID]func() ComponentInput
}

// DefaultRegistry is used by arrays that were not given their own registry.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{factories: make(map[ComponentID]func() ComponentInput)}
}

// Register adds a factory for id.
func (r *Registry) Register(id ComponentID, factory func() ComponentInput) error {
	if _, exists := r.factories[id]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateComponent, id)
	}
	r.factories[id] = factory
	return nil
}

// New allocates an empty input for id.
func (r *Registry) New(id ComponentID) (ComponentInput, bool) {
	if r == nil {
		return nil, false
	}
	factory, ok := r.factories[id]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// NetworkInput is one frame of input for one entity. Components are kept
// sorted by id so equal inputs always encode to equal bytes.
type NetworkInput struct {
	components []ComponentInput
}

// SetComponentInput stores c, replacing any input with the same id.
func (n *NetworkInput) SetComponentInput(c ComponentInput) {
	id := c.ComponentID()
	i := sort.Search(len(n.components), func(i int) bool {
		return n.components[i].ComponentID() >= id
	})
	if i < len(n.components) && n.components[i].ComponentID() == id {
		n.components[i] = c
		return
	}
	n.components = append(n.components, nil)
	copy(n.components[i+1:], n.components[i:])
	n.components[i] = c
}

// FindComponentInput returns the input for id, or nil.
func (n *NetworkInput) FindComponentInput(id ComponentID) ComponentInput {
	for _, c := range n.components {
		if c.ComponentID() == id {
			return c
		}
	}
	return nil
}

// Components returns the stored inputs in id order. Do not modify.
func (n *NetworkInput) Components() []ComponentInput {
	return n.components
}

// Clone deep-copies the input.
func (n NetworkInput) Clone() NetworkInput {
	if len(n.components) == 0 {
		return NetworkInput{}
	}
	out := NetworkInput{components: make([]ComponentInput, len(n.components))}
	for i, c := range n.components {
		out.components[i] = c.Clone()
	}
	return out
}

// Serialize moves the input through s. Reading needs reg to allocate
// components; an unknown component id invalidates s.
func (n *NetworkInput) Serialize(s serialize.Serializer, reg *Registry) bool {
	if len(n.components) > maxComponents {
		s.Invalidate()
		return false
	}
	count := uint8(len(n.components))
	if !s.Uint8(&count) {
		return false
	}

	if s.Mode() == serialize.ReadFromObject {
		for _, c := range n.components {
			id := uint16(c.ComponentID())
			if !s.Uint16(&id) || !c.Serialize(s) {
				return false
			}
		}
		return s.IsValid()
	}

	decoded := NetworkInput{components: make([]ComponentInput, 0, count)}
	for i := 0; i < int(count); i++ {
		var id uint16
		if !s.Uint16(&id) {
			return false
		}
		c, ok := reg.New(ComponentID(id))
		if !ok {
			s.Invalidate()
			return false
		}
		if !c.Serialize(s) {
			return false
		}
		decoded.SetComponentInput(c)
	}
	*n = decoded
	return s.IsValid()
}

// Equal compares two inputs by their encodings.
func (n *NetworkInput) Equal(other *NetworkInput) bool {
	a, okA := n.encode()
	b, okB := other.encode()
	return okA && okB && bytes.Equal(a, b)
}

func (n *NetworkInput) encode() ([]byte, bool) {
	data, err := serialize.Encode(func(s serialize.Serializer) bool {
		return n.Serialize(s, nil)
	})
	if err != nil || len(data) > MaxInputSize {
		return nil, false
	}
	return data, true
}

func decodeInput(data []byte, reg *Registry) (NetworkInput, bool) {
	var n NetworkInput
	err := serialize.Decode(data, func(s serialize.Serializer) bool {
		return n.Serialize(s, reg)
	})
	return n, err == nil
}
