package netinput

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"multiplayer/internal/netentity"
	"multiplayer/internal/serialize"
)

// MaxElements is the number of frames of history each array carries.
// It is part of the wire contract: consecutive packets overlap by
// MaxElements-1 frames, so one lost packet loses no input.
const MaxElements = 8

// FrameID numbers input frames per entity. Slot i of an array holds frame
// NewestFrame()-i.
type FrameID uint32

var ErrOutOfRange = errors.New("netinput: index out of range")

// Per-slot tags for slots 1..MaxElements-1.
const (
	slotSame    uint64 = 0
	slotDelta   uint64 = 1
	slotFull    uint64 = 2
	slotTagBits        = 2
)

// NetworkInputArray is the last MaxElements inputs of one entity, newest at
// index 0. It is owned by a single goroutine.
type NetworkInputArray struct {
	owner       netentity.ConstHandle
	registry    *Registry
	newestFrame FrameID
	inputs      [MaxElements]NetworkInput
}

// NewNetworkInputArray binds an array to owner, which may be the null handle.
func NewNetworkInputArray(owner netentity.ConstHandle) *NetworkInputArray {
	return &NetworkInputArray{owner: owner, registry: DefaultRegistry}
}

// SetRegistry overrides the registry used to decode components.
func (a *NetworkInputArray) SetRegistry(reg *Registry) { a.registry = reg }

func (a *NetworkInputArray) Owner() netentity.ConstHandle { return a.owner }

// NewestFrame is the frame held in slot 0.
func (a *NetworkInputArray) NewestFrame() FrameID { return a.newestFrame }

// SetNewestFrame renumbers the history without moving any input.
func (a *NetworkInputArray) SetNewestFrame(f FrameID) { a.newestFrame = f }

// Get returns the input in slot i.
func (a *NetworkInputArray) Get(i int) (*NetworkInput, error) {
	if i < 0 || i >= MaxElements {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, i, MaxElements)
	}
	return &a.inputs[i], nil
}

// Set stores in at slot i.
func (a *NetworkInputArray) Set(i int, in NetworkInput) error {
	if i < 0 || i >= MaxElements {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, i, MaxElements)
	}
	a.inputs[i] = in
	return nil
}

// At is Get for callers that have already proven i in range; it panics otherwise.
func (a *NetworkInputArray) At(i int) *NetworkInput {
	return &a.inputs[i]
}

// Push makes in the newest input and advances the newest frame by one.
// The oldest input falls off the end.
func (a *NetworkInputArray) Push(in NetworkInput) {
	copy(a.inputs[1:], a.inputs[:MaxElements-1])
	a.inputs[0] = in
	a.newestFrame++
}

// Serialize writes or reads the whole history.
//
// Wire layout: newest frame (32 bits), slot 0 in full, then for each later
// slot a 2-bit tag: same as the previous slot, a byte-run patch against the
// previous slot's encoding, or the full encoding. A failed read leaves the
// array untouched.
func (a *NetworkInputArray) Serialize(s serialize.Serializer) bool {
	if s.Mode() == serialize.ReadFromObject {
		return a.write(s)
	}
	return a.read(s)
}

func (a *NetworkInputArray) write(s serialize.Serializer) bool {
	var encoded [MaxElements][]byte
	for i := range a.inputs {
		data, ok := a.inputs[i].encode()
		if !ok {
			s.Invalidate()
			return false
		}
		encoded[i] = data
	}

	frame := uint32(a.newestFrame)
	if !s.Uint32(&frame) || !s.Bytes(&encoded[0], MaxInputSize) {
		return false
	}

	for i := 1; i < MaxElements; i++ {
		prev, cur := encoded[i-1], encoded[i]
		if bytes.Equal(prev, cur) {
			tag := slotSame
			if !s.Bits(&tag, slotTagBits) {
				return false
			}
			continue
		}

		patch := diffBytes(prev, cur)
		if patch.bitCost() < fullBitCost(cur) {
			tag := slotDelta
			if !s.Bits(&tag, slotTagBits) || !patch.serialize(s) {
				return false
			}
			continue
		}

		tag := slotFull
		if !s.Bits(&tag, slotTagBits) || !s.Bytes(&cur, MaxInputSize) {
			return false
		}
	}
	return s.IsValid()
}

func (a *NetworkInputArray) read(s serialize.Serializer) bool {
	var frame uint32
	var encoded [MaxElements][]byte
	if !s.Uint32(&frame) || !s.Bytes(&encoded[0], MaxInputSize) {
		return false
	}

	for i := 1; i < MaxElements; i++ {
		var tag uint64
		if !s.Bits(&tag, slotTagBits) {
			return false
		}
		switch tag {
		case slotSame:
			encoded[i] = encoded[i-1]
		case slotDelta:
			var patch bytePatch
			if !patch.serialize(s) {
				return false
			}
			data, ok := patch.apply(encoded[i-1])
			if !ok {
				s.Invalidate()
				return false
			}
			encoded[i] = data
		case slotFull:
			if !s.Bytes(&encoded[i], MaxInputSize) {
				return false
			}
		default:
			s.Invalidate()
			return false
		}
	}

	var decoded [MaxElements]NetworkInput
	for i := range encoded {
		in, ok := decodeInput(encoded[i], a.registry)
		if !ok {
			s.Invalidate()
			return false
		}
		decoded[i] = in
	}

	a.inputs = decoded
	a.newestFrame = FrameID(frame)
	return s.IsValid()
}

func fullBitCost(data []byte) int {
	return 32 + 8*len(data)
}

// =============================================================================
// BYTE-RUN PATCH
// =============================================================================

// Identical stretches shorter than this are folded into the surrounding run;
// a new run header costs four bytes.
const runMergeGap = 4

const maxRunLength = math.MaxUint8

type byteRun struct {
	offset uint16
	data   []byte
}

// bytePatch rewrites a previous encoding into the next one.
type bytePatch struct {
	length uint16
	runs   []byteRun
}

func diffBytes(prev, cur []byte) bytePatch {
	p := bytePatch{length: uint16(len(cur))}
	differs := func(i int) bool {
		return i >= len(prev) || prev[i] != cur[i]
	}

	for i := 0; i < len(cur); {
		if !differs(i) {
			i++
			continue
		}
		start, end := i, i+1
		for j := i + 1; j < len(cur) && j-start < maxRunLength; j++ {
			if differs(j) {
				end = j + 1
			} else if j-end >= runMergeGap {
				break
			}
		}
		run := byteRun{offset: uint16(start), data: append([]byte(nil), cur[start:end]...)}
		p.runs = append(p.runs, run)
		i = end
	}
	return p
}

func (p *bytePatch) bitCost() int {
	if len(p.runs) > math.MaxUint8 {
		return math.MaxInt
	}
	cost := 16 + 8
	for _, r := range p.runs {
		cost += 16 + 8 + 8*len(r.data)
	}
	return cost
}

func (p *bytePatch) serialize(s serialize.Serializer) bool {
	if s.Mode() == serialize.ReadFromObject && len(p.runs) > math.MaxUint8 {
		s.Invalidate()
		return false
	}
	count := uint8(len(p.runs))
	if !s.Uint16(&p.length) || !s.Uint8(&count) {
		return false
	}
	if p.length > MaxInputSize {
		s.Invalidate()
		return false
	}
	if s.Mode() == serialize.WriteToObject {
		p.runs = make([]byteRun, count)
	}
	for i := range p.runs {
		r := &p.runs[i]
		n := uint8(len(r.data))
		if !s.Uint16(&r.offset) || !s.Uint8(&n) {
			return false
		}
		if s.Mode() == serialize.WriteToObject {
			r.data = make([]byte, n)
		}
		for k := range r.data {
			if !s.Uint8(&r.data[k]) {
				return false
			}
		}
	}
	return s.IsValid()
}

func (p *bytePatch) apply(prev []byte) ([]byte, bool) {
	out := make([]byte, p.length)
	copy(out, prev)
	for _, r := range p.runs {
		end := int(r.offset) + len(r.data)
		if end > len(out) {
			return nil, false
		}
		copy(out[r.offset:end], r.data)
	}
	return out, true
}
