// Package serialize provides a bidirectional, bit-packed serializer.
//
// The same Serialize method on a type both writes it to the wire and reads it
// back: the serializer's Mode decides the direction. Every call reports
// success, and a serializer that failed once stays invalid, so callers may
// chain calls and check IsValid (or the final return value) at the end.
package serialize

import (
	"errors"
	"fmt"
)

// Mode is the direction a serializer moves data in.
type Mode uint8

const (
	// ReadFromObject copies values out of Go objects onto the wire.
	ReadFromObject Mode = iota
	// WriteToObject copies values off the wire into Go objects.
	WriteToObject
)

func (m Mode) String() string {
	switch m {
	case ReadFromObject:
		return "ReadFromObject"
	case WriteToObject:
		return "WriteToObject"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ErrSerialize is returned by the Encode/Decode helpers when the serializer
// was invalidated (buffer overflow, truncated input, oversize payload).
var ErrSerialize = errors.New("serialize: serializer invalid")

// Serializer reads or writes primitive values and opaque byte payloads.
type Serializer interface {
	Mode() Mode
	IsValid() bool
	// Invalidate marks the serializer failed. Used by callers that detect
	// semantic errors (unknown component id, bad tag) mid-stream.
	Invalidate()

	Bool(v *bool) bool
	Uint8(v *uint8) bool
	Uint16(v *uint16) bool
	Uint32(v *uint32) bool
	Uint64(v *uint64) bool
	Int32(v *int32) bool
	Float32(v *float32) bool
	// Bits moves the low n bits of v (n <= 64).
	Bits(v *uint64, n uint) bool
	// Bytes moves a length-prefixed payload. Payloads longer than maxLen
	// invalidate the serializer in both directions.
	Bytes(v *[]byte, maxLen uint32) bool

	// Size is the number of whole bytes produced or consumed so far.
	Size() int
}

// Encode runs fn against a fresh unbounded writer and returns the bytes.
func Encode(fn func(Serializer) bool) ([]byte, error) {
	w := NewWriter(0)
	if !fn(w) || !w.IsValid() {
		return nil, ErrSerialize
	}
	return w.Buffer(), nil
}

// Decode runs fn against a reader over data.
func Decode(data []byte, fn func(Serializer) bool) error {
	r := NewReader(data)
	if !fn(r) || !r.IsValid() {
		return ErrSerialize
	}
	return nil
}

// EstimateSize reports how many bytes fn would write, without keeping them.
func EstimateSize(fn func(Serializer) bool) int {
	s := NewSizer()
	fn(s)
	return s.Size()
}

func bitsToBytes(bits uint64) int {
	return int((bits + 7) / 8)
}
