package serialize

import (
	"math"
)

// Writer packs values LSB-first into a growing byte buffer.
// A non-zero capacity bounds the output; overflowing it invalidates the
// writer and leaves the already written prefix untouched.
type Writer struct {
	buf      []byte
	bitPos   uint64
	capacity int
	valid    bool
}

// NewWriter returns a writer. capacity <= 0 means unbounded.
func NewWriter(capacity int) *Writer {
	initial := capacity
	if initial <= 0 {
		initial = 64
	}
	return &Writer{
		buf:      make([]byte, 0, initial),
		capacity: capacity,
		valid:    true,
	}
}

func (w *Writer) Mode() Mode    { return ReadFromObject }
func (w *Writer) IsValid() bool { return w.valid }
func (w *Writer) Invalidate()   { w.valid = false }
func (w *Writer) Size() int     { return bitsToBytes(w.bitPos) }

// Buffer returns the written bytes. The slice aliases the writer's storage.
func (w *Writer) Buffer() []byte {
	return w.buf[:w.Size()]
}

// Reset clears the writer for reuse, keeping its storage.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.bitPos = 0
	w.valid = true
}

func (w *Writer) writeBits(value uint64, n uint) bool {
	if !w.valid {
		return false
	}
	if n == 0 {
		return true
	}
	if w.capacity > 0 && bitsToBytes(w.bitPos+uint64(n)) > w.capacity {
		w.valid = false
		return false
	}
	if n < 64 {
		value &= (uint64(1) << n) - 1
	}
	for n > 0 {
		byteIdx := int(w.bitPos / 8)
		offset := uint(w.bitPos % 8)
		if byteIdx >= len(w.buf) {
			w.buf = append(w.buf, 0)
		}
		take := 8 - offset
		if take > n {
			take = n
		}
		chunk := byte(value & ((1 << take) - 1))
		w.buf[byteIdx] |= chunk << offset
		value >>= take
		n -= take
		w.bitPos += uint64(take)
	}
	return true
}

func (w *Writer) Bool(v *bool) bool {
	var b uint64
	if *v {
		b = 1
	}
	return w.writeBits(b, 1)
}

func (w *Writer) Uint8(v *uint8) bool   { return w.writeBits(uint64(*v), 8) }
func (w *Writer) Uint16(v *uint16) bool { return w.writeBits(uint64(*v), 16) }
func (w *Writer) Uint32(v *uint32) bool { return w.writeBits(uint64(*v), 32) }
func (w *Writer) Uint64(v *uint64) bool { return w.writeBits(*v, 64) }
func (w *Writer) Int32(v *int32) bool   { return w.writeBits(uint64(uint32(*v)), 32) }

func (w *Writer) Float32(v *float32) bool {
	return w.writeBits(uint64(math.Float32bits(*v)), 32)
}

func (w *Writer) Bits(v *uint64, n uint) bool {
	if n > 64 {
		w.valid = false
		return false
	}
	return w.writeBits(*v, n)
}

func (w *Writer) Bytes(v *[]byte, maxLen uint32) bool {
	n := uint32(len(*v))
	if n > maxLen {
		w.valid = false
		return false
	}
	if !w.Uint32(&n) {
		return false
	}
	for _, b := range *v {
		if !w.writeBits(uint64(b), 8) {
			return false
		}
	}
	return true
}

var _ Serializer = (*Writer)(nil)
