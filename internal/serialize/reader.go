package serialize

import (
	"math"
)

// Reader unpacks values written by Writer.
// Reading past the end invalidates the reader; the destination of the
// failing call is left unchanged.
type Reader struct {
	data   []byte
	bitPos uint64
	valid  bool
}

// NewReader returns a reader over data. data is not copied.
func NewReader(data []byte) *Reader {
	return &Reader{data: data, valid: true}
}

func (r *Reader) Mode() Mode    { return WriteToObject }
func (r *Reader) IsValid() bool { return r.valid }
func (r *Reader) Invalidate()   { r.valid = false }
func (r *Reader) Size() int     { return bitsToBytes(r.bitPos) }

// Remaining reports how many whole bytes are left unread.
func (r *Reader) Remaining() int {
	return len(r.data) - r.Size()
}

func (r *Reader) readBits(n uint) (uint64, bool) {
	if !r.valid {
		return 0, false
	}
	if r.bitPos+uint64(n) > uint64(len(r.data))*8 {
		r.valid = false
		return 0, false
	}
	var value uint64
	var shift uint
	for n > 0 {
		byteIdx := r.bitPos / 8
		offset := uint(r.bitPos % 8)
		take := 8 - offset
		if take > n {
			take = n
		}
		chunk := uint64(r.data[byteIdx]>>offset) & ((1 << take) - 1)
		value |= chunk << shift
		shift += take
		n -= take
		r.bitPos += uint64(take)
	}
	return value, true
}

func (r *Reader) Bool(v *bool) bool {
	b, ok := r.readBits(1)
	if ok {
		*v = b == 1
	}
	return ok
}

func (r *Reader) Uint8(v *uint8) bool {
	b, ok := r.readBits(8)
	if ok {
		*v = uint8(b)
	}
	return ok
}

func (r *Reader) Uint16(v *uint16) bool {
	b, ok := r.readBits(16)
	if ok {
		*v = uint16(b)
	}
	return ok
}

func (r *Reader) Uint32(v *uint32) bool {
	b, ok := r.readBits(32)
	if ok {
		*v = uint32(b)
	}
	return ok
}

func (r *Reader) Uint64(v *uint64) bool {
	b, ok := r.readBits(64)
	if ok {
		*v = b
	}
	return ok
}

func (r *Reader) Int32(v *int32) bool {
	b, ok := r.readBits(32)
	if ok {
		*v = int32(uint32(b))
	}
	return ok
}

func (r *Reader) Float32(v *float32) bool {
	b, ok := r.readBits(32)
	if ok {
		*v = math.Float32frombits(uint32(b))
	}
	return ok
}

func (r *Reader) Bits(v *uint64, n uint) bool {
	if n > 64 {
		r.valid = false
		return false
	}
	b, ok := r.readBits(n)
	if ok {
		*v = b
	}
	return ok
}

func (r *Reader) Bytes(v *[]byte, maxLen uint32) bool {
	var n uint32
	if !r.Uint32(&n) {
		return false
	}
	if n > maxLen || uint64(n)*8 > uint64(len(r.data))*8-r.bitPos {
		r.valid = false
		return false
	}
	out := make([]byte, n)
	for i := range out {
		b, ok := r.readBits(8)
		if !ok {
			return false
		}
		out[i] = byte(b)
	}
	*v = out
	return true
}

var _ Serializer = (*Reader)(nil)
