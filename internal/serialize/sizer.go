package serialize

// Sizer counts the bits a write would produce without storing them.
type Sizer struct {
	bits  uint64
	valid bool
}

func NewSizer() *Sizer { return &Sizer{valid: true} }

func (s *Sizer) Mode() Mode    { return ReadFromObject }
func (s *Sizer) IsValid() bool { return s.valid }
func (s *Sizer) Invalidate()   { s.valid = false }
func (s *Sizer) Size() int     { return bitsToBytes(s.bits) }

func (s *Sizer) add(n uint64) bool {
	s.bits += n
	return s.valid
}

func (s *Sizer) Bool(*bool) bool       { return s.add(1) }
func (s *Sizer) Uint8(*uint8) bool     { return s.add(8) }
func (s *Sizer) Uint16(*uint16) bool   { return s.add(16) }
func (s *Sizer) Uint32(*uint32) bool   { return s.add(32) }
func (s *Sizer) Uint64(*uint64) bool   { return s.add(64) }
func (s *Sizer) Int32(*int32) bool     { return s.add(32) }
func (s *Sizer) Float32(*float32) bool { return s.add(32) }

func (s *Sizer) Bits(_ *uint64, n uint) bool {
	if n > 64 {
		s.valid = false
		return false
	}
	return s.add(uint64(n))
}

func (s *Sizer) Bytes(v *[]byte, maxLen uint32) bool {
	if uint32(len(*v)) > maxLen {
		s.valid = false
		return false
	}
	return s.add(32 + 8*uint64(len(*v)))
}

var _ Serializer = (*Sizer)(nil)
