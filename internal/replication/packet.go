package replication

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"multiplayer/internal/netentity"
	"multiplayer/internal/netinput"
	"multiplayer/internal/serialize"
)

// PacketType identifies a packet body.
type PacketType byte

const (
	PacketWelcome       PacketType = 0x01
	PacketEntityUpdates PacketType = 0x02
	PacketClientInputs  PacketType = 0x03
	PacketAck           PacketType = 0x04
)

func (t PacketType) String() string {
	switch t {
	case PacketWelcome:
		return "welcome"
	case PacketEntityUpdates:
		return "entity_updates"
	case PacketClientInputs:
		return "client_inputs"
	case PacketAck:
		return "ack"
	default:
		return fmt.Sprintf("packet(0x%02x)", byte(t))
	}
}

const (
	// ProtocolVersion is checked on every packet.
	ProtocolVersion uint16 = 1

	// FlagZstd marks a zstd-compressed body.
	FlagZstd byte = 1 << 0

	HeaderSize = 8 // 2 + 1 + 1 + 4

	// MaxPacketSize bounds a decompressed body.
	MaxPacketSize = 256 * 1024
)

var (
	ErrVersionMismatch = errors.New("replication: protocol version mismatch")
	ErrPacketTooLarge  = errors.New("replication: packet too large")
)

// Header frames every packet.
type Header struct {
	Version uint16
	Type    PacketType
	Flags   byte
	Length  uint32
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPacketSize))
)

// EncodePacket frames body, compressing it when it is at least
// compressThreshold bytes and compression actually helps. A threshold of
// zero or less disables compression.
func EncodePacket(t PacketType, body []byte, compressThreshold int) ([]byte, error) {
	if len(body) > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, len(body), MaxPacketSize)
	}

	var flags byte
	if compressThreshold > 0 && len(body) >= compressThreshold {
		compressed := zstdEncoder.EncodeAll(body, make([]byte, 0, len(body)))
		if len(compressed) < len(body) {
			body = compressed
			flags |= FlagZstd
		}
	}

	out := make([]byte, HeaderSize+len(body))
	putHeader(out, Header{Version: ProtocolVersion, Type: t, Flags: flags, Length: uint32(len(body))})
	copy(out[HeaderSize:], body)
	return out, nil
}

// DecodePacket validates the header and returns the packet type and the
// decompressed body.
func DecodePacket(data []byte) (PacketType, []byte, error) {
	if len(data) < HeaderSize {
		return 0, nil, fmt.Errorf("read header: %w", io.ErrUnexpectedEOF)
	}
	h, err := parseHeader(data)
	if err != nil {
		return 0, nil, err
	}
	if int(h.Length) != len(data)-HeaderSize {
		return 0, nil, fmt.Errorf("read body: length %d, have %d bytes", h.Length, len(data)-HeaderSize)
	}
	body, err := inflate(h, data[HeaderSize:])
	if err != nil {
		return 0, nil, err
	}
	return h.Type, body, nil
}

// WritePacket frames and writes body to w.
func WritePacket(w io.Writer, t PacketType, body []byte, compressThreshold int) error {
	data, err := EncodePacket(t, body, compressThreshold)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	return nil
}

// ReadPacket reads one framed packet from r.
func ReadPacket(r io.Reader) (PacketType, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}
	h, err := parseHeader(headerBuf)
	if err != nil {
		return 0, nil, err
	}

	var body []byte
	if h.Length > 0 {
		body = make([]byte, h.Length)
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, fmt.Errorf("read body: %w", err)
		}
	}
	body, err = inflate(h, body)
	if err != nil {
		return 0, nil, err
	}
	return h.Type, body, nil
}

func putHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint16(buf[0:2], h.Version)
	buf[2] = byte(h.Type)
	buf[3] = h.Flags
	binary.LittleEndian.PutUint32(buf[4:8], h.Length)
}

func parseHeader(buf []byte) (Header, error) {
	h := Header{
		Version: binary.LittleEndian.Uint16(buf[0:2]),
		Type:    PacketType(buf[2]),
		Flags:   buf[3],
		Length:  binary.LittleEndian.Uint32(buf[4:8]),
	}
	if h.Version != ProtocolVersion {
		return h, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, h.Version, ProtocolVersion)
	}
	if h.Length > MaxPacketSize {
		return h, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, h.Length, MaxPacketSize)
	}
	return h, nil
}

func inflate(h Header, body []byte) ([]byte, error) {
	if h.Flags&FlagZstd == 0 {
		return body, nil
	}
	out, err := zstdDecoder.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	if len(out) > MaxPacketSize {
		return nil, fmt.Errorf("%w: inflated to %d", ErrPacketTooLarge, len(out))
	}
	return out, nil
}

// =============================================================================
// PACKET BODIES
// =============================================================================

// UpdateKind says what an EntityUpdateMessage does on the client.
type UpdateKind uint8

const (
	UpdateCreate UpdateKind = iota + 1
	UpdateState
	UpdateDelete
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateCreate:
		return "create"
	case UpdateState:
		return "update"
	case UpdateDelete:
		return "delete"
	default:
		return fmt.Sprintf("UpdateKind(%d)", uint8(k))
	}
}

const maxNameLength = 64

// EntityUpdateMessage is one entity's entry in an updates packet. Name is
// only carried by creates; Role and position are omitted from deletes.
type EntityUpdateMessage struct {
	Kind     UpdateKind
	Entity   netentity.NetEntityID
	Role     netentity.Role
	Name     string
	X, Y     float32
	Priority float32
}

func (m *EntityUpdateMessage) Serialize(s serialize.Serializer) bool {
	kind := uint8(m.Kind)
	id := uint64(m.Entity)
	if !s.Uint8(&kind) || !s.Uint64(&id) {
		return false
	}
	m.Kind, m.Entity = UpdateKind(kind), netentity.NetEntityID(id)

	switch m.Kind {
	case UpdateDelete:
		return s.IsValid()
	case UpdateCreate:
		name := []byte(m.Name)
		if !s.Bytes(&name, maxNameLength) {
			return false
		}
		m.Name = string(name)
	case UpdateState:
	default:
		s.Invalidate()
		return false
	}

	role := uint64(m.Role)
	if !s.Bits(&role, 3) {
		return false
	}
	m.Role = netentity.Role(role)
	s.Float32(&m.X)
	s.Float32(&m.Y)
	s.Float32(&m.Priority)
	return s.IsValid()
}

// EstimatedSize is the message's encoded size in bytes, rounded up.
func (m *EntityUpdateMessage) EstimatedSize() int {
	c := *m
	return serialize.EstimateSize(c.Serialize)
}

// maxUpdatesPerPacket bounds the update count field.
const maxUpdatesPerPacket = 1<<16 - 1

// EntityUpdatesPacket carries one tick's worth of entity messages, or part
// of it when the tick did not fit one packet.
type EntityUpdatesPacket struct {
	Sequence uint32
	Tick     uint32
	Updates  []EntityUpdateMessage
}

func (p *EntityUpdatesPacket) Serialize(s serialize.Serializer) bool {
	if len(p.Updates) > maxUpdatesPerPacket {
		s.Invalidate()
		return false
	}
	count := uint16(len(p.Updates))
	if !s.Uint32(&p.Sequence) || !s.Uint32(&p.Tick) || !s.Uint16(&count) {
		return false
	}
	if s.Mode() == serialize.WriteToObject {
		p.Updates = make([]EntityUpdateMessage, count)
	}
	for i := range p.Updates {
		if !p.Updates[i].Serialize(s) {
			return false
		}
	}
	return s.IsValid()
}

// WelcomePacket tells a new client who it is.
type WelcomePacket struct {
	Connection netentity.ConnectionID
	Entity     netentity.NetEntityID
	TickRate   uint16
	ViewRadius float32
}

func (p *WelcomePacket) Serialize(s serialize.Serializer) bool {
	conn := uint32(p.Connection)
	id := uint64(p.Entity)
	s.Uint32(&conn)
	s.Uint64(&id)
	s.Uint16(&p.TickRate)
	s.Float32(&p.ViewRadius)
	p.Connection, p.Entity = netentity.ConnectionID(conn), netentity.NetEntityID(id)
	return s.IsValid()
}

// ClientInputsPacket carries the input history of one controlled entity.
type ClientInputsPacket struct {
	Entity netentity.NetEntityID
	Inputs *netinput.NetworkInputArray
}

func (p *ClientInputsPacket) Serialize(s serialize.Serializer) bool {
	if p.Inputs == nil {
		s.Invalidate()
		return false
	}
	id := uint64(p.Entity)
	if !s.Uint64(&id) {
		return false
	}
	p.Entity = netentity.NetEntityID(id)
	return p.Inputs.Serialize(s)
}

// AckPacket acknowledges an EntityUpdatesPacket by sequence.
type AckPacket struct {
	Sequence uint32
}

func (p *AckPacket) Serialize(s serialize.Serializer) bool {
	return s.Uint32(&p.Sequence)
}

// MarshalPacket serializes a body and frames it.
func MarshalPacket(t PacketType, body func(serialize.Serializer) bool, compressThreshold int) ([]byte, error) {
	data, err := serialize.Encode(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return EncodePacket(t, data, compressThreshold)
}
