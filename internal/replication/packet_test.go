package replication

import (
	"bytes"
	"errors"
	"testing"

	"multiplayer/internal/netentity"
	"multiplayer/internal/netinput"
	"multiplayer/internal/serialize"
)

// TestPacketFraming verifies header layout and body round trip
func TestPacketFraming(t *testing.T) {
	body := []byte("hello replication")
	data, err := EncodePacket(PacketWelcome, body, 0)
	if err != nil {
		t.Fatalf("EncodePacket failed: %v", err)
	}
	if len(data) != HeaderSize+len(body) {
		t.Errorf("Framed length = %d, want %d", len(data), HeaderSize+len(body))
	}
	if data[2] != byte(PacketWelcome) || data[3] != 0 {
		t.Errorf("Unexpected type/flags bytes: %x %x", data[2], data[3])
	}

	typ, got, err := DecodePacket(data)
	if err != nil {
		t.Fatalf("DecodePacket failed: %v", err)
	}
	if typ != PacketWelcome || !bytes.Equal(got, body) {
		t.Errorf("Got %v %q", typ, got)
	}
}

// TestPacketCompression verifies large repetitive bodies are compressed
func TestPacketCompression(t *testing.T) {
	body := bytes.Repeat([]byte("entity-state "), 200)
	data, err := EncodePacket(PacketEntityUpdates, body, 256)
	if err != nil {
		t.Fatalf("EncodePacket failed: %v", err)
	}
	if data[3]&FlagZstd == 0 {
		t.Fatal("Expected the zstd flag")
	}
	if len(data) >= len(body) {
		t.Errorf("Compressed packet (%d) not smaller than body (%d)", len(data), len(body))
	}

	_, got, err := DecodePacket(data)
	if err != nil {
		t.Fatalf("DecodePacket failed: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Error("Body changed through compression")
	}

	small, _ := EncodePacket(PacketEntityUpdates, []byte("tiny"), 256)
	if small[3]&FlagZstd != 0 {
		t.Error("Bodies under the threshold should not be compressed")
	}
}

// TestPacketErrors verifies malformed packets are rejected
func TestPacketErrors(t *testing.T) {
	good, _ := EncodePacket(PacketAck, []byte{1, 2, 3, 4}, 0)

	wrongVersion := append([]byte(nil), good...)
	wrongVersion[0] = 99
	if _, _, err := DecodePacket(wrongVersion); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("Expected ErrVersionMismatch, got %v", err)
	}

	if _, _, err := DecodePacket(good[:HeaderSize+2]); err == nil {
		t.Error("Truncated body should fail")
	}
	if _, _, err := DecodePacket(good[:3]); err == nil {
		t.Error("Truncated header should fail")
	}

	if _, err := EncodePacket(PacketAck, make([]byte, MaxPacketSize+1), 0); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("Expected ErrPacketTooLarge, got %v", err)
	}
}

// TestPacketStream verifies WritePacket and ReadPacket over a stream
func TestPacketStream(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePacket(&buf, PacketAck, []byte{7, 0, 0, 0}, 0); err != nil {
		t.Fatalf("WritePacket failed: %v", err)
	}
	big := bytes.Repeat([]byte{0xAB}, 4096)
	if err := WritePacket(&buf, PacketEntityUpdates, big, 128); err != nil {
		t.Fatalf("WritePacket failed: %v", err)
	}

	typ, body, err := ReadPacket(&buf)
	if err != nil || typ != PacketAck || !bytes.Equal(body, []byte{7, 0, 0, 0}) {
		t.Errorf("First packet: %v %v %v", typ, body, err)
	}
	typ, body, err = ReadPacket(&buf)
	if err != nil || typ != PacketEntityUpdates || !bytes.Equal(body, big) {
		t.Errorf("Second packet: %v len=%d %v", typ, len(body), err)
	}
	if _, _, err := ReadPacket(&buf); err == nil {
		t.Error("Reading past the end should fail")
	}
}

// TestEntityUpdatesPacketBody verifies every update kind survives encoding
func TestEntityUpdatesPacketBody(t *testing.T) {
	in := EntityUpdatesPacket{
		Sequence: 42,
		Tick:     9000,
		Updates: []EntityUpdateMessage{
			{Kind: UpdateCreate, Entity: 0x100000003, Role: netentity.Autonomous, Name: "hero", X: 1.5, Y: -2, Priority: 9},
			{Kind: UpdateState, Entity: 5, Role: netentity.Client, X: 10, Y: 20, Priority: 0.25},
			{Kind: UpdateDelete, Entity: 6},
		},
	}
	data, err := serialize.Encode(in.Serialize)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var out EntityUpdatesPacket
	if err := serialize.Decode(data, out.Serialize); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if out.Sequence != 42 || out.Tick != 9000 || len(out.Updates) != 3 {
		t.Fatalf("Header mismatch: %+v", out)
	}
	for i := range in.Updates {
		if in.Updates[i] != out.Updates[i] {
			t.Errorf("Update %d: got %+v, want %+v", i, out.Updates[i], in.Updates[i])
		}
	}
}

// TestClientInputsPacket verifies the input history rides inside the packet
func TestClientInputsPacket(t *testing.T) {
	src := netinput.NewNetworkInputArray(netentity.ConstHandle{})
	src.Push(netinput.NetworkInput{})
	src.Push(netinput.NetworkInput{})

	in := ClientInputsPacket{Entity: 77, Inputs: src}
	data, err := MarshalPacket(PacketClientInputs, in.Serialize, 0)
	if err != nil {
		t.Fatalf("MarshalPacket failed: %v", err)
	}

	typ, body, err := DecodePacket(data)
	if err != nil || typ != PacketClientInputs {
		t.Fatalf("DecodePacket: %v %v", typ, err)
	}
	out := ClientInputsPacket{Inputs: netinput.NewNetworkInputArray(netentity.ConstHandle{})}
	if err := serialize.Decode(body, out.Serialize); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if out.Entity != 77 || out.Inputs.NewestFrame() != 2 {
		t.Errorf("Got entity %d newest frame %d", out.Entity, out.Inputs.NewestFrame())
	}
}
