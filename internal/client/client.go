// Package client is the client half of the replication protocol: it mirrors
// the entities a server replicates to it, acknowledges update packets and
// sends its input history. cmd/botclient and the server's tests drive it.
package client

import (
	"errors"
	"fmt"
	"sort"

	"multiplayer/internal/game"
	"multiplayer/internal/netentity"
	"multiplayer/internal/netinput"
	"multiplayer/internal/replication"
	"multiplayer/internal/serialize"
)

var ErrNotWelcomed = errors.New("client: no welcome received")

// Mirror is the client's copy of one replicated entity.
type Mirror struct {
	Entity   netentity.NetEntityID
	Name     string
	Role     netentity.Role
	X, Y     float32
	Priority float32
	Tick     uint32 // server tick of the last message applied
}

// Stats counts what the client received.
type Stats struct {
	Packets        uint64
	Creates        uint64
	Updates        uint64
	Deletes        uint64
	UnknownUpdates uint64 // state or delete for an entity never created
	StaleUpdates   uint64 // older than what the mirror already holds
	InputsSent     uint64
}

// Client is not safe for concurrent use.
type Client struct {
	conn       netentity.ConnectionID
	avatar     netentity.NetEntityID
	tickRate   uint16
	viewRadius float32
	welcomed   bool

	inputs   *netinput.NetworkInputArray
	mirrors  map[netentity.NetEntityID]*Mirror
	lastTick uint32
	stats    Stats

	compressThreshold int
}

func New() *Client {
	return &Client{
		inputs:  netinput.NewNetworkInputArray(netentity.ConstHandle{}),
		mirrors: make(map[netentity.NetEntityID]*Mirror),
	}
}

// SetCompressThreshold enables zstd on input packets at least n bytes long.
func (c *Client) SetCompressThreshold(n int) { c.compressThreshold = n }

func (c *Client) Welcomed() bool                     { return c.welcomed }
func (c *Client) Connection() netentity.ConnectionID { return c.conn }
func (c *Client) Avatar() netentity.NetEntityID      { return c.avatar }
func (c *Client) TickRate() uint16                   { return c.tickRate }
func (c *Client) ViewRadius() float32                { return c.viewRadius }
func (c *Client) LastTick() uint32                   { return c.lastTick }
func (c *Client) Stats() Stats                       { return c.stats }

// Handle applies one server packet. For entity updates it returns the ack
// packet to send back; otherwise reply is nil.
func (c *Client) Handle(data []byte) (reply []byte, err error) {
	t, body, err := replication.DecodePacket(data)
	if err != nil {
		return nil, err
	}
	c.stats.Packets++

	switch t {
	case replication.PacketWelcome:
		var w replication.WelcomePacket
		if err := serialize.Decode(body, w.Serialize); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		c.conn, c.avatar = w.Connection, w.Entity
		c.tickRate, c.viewRadius = w.TickRate, w.ViewRadius
		c.welcomed = true
		return nil, nil

	case replication.PacketEntityUpdates:
		var p replication.EntityUpdatesPacket
		if err := serialize.Decode(body, p.Serialize); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		c.apply(&p)
		ack := replication.AckPacket{Sequence: p.Sequence}
		return replication.MarshalPacket(replication.PacketAck, ack.Serialize, 0)

	default:
		return nil, fmt.Errorf("client: unexpected %s packet", t)
	}
}

// apply updates mirrors from one packet. Packets may arrive out of order, so
// a message older than the tick its entity was last updated at is dropped.
func (c *Client) apply(p *replication.EntityUpdatesPacket) {
	if p.Tick > c.lastTick {
		c.lastTick = p.Tick
	}
	for i := range p.Updates {
		u := &p.Updates[i]
		m, known := c.mirrors[u.Entity]
		if known && p.Tick < m.Tick {
			c.stats.StaleUpdates++
			continue
		}
		switch u.Kind {
		case replication.UpdateCreate:
			c.stats.Creates++
			c.mirrors[u.Entity] = &Mirror{
				Entity: u.Entity, Name: u.Name, Role: u.Role,
				X: u.X, Y: u.Y, Priority: u.Priority, Tick: p.Tick,
			}
		case replication.UpdateState:
			if !known {
				c.stats.UnknownUpdates++
				continue
			}
			c.stats.Updates++
			m.Role, m.X, m.Y, m.Priority, m.Tick = u.Role, u.X, u.Y, u.Priority, p.Tick
		case replication.UpdateDelete:
			if !known {
				c.stats.UnknownUpdates++
				continue
			}
			c.stats.Deletes++
			delete(c.mirrors, u.Entity)
		}
	}
}

// Input records one frame of steering and returns the packet carrying the
// whole input history.
func (c *Client) Input(m game.MoveInput) ([]byte, error) {
	if !c.welcomed {
		return nil, ErrNotWelcomed
	}
	c.inputs.Push(game.NewMoveNetworkInput(m))
	p := replication.ClientInputsPacket{Entity: c.avatar, Inputs: c.inputs}
	pkt, err := replication.MarshalPacket(replication.PacketClientInputs, p.Serialize, c.compressThreshold)
	if err != nil {
		return nil, err
	}
	c.stats.InputsSent++
	return pkt, nil
}

// Entity returns the mirror of id.
func (c *Client) Entity(id netentity.NetEntityID) (Mirror, bool) {
	m, ok := c.mirrors[id]
	if !ok {
		return Mirror{}, false
	}
	return *m, true
}

// Entities returns every mirrored entity ordered by id.
func (c *Client) Entities() []Mirror {
	out := make([]Mirror, 0, len(c.mirrors))
	for _, m := range c.mirrors {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

func (c *Client) EntityCount() int { return len(c.mirrors) }
