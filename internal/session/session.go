// Package session binds one client connection to the world: it owns the
// connection's entity domain, replication window and manager, turns incoming
// packets into input frames and acks, and queues outgoing packets for the
// socket writer.
//
// A Session is touched by three goroutines. The socket reader calls
// HandlePacket, the socket writer drains Outgoing, and everything else runs
// on the engine tick goroutine through the game.Connection methods.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"multiplayer/internal/game"
	"multiplayer/internal/game/spatial"
	"multiplayer/internal/netentity"
	"multiplayer/internal/netinput"
	"multiplayer/internal/replication"
	"multiplayer/internal/serialize"
)

var (
	ErrUnexpectedPacket = errors.New("session: unexpected packet type")
	ErrWrongEntity      = errors.New("session: input for an entity the connection does not control")
	ErrNotAttached      = errors.New("session: not attached to the world")
	ErrClosed           = errors.New("session: closed")
)

// Config tunes a session.
type Config struct {
	Window  replication.WindowConfig
	Manager replication.ManagerConfig

	// Region restricts the domain to a rectangle. Nil uses the global domain.
	Region *replication.Bounds

	TickRate   uint16
	SendQueue  int     // outgoing packets buffered for the writer
	InputQueue int     // decoded packets buffered for the tick
	InputRate  float64 // client packets accepted per second
	InputBurst int
}

func DefaultConfig() Config {
	return Config{
		Window:     replication.DefaultWindowConfig(),
		Manager:    replication.DefaultManagerConfig(),
		TickRate:   30,
		SendQueue:  64,
		InputQueue: 64,
		InputRate:  120,
		InputBurst: 30,
	}
}

// Observer receives per-session events, typically to feed metrics. Methods
// are called from the tick goroutine except InboundDropped, which the reader
// goroutine calls.
type Observer interface {
	// WindowUpdated reports the new set size and the cumulative count of
	// controlled entities the window had no room for.
	WindowUpdated(setSize int, pinnedDropped uint64)
	PacketsSent(stats replication.SendStats)
	OutboundDropped()
	InboundDropped(reason string)
	InputFrames(frames int, recovered, dropped uint64)
}

type nopObserver struct{}

func (nopObserver) WindowUpdated(int, uint64)         {}
func (nopObserver) PacketsSent(replication.SendStats) {}
func (nopObserver) OutboundDropped()                  {}
func (nopObserver) InboundDropped(string)             {}
func (nopObserver) InputFrames(int, uint64, uint64)   {}

type inbound struct {
	ack    uint32
	isAck  bool
	inputs *netinput.NetworkInputArray
}

// Session is one connected client.
type Session struct {
	id       netentity.ConnectionID
	name     string
	cfg      Config
	observer Observer
	registry *netinput.Registry
	created  time.Time

	avatar   atomic.Pointer[netentity.ConstHandle]
	inbox    *spatial.SPSCQueue[inbound]
	outbox   chan []byte
	limiter  *rate.Limiter
	done     chan struct{}
	closeOne sync.Once

	// Tick goroutine only.
	domain   replication.EntityDomain
	window   *replication.ServerToClientReplicationWindow
	manager  *replication.Manager
	receiver netinput.InputReceiver
	lastRev  uint64

	counters counters
	statsMu  sync.Mutex
	tickView tickStats
}

type counters struct {
	packetsIn     atomic.Uint64
	inputsLimited atomic.Uint64
	inboxFull     atomic.Uint64
	packetsOut    atomic.Uint64
	bytesOut      atomic.Uint64
	outboundDrops atomic.Uint64
	malformed     atomic.Uint64
	tickErrors    atomic.Uint64
}

// tickStats is copied out of tick-owned state at the end of each Replicate.
type tickStats struct {
	Tick            uint64
	Replicators     int
	PendingCreation int
	Window          replication.WindowStats
	Input           netinput.ReceiverStats
	Sent            replication.SendStats
}

// New creates a detached session. Attach it through game.Engine.Join.
func New(id netentity.ConnectionID, name string, cfg Config, observer Observer) *Session {
	def := DefaultConfig()
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	if cfg.InputQueue <= 0 {
		cfg.InputQueue = def.InputQueue
	}
	if cfg.InputRate <= 0 {
		cfg.InputRate, cfg.InputBurst = def.InputRate, def.InputBurst
	}
	if cfg.InputBurst <= 0 {
		cfg.InputBurst = 1
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Session{
		id:       id,
		name:     name,
		cfg:      cfg,
		observer: observer,
		registry: netinput.DefaultRegistry,
		created:  time.Now(),
		inbox:    spatial.NewSPSCQueue[inbound](cfg.InputQueue),
		outbox:   make(chan []byte, cfg.SendQueue),
		limiter:  rate.NewLimiter(rate.Limit(cfg.InputRate), cfg.InputBurst),
		done:     make(chan struct{}),
	}
}

// SetRegistry replaces the input registry used to decode client inputs.
// Call before the reader starts.
func (s *Session) SetRegistry(reg *netinput.Registry) { s.registry = reg }

func (s *Session) ID() netentity.ConnectionID { return s.id }

func (s *Session) Name() string { return s.name }

// Avatar returns the controlled entity, or a null handle before Attach.
func (s *Session) Avatar() netentity.ConstHandle {
	if h := s.avatar.Load(); h != nil {
		return *h
	}
	return netentity.ConstHandle{}
}

// Attach builds the connection's replication state around avatar. It has the
// game.AttachFunc signature and runs under the engine lock.
func (s *Session) Attach(entities *netentity.Manager, index *game.EntityIndex, avatar netentity.ConstHandle) (game.Connection, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if s.cfg.Region != nil {
		s.domain = replication.NewRegionEntityDomain(entities, *s.cfg.Region)
	} else {
		s.domain = replication.NewGlobalEntityDomain(entities)
	}
	s.domain.ActivateTracking(entities.OwnedBy(s.id))

	s.window = replication.NewServerToClientReplicationWindow(s.id, entities, s.domain, index, s.cfg.Window)
	s.manager = replication.NewManager(s.id, s.window, s.domain, s.cfg.Manager)
	s.avatar.Store(&avatar)

	welcome := replication.WelcomePacket{
		Connection: s.id,
		Entity:     avatar.NetEntityID(),
		TickRate:   s.cfg.TickRate,
		ViewRadius: float32(s.cfg.Window.ViewRadius),
	}
	pkt, err := replication.MarshalPacket(replication.PacketWelcome, welcome.Serialize, 0)
	if err != nil {
		s.domain.Close()
		return nil, err
	}
	s.enqueue(pkt)
	return s, nil
}

// =============================================================================
// READER SIDE
// =============================================================================

// HandlePacket decodes one client packet and queues it for the next tick.
// Packets over the input rate or beyond the queue are dropped without error,
// as an unreliable transport would. Errors mean the client is misbehaving.
func (s *Session) HandlePacket(data []byte) error {
	s.counters.packetsIn.Add(1)
	avatar := s.Avatar()
	if avatar.IsNull() {
		return ErrNotAttached
	}

	t, body, err := replication.DecodePacket(data)
	if err != nil {
		s.counters.malformed.Add(1)
		return err
	}

	var in inbound
	switch t {
	case replication.PacketClientInputs:
		if !s.limiter.Allow() {
			s.counters.inputsLimited.Add(1)
			s.observer.InboundDropped("rate_limit")
			return nil
		}
		arr := netinput.NewNetworkInputArray(avatar)
		arr.SetRegistry(s.registry)
		p := replication.ClientInputsPacket{Inputs: arr}
		if err := serialize.Decode(body, p.Serialize); err != nil {
			s.counters.malformed.Add(1)
			return fmt.Errorf("decode %s: %w", t, err)
		}
		if p.Entity != avatar.NetEntityID() {
			s.counters.malformed.Add(1)
			return fmt.Errorf("%w: %s", ErrWrongEntity, p.Entity)
		}
		in.inputs = arr

	case replication.PacketAck:
		var p replication.AckPacket
		if err := serialize.Decode(body, p.Serialize); err != nil {
			s.counters.malformed.Add(1)
			return fmt.Errorf("decode %s: %w", t, err)
		}
		in.ack, in.isAck = p.Sequence, true

	default:
		s.counters.malformed.Add(1)
		return fmt.Errorf("%w: %s", ErrUnexpectedPacket, t)
	}

	if !s.inbox.TryPush(in) {
		s.counters.inboxFull.Add(1)
		s.observer.InboundDropped("queue_full")
	}
	return nil
}

// =============================================================================
// WRITER SIDE
// =============================================================================

// Outgoing yields framed packets for the socket writer.
func (s *Session) Outgoing() <-chan []byte { return s.outbox }

// Done is closed by Close.
func (s *Session) Done() <-chan struct{} { return s.done }

// SentBytes records a packet the writer put on the wire.
func (s *Session) SentBytes(n int) {
	s.counters.packetsOut.Add(1)
	s.counters.bytesOut.Add(uint64(n))
}

// Close stops the session's writer. The engine still has to be told via Leave.
func (s *Session) Close() {
	s.closeOne.Do(func() { close(s.done) })
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) enqueue(pkt []byte) {
	if s.isClosed() {
		return
	}
	select {
	case s.outbox <- pkt:
	default:
		s.counters.outboundDrops.Add(1)
		s.observer.OutboundDropped()
	}
}

// =============================================================================
// TICK SIDE (game.Connection)
// =============================================================================

// PollInputs drains the inbox: acks go to the manager, input arrays through
// the receiver so lost frames are recovered from history.
func (s *Session) PollInputs() []netinput.FramedInput {
	var frames []netinput.FramedInput
	for {
		in, ok := s.inbox.TryPop()
		if !ok {
			break
		}
		if in.isAck {
			if s.manager != nil {
				s.manager.HandleAck(in.ack)
			}
			continue
		}
		frames = append(frames, s.receiver.Accept(in.inputs)...)
	}
	if len(frames) > 0 {
		st := s.receiver.Stats()
		s.observer.InputFrames(len(frames), st.Recovered, st.Dropped)
	}
	return frames
}

// Replicate runs the manager for this tick and queues the resulting packets.
func (s *Session) Replicate(tick uint64) {
	if s.manager == nil {
		return
	}
	before := s.window.Stats().Updates
	packets, sent, err := s.manager.Tick(tick)
	if err != nil {
		// Packets encoded before the failure are still sent.
		s.counters.tickErrors.Add(1)
		logTickError(s.id, err)
	}
	if ws := s.window.Stats(); ws.Updates != before {
		s.observer.WindowUpdated(ws.LastSetSize, ws.PinnedDropped)
	}
	for _, pkt := range packets {
		s.enqueue(pkt)
	}
	if sent.Packets > 0 {
		s.observer.PacketsSent(sent)
	}

	s.statsMu.Lock()
	s.tickView = tickStats{
		Tick:            tick,
		Replicators:     s.manager.ReplicatorCount(),
		PendingCreation: s.manager.PendingCreationCount(),
		Window:          s.window.Stats(),
		Input:           s.receiver.Stats(),
		Sent:            sent,
	}
	s.statsMu.Unlock()
}

func (s *Session) InputStats() netinput.ReceiverStats { return s.receiver.Stats() }

// Detach unsubscribes the domain from the entity store.
func (s *Session) Detach() {
	if s.domain != nil {
		s.domain.Close()
	}
	s.Close()
}

// Window exposes the replication window for debug drawing. Only use it on the
// tick goroutine or under game.Engine.Exclusive.
func (s *Session) Window() *replication.ServerToClientReplicationWindow { return s.window }

// Manager is subject to the same rule as Window.
func (s *Session) Manager() *replication.Manager { return s.manager }
