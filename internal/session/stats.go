package session

import (
	"log"
	"time"

	"multiplayer/internal/netentity"
)

// Stats is a point-in-time view of a session, safe to read from any goroutine.
type Stats struct {
	Connection uint32        `json:"connection"`
	Name       string        `json:"name"`
	Entity     string        `json:"entity"`
	Uptime     time.Duration `json:"uptimeNs"`

	PacketsIn     uint64 `json:"packetsIn"`
	InputsLimited uint64 `json:"inputsLimited"`
	InboxFull     uint64 `json:"inboxFull"`
	Malformed     uint64 `json:"malformed"`
	PacketsOut    uint64 `json:"packetsOut"`
	BytesOut      uint64 `json:"bytesOut"`
	OutboundDrops uint64 `json:"outboundDrops"`
	TickErrors    uint64 `json:"tickErrors"`
	SendQueued    int    `json:"sendQueued"`

	Tick            uint64 `json:"tick"`
	Replicators     int    `json:"replicators"`
	PendingCreation int    `json:"pendingCreation"`
	WindowUpdates   uint64 `json:"windowUpdates"`
	WindowSize      int    `json:"windowSize"`
	Candidates      int    `json:"candidates"`
	PinnedDropped   uint64 `json:"pinnedDropped"`

	FramesProcessed uint64 `json:"framesProcessed"`
	FramesRecovered uint64 `json:"framesRecovered"`
	FramesDropped   uint64 `json:"framesDropped"`
	StaleInputs     uint64 `json:"staleInputs"`
}

func (s *Session) Stats() Stats {
	s.statsMu.Lock()
	tv := s.tickView
	s.statsMu.Unlock()

	var entity string
	if h := s.Avatar(); !h.IsNull() {
		entity = h.NetEntityID().String()
	}
	return Stats{
		Connection: uint32(s.id),
		Name:       s.name,
		Entity:     entity,
		Uptime:     time.Since(s.created),

		PacketsIn:     s.counters.packetsIn.Load(),
		InputsLimited: s.counters.inputsLimited.Load(),
		InboxFull:     s.counters.inboxFull.Load(),
		Malformed:     s.counters.malformed.Load(),
		PacketsOut:    s.counters.packetsOut.Load(),
		BytesOut:      s.counters.bytesOut.Load(),
		OutboundDrops: s.counters.outboundDrops.Load(),
		TickErrors:    s.counters.tickErrors.Load(),
		SendQueued:    len(s.outbox),

		Tick:            tv.Tick,
		Replicators:     tv.Replicators,
		PendingCreation: tv.PendingCreation,
		WindowUpdates:   tv.Window.Updates,
		WindowSize:      tv.Window.LastSetSize,
		Candidates:      tv.Window.LastCandidates,
		PinnedDropped:   tv.Window.PinnedDropped,

		FramesProcessed: tv.Input.Processed,
		FramesRecovered: tv.Input.Recovered,
		FramesDropped:   tv.Input.Dropped,
		StaleInputs:     tv.Input.Stale,
	}
}

func logTickError(conn netentity.ConnectionID, err error) {
	log.Printf("⚠️ Replication tick failed for connection %d: %v", conn, err)
}
