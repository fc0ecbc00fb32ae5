package game

import (
	"encoding/json"
	"time"
)

// EventType classifies world events in the event log.
type EventType uint8

const (
	EventTypeUnknown EventType = iota
	EventTypeTick
	EventTypePlayerJoin
	EventTypePlayerLeave
	EventTypeEntitySpawn
	EventTypeEntityRemove
	EventTypeInputLoss
)

// EventVersion is bumped when a payload changes shape.
const EventVersion uint8 = 1

// Event is one line of the event log.
type Event struct {
	Version   uint8           `json:"version"`
	Type      EventType       `json:"type"`
	Timestamp int64           `json:"timestamp"` // Unix nano
	Sequence  uint64          `json:"sequence"`
	TickNum   uint64          `json:"tickNum"`
	Source    string          `json:"source,omitempty"` // rate-limit key, usually a connection
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (t EventType) String() string {
	switch t {
	case EventTypeTick:
		return "tick"
	case EventTypePlayerJoin:
		return "player_join"
	case EventTypePlayerLeave:
		return "player_leave"
	case EventTypeEntitySpawn:
		return "entity_spawn"
	case EventTypeEntityRemove:
		return "entity_remove"
	case EventTypeInputLoss:
		return "input_loss"
	default:
		return "unknown"
	}
}

// MarshalText makes the log readable without a type table.
func (t EventType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *EventType) UnmarshalText(b []byte) error {
	for c := EventTypeTick; c <= EventTypeInputLoss; c++ {
		if c.String() == string(b) {
			*t = c
			return nil
		}
	}
	*t = EventTypeUnknown
	return nil
}

// TickPayload is logged once per second of simulation.
type TickPayload struct {
	Entities    int   `json:"entities"`
	Players     int   `json:"players"`
	DurationNs  int64 `json:"durationNs"`
	Connections int   `json:"connections"`
}

// PlayerJoinPayload describes a new avatar.
type PlayerJoinPayload struct {
	Connection uint32  `json:"connection"`
	Entity     string  `json:"entity"`
	Name       string  `json:"name"`
	SpawnX     float64 `json:"spawnX"`
	SpawnY     float64 `json:"spawnY"`
}

// PlayerLeavePayload describes a removed avatar.
type PlayerLeavePayload struct {
	Connection uint32 `json:"connection"`
	Entity     string `json:"entity"`
	Frames     uint64 `json:"frames"`
}

// EntityPayload is used for spawn and remove of non-player entities.
type EntityPayload struct {
	Entity         string  `json:"entity"`
	Name           string  `json:"name"`
	Kind           string  `json:"kind"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	AlwaysRelevant bool    `json:"alwaysRelevant,omitempty"`
}

// InputLossPayload reports input frames a connection never delivered.
type InputLossPayload struct {
	Connection uint32 `json:"connection"`
	Dropped    uint64 `json:"dropped"`
	Recovered  uint64 `json:"recovered"`
}

// EncodePayload marshals a payload, returning nil on failure.
func EncodePayload(payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType EventType, tickNum uint64, source string, payload any) Event {
	return Event{
		Version:   EventVersion,
		Type:      eventType,
		Timestamp: time.Now().UnixNano(),
		TickNum:   tickNum,
		Source:    source,
		Payload:   EncodePayload(payload),
	}
}
