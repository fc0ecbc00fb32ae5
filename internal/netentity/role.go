// Package netentity is the authoritative store of networked entities.
//
// Entities live in an arena of generation-checked slots. Everything outside
// the store refers to them through ConstHandle, a comparable weak reference
// that resolves to nil once the entity it named has been removed, even if the
// slot has since been reused.
package netentity

import "fmt"

// Role is the relationship a host (or a connection's view) has to an entity.
type Role uint8

const (
	InvalidRole Role = iota
	// Client is a read-only mirror of an entity owned elsewhere.
	Client
	// Autonomous is a client mirror that predicts locally from its own input.
	Autonomous
	// Server is a read-only server-side proxy of an entity owned by a peer server.
	Server
	// Authority owns the entity's state.
	Authority
)

func (r Role) String() string {
	switch r {
	case InvalidRole:
		return "InvalidRole"
	case Client:
		return "Client"
	case Autonomous:
		return "Autonomous"
	case Server:
		return "Server"
	case Authority:
		return "Authority"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// HasController reports whether a host in this role runs the entity's controllers.
func HasController(r Role) bool {
	return r == Autonomous || r == Authority
}

// ConnectionID identifies a remote connection on this host.
type ConnectionID uint32

const InvalidConnectionID ConnectionID = 0
