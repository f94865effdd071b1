package types

import "strconv"

type (
	// EntityID is a stable handle for an entity. IDs are never reused within a session.
	EntityID uint32

	// ComponentKind is the wire identifier of a replicated component type.
	ComponentKind uint16

	// Tick numbers one simulation step.
	Tick uint32

	// ConnectionID identifies a client connection. It is supplied by whatever accepted the session.
	ConnectionID string
)

func (id EntityID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func (k ComponentKind) String() string {
	return strconv.FormatUint(uint64(k), 10)
}

func (t Tick) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

func (c ConnectionID) String() string {
	return string(c)
}
