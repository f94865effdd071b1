// Package wire holds the messages exchanged between servers and clients.
package wire

// Payload carries replicated state for one tick. A nil Baseline marks a full state; otherwise the payload
// is a delta relative to the snapshot at *Baseline.
type Payload struct {
	Tick      uint32         `json:"tick" msgpack:"t"`
	Baseline  *uint32        `json:"baselineTick,omitempty" msgpack:"b,omitempty"`
	Entries   []Entry        `json:"entries,omitempty" msgpack:"e,omitempty"`
	Removals  []ComponentRef `json:"removals,omitempty" msgpack:"r,omitempty"`
	Deletions []uint32       `json:"deletions,omitempty" msgpack:"d,omitempty"`
}

// Entry is one component state. State is encoded with the component codec.
type Entry struct {
	Entity uint32 `json:"entity" msgpack:"i"`
	Kind   uint16 `json:"kind" msgpack:"k"`
	State  []byte `json:"state" msgpack:"s"`
}

// ComponentRef names a component that was removed from an entity that still exists.
type ComponentRef struct {
	Entity uint32 `json:"entity" msgpack:"i"`
	Kind   uint16 `json:"kind" msgpack:"k"`
}

func (p *Payload) IsFull() bool {
	return p.Baseline == nil
}

type ClientMessageType string

const (
	TypeAck              ClientMessageType = "ack"
	TypeFullStateRequest ClientMessageType = "full_state_request"
)

// ClientMessage is sent from a client to the server. Acks travel on the unordered channel, full state
// requests on the reliable one.
type ClientMessage struct {
	Type ClientMessageType `json:"type" msgpack:"y"`
	Tick uint32            `json:"tick" msgpack:"t"`
	// MissingEntity is set when a full state is requested because the client saw a reference to an
	// entity it does not have.
	MissingEntity *uint32 `json:"missingEntity,omitempty" msgpack:"m,omitempty"`
}
