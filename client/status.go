package client

import "github.com/rotisserie/eris"

// Status is the synchronization state of a Reconciler.
type Status int

const (
	// AwaitingFullState accepts only full state payloads.
	AwaitingFullState Status = iota
	// Synced applies deltas whose baseline the client still holds.
	Synced
	// Disconnected is terminal.
	Disconnected
)

func (s Status) String() string {
	switch s {
	case AwaitingFullState:
		return "awaiting_full_state"
	case Synced:
		return "synced"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Outcome reports what Handle did with a payload.
type Outcome int

const (
	Applied Outcome = iota
	// Ignored payloads were older than, or equal to, the newest applied tick.
	Ignored
	// Rejected payloads could not be used in the current state, such as a delta before the first full state.
	Rejected
	// Desynced means the delta's baseline is not held; a full state has been requested.
	Desynced
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	case Rejected:
		return "rejected"
	case Desynced:
		return "desynced"
	default:
		return "unknown"
	}
}

var (
	ErrDisconnected     = eris.New("reconciler is disconnected")
	ErrCorruptPayload   = eris.New("payload could not be decoded")
	ErrBaselineMismatch = eris.New("delta baseline is not held locally")
	ErrEntityNotFound   = eris.New("entity does not exist")
	ErrComponentMissing = eris.New("entity does not have the component")
)
