// Package component defines how replicated component types produce and consume immutable state values,
// and the registry that maps a ComponentKind on the wire to the code that can decode and apply it.
//
// Every replicated type implements Component (a Name is enough) and is registered once at startup:
//
//	registry := component.NewRegistry(codec.MsgPack)
//	if err := component.Register[Position](registry, 1); err != nil {
//		return err // duplicate kinds and names are rejected here, never mid-session
//	}
//
// The generic Value[T] is the Provider used for every registered type. Servers mutate it through Set;
// clients receive states through Apply.
package component

import (
	"bytes"

	"pkg.world.dev/world-engine/statesync/types"
)

// Component is implemented by user-defined component structs.
type Component interface {
	// Name returns the name of the component.
	Name() string
}

// State is an immutable capture of one component on one entity at one tick.
// Data holds the canonical encoding of the value; it must not be modified after capture.
type State struct {
	Kind types.ComponentKind
	Tick types.Tick
	Data []byte
}

// Equal reports whether two states carry the same value. The tick is not compared.
func (s State) Equal(other State) bool {
	return s.Kind == other.Kind && bytes.Equal(s.Data, other.Data)
}

// Provider is the per-component replication contract.
type Provider interface {
	Kind() types.ComponentKind
	// Capture returns the current value as a State stamped with tick. It must not mutate the component.
	Capture(tick types.Tick) (State, error)
	// Apply writes state into the component. Applying a state whose tick is not newer than the last
	// applied tick is a no-op.
	Apply(state State, previous *State) error
}

// ChangeTracker is implemented by providers that can report whether they changed since a capture.
// The version must increase whenever the value changes.
type ChangeTracker interface {
	Version() uint64
}

// Interpolator is implemented by component values that can be blended for rendering between two ticks.
type Interpolator[T any] interface {
	Interpolate(to T, alpha float64) T
}
