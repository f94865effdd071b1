package component

import (
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/statesync/codec"
	"pkg.world.dev/world-engine/statesync/types"
)

// Value is the Provider used for every registered component type. The zero value is not usable;
// values are created through New or Metadata.New.
type Value[T Component] struct {
	meta    *metadata[T]
	value   T
	version uint64

	applied     bool
	lastApplied types.Tick

	// The two most recently applied states and their decoded values, kept for interpolation.
	previous  *State
	current   *State
	prevValue T
}

// New returns a provider holding v. T must be registered in r.
func New[T Component](r *Registry, v T) (*Value[T], error) {
	kind, err := KindOf[T](r)
	if err != nil {
		return nil, err
	}
	md, err := r.Lookup(kind)
	if err != nil {
		return nil, err
	}
	m, ok := md.(*metadata[T])
	if !ok {
		return nil, eris.Errorf("kind %d is registered with a different type than %T", kind, v)
	}
	return &Value[T]{meta: m, value: v, version: 1}, nil
}

func (v *Value[T]) Kind() types.ComponentKind {
	return v.meta.kind
}

func (v *Value[T]) Get() T {
	return v.value
}

// Set replaces the value. The next snapshot will capture it.
func (v *Value[T]) Set(value T) {
	v.value = value
	v.version++
}

func (v *Value[T]) Version() uint64 {
	return v.version
}

func (v *Value[T]) Capture(tick types.Tick) (State, error) {
	bz, err := v.meta.codec.Marshal(v.value)
	if err != nil {
		return State{}, eris.Wrapf(err, "failed to capture %s", v.meta.name)
	}
	return State{Kind: v.meta.kind, Tick: tick, Data: bz}, nil
}

func (v *Value[T]) Apply(state State, previous *State) error {
	if state.Kind != v.meta.kind {
		return eris.Wrapf(ErrKindMismatch, "got kind %d, %s is kind %d", state.Kind, v.meta.name, v.meta.kind)
	}
	if v.applied && state.Tick <= v.lastApplied {
		return nil
	}
	decoded, err := codec.DecodeWith[T](v.meta.codec, state.Data)
	if err != nil {
		return eris.Wrapf(err, "failed to decode %s", v.meta.name)
	}

	switch {
	case v.current != nil:
		v.previous = v.current
		v.prevValue = v.value
	case previous != nil:
		prev, err := codec.DecodeWith[T](v.meta.codec, previous.Data)
		if err != nil {
			return eris.Wrapf(err, "failed to decode previous %s", v.meta.name)
		}
		p := *previous
		v.previous = &p
		v.prevValue = prev
	}

	cur := state
	v.current = &cur
	v.value = decoded
	v.applied = true
	v.lastApplied = state.Tick
	v.version++
	return nil
}

// LastApplied returns the tick of the last state written by Apply.
func (v *Value[T]) LastApplied() (types.Tick, bool) {
	return v.lastApplied, v.applied
}

// Previous returns the state applied before Current, if any.
func (v *Value[T]) Previous() *State {
	return v.previous
}

func (v *Value[T]) Current() *State {
	return v.current
}

// Sample blends the previous and current values when T implements Interpolator.
// alpha is clamped to [0, 1]; without a previous value the current value is returned.
func (v *Value[T]) Sample(alpha float64) T {
	if v.previous == nil {
		return v.value
	}
	lerp, ok := any(v.prevValue).(Interpolator[T])
	if !ok {
		return v.value
	}
	switch {
	case alpha < 0:
		alpha = 0
	case alpha > 1:
		alpha = 1
	}
	return lerp.Interpolate(v.value, alpha)
}
