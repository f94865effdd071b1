package gamestate

import (
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/statesync/component"
	"pkg.world.dev/world-engine/statesync/types"
)

// Builder captures a GameState from a World once per tick. Components implementing
// component.ChangeTracker whose version did not change since their last capture are not captured
// again; their state from the previous snapshot is carried forward unchanged.
type Builder struct {
	world    *World
	last     *GameState
	versions map[key]capture
}

type capture struct {
	provider component.Provider
	version  uint64
}

func NewBuilder(w *World) *Builder {
	return &Builder{
		world:    w,
		versions: make(map[key]capture),
	}
}

// Build captures every component of every entity. On error nothing is published and the builder's state
// is left untouched.
func (b *Builder) Build(tick types.Tick) (*GameState, error) {
	if b.last != nil && tick <= b.last.Tick {
		return nil, eris.Wrapf(ErrTickNotAdvanced, "last snapshot is tick %d, got %d", b.last.Tick, tick)
	}

	versions := make(map[key]capture, len(b.versions))
	entries := make([]Entry, 0, len(b.versions))
	for _, id := range b.world.Entities() {
		for _, kind := range b.world.Kinds(id) {
			p := b.world.entities[id][kind]
			k := key{id, kind}

			ct, tracked := p.(component.ChangeTracker)
			if tracked {
				c := capture{provider: p, version: ct.Version()}
				versions[k] = c
				if state, ok := b.reusable(k, c); ok {
					entries = append(entries, Entry{Entity: id, Kind: kind, State: state})
					continue
				}
			}

			state, err := p.Capture(tick)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to capture entity %d", id)
			}
			if state.Kind != kind {
				return nil, eris.Wrapf(component.ErrKindMismatch, "entity %d captured kind %d as %d", id, kind, state.Kind)
			}
			entries = append(entries, Entry{Entity: id, Kind: kind, State: state})
		}
	}

	gs := New(tick, entries, b.world.pendingDeletions())
	b.world.clearDeletions()
	b.last = gs
	b.versions = versions
	return gs, nil
}

func (b *Builder) reusable(k key, c capture) (component.State, bool) {
	if b.last == nil {
		return component.State{}, false
	}
	prev, seen := b.versions[k]
	if !seen || prev != c {
		return component.State{}, false
	}
	return b.last.Lookup(k.entity, k.kind)
}

// Last returns the most recently built snapshot, or nil.
func (b *Builder) Last() *GameState {
	return b.last
}

// Reset forgets the previous snapshot so the next Build captures everything.
func (b *Builder) Reset() {
	b.last = nil
	b.versions = make(map[key]capture)
}
