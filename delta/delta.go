// Package delta computes what a connection must receive to move from the snapshot it acknowledged to the
// newest one.
package delta

import (
	"pkg.world.dev/world-engine/statesync/gamestate"
	"pkg.world.dev/world-engine/statesync/wire"
)

// Full returns target as a full state payload.
func Full(target *gamestate.GameState) wire.Payload {
	p := wire.Payload{Tick: uint32(target.Tick)}
	p.Entries = make([]wire.Entry, 0, len(target.Entries))
	for _, e := range target.Entries {
		p.Entries = append(p.Entries, toWire(e))
	}
	return p
}

// Diff returns the delta that turns base into target. Entries hold every component whose state differs
// or that did not exist at base. Removals hold components that disappeared from entities that still exist.
// Deletions hold every entity present at base and absent at target.
func Diff(base, target *gamestate.GameState) wire.Payload {
	baseline := uint32(base.Tick)
	p := wire.Payload{Tick: uint32(target.Tick), Baseline: &baseline}

	i, j := 0, 0
	for i < len(base.Entries) || j < len(target.Entries) {
		switch {
		case j == len(target.Entries) || (i < len(base.Entries) && before(base.Entries[i], target.Entries[j])):
			old := base.Entries[i]
			if target.HasEntity(old.Entity) {
				p.Removals = append(p.Removals, wire.ComponentRef{Entity: uint32(old.Entity), Kind: uint16(old.Kind)})
			}
			i++
		case i == len(base.Entries) || before(target.Entries[j], base.Entries[i]):
			p.Entries = append(p.Entries, toWire(target.Entries[j]))
			j++
		default:
			if !base.Entries[i].State.Equal(target.Entries[j].State) {
				p.Entries = append(p.Entries, toWire(target.Entries[j]))
			}
			i++
			j++
		}
	}

	for _, id := range base.Entities() {
		if !target.HasEntity(id) {
			p.Deletions = append(p.Deletions, uint32(id))
		}
	}
	return p
}

func before(a, b gamestate.Entry) bool {
	if a.Entity != b.Entity {
		return a.Entity < b.Entity
	}
	return a.Kind < b.Kind
}

func toWire(e gamestate.Entry) wire.Entry {
	return wire.Entry{Entity: uint32(e.Entity), Kind: uint16(e.Kind), State: e.State.Data}
}
