package gamestate

import (
	"sort"

	"pkg.world.dev/world-engine/statesync/component"
	"pkg.world.dev/world-engine/statesync/types"
	"pkg.world.dev/world-engine/statesync/wire"
)

// Entry is one component state of one entity.
type Entry struct {
	Entity types.EntityID
	Kind   types.ComponentKind
	State  component.State
}

type key struct {
	entity types.EntityID
	kind   types.ComponentKind
}

// GameState is the replicated world at one tick. It is immutable once created and safe for concurrent reads.
type GameState struct {
	Tick types.Tick
	// Entries are ordered by entity, then kind.
	Entries []Entry
	// Deletions lists entities deleted since the previous snapshot, in ascending order.
	Deletions []types.EntityID

	index    map[key]int
	entities []types.EntityID
}

// New takes ownership of entries and deletions and returns the indexed snapshot.
func New(tick types.Tick, entries []Entry, deletions []types.EntityID) *GameState {
	sort.Slice(entries, func(i, j int) bool {
		return lessKey(entries[i].Entity, entries[i].Kind, entries[j].Entity, entries[j].Kind)
	})
	sort.Slice(deletions, func(i, j int) bool {
		return deletions[i] < deletions[j]
	})

	gs := &GameState{
		Tick:      tick,
		Entries:   entries,
		Deletions: deletions,
		index:     make(map[key]int, len(entries)),
	}
	for i, e := range entries {
		gs.index[key{e.Entity, e.Kind}] = i
		if n := len(gs.entities); n == 0 || gs.entities[n-1] != e.Entity {
			gs.entities = append(gs.entities, e.Entity)
		}
	}
	return gs
}

func lessKey(ea types.EntityID, ka types.ComponentKind, eb types.EntityID, kb types.ComponentKind) bool {
	if ea != eb {
		return ea < eb
	}
	return ka < kb
}

func (gs *GameState) Lookup(entity types.EntityID, kind types.ComponentKind) (component.State, bool) {
	i, ok := gs.index[key{entity, kind}]
	if !ok {
		return component.State{}, false
	}
	return gs.Entries[i].State, true
}

// Entities returns the IDs of every entity in the snapshot in ascending order. The slice must not be modified.
func (gs *GameState) Entities() []types.EntityID {
	return gs.entities
}

func (gs *GameState) HasEntity(entity types.EntityID) bool {
	i := sort.Search(len(gs.entities), func(i int) bool { return gs.entities[i] >= entity })
	return i < len(gs.entities) && gs.entities[i] == entity
}

// Components returns the entries belonging to entity.
func (gs *GameState) Components(entity types.EntityID) []Entry {
	lo := sort.Search(len(gs.Entries), func(i int) bool { return gs.Entries[i].Entity >= entity })
	hi := lo
	for hi < len(gs.Entries) && gs.Entries[hi].Entity == entity {
		hi++
	}
	return gs.Entries[lo:hi]
}

func (gs *GameState) Len() int {
	return len(gs.Entries)
}

// FromPayload builds a snapshot from a full payload. States are stamped with the payload tick.
func FromPayload(p *wire.Payload) *GameState {
	entries := make([]Entry, 0, len(p.Entries))
	for _, e := range p.Entries {
		entries = append(entries, wireEntry(p.Tick, e))
	}
	return New(types.Tick(p.Tick), entries, entityIDs(p.Deletions))
}

// Patch returns the snapshot produced by applying the delta p on top of gs.
func (gs *GameState) Patch(p *wire.Payload) *GameState {
	deleted := make(map[types.EntityID]struct{}, len(p.Deletions))
	for _, id := range p.Deletions {
		deleted[types.EntityID(id)] = struct{}{}
	}
	removed := make(map[key]struct{}, len(p.Removals))
	for _, r := range p.Removals {
		removed[key{types.EntityID(r.Entity), types.ComponentKind(r.Kind)}] = struct{}{}
	}
	changed := make(map[key]struct{}, len(p.Entries))
	entries := make([]Entry, 0, len(gs.Entries)+len(p.Entries))
	for _, e := range p.Entries {
		entry := wireEntry(p.Tick, e)
		changed[key{entry.Entity, entry.Kind}] = struct{}{}
		entries = append(entries, entry)
	}
	for _, e := range gs.Entries {
		k := key{e.Entity, e.Kind}
		if _, ok := deleted[e.Entity]; ok {
			continue
		}
		if _, ok := removed[k]; ok {
			continue
		}
		if _, ok := changed[k]; ok {
			continue
		}
		entries = append(entries, e)
	}
	return New(types.Tick(p.Tick), entries, entityIDs(p.Deletions))
}

func wireEntry(tick uint32, e wire.Entry) Entry {
	return Entry{
		Entity: types.EntityID(e.Entity),
		Kind:   types.ComponentKind(e.Kind),
		State: component.State{
			Kind: types.ComponentKind(e.Kind),
			Tick: types.Tick(tick),
			Data: e.State,
		},
	}
}

func entityIDs(ids []uint32) []types.EntityID {
	out := make([]types.EntityID, 0, len(ids))
	for _, id := range ids {
		out = append(out, types.EntityID(id))
	}
	return out
}
