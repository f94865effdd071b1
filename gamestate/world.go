package gamestate

import (
	"sort"

	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/statesync/component"
	"pkg.world.dev/world-engine/statesync/types"
)

// World is the arena of replicated entities, keyed by EntityID. Components are owned by the arena and
// only refer to their entity by ID. It is not safe for concurrent use; the tick goroutine owns it.
type World struct {
	registry *component.Registry
	entities map[types.EntityID]map[types.ComponentKind]component.Provider
	nextID   types.EntityID
	deleted  []types.EntityID
}

func NewWorld(registry *component.Registry) *World {
	return &World{
		registry: registry,
		entities: make(map[types.EntityID]map[types.ComponentKind]component.Provider),
		nextID:   1,
	}
}

func (w *World) Registry() *component.Registry {
	return w.registry
}

// Create adds a new entity holding the given providers and returns its ID.
func (w *World) Create(providers ...component.Provider) (types.EntityID, error) {
	id := w.nextID
	if err := w.CreateWithID(id, providers...); err != nil {
		return 0, err
	}
	return id, nil
}

// CreateWithID adds an entity with a caller chosen ID. Later calls to Create never hand out id again.
func (w *World) CreateWithID(id types.EntityID, providers ...component.Provider) error {
	if _, ok := w.entities[id]; ok {
		return eris.Wrapf(ErrEntityExists, "entity %d", id)
	}
	comps := make(map[types.ComponentKind]component.Provider, len(providers))
	for _, p := range providers {
		if _, ok := comps[p.Kind()]; ok {
			return eris.Wrapf(ErrComponentAlreadyOnEntity, "entity %d, kind %d", id, p.Kind())
		}
		if _, err := w.registry.Lookup(p.Kind()); err != nil {
			return err
		}
		comps[p.Kind()] = p
	}
	w.entities[id] = comps
	if id >= w.nextID {
		w.nextID = id + 1
	}
	return nil
}

func (w *World) Delete(id types.EntityID) error {
	if _, ok := w.entities[id]; !ok {
		return eris.Wrapf(ErrEntityNotFound, "entity %d", id)
	}
	delete(w.entities, id)
	w.deleted = append(w.deleted, id)
	return nil
}

func (w *World) Attach(id types.EntityID, p component.Provider) error {
	comps, ok := w.entities[id]
	if !ok {
		return eris.Wrapf(ErrEntityNotFound, "entity %d", id)
	}
	if _, ok := comps[p.Kind()]; ok {
		return eris.Wrapf(ErrComponentAlreadyOnEntity, "entity %d, kind %d", id, p.Kind())
	}
	if _, err := w.registry.Lookup(p.Kind()); err != nil {
		return err
	}
	comps[p.Kind()] = p
	return nil
}

func (w *World) Detach(id types.EntityID, kind types.ComponentKind) error {
	comps, ok := w.entities[id]
	if !ok {
		return eris.Wrapf(ErrEntityNotFound, "entity %d", id)
	}
	if _, ok := comps[kind]; !ok {
		return eris.Wrapf(ErrComponentNotOnEntity, "entity %d, kind %d", id, kind)
	}
	delete(comps, kind)
	return nil
}

func (w *World) Provider(id types.EntityID, kind types.ComponentKind) (component.Provider, error) {
	comps, ok := w.entities[id]
	if !ok {
		return nil, eris.Wrapf(ErrEntityNotFound, "entity %d", id)
	}
	p, ok := comps[kind]
	if !ok {
		return nil, eris.Wrapf(ErrComponentNotOnEntity, "entity %d, kind %d", id, kind)
	}
	return p, nil
}

func (w *World) Has(id types.EntityID) bool {
	_, ok := w.entities[id]
	return ok
}

// Entities returns every entity ID in ascending order.
func (w *World) Entities() []types.EntityID {
	ids := make([]types.EntityID, 0, len(w.entities))
	for id := range w.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Kinds returns the component kinds attached to id in ascending order.
func (w *World) Kinds(id types.EntityID) []types.ComponentKind {
	comps := w.entities[id]
	kinds := make([]types.ComponentKind, 0, len(comps))
	for kind := range comps {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (w *World) Len() int {
	return len(w.entities)
}

// Restore replaces the arena contents with the entities of gs.
func (w *World) Restore(gs *GameState) error {
	entities := make(map[types.EntityID]map[types.ComponentKind]component.Provider, len(gs.Entities()))
	nextID := types.EntityID(1)
	for _, e := range gs.Entries {
		p, err := w.registry.NewProvider(e.Kind)
		if err != nil {
			return err
		}
		if err := p.Apply(e.State, nil); err != nil {
			return eris.Wrapf(err, "failed to restore entity %d", e.Entity)
		}
		comps, ok := entities[e.Entity]
		if !ok {
			comps = make(map[types.ComponentKind]component.Provider)
			entities[e.Entity] = comps
		}
		comps[e.Kind] = p
		if e.Entity >= nextID {
			nextID = e.Entity + 1
		}
	}
	w.entities = entities
	w.deleted = nil
	if nextID > w.nextID {
		w.nextID = nextID
	}
	return nil
}

func (w *World) pendingDeletions() []types.EntityID {
	out := make([]types.EntityID, len(w.deleted))
	copy(out, w.deleted)
	return out
}

func (w *World) clearDeletions() {
	w.deleted = w.deleted[:0]
}

// Get returns the typed provider of T on entity id.
func Get[T component.Component](w *World, id types.EntityID) (*component.Value[T], error) {
	kind, err := component.KindOf[T](w.registry)
	if err != nil {
		return nil, err
	}
	p, err := w.Provider(id, kind)
	if err != nil {
		return nil, err
	}
	v, ok := p.(*component.Value[T])
	if !ok {
		return nil, eris.Errorf("entity %d kind %d is a %T, not a component.Value", id, kind, p)
	}
	return v, nil
}
