package component

import (
	"sort"

	"github.com/invopop/jsonschema"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/statesync/codec"
	"pkg.world.dev/world-engine/statesync/types"
)

// Metadata describes a registered component type.
type Metadata interface {
	Kind() types.ComponentKind
	Name() string
	// New returns an empty provider for this kind.
	New() Provider
	Decode(bz []byte) (any, error)
	Encode(v any) ([]byte, error)
	Schema() ([]byte, error)
}

// Registry maps component kinds to their metadata. It is filled once at startup and read-only afterwards.
type Registry struct {
	codec  codec.Codec
	byKind map[types.ComponentKind]Metadata
	byName map[string]types.ComponentKind
}

func NewRegistry(c codec.Codec) *Registry {
	if c == nil {
		c = codec.JSON
	}
	return &Registry{
		codec:  c,
		byKind: make(map[types.ComponentKind]Metadata),
		byName: make(map[string]types.ComponentKind),
	}
}

// Register adds T to the registry under kind.
func Register[T Component](r *Registry, kind types.ComponentKind) error {
	var t T
	name := t.Name()
	if existing, ok := r.byKind[kind]; ok {
		return eris.Wrapf(ErrDuplicateKind, "kind %d is already used by %q, cannot register %q", kind, existing.Name(), name)
	}
	if existing, ok := r.byName[name]; ok {
		return eris.Wrapf(ErrDuplicateName, "%q is already registered as kind %d", name, existing)
	}
	r.byKind[kind] = &metadata[T]{kind: kind, name: name, codec: r.codec}
	r.byName[name] = kind
	return nil
}

// MustRegister is Register for init-time wiring. It panics on error.
func MustRegister[T Component](r *Registry, kind types.ComponentKind) {
	if err := Register[T](r, kind); err != nil {
		panic(eris.ToString(err, true))
	}
}

// KindOf returns the kind T was registered under.
func KindOf[T Component](r *Registry) (types.ComponentKind, error) {
	var t T
	kind, ok := r.byName[t.Name()]
	if !ok {
		return 0, eris.Wrapf(ErrUnknownComponent, "%q", t.Name())
	}
	return kind, nil
}

func (r *Registry) Lookup(kind types.ComponentKind) (Metadata, error) {
	md, ok := r.byKind[kind]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownKind, "kind %d", kind)
	}
	return md, nil
}

// All returns every registered component ordered by kind.
func (r *Registry) All() []Metadata {
	all := make([]Metadata, 0, len(r.byKind))
	for _, md := range r.byKind {
		all = append(all, md)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Kind() < all[j].Kind()
	})
	return all
}

func (r *Registry) Codec() codec.Codec {
	return r.codec
}

// NewProvider returns an empty provider for kind.
func (r *Registry) NewProvider(kind types.ComponentKind) (Provider, error) {
	md, err := r.Lookup(kind)
	if err != nil {
		return nil, err
	}
	return md.New(), nil
}

type metadata[T Component] struct {
	kind  types.ComponentKind
	name  string
	codec codec.Codec
}

func (m *metadata[T]) Kind() types.ComponentKind {
	return m.kind
}

func (m *metadata[T]) Name() string {
	return m.name
}

func (m *metadata[T]) New() Provider {
	return &Value[T]{meta: m}
}

func (m *metadata[T]) Decode(bz []byte) (any, error) {
	return codec.DecodeWith[T](m.codec, bz)
}

func (m *metadata[T]) Encode(v any) ([]byte, error) {
	return m.codec.Marshal(v)
}

func (m *metadata[T]) Schema() ([]byte, error) {
	var t T
	bz, err := jsonschema.Reflect(t).MarshalJSON()
	if err != nil {
		return nil, eris.Wrap(err, "")
	}
	return bz, nil
}
