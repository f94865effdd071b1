package delta_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gotest.tools/v3/assert"

	"pkg.world.dev/world-engine/statesync/codec"
	"pkg.world.dev/world-engine/statesync/component"
	"pkg.world.dev/world-engine/statesync/delta"
	"pkg.world.dev/world-engine/statesync/example/components"
	"pkg.world.dev/world-engine/statesync/gamestate"
	"pkg.world.dev/world-engine/statesync/statestore"
	"pkg.world.dev/world-engine/statesync/types"
	"pkg.world.dev/world-engine/statesync/wire"
)

type fixture struct {
	world   *gamestate.World
	builder *gamestate.Builder
	store   *statestore.Store
}

func newFixture(t *testing.T) *fixture {
	r := component.NewRegistry(codec.JSON)
	require.NoError(t, components.Register(r))
	w := gamestate.NewWorld(r)
	return &fixture{world: w, builder: gamestate.NewBuilder(w), store: statestore.New()}
}

func (f *fixture) build(t *testing.T, tick types.Tick) *gamestate.GameState {
	gs, err := f.builder.Build(tick)
	require.NoError(t, err)
	require.NoError(t, f.store.AddState(gs))
	return gs
}

func (f *fixture) position(t *testing.T, id types.EntityID, pos components.Position) {
	p, err := component.New(f.world.Registry(), pos)
	require.NoError(t, err)
	require.NoError(t, f.world.CreateWithID(id, p))
}

func TestDeltaContainsOnlyChangedPosition(t *testing.T) {
	f := newFixture(t)
	f.position(t, 7, components.Position{X: 0, Y: 0})
	f.position(t, 8, components.Position{X: 1, Y: 1})
	base := f.build(t, 100)

	pos, err := gamestate.Get[components.Position](f.world, 7)
	assert.NilError(t, err)
	pos.Set(components.Position{X: 5, Y: 0})
	target := f.build(t, 101)

	p := delta.Diff(base, target)
	assert.Equal(t, p.Tick, uint32(101))
	assert.Assert(t, p.Baseline != nil)
	assert.Equal(t, *p.Baseline, uint32(100))
	assert.Equal(t, len(p.Entries), 1)
	assert.Equal(t, p.Entries[0].Entity, uint32(7))
	assert.Equal(t, p.Entries[0].Kind, uint16(components.PositionKind))
	got, err := codec.Decode[components.Position](p.Entries[0].State)
	assert.NilError(t, err)
	assert.Equal(t, got, components.Position{X: 5, Y: 0})
	assert.Equal(t, len(p.Deletions), 0)
	assert.Equal(t, len(p.Removals), 0)
}

func TestDeltaListsDeletionsAndRemovals(t *testing.T) {
	f := newFixture(t)
	f.position(t, 1, components.Position{})
	f.position(t, 2, components.Position{})
	hp, err := component.New(f.world.Registry(), components.Health{HP: 3})
	assert.NilError(t, err)
	assert.NilError(t, f.world.Attach(1, hp))
	base := f.build(t, 1)

	assert.NilError(t, f.world.Delete(2))
	assert.NilError(t, f.world.Detach(1, components.HealthKind))
	f.position(t, 3, components.Position{X: 9})
	target := f.build(t, 2)

	p := delta.Diff(base, target)
	assert.DeepEqual(t, p.Deletions, []uint32{2})
	assert.DeepEqual(t, p.Removals, []wire.ComponentRef{{Entity: 1, Kind: uint16(components.HealthKind)}})
	assert.Equal(t, len(p.Entries), 1)
	assert.Equal(t, p.Entries[0].Entity, uint32(3))
}

func TestFullHasNoBaseline(t *testing.T) {
	f := newFixture(t)
	f.position(t, 1, components.Position{})
	gs := f.build(t, 4)

	p := delta.Full(gs)
	assert.Assert(t, p.IsFull())
	assert.Equal(t, len(p.Entries), 1)
}

func TestEncoderFallsBackToFullState(t *testing.T) {
	f := newFixture(t)
	f.position(t, 1, components.Position{})
	f.build(t, 1)
	f.build(t, 2)
	target := f.build(t, 3)
	enc := delta.NewEncoder(f.store)

	p := enc.Payload(0, false, target)
	assert.Assert(t, p.IsFull(), "no ack means no baseline")

	p = enc.Payload(1, true, target)
	assert.Assert(t, !p.IsFull())

	f.store.Cull()
	p = enc.Payload(1, true, target)
	assert.Assert(t, p.IsFull(), "pruned baseline falls back to a full state")
}

func TestEncodeIsDeterministic(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON, codec.MsgPack} {
		t.Run(c.Name(), func(t *testing.T) {
			f := newFixture(t)
			for id := types.EntityID(1); id <= 20; id++ {
				f.position(t, id, components.Position{X: float64(id)})
			}
			f.build(t, 1)
			for id := types.EntityID(1); id <= 20; id += 3 {
				pos, err := gamestate.Get[components.Position](f.world, id)
				assert.NilError(t, err)
				pos.Set(components.Position{Y: float64(id)})
			}
			target := f.build(t, 2)

			cached := delta.NewEncoder(f.store, delta.WithCodec(c))
			first, full, err := cached.Encode(1, true, target)
			assert.NilError(t, err)
			assert.Assert(t, !full)
			again, _, err := cached.Encode(1, true, target)
			assert.NilError(t, err)
			assert.DeepEqual(t, first, again)
			hits, _ := cached.CacheStats()
			assert.Equal(t, hits, int64(1))

			fresh := delta.NewEncoder(f.store, delta.WithCodec(c))
			recomputed, _, err := fresh.Encode(1, true, target)
			assert.NilError(t, err)
			assert.DeepEqual(t, first, recomputed)

			decoded, err := codec.DecodeWith[wire.Payload](c, first)
			assert.NilError(t, err)
			assert.Equal(t, len(decoded.Entries), 7)
		})
	}
}
