package client_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/assert"

	"pkg.world.dev/world-engine/statesync/client"
	"pkg.world.dev/world-engine/statesync/codec"
	"pkg.world.dev/world-engine/statesync/component"
	"pkg.world.dev/world-engine/statesync/delta"
	"pkg.world.dev/world-engine/statesync/example/components"
	"pkg.world.dev/world-engine/statesync/gamestate"
	"pkg.world.dev/world-engine/statesync/types"
	"pkg.world.dev/world-engine/statesync/wire"
)

type recordingSender struct {
	mu       sync.Mutex
	reliable []wire.ClientMessage
	acks     []wire.ClientMessage
}

func (s *recordingSender) SendReliableOrdered(_ context.Context, data []byte) error {
	msg, err := codec.Decode[wire.ClientMessage](data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reliable = append(s.reliable, msg)
	return nil
}

func (s *recordingSender) SendUnordered(_ context.Context, data []byte) error {
	msg, err := codec.Decode[wire.ClientMessage](data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, msg)
	return nil
}

func (s *recordingSender) ackedTicks() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticks := make([]uint32, 0, len(s.acks))
	for _, a := range s.acks {
		ticks = append(ticks, a.Tick)
	}
	return ticks
}

// authority is a minimal server side: a world, a builder and every snapshot it built.
type authority struct {
	registry  *component.Registry
	world     *gamestate.World
	builder   *gamestate.Builder
	snapshots map[types.Tick]*gamestate.GameState
}

func newAuthority(t *testing.T) *authority {
	r := component.NewRegistry(codec.JSON)
	require.NoError(t, components.Register(r))
	w := gamestate.NewWorld(r)
	return &authority{registry: r, world: w, builder: gamestate.NewBuilder(w), snapshots: map[types.Tick]*gamestate.GameState{}}
}

func (a *authority) spawn(t *testing.T, id types.EntityID, pos components.Position, hp int) {
	p, err := component.New(a.registry, pos)
	require.NoError(t, err)
	h, err := component.New(a.registry, components.Health{HP: hp})
	require.NoError(t, err)
	require.NoError(t, a.world.CreateWithID(id, p, h))
}

func (a *authority) move(t *testing.T, id types.EntityID, pos components.Position) {
	v, err := gamestate.Get[components.Position](a.world, id)
	require.NoError(t, err)
	v.Set(pos)
}

func (a *authority) build(t *testing.T, tick types.Tick) *gamestate.GameState {
	gs, err := a.builder.Build(tick)
	require.NoError(t, err)
	a.snapshots[tick] = gs
	return gs
}

func (a *authority) full(tick types.Tick) *wire.Payload {
	p := delta.Full(a.snapshots[tick])
	return &p
}

func (a *authority) delta(from, to types.Tick) *wire.Payload {
	p := delta.Diff(a.snapshots[from], a.snapshots[to])
	return &p
}

func newReconciler(a *authority, opts ...client.Option) (*client.Reconciler, *recordingSender) {
	sender := &recordingSender{}
	return client.NewReconciler(a.registry, sender, opts...), sender
}

func position(t *testing.T, r *client.Reconciler, id types.EntityID) components.Position {
	v, err := client.Get[components.Position](r, id)
	require.NoError(t, err)
	return v.Get()
}

func mustHandle(t *testing.T, r *client.Reconciler, p *wire.Payload, want client.Outcome) {
	got, err := r.Handle(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestEntityMovesBetweenTicks(t *testing.T) {
	a := newAuthority(t)
	a.spawn(t, 7, components.Position{X: 0, Y: 0}, 100)
	a.build(t, 100)
	a.move(t, 7, components.Position{X: 5, Y: 0})
	a.build(t, 101)

	r, sender := newReconciler(a)
	mustHandle(t, r, a.full(100), client.Applied)
	assert.Equal(t, r.Status(), client.Synced)
	assert.Equal(t, position(t, r, 7), components.Position{X: 0, Y: 0})

	d := a.delta(100, 101)
	assert.Equal(t, len(d.Entries), 1)
	mustHandle(t, r, d, client.Applied)
	assert.Equal(t, position(t, r, 7), components.Position{X: 5, Y: 0})
	assert.DeepEqual(t, sender.ackedTicks(), []uint32{100, 101})
}

func TestApplyingSameFullStateTwiceChangesNothing(t *testing.T) {
	a := newAuthority(t)
	a.spawn(t, 1, components.Position{X: 1.5, Y: -2}, 40)
	a.build(t, 3)

	r, _ := newReconciler(a)
	mustHandle(t, r, a.full(3), client.Applied)
	v, err := client.Get[components.Position](r, 1)
	assert.NilError(t, err)
	before := *v.Current()

	mustHandle(t, r, a.full(3), client.Ignored)
	v, err = client.Get[components.Position](r, 1)
	assert.NilError(t, err)
	assert.DeepEqual(t, *v.Current(), before)

	// Applying the same state directly to the provider is also a no-op.
	assert.NilError(t, v.Apply(before, nil))
	assert.DeepEqual(t, *v.Current(), before)
	assert.Assert(t, v.Previous() == nil)
}

func TestFullThenDeltaMatchesNextFullState(t *testing.T) {
	a := newAuthority(t)
	for id := types.EntityID(1); id <= 6; id++ {
		a.spawn(t, id, components.Position{X: float64(id)}, int(id))
	}
	a.build(t, 10)
	a.move(t, 2, components.Position{X: 20, Y: 2})
	a.move(t, 5, components.Position{X: 50, Y: 5})
	require.NoError(t, a.world.Delete(3))
	require.NoError(t, a.world.Detach(6, components.HealthKind))
	vel, err := component.New(a.registry, components.Velocity{DX: 1})
	require.NoError(t, err)
	require.NoError(t, a.world.Attach(4, vel))
	a.spawn(t, 9, components.Position{Y: 9}, 9)
	a.build(t, 11)

	viaDelta, _ := newReconciler(a)
	mustHandle(t, viaDelta, a.full(10), client.Applied)
	mustHandle(t, viaDelta, a.delta(10, 11), client.Applied)

	viaFull, _ := newReconciler(a)
	mustHandle(t, viaFull, a.full(11), client.Applied)

	assert.DeepEqual(t, viaDelta.Entities(), viaFull.Entities())
	for _, e := range a.snapshots[11].Entries {
		got, err := viaDelta.Provider(e.Entity, e.Kind)
		assert.NilError(t, err)
		v, ok := got.(interface{ Current() *component.State })
		assert.Assert(t, ok)
		assert.DeepEqual(t, v.Current().Data, e.State.Data)
	}
	_, err = viaDelta.Provider(6, components.HealthKind)
	assert.Check(t, eris.Is(err, client.ErrComponentMissing))
}

func TestDeletedEntityDisappears(t *testing.T) {
	a := newAuthority(t)
	a.spawn(t, 1, components.Position{}, 1)
	a.spawn(t, 2, components.Position{}, 2)
	a.build(t, 5)
	require.NoError(t, a.world.Delete(2))
	a.build(t, 6)

	d := a.delta(5, 6)
	assert.DeepEqual(t, d.Deletions, []uint32{2})

	r, _ := newReconciler(a)
	mustHandle(t, r, a.full(5), client.Applied)
	mustHandle(t, r, d, client.Applied)
	assert.DeepEqual(t, r.Entities(), []types.EntityID{1})
	_, err := client.Get[components.Position](r, 2)
	assert.Check(t, eris.Is(err, client.ErrEntityNotFound))
}

func TestUnknownBaselineIsADesync(t *testing.T) {
	a := newAuthority(t)
	a.spawn(t, 1, components.Position{X: 1}, 1)
	a.build(t, 90)
	a.build(t, 95)
	a.move(t, 1, components.Position{X: 96})
	a.build(t, 96)

	r, sender := newReconciler(a)
	mustHandle(t, r, a.full(90), client.Applied)

	mustHandle(t, r, a.delta(95, 96), client.Desynced)
	assert.Equal(t, r.Status(), client.AwaitingFullState)
	assert.Equal(t, position(t, r, 1), components.Position{X: 1}, "nothing from the delta may be applied")
	tick, _ := r.Tick()
	assert.Equal(t, tick, types.Tick(90))

	assert.Equal(t, len(sender.reliable), 1)
	assert.Equal(t, sender.reliable[0].Type, wire.TypeFullStateRequest)
	assert.Equal(t, sender.reliable[0].Tick, uint32(90))
	requested, outstanding := r.LastFullStateRequested()
	assert.Assert(t, outstanding)
	assert.Equal(t, requested, types.Tick(90))

	// Further deltas are rejected without asking again.
	mustHandle(t, r, a.delta(95, 96), client.Rejected)
	assert.Equal(t, len(sender.reliable), 1)

	mustHandle(t, r, a.full(96), client.Applied)
	assert.Equal(t, r.Status(), client.Synced)
	assert.Equal(t, position(t, r, 1), components.Position{X: 96})
	_, outstanding = r.LastFullStateRequested()
	assert.Assert(t, !outstanding)
}

func TestRejectedDeltasRepeatFullStateRequest(t *testing.T) {
	a := newAuthority(t)
	a.spawn(t, 1, components.Position{}, 1)
	a.build(t, 1)
	a.build(t, 2)
	a.build(t, 3)

	r, sender := newReconciler(a, client.WithFullStateRetry(3))
	mustHandle(t, r, a.full(1), client.Applied)
	assert.NilError(t, r.RequestFullState(context.Background()))
	assert.Equal(t, len(sender.reliable), 1)

	// The server keeps sending deltas, as if it never saw the request.
	mustHandle(t, r, a.delta(1, 2), client.Rejected)
	mustHandle(t, r, a.delta(1, 3), client.Rejected)
	assert.Equal(t, len(sender.reliable), 1)
	mustHandle(t, r, a.delta(1, 3), client.Rejected)
	assert.Equal(t, len(sender.reliable), 2)
	assert.Equal(t, sender.reliable[1].Type, wire.TypeFullStateRequest)
	assert.Equal(t, sender.reliable[1].Tick, uint32(1))

	mustHandle(t, r, a.full(3), client.Applied)
	assert.Equal(t, r.Status(), client.Synced)
}

func TestDeltaRejectedBeforeFirstFullState(t *testing.T) {
	a := newAuthority(t)
	a.spawn(t, 1, components.Position{}, 1)
	a.build(t, 1)
	a.build(t, 2)

	r, sender := newReconciler(a)
	mustHandle(t, r, a.delta(1, 2), client.Rejected)
	assert.Equal(t, r.Status(), client.AwaitingFullState)
	assert.Equal(t, len(r.Entities()), 0)
	assert.Equal(t, len(sender.acks), 0)
}

func TestDeltaAgainstOlderHeldBaseline(t *testing.T) {
	a := newAuthority(t)
	a.spawn(t, 1, components.Position{X: 1}, 1)
	a.build(t, 10)
	a.spawn(t, 2, components.Position{X: 2}, 2)
	a.move(t, 1, components.Position{X: 11})
	a.build(t, 11)
	require.NoError(t, a.world.Delete(2))
	a.move(t, 1, components.Position{X: 1})
	a.build(t, 12)

	r, _ := newReconciler(a)
	mustHandle(t, r, a.full(10), client.Applied)
	mustHandle(t, r, a.delta(10, 11), client.Applied)
	assert.DeepEqual(t, r.Entities(), []types.EntityID{1, 2})

	// The server has only seen the ack for 10, so tick 12 arrives relative to 10.
	d := a.delta(10, 12)
	assert.Equal(t, len(d.Entries), 0)
	assert.Equal(t, len(d.Deletions), 0)
	mustHandle(t, r, d, client.Applied)

	assert.DeepEqual(t, r.Entities(), []types.EntityID{1})
	assert.Equal(t, position(t, r, 1), components.Position{X: 1})
	assert.DeepEqual(t, r.HeldTicks(), []types.Tick{10, 11, 12})
}

func TestSingleHeldStateRequiresExactBaseline(t *testing.T) {
	a := newAuthority(t)
	a.spawn(t, 1, components.Position{}, 1)
	a.build(t, 10)
	a.build(t, 11)
	a.build(t, 12)

	r, _ := newReconciler(a, client.WithHeldStates(1))
	mustHandle(t, r, a.full(10), client.Applied)
	mustHandle(t, r, a.delta(10, 11), client.Applied)
	assert.DeepEqual(t, r.HeldTicks(), []types.Tick{11})
	mustHandle(t, r, a.delta(10, 12), client.Desynced)
}

func TestCorruptPayloadForcesResync(t *testing.T) {
	a := newAuthority(t)
	a.spawn(t, 1, components.Position{}, 1)
	a.build(t, 1)

	r, sender := newReconciler(a)
	mustHandle(t, r, a.full(1), client.Applied)

	outcome, err := r.Receive(context.Background(), []byte("\x00garbage"))
	assert.Check(t, eris.Is(err, client.ErrCorruptPayload))
	assert.Equal(t, outcome, client.Rejected)
	assert.Equal(t, r.Status(), client.AwaitingFullState)
	assert.Equal(t, len(sender.reliable), 1)
}

func TestReceiveDecodesPayload(t *testing.T) {
	a := newAuthority(t)
	a.spawn(t, 3, components.Position{X: 3}, 3)
	a.build(t, 1)
	bz, err := codec.Encode(a.full(1))
	assert.NilError(t, err)

	r, _ := newReconciler(a)
	outcome, err := r.Receive(context.Background(), bz)
	assert.NilError(t, err)
	assert.Equal(t, outcome, client.Applied)
	assert.Equal(t, position(t, r, 3), components.Position{X: 3})
}

func TestComponentFailureIsIsolated(t *testing.T) {
	a := newAuthority(t)
	a.spawn(t, 1, components.Position{X: 1}, 10)
	a.spawn(t, 2, components.Position{X: 2}, 20)
	a.build(t, 1)

	p := a.full(1)
	for i := range p.Entries {
		if p.Entries[i].Entity == 1 && p.Entries[i].Kind == uint16(components.HealthKind) {
			p.Entries[i].State = []byte("not json")
		}
	}
	p.Entries = append(p.Entries, wire.Entry{Entity: 2, Kind: 77, State: []byte("{}")})

	r, _ := newReconciler(a)
	mustHandle(t, r, p, client.Applied)
	assert.Equal(t, r.ApplyFailures(), int64(2))
	assert.Equal(t, position(t, r, 1), components.Position{X: 1})
	assert.Equal(t, position(t, r, 2), components.Position{X: 2})
	hp, err := client.Get[components.Health](r, 2)
	assert.NilError(t, err)
	assert.Equal(t, hp.Get().HP, 20)
	_, err = client.Get[components.Health](r, 1)
	assert.Check(t, eris.Is(err, client.ErrComponentMissing))
}

func TestRequestFullStateAndDisconnect(t *testing.T) {
	a := newAuthority(t)
	a.spawn(t, 1, components.Position{}, 1)
	a.build(t, 4)

	r, sender := newReconciler(a)
	mustHandle(t, r, a.full(4), client.Applied)
	assert.NilError(t, r.ReportMissingEntity(context.Background(), 12))
	assert.Equal(t, r.Status(), client.AwaitingFullState)
	assert.Equal(t, len(sender.reliable), 1)
	assert.Equal(t, *sender.reliable[0].MissingEntity, uint32(12))

	r.Disconnect()
	assert.Equal(t, r.Status(), client.Disconnected)
	_, err := r.Handle(context.Background(), a.full(4))
	assert.Check(t, eris.Is(err, client.ErrDisconnected))
	assert.Check(t, eris.Is(r.RequestFullState(context.Background()), client.ErrDisconnected))
}

func TestAlphaAndSample(t *testing.T) {
	a := newAuthority(t)
	a.spawn(t, 1, components.Position{X: 0}, 1)
	a.build(t, 1)
	a.move(t, 1, components.Position{X: 10})
	a.build(t, 2)

	now := time.Unix(1000, 0)
	r, _ := newReconciler(a,
		client.WithTickInterval(100*time.Millisecond),
		client.WithClock(func() time.Time { return now }),
	)
	assert.Equal(t, r.Alpha(now), 1.0)

	mustHandle(t, r, a.full(1), client.Applied)
	mustHandle(t, r, a.delta(1, 2), client.Applied)

	alpha := r.Alpha(now.Add(25 * time.Millisecond))
	assert.Equal(t, alpha, 0.25)
	v, err := client.Get[components.Position](r, 1)
	assert.NilError(t, err)
	assert.Equal(t, v.Sample(alpha), components.Position{X: 2.5})
	assert.Equal(t, r.Alpha(now.Add(time.Second)), 1.0)
}
