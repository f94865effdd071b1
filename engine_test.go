package statesync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/assert"

	"pkg.world.dev/world-engine/statesync"
	"pkg.world.dev/world-engine/statesync/archive"
	"pkg.world.dev/world-engine/statesync/client"
	"pkg.world.dev/world-engine/statesync/codec"
	"pkg.world.dev/world-engine/statesync/component"
	"pkg.world.dev/world-engine/statesync/dispatch"
	"pkg.world.dev/world-engine/statesync/example/components"
	"pkg.world.dev/world-engine/statesync/gamestate"
	"pkg.world.dev/world-engine/statesync/statestore"
	"pkg.world.dev/world-engine/statesync/testutils"
	"pkg.world.dev/world-engine/statesync/types"
	"pkg.world.dev/world-engine/statesync/wire"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func move(te *testutils.TestEngine, id types.EntityID, pos components.Position) {
	assert.NilError(te, te.Update(func(w *gamestate.World) error {
		v, err := gamestate.Get[components.Position](w, id)
		if err != nil {
			return err
		}
		v.Set(pos)
		return nil
	}))
}

func clientPosition(t *testing.T, c *testutils.TestClient, id types.EntityID) components.Position {
	v, err := client.Get[components.Position](c.Reconciler, id)
	assert.NilError(t, err)
	return v.Get()
}

func encodeAck(t *testing.T, tick types.Tick) []byte {
	bz, err := codec.Encode(wire.ClientMessage{Type: wire.TypeAck, Tick: uint32(tick)})
	assert.NilError(t, err)
	return bz
}

func TestReplicatesOverLoopback(t *testing.T) {
	for _, c := range []codec.Codec{codec.JSON, codec.MsgPack} {
		t.Run(c.Name(), func(t *testing.T) {
			te := testutils.NewTestEngine(t, statesync.WithCodec(c))
			id := te.Spawn(components.Position{X: 0, Y: 0}, 100)
			cl := te.NewClient("player-1")

			tick := te.DoTick()
			cl.WaitForTick(t, tick)
			assert.Equal(t, cl.Reconciler.Status(), client.Synced)
			assert.Equal(t, clientPosition(t, cl, id), components.Position{X: 0, Y: 0})

			move(te, id, components.Position{X: 5, Y: 0})
			tick = te.DoTick()
			cl.WaitForTick(t, tick)
			assert.Equal(t, clientPosition(t, cl, id), components.Position{X: 5, Y: 0})

			// A delta keeps the baseline; a full state would have replaced the held ticks.
			assert.DeepEqual(t, cl.Reconciler.HeldTicks(), []types.Tick{1, 2})
		})
	}
}

func TestDeletedEntityIsRemovedFromClient(t *testing.T) {
	te := testutils.NewTestEngine(t)
	keep := te.Spawn(components.Position{X: 1}, 1)
	gone := te.Spawn(components.Position{X: 2}, 2)
	cl := te.NewClient("c")

	cl.WaitForTick(t, te.DoTick())
	assert.DeepEqual(t, cl.Reconciler.Entities(), []types.EntityID{keep, gone})

	assert.NilError(t, te.Update(func(w *gamestate.World) error {
		return w.Delete(gone)
	}))
	cl.WaitForTick(t, te.DoTick())
	assert.DeepEqual(t, cl.Reconciler.Entities(), []types.EntityID{keep})
}

func TestWatermarkFollowsSlowestConnection(t *testing.T) {
	te := testutils.NewTestEngine(t)
	id := te.Spawn(components.Position{}, 1)
	fast := te.NewClient("fast")
	slow := te.NewClient("slow")

	tick := te.DoTick()
	fast.WaitForTick(t, tick)
	slow.WaitForTick(t, tick)
	slow.Peer.DropAcks(true)

	for i := 2; i <= 5; i++ {
		move(te, id, components.Position{X: float64(i)})
		tick = te.DoTick()
		fast.WaitForTick(t, tick)
		slow.WaitForTick(t, tick)
	}

	mark, ok := te.Watermark()
	assert.Assert(t, ok)
	assert.Equal(t, mark, types.Tick(1))
	assert.DeepEqual(t, te.RetainedTicks(), []types.Tick{1, 2, 3, 4, 5})

	te.Disconnect(slow.Peer.Conn())
	te.DoTick()
	assert.DeepEqual(t, te.RetainedTicks(), []types.Tick{5, 6})
	assert.DeepEqual(t, te.Connections(), []types.ConnectionID{"fast"})
}

func TestNoConnectionsKeepsOnlyLatest(t *testing.T) {
	te := testutils.NewTestEngine(t)
	te.Spawn(components.Position{}, 1)
	for i := 0; i < 4; i++ {
		te.DoTick()
	}
	assert.DeepEqual(t, te.RetainedTicks(), []types.Tick{4})
}

func TestTimeoutDisconnectAdvancesWatermark(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_000, 0)}
	te := testutils.NewTestEngine(t,
		statesync.WithConnectionTimeout(time.Second),
		statesync.WithClock(clock.Now),
	)
	te.Spawn(components.Position{}, 1)
	alive := te.NewClient("alive")
	silent := te.NewClient("silent")

	tick := te.DoTick()
	alive.WaitForTick(t, tick)
	silent.WaitForTick(t, tick)
	silent.Peer.DropAcks(true)

	tick = te.DoTick()
	alive.WaitForTick(t, tick)
	mark, _ := te.Watermark()
	assert.Equal(t, mark, types.Tick(1))

	clock.Advance(2 * time.Second)
	assert.NilError(t, te.HandleMessage(context.Background(), "alive", encodeAck(t, tick)))

	te.DoTick()
	assert.DeepEqual(t, te.Connections(), []types.ConnectionID{"alive"})
	mark, _ = te.Watermark()
	assert.Equal(t, mark, types.Tick(2))
	assert.DeepEqual(t, te.RetainedTicks(), []types.Tick{2, 3})

	_, _, err := te.DispatchStats("silent")
	assert.Check(t, eris.Is(err, dispatch.ErrUnknownConnection))
	err = te.Loopback.SendReliableOrdered(context.Background(), "silent", []byte("x"))
	assert.Check(t, eris.Is(err, testutils.ErrUnknownPeer))
}

func TestStalledConnectionOverflowsWithoutBlockingTicks(t *testing.T) {
	te := testutils.NewTestEngine(t, statesync.WithQueueSize(1))
	te.Spawn(components.Position{}, 1)
	cl := te.NewClient("stalled")
	cl.Peer.Stall()

	for i := 0; i < 5; i++ {
		te.DoTick()
	}
	_, overflows, err := te.DispatchStats("stalled")
	assert.NilError(t, err)
	assert.Assert(t, overflows >= 1, "got %d overflows", overflows)

	cl.Peer.Resume()
	cl.WaitForTick(t, 5)
	assert.Equal(t, cl.Reconciler.Status(), client.Synced)
}

func TestCorruptClientMessageForcesFullState(t *testing.T) {
	te := testutils.NewTestEngine(t)
	te.Spawn(components.Position{}, 1)
	cl := te.NewClient("c")
	cl.WaitForTick(t, te.DoTick())

	err := te.HandleMessage(context.Background(), "c", []byte("{not json"))
	assert.Check(t, eris.Is(err, statesync.ErrCorruptPayload))

	cl.WaitForTick(t, te.DoTick())
	assert.DeepEqual(t, cl.Reconciler.HeldTicks(), []types.Tick{2})
}

func TestFullStateRequest(t *testing.T) {
	te := testutils.NewTestEngine(t)
	te.Spawn(components.Position{}, 1)
	cl := te.NewClient("c")
	cl.WaitForTick(t, te.DoTick())
	cl.WaitForTick(t, te.DoTick())
	assert.DeepEqual(t, cl.Reconciler.HeldTicks(), []types.Tick{1, 2})

	assert.NilError(t, cl.Reconciler.ReportMissingEntity(context.Background(), 42))
	assert.Equal(t, cl.Reconciler.Status(), client.AwaitingFullState)

	cl.WaitForTick(t, te.DoTick())
	assert.Equal(t, cl.Reconciler.Status(), client.Synced)
	assert.DeepEqual(t, cl.Reconciler.HeldTicks(), []types.Tick{3})
}

func TestAckArrivingAfterFullStateRequestIsIgnored(t *testing.T) {
	te := testutils.NewTestEngine(t)
	id := te.Spawn(components.Position{}, 1)
	cl := te.NewClient("c")
	cl.WaitForTick(t, te.DoTick())
	cl.WaitForTick(t, te.DoTick())

	ctx := context.Background()
	assert.NilError(t, cl.Reconciler.RequestFullState(ctx))
	// Acks travel unordered, so the ack for tick 2 can land after the request.
	assert.NilError(t, te.HandleMessage(ctx, "c", encodeAck(t, 2)))

	for i := 3; i <= 12; i++ {
		move(te, id, components.Position{X: float64(i)})
		cl.WaitForTick(t, te.DoTick())
	}
	assert.Equal(t, cl.Reconciler.Status(), client.Synced)
	assert.Equal(t, clientPosition(t, cl, id), components.Position{X: 12})
	mark, ok := te.Watermark()
	assert.Assert(t, ok)
	assert.Assert(t, mark >= 3, "watermark %d still points before the resync", mark)
}

func TestHandleMessageErrors(t *testing.T) {
	te := testutils.NewTestEngine(t)
	te.Spawn(components.Position{}, 1)
	te.NewClient("c")
	te.DoTick()
	ctx := context.Background()

	err := te.HandleMessage(ctx, "c", encodeAck(t, 99))
	assert.Check(t, eris.Is(err, statestore.ErrAckFromFuture))

	err = te.HandleMessage(ctx, "nobody", encodeAck(t, 1))
	assert.Check(t, eris.Is(err, statestore.ErrUnknownConnection))

	bz, err := codec.Encode(wire.ClientMessage{Type: "hello"})
	assert.NilError(t, err)
	err = te.HandleMessage(ctx, "c", bz)
	assert.Check(t, eris.Is(err, statesync.ErrUnknownMessageType))

	err = te.Connect("c")
	assert.Check(t, eris.Is(err, dispatch.ErrConnectionExists))
}

func moveRight(ctx statesync.SystemContext) error {
	for _, id := range ctx.World.Entities() {
		v, err := gamestate.Get[components.Position](ctx.World, id)
		if err != nil {
			return err
		}
		pos := v.Get()
		pos.X++
		v.Set(pos)
	}
	return nil
}

func failingSystem(_ statesync.SystemContext) error {
	return eris.New("boom")
}

func TestSystemsRunBeforeSnapshot(t *testing.T) {
	te := testutils.NewTestEngine(t, statesync.WithSystems(moveRight))
	id := te.Spawn(components.Position{}, 1)
	assert.DeepEqual(t, te.RegisteredSystems(), []string{"statesync_test.moveRight"})

	te.DoTick()
	te.DoTick()
	gs, ok := te.Latest()
	assert.Assert(t, ok)
	state, ok := gs.Lookup(id, components.PositionKind)
	assert.Assert(t, ok)
	pos, err := codec.Decode[components.Position](state.Data)
	assert.NilError(t, err)
	assert.Equal(t, pos, components.Position{X: 2})
}

func TestFailingSystemPublishesNothing(t *testing.T) {
	te := testutils.NewTestEngine(t, statesync.WithSystems(failingSystem))
	te.Spawn(components.Position{}, 1)

	err := te.Tick(context.Background())
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, te.CurrentTick(), types.Tick(0))
	_, ok := te.Latest()
	assert.Assert(t, !ok)
}

func TestDuplicateSystemRegistration(t *testing.T) {
	_, err := statesync.NewEngine(testutils.NewLoopback(), statesync.WithSystems(moveRight, moveRight))
	assert.ErrorContains(t, err, "already registered")
}

func TestDuplicateKindFailsAtStartup(t *testing.T) {
	_, err := statesync.NewEngine(testutils.NewLoopback(),
		statesync.WithComponents(components.Register),
		statesync.WithComponents(func(r *component.Registry) error {
			return component.Register[components.Health](r, components.PositionKind)
		}),
	)
	assert.Check(t, eris.Is(err, component.ErrDuplicateKind))

	_, err = statesync.NewEngine(nil)
	assert.Check(t, eris.Is(err, statesync.ErrNilTransport))
}

func TestRunWithTickChannel(t *testing.T) {
	tickCh := make(chan time.Time)
	doneCh := make(chan types.Tick)
	te := testutils.NewTestEngine(t,
		statesync.WithTickChannel(tickCh),
		statesync.WithTickDoneChannel(doneCh),
	)
	te.Spawn(components.Position{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- te.Run(ctx)
	}()

	tickCh <- time.Now()
	assert.Equal(t, <-doneCh, types.Tick(1))
	assert.Assert(t, te.IsRunning())
	assert.Check(t, eris.Is(te.Run(ctx), statesync.ErrAlreadyRunning))

	tickCh <- time.Now()
	assert.Equal(t, <-doneCh, types.Tick(2))

	cancel()
	assert.NilError(t, <-runErr)
	assert.Assert(t, !te.IsRunning())
}

func TestArchiveAndRestore(t *testing.T) {
	s := miniredis.RunT(t)
	newStorage := func() *archive.RedisStorage {
		return archive.NewRedisStorage(archive.Options{Addr: s.Addr()}, "restore-test")
	}

	first, err := statesync.NewEngine(testutils.NewLoopback(),
		statesync.WithComponents(components.Register),
		statesync.WithArchive(newStorage(), 2),
	)
	assert.NilError(t, err)
	var id types.EntityID
	assert.NilError(t, first.Update(func(w *gamestate.World) error {
		pos, err := component.New(first.Registry(), components.Position{X: 3, Y: 4})
		if err != nil {
			return err
		}
		hp, err := component.New(first.Registry(), components.Health{HP: 50})
		if err != nil {
			return err
		}
		id, err = w.Create(pos, hp)
		return err
	}))
	ctx := context.Background()
	assert.NilError(t, first.Tick(ctx))
	assert.NilError(t, first.Update(func(w *gamestate.World) error {
		v, err := gamestate.Get[components.Position](w, id)
		if err != nil {
			return err
		}
		v.Set(components.Position{X: 7, Y: 8})
		return nil
	}))
	assert.NilError(t, first.Tick(ctx))
	// Close waits for the archive write of tick 2.
	assert.NilError(t, first.Close())

	second := testutils.NewTestEngine(t, statesync.WithArchive(newStorage(), 2))
	assert.NilError(t, second.Restore(ctx))
	assert.Equal(t, second.CurrentTick(), types.Tick(2))
	assert.NilError(t, second.Update(func(w *gamestate.World) error {
		v, err := gamestate.Get[components.Position](w, id)
		if err != nil {
			return err
		}
		assert.Equal(t, v.Get(), components.Position{X: 7, Y: 8})
		hp, err := gamestate.Get[components.Health](w, id)
		if err != nil {
			return err
		}
		assert.Equal(t, hp.Get().HP, 50)
		return nil
	}))

	cl := second.NewClient("after-restart")
	cl.WaitForTick(t, second.DoTick())
	assert.Equal(t, clientPosition(t, cl, id), components.Position{X: 7, Y: 8})

	assert.Check(t, eris.Is(second.Restore(ctx), statesync.ErrAlreadyStarted))
}

func TestRestoreWithoutArchive(t *testing.T) {
	te := testutils.NewTestEngine(t)
	err := te.Restore(context.Background())
	require.Error(t, err)
	assert.Check(t, eris.Is(err, archive.ErrSnapshotNotFound))
}
