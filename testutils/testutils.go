// Package testutils provides an in-memory transport and engine/client fixtures for tests.
package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gotest.tools/v3/assert"

	"pkg.world.dev/world-engine/statesync"
	"pkg.world.dev/world-engine/statesync/client"
	"pkg.world.dev/world-engine/statesync/component"
	"pkg.world.dev/world-engine/statesync/example/components"
	"pkg.world.dev/world-engine/statesync/gamestate"
	"pkg.world.dev/world-engine/statesync/types"
)

const waitTimeout = 2 * time.Second

// TestEngine is an Engine wired to a Loopback with the demo components registered. It is closed at the end
// of the test.
type TestEngine struct {
	testing.TB
	*statesync.Engine

	Loopback *Loopback
}

// NewTestEngine creates a TestEngine. User supplied options are applied after the defaults.
func NewTestEngine(t testing.TB, opts ...statesync.Option) *TestEngine {
	lb := NewLoopback()
	defaultOpts := []statesync.Option{
		statesync.WithComponents(components.Register),
	}
	e, err := statesync.NewEngine(lb, append(defaultOpts, opts...)...)
	assert.NilError(t, err)
	t.Cleanup(func() {
		assert.NilError(t, e.Close())
	})
	return &TestEngine{TB: t, Engine: e, Loopback: lb}
}

// DoTick executes one tick and returns the published tick.
func (te *TestEngine) DoTick() types.Tick {
	assert.NilError(te, te.Tick(context.Background()))
	return te.CurrentTick()
}

// Spawn creates an entity holding the demo position and health components.
func (te *TestEngine) Spawn(pos components.Position, hp int) types.EntityID {
	var id types.EntityID
	assert.NilError(te, te.Update(func(w *gamestate.World) error {
		p, err := component.New(te.Registry(), pos)
		if err != nil {
			return err
		}
		h, err := component.New(te.Registry(), components.Health{HP: hp})
		if err != nil {
			return err
		}
		id, err = w.Create(p, h)
		return err
	}))
	return id
}

// TestClient is a reconciler connected to a TestEngine through the loopback.
type TestClient struct {
	Reconciler *client.Reconciler
	Peer       *Peer
}

// NewClient connects a new client under conn.
func (te *TestEngine) NewClient(conn types.ConnectionID, opts ...client.Option) *TestClient {
	registry := component.NewRegistry(te.Codec())
	assert.NilError(te, components.Register(registry))

	peer := te.Loopback.Attach(conn, te.Engine)
	defaultOpts := []client.Option{client.WithCodec(te.Codec())}
	r := client.NewReconciler(registry, peer, append(defaultOpts, opts...)...)
	assert.NilError(te, te.Connect(conn))
	return &TestClient{Reconciler: r, Peer: peer}
}

// Sync applies every payload delivered so far.
func (c *TestClient) Sync() []client.Outcome {
	return c.Peer.Pump(context.Background(), c.Reconciler)
}

// WaitForTick pumps payloads until the client reflects tick or newer.
func (c *TestClient) WaitForTick(t testing.TB, tick types.Tick) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.Sync()
		got, ok := c.Reconciler.Tick()
		return ok && got >= tick
	}, waitTimeout, time.Millisecond, "client never reached tick %d", tick)
}

// WaitForDeliveries waits until the server has delivered at least n payloads to the client.
func (c *TestClient) WaitForDeliveries(t testing.TB, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Peer.Received() >= n
	}, waitTimeout, time.Millisecond, "server never delivered %d payloads", n)
}
