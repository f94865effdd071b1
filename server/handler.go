package server

import (
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rotisserie/eris"
	"github.com/wI2L/jsondiff"

	"pkg.world.dev/world-engine/statesync/component"
	"pkg.world.dev/world-engine/statesync/gamestate"
	"pkg.world.dev/world-engine/statesync/types"
)

type HealthResponse struct {
	IsServerRunning   bool   `json:"isServerRunning"`
	IsGameLoopRunning bool   `json:"isGameLoopRunning"`
	Tick              uint32 `json:"tick"`
}

type ComponentInfo struct {
	Kind   types.ComponentKind `json:"kind"`
	Name   string              `json:"name"`
	Schema json.RawMessage     `json:"schema"`
}

type EntityState struct {
	ID         types.EntityID             `json:"id"`
	Components map[string]json.RawMessage `json:"components"`
}

type StateResponse struct {
	Tick      types.Tick       `json:"tick"`
	Entities  []EntityState    `json:"entities"`
	Deletions []types.EntityID `json:"deletions,omitempty"`
}

type DiffResponse struct {
	From  types.Tick     `json:"from"`
	To    types.Tick     `json:"to"`
	Patch jsondiff.Patch `json:"patch"`
}

type ConnectionsResponse struct {
	Engine   []types.ConnectionID `json:"engine"`
	Sessions []types.ConnectionID `json:"sessions"`
}

func webSocketUpgrader(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return eris.Wrap(c.Next(), "")
	}
	return fiber.ErrUpgradeRequired
}

func getHealth(provider Provider) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(HealthResponse{
			IsServerRunning:   true,
			IsGameLoopRunning: provider.IsRunning(),
			Tick:              uint32(provider.CurrentTick()),
		})
	}
}

func getComponents(provider Provider) fiber.Handler {
	return func(c *fiber.Ctx) error {
		all := provider.Registry().All()
		res := make([]ComponentInfo, 0, len(all))
		for _, meta := range all {
			schema, err := meta.Schema()
			if err != nil {
				return err
			}
			res = append(res, ComponentInfo{Kind: meta.Kind(), Name: meta.Name(), Schema: schema})
		}
		return c.JSON(res)
	}
}

func getConnections(provider Provider, hub *Hub) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(ConnectionsResponse{Engine: provider.Connections(), Sessions: hub.Sessions()})
	}
}

// getState renders a retained snapshot as JSON. Without a tick parameter it renders the latest one.
func getState(provider Provider) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var (
			gs  *gamestate.GameState
			err error
		)
		if c.Params("tick") == "" {
			var ok bool
			if gs, ok = provider.Latest(); !ok {
				return fiber.NewError(fiber.StatusNotFound, "no snapshot has been published yet")
			}
		} else if gs, err = snapshotParam(provider, c, "tick"); err != nil {
			return err
		}

		res, err := renderState(provider.Registry(), gs)
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

// getDiff returns the JSON patch turning the rendered snapshot at :from into the one at :to.
func getDiff(provider Provider) fiber.Handler {
	return func(c *fiber.Ctx) error {
		from, err := snapshotParam(provider, c, "from")
		if err != nil {
			return err
		}
		to, err := snapshotParam(provider, c, "to")
		if err != nil {
			return err
		}

		fromBz, err := renderStateJSON(provider.Registry(), from)
		if err != nil {
			return err
		}
		toBz, err := renderStateJSON(provider.Registry(), to)
		if err != nil {
			return err
		}
		patch, err := jsondiff.CompareJSON(fromBz, toBz)
		if err != nil {
			return eris.Wrap(err, "failed to diff snapshots")
		}
		return c.JSON(DiffResponse{From: from.Tick, To: to.Tick, Patch: patch})
	}
}

func snapshotParam(provider Provider, c *fiber.Ctx, name string) (*gamestate.GameState, error) {
	raw := c.Params(name)
	tick, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid tick: "+raw)
	}
	gs, ok := provider.Snapshot(types.Tick(tick))
	if !ok {
		return nil, fiber.NewError(fiber.StatusNotFound, "snapshot "+raw+" is not retained")
	}
	return gs, nil
}

// renderStateJSON renders only the entities so that diffs do not report the tick itself.
func renderStateJSON(registry *component.Registry, gs *gamestate.GameState) ([]byte, error) {
	res, err := renderState(registry, gs)
	if err != nil {
		return nil, err
	}
	bz, err := json.Marshal(res.Entities)
	return bz, eris.Wrap(err, "")
}

func renderState(registry *component.Registry, gs *gamestate.GameState) (StateResponse, error) {
	res := StateResponse{
		Tick:      gs.Tick,
		Entities:  make([]EntityState, 0, len(gs.Entities())),
		Deletions: gs.Deletions,
	}
	for _, id := range gs.Entities() {
		es := EntityState{ID: id, Components: make(map[string]json.RawMessage)}
		for _, entry := range gs.Components(id) {
			meta, err := registry.Lookup(entry.Kind)
			if err != nil {
				return res, err
			}
			v, err := meta.Decode(entry.State.Data)
			if err != nil {
				return res, eris.Wrapf(err, "failed to decode %s of entity %d", meta.Name(), id)
			}
			bz, err := json.Marshal(v)
			if err != nil {
				return res, eris.Wrap(err, "")
			}
			es.Components[meta.Name()] = bz
		}
		res.Entities = append(res.Entities, es)
	}
	return res, nil
}
