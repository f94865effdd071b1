package main

import (
	"math"

	"pkg.world.dev/world-engine/statesync"
	"pkg.world.dev/world-engine/statesync/component"
	"pkg.world.dev/world-engine/statesync/example/components"
	"pkg.world.dev/world-engine/statesync/gamestate"
)

const arenaSize = 100.0

// MovementSystem moves every entity with a velocity by one tick's worth of it.
func MovementSystem(ctx statesync.SystemContext) error {
	for _, id := range ctx.World.Entities() {
		vel, err := gamestate.Get[components.Velocity](ctx.World, id)
		if err != nil {
			continue
		}
		pos, err := gamestate.Get[components.Position](ctx.World, id)
		if err != nil {
			continue
		}
		v := vel.Get()
		if v.DX == 0 && v.DY == 0 {
			continue
		}
		p := pos.Get()
		pos.Set(components.Position{X: p.X + v.DX, Y: p.Y + v.DY})
	}
	return nil
}

// BounceSystem reflects the velocity of entities that left the arena.
func BounceSystem(ctx statesync.SystemContext) error {
	for _, id := range ctx.World.Entities() {
		vel, err := gamestate.Get[components.Velocity](ctx.World, id)
		if err != nil {
			continue
		}
		pos, err := gamestate.Get[components.Position](ctx.World, id)
		if err != nil {
			continue
		}
		p, v := pos.Get(), vel.Get()
		changed := false
		if p.X < 0 || p.X > arenaSize {
			v.DX = -v.DX
			changed = true
		}
		if p.Y < 0 || p.Y > arenaSize {
			v.DY = -v.DY
			changed = true
		}
		if changed {
			vel.Set(v)
			ctx.Logger.Trace().Uint32("entity", uint32(id)).Uint32("tick", uint32(ctx.Tick)).Msg("bounced")
		}
	}
	return nil
}

// SpawnDemoEntities places n moving entities on a circle around the arena center.
func SpawnDemoEntities(engine *statesync.Engine, n int) error {
	return engine.Update(func(w *gamestate.World) error {
		for i := 0; i < n; i++ {
			angle := 2 * math.Pi * float64(i) / float64(n)
			pos, err := component.New(engine.Registry(), components.Position{
				X: arenaSize/2 + 20*math.Cos(angle),
				Y: arenaSize/2 + 20*math.Sin(angle),
			})
			if err != nil {
				return err
			}
			vel, err := component.New(engine.Registry(), components.Velocity{DX: math.Cos(angle), DY: math.Sin(angle)})
			if err != nil {
				return err
			}
			hp, err := component.New(engine.Registry(), components.Health{HP: 100})
			if err != nil {
				return err
			}
			if _, err := w.Create(pos, vel, hp); err != nil {
				return err
			}
		}
		return nil
	})
}
