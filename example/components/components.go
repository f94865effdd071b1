// Package components holds the demo component types replicated by the example server and client.
package components

import (
	"pkg.world.dev/world-engine/statesync/component"
	"pkg.world.dev/world-engine/statesync/types"
)

const (
	PositionKind types.ComponentKind = iota + 1
	VelocityKind
	HealthKind
)

type Position struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
}

func (Position) Name() string { return "position" }

// Interpolate linearly blends toward to.
func (p Position) Interpolate(to Position, alpha float64) Position {
	return Position{
		X: p.X + (to.X-p.X)*alpha,
		Y: p.Y + (to.Y-p.Y)*alpha,
	}
}

type Velocity struct {
	DX float64 `json:"dx" msgpack:"dx"`
	DY float64 `json:"dy" msgpack:"dy"`
}

func (Velocity) Name() string { return "velocity" }

type Health struct {
	HP int `json:"hp" msgpack:"hp"`
}

func (Health) Name() string { return "health" }

// Register adds the demo components to r.
func Register(r *component.Registry) error {
	if err := component.Register[Position](r, PositionKind); err != nil {
		return err
	}
	if err := component.Register[Velocity](r, VelocityKind); err != nil {
		return err
	}
	return component.Register[Health](r, HealthKind)
}
