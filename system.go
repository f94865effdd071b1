package statesync

import (
	"context"
	"path/filepath"
	"reflect"
	"runtime"
	"slices"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	ddotel "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/opentelemetry"
	ddtracer "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"pkg.world.dev/world-engine/statesync/gamestate"
	ecslog "pkg.world.dev/world-engine/statesync/log"
	"pkg.world.dev/world-engine/statesync/types"
)

// System is gameplay code run on the tick goroutine before the snapshot of every tick.
type System func(ctx SystemContext) error

// SystemContext is what a System sees of the engine during a tick.
type SystemContext struct {
	context.Context
	World  *gamestate.World
	Tick   types.Tick
	Logger *zerolog.Logger
}

type systemType struct {
	Name string
	Fn   System
}

type systemManager struct {
	// Registered systems in the order that they were registered.
	registeredSystems []systemType

	tracer trace.Tracer
}

func newSystemManager() *systemManager {
	return &systemManager{
		registeredSystems: make([]systemType, 0),
		tracer:            otel.Tracer("system"),
	}
}

// registerSystems registers all of systemFuncs or none of them. The name of a system is the name of its function.
func (m *systemManager) registerSystems(systemFuncs ...System) error {
	systemsToRegister := make([]systemType, 0, len(systemFuncs))

	for _, systemFunc := range systemFuncs {
		systemName := filepath.Base(runtime.FuncForPC(reflect.ValueOf(systemFunc).Pointer()).Name())

		if slices.ContainsFunc(
			slices.Concat(m.registeredSystems, systemsToRegister),
			func(s systemType) bool { return s.Name == systemName },
		) {
			return eris.Errorf("system %q is already registered", systemName)
		}

		systemsToRegister = append(systemsToRegister, systemType{Name: systemName, Fn: systemFunc})
	}

	m.registeredSystems = append(m.registeredSystems, systemsToRegister...)
	return nil
}

// runSystems runs every registered system in registration order and stops at the first error.
func (m *systemManager) runSystems(ctx context.Context, w *gamestate.World, tick types.Tick, logger *zerolog.Logger) error {
	ctx, span := m.tracer.Start(ddotel.ContextWithStartOptions(ctx, ddtracer.Measured()), "system.run")
	defer span.End()

	for _, sys := range m.registeredSystems {
		sCtx := SystemContext{
			Context: ctx,
			World:   w,
			Tick:    tick,
			Logger:  ecslog.CreateSystemLogger(logger, sys.Name),
		}

		_, systemFnSpan := m.tracer.Start(ddotel.ContextWithStartOptions(ctx, //nolint:spancheck // false positive
			ddtracer.Measured()),
			"system.run."+sys.Name)
		if err := sys.Fn(sCtx); err != nil {
			span.SetStatus(codes.Error, eris.ToString(err, true))
			span.RecordError(err)
			systemFnSpan.SetStatus(codes.Error, eris.ToString(err, true))
			systemFnSpan.RecordError(err)
			systemFnSpan.End()
			return eris.Wrapf(err, "system %s generated an error", sys.Name)
		}
		systemFnSpan.End()
	}

	return nil
}

func (m *systemManager) names() []string {
	names := make([]string, len(m.registeredSystems))
	for i, sys := range m.registeredSystems {
		names[i] = sys.Name
	}
	return names
}
