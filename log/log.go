package log

import (
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/statesync/component"
	"pkg.world.dev/world-engine/statesync/gamestate"
	"pkg.world.dev/world-engine/statesync/types"
)

type Loggable interface {
	RegisteredComponents() []component.Metadata
	RegisteredSystems() []string
}

func loadComponentIntoArrayLogger(md component.Metadata, arrayLogger *zerolog.Array) *zerolog.Array {
	dictLogger := zerolog.Dict()
	dictLogger = dictLogger.Int("component_kind", int(md.Kind()))
	dictLogger = dictLogger.Str("component_name", md.Name())
	return arrayLogger.Dict(dictLogger)
}

func loadComponentsToEvent(zeroLoggerEvent *zerolog.Event, components []component.Metadata) *zerolog.Event {
	zeroLoggerEvent.Int("total_components", len(components))
	arrayLogger := zerolog.Arr()
	for _, md := range components {
		arrayLogger = loadComponentIntoArrayLogger(md, arrayLogger)
	}
	return zeroLoggerEvent.Array("components", arrayLogger)
}

func loadSystemIntoEvent(zeroLoggerEvent *zerolog.Event, target Loggable) *zerolog.Event {
	systems := target.RegisteredSystems()
	zeroLoggerEvent.Int("total_systems", len(systems))
	arrayLogger := zerolog.Arr()
	for _, name := range systems {
		arrayLogger = arrayLogger.Str(name)
	}
	return zeroLoggerEvent.Array("systems", arrayLogger)
}

// Components logs every registered component ordered by kind.
func Components(logger *zerolog.Logger, registry *component.Registry, level zerolog.Level) {
	loadComponentsToEvent(logger.WithLevel(level), registry.All()).Send()
}

// Engine logs the components and systems of an engine.
func Engine(logger *zerolog.Logger, target Loggable, level zerolog.Level) {
	zeroLoggerEvent := logger.WithLevel(level)
	zeroLoggerEvent = loadComponentsToEvent(zeroLoggerEvent, target.RegisteredComponents())
	zeroLoggerEvent = loadSystemIntoEvent(zeroLoggerEvent, target)
	zeroLoggerEvent.Send()
}

// GameState logs a summary of one snapshot.
func GameState(logger *zerolog.Logger, gs *gamestate.GameState, level zerolog.Level) {
	deletions := zerolog.Arr()
	for _, id := range gs.Deletions {
		deletions = deletions.Uint32(uint32(id))
	}
	logger.WithLevel(level).
		Uint32("tick", uint32(gs.Tick)).
		Int("total_entities", len(gs.Entities())).
		Int("total_entries", gs.Len()).
		Array("deletions", deletions).
		Send()
}

// Entity logs the components attached to one entity.
func Entity(logger *zerolog.Logger, level zerolog.Level, id types.EntityID, components []component.Metadata) {
	arrayLogger := zerolog.Arr()
	for _, md := range components {
		arrayLogger = loadComponentIntoArrayLogger(md, arrayLogger)
	}
	logger.WithLevel(level).
		Array("components", arrayLogger).
		Uint32("entity_id", uint32(id)).
		Send()
}

// CreateConnectionLogger creates a sub logger with the entry {"connection" : id}.
func CreateConnectionLogger(logger *zerolog.Logger, id types.ConnectionID) *zerolog.Logger {
	newLogger := logger.With().Str("connection", string(id)).Logger()
	return &newLogger
}

// CreateSystemLogger creates a sub logger with the entry {"system" : systemName}.
func CreateSystemLogger(logger *zerolog.Logger, systemName string) *zerolog.Logger {
	newLogger := logger.With().Str("system", systemName).Logger()
	return &newLogger
}
