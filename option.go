package statesync

import (
	"time"

	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/statesync/archive"
	"pkg.world.dev/world-engine/statesync/codec"
	"pkg.world.dev/world-engine/statesync/component"
	"pkg.world.dev/world-engine/statesync/types"
)

// Option configures an Engine.
type Option func(*Engine)

// WithCodec sets the codec used for component states, payloads and client messages. The default is JSON.
func WithCodec(c codec.Codec) Option {
	return func(e *Engine) {
		e.codec = c
	}
}

// WithComponents registers component types. A registration error is returned by NewEngine.
func WithComponents(register func(r *component.Registry) error) Option {
	return func(e *Engine) {
		e.registrations = append(e.registrations, register)
	}
}

// WithSystems registers systems that run, in order, before the snapshot of every tick.
func WithSystems(systems ...System) Option {
	return func(e *Engine) {
		e.pendingSystems = append(e.pendingSystems, systems...)
	}
}

// WithHistoryLimit bounds the number of retained snapshots. Zero means the watermark alone decides.
func WithHistoryLimit(limit int) Option {
	return func(e *Engine) {
		e.historyLimit = limit
	}
}

// WithQueueSize sets the per connection dispatch queue size.
func WithQueueSize(size int) Option {
	return func(e *Engine) {
		e.queueSize = size
	}
}

// WithPayloadCacheBytes sets the size of the encoded payload cache.
func WithPayloadCacheBytes(size int) Option {
	return func(e *Engine) {
		e.cacheSize = size
	}
}

// WithConnectionTimeout disconnects connections that have not sent anything for d. Zero disables the sweep.
func WithConnectionTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.connectionTimeout = d
	}
}

// WithArchive stores the full state every interval ticks in storage.
func WithArchive(storage archive.Storage, interval uint32) Option {
	return func(e *Engine) {
		e.archive = storage
		e.archiveInterval = interval
	}
}

// WithTickRate sets how many ticks per second Run executes when no tick channel is set.
func WithTickRate(perSecond uint64) Option {
	return func(e *Engine) {
		if perSecond > 0 {
			e.tickInterval = time.Second / time.Duration(perSecond)
		}
	}
}

// WithTickChannel sets the channel that will be used to decide when Tick is executed by Run. Tests can pass
// in a channel controlled by the test for fine-grained control over when ticks are executed.
func WithTickChannel(ch <-chan time.Time) Option {
	return func(e *Engine) {
		e.tickChannel = ch
	}
}

// WithTickDoneChannel sets a channel that will be notified each time a tick completes. The published tick
// will be pushed to the channel.
func WithTickDoneChannel(ch chan<- types.Tick) Option {
	return func(e *Engine) {
		e.tickDoneChannel = ch
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock replaces time.Now for the connection timeout sweep.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}
