package delta

import (
	"strconv"

	"github.com/coocood/freecache"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pkg.world.dev/world-engine/statesync/codec"
	"pkg.world.dev/world-engine/statesync/gamestate"
	"pkg.world.dev/world-engine/statesync/statsd"
	"pkg.world.dev/world-engine/statesync/types"
	"pkg.world.dev/world-engine/statesync/wire"
)

const (
	// freecache rounds smaller sizes up to 512KB.
	defaultCacheBytes = 8 * 1024 * 1024
	noExpiry          = 0
)

// ErrMissingBaseline is reported when the snapshot a connection acknowledged is no longer retained.
// The encoder falls back to a full state; the error never reaches callers.
var ErrMissingBaseline = eris.New("baseline snapshot is not retained")

// Source looks up retained snapshots.
type Source interface {
	Get(tick types.Tick) (*gamestate.GameState, bool)
}

// Encoder produces encoded payloads. Encoded bytes are cached per (baseline, target) pair, so every
// connection sharing a baseline reuses the same bytes and re-encoding a pair returns identical bytes.
type Encoder struct {
	source Source
	codec  codec.Codec
	cache  *freecache.Cache
	logger zerolog.Logger
}

type Option func(*Encoder)

func WithCodec(c codec.Codec) Option {
	return func(e *Encoder) {
		e.codec = c
	}
}

// WithCacheSize sets the size of the encoded payload cache in bytes.
func WithCacheSize(size int) Option {
	return func(e *Encoder) {
		e.cache = freecache.NewCache(size)
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Encoder) {
		e.logger = logger
	}
}

func NewEncoder(source Source, opts ...Option) *Encoder {
	e := &Encoder{
		source: source,
		codec:  codec.JSON,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = freecache.NewCache(defaultCacheBytes)
	}
	e.logger = e.logger.With().Str("module", "delta").Logger()
	return e
}

// Payload returns the delta from the acknowledged tick to target, or a full state when there is no
// acknowledged tick or its snapshot has been pruned.
func (e *Encoder) Payload(acked types.Tick, hasAck bool, target *gamestate.GameState) wire.Payload {
	base := e.baseline(acked, hasAck, target)
	if base == nil {
		return Full(target)
	}
	return Diff(base, target)
}

// Encode returns the encoded payload for a connection that acknowledged acked (when hasAck) and whether
// it is a full state.
func (e *Encoder) Encode(acked types.Tick, hasAck bool, target *gamestate.GameState) ([]byte, bool, error) {
	base := e.baseline(acked, hasAck, target)
	full := base == nil
	key := cacheKey(base, target)
	if bz, err := e.cache.Get(key); err == nil {
		return bz, full, nil
	}

	var p wire.Payload
	if full {
		p = Full(target)
	} else {
		p = Diff(base, target)
	}
	bz, err := e.codec.Marshal(&p)
	if err != nil {
		return nil, full, eris.Wrapf(err, "failed to encode payload for tick %d", target.Tick)
	}
	if err := e.cache.Set(key, bz, noExpiry); err != nil {
		// Entries larger than 1/1024 of the cache are not cached.
		e.logger.Debug().Err(err).Int("bytes", len(bz)).Msg("Payload not cached")
	}
	return bz, full, nil
}

// CacheStats reports how many encoded payloads were served from the cache.
func (e *Encoder) CacheStats() (hits, misses int64) {
	return e.cache.HitCount(), e.cache.MissCount()
}

// baseline returns the retained snapshot a delta can be computed against, or nil for a full state.
func (e *Encoder) baseline(acked types.Tick, hasAck bool, target *gamestate.GameState) *gamestate.GameState {
	if !hasAck || acked >= target.Tick {
		return nil
	}
	base, ok := e.source.Get(acked)
	if !ok {
		err := eris.Wrapf(ErrMissingBaseline, "tick %d", acked)
		e.logger.Debug().Err(err).Uint32("target", uint32(target.Tick)).Msg("Falling back to full state")
		statsd.Incr("payload.missing_baseline")
		return nil
	}
	return base
}

func cacheKey(base, target *gamestate.GameState) []byte {
	k := make([]byte, 0, 24)
	if base == nil {
		k = append(k, 'f')
	} else {
		k = strconv.AppendUint(k, uint64(base.Tick), 10)
	}
	k = append(k, '>')
	return strconv.AppendUint(k, uint64(target.Tick), 10)
}
