// Package statesync replicates authoritative entity state from a server to many clients.
//
// An Engine owns the server side: every tick it runs the registered systems, captures a snapshot of the
// entity arena, stores it, hands it to the dispatcher and prunes snapshots no connection can still use as
// a delta baseline. Clients live in package client.
package statesync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	ddotel "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/opentelemetry"
	ddtracer "gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"

	"pkg.world.dev/world-engine/statesync/archive"
	"pkg.world.dev/world-engine/statesync/codec"
	"pkg.world.dev/world-engine/statesync/component"
	"pkg.world.dev/world-engine/statesync/delta"
	"pkg.world.dev/world-engine/statesync/dispatch"
	"pkg.world.dev/world-engine/statesync/gamestate"
	ecslog "pkg.world.dev/world-engine/statesync/log"
	"pkg.world.dev/world-engine/statesync/statestore"
	"pkg.world.dev/world-engine/statesync/statsd"
	"pkg.world.dev/world-engine/statesync/types"
	"pkg.world.dev/world-engine/statesync/wire"
)

const (
	DefaultTickRate = 20
	archiveTimeout  = 5 * time.Second
)

// SessionCloser is implemented by transports that can drop a connection from the server side.
type SessionCloser interface {
	CloseConnection(conn types.ConnectionID) error
}

type Engine struct {
	codec      codec.Codec
	registry   *component.Registry
	world      *gamestate.World
	builder    *gamestate.Builder
	store      *statestore.Store
	encoder    *delta.Encoder
	dispatcher *dispatch.Dispatcher
	transport  dispatch.Transport
	systems    *systemManager

	archive         archive.Storage
	archiveInterval uint32
	archiving       atomic.Bool
	archiveWG       sync.WaitGroup

	registrations  []func(*component.Registry) error
	pendingSystems []System
	historyLimit   int
	queueSize      int
	cacheSize      int

	// worldMu serializes ticks with Update and Restore.
	worldMu sync.Mutex
	// tick is the last published tick; zero until the first snapshot.
	tick atomic.Uint32

	connMu            sync.Mutex
	lastSeen          map[types.ConnectionID]time.Time
	connectionTimeout time.Duration
	now               func() time.Time

	tickInterval    time.Duration
	tickChannel     <-chan time.Time
	tickDoneChannel chan<- types.Tick
	running         atomic.Bool

	tracer trace.Tracer
	logger zerolog.Logger
}

// NewEngine creates an engine sending payloads through transport. Component registration errors are
// returned here, before anything runs.
func NewEngine(transport dispatch.Transport, opts ...Option) (*Engine, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}
	e := &Engine{
		codec:        codec.JSON,
		transport:    transport,
		systems:      newSystemManager(),
		archive:      archive.NewNopStorage(),
		lastSeen:     make(map[types.ConnectionID]time.Time),
		now:          time.Now,
		tickInterval: time.Second / DefaultTickRate,
		tracer:       otel.Tracer("statesync"),
		logger:       log.Logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	base := e.logger
	e.logger = base.With().Str("module", "engine").Logger()

	e.registry = component.NewRegistry(e.codec)
	for _, register := range e.registrations {
		if err := register(e.registry); err != nil {
			return nil, eris.Wrap(err, "failed to register components")
		}
	}
	if err := e.systems.registerSystems(e.pendingSystems...); err != nil {
		return nil, eris.Wrap(err, "failed to register systems")
	}

	e.world = gamestate.NewWorld(e.registry)
	e.builder = gamestate.NewBuilder(e.world)
	e.store = statestore.New(statestore.WithHistoryLimit(e.historyLimit), statestore.WithLogger(base))

	encoderOpts := []delta.Option{delta.WithCodec(e.codec), delta.WithLogger(base)}
	if e.cacheSize > 0 {
		encoderOpts = append(encoderOpts, delta.WithCacheSize(e.cacheSize))
	}
	e.encoder = delta.NewEncoder(e.store, encoderOpts...)

	dispatchOpts := []dispatch.Option{dispatch.WithLogger(base)}
	if e.queueSize > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithQueueSize(e.queueSize))
	}
	e.dispatcher = dispatch.New(e.store, e.encoder, transport, dispatchOpts...)
	return e, nil
}

func (e *Engine) Registry() *component.Registry {
	return e.registry
}

func (e *Engine) Codec() codec.Codec {
	return e.codec
}

// CurrentTick returns the last published tick, or zero before the first tick.
func (e *Engine) CurrentTick() types.Tick {
	return types.Tick(e.tick.Load())
}

// Update runs fn with exclusive access to the world between ticks.
func (e *Engine) Update(fn func(w *gamestate.World) error) error {
	e.worldMu.Lock()
	defer e.worldMu.Unlock()
	return fn(e.world)
}

// Tick runs the systems, publishes the next snapshot and dispatches it. On error nothing is published.
func (e *Engine) Tick(ctx context.Context) (err error) {
	startTime := time.Now()

	ctx, span := e.tracer.Start(ddotel.ContextWithStartOptions(ctx, ddtracer.Measured()), "statesync.tick")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, eris.ToString(err, true))
			span.RecordError(err)
		}
		span.End()
	}()

	e.worldMu.Lock()
	defer e.worldMu.Unlock()

	tick := types.Tick(e.tick.Load()) + 1
	span.SetAttributes(attribute.Int64("tick", int64(tick)))

	if err := e.systems.runSystems(ctx, e.world, tick, &e.logger); err != nil {
		return err
	}

	buildStartTime := time.Now()
	_, buildSpan := e.tracer.Start(ddotel.ContextWithStartOptions(ctx, ddtracer.Measured()), "statesync.tick.build")
	gs, err := e.builder.Build(tick)
	buildSpan.End()
	if err != nil {
		return eris.Wrapf(err, "failed to build snapshot for tick %d", tick)
	}
	statsd.EmitTickStat(buildStartTime, "build")

	if err := e.store.AddState(gs); err != nil {
		return err
	}
	e.tick.Store(uint32(tick))
	ecslog.GameState(&e.logger, gs, zerolog.TraceLevel)
	e.sweepTimeouts()

	dispatchStartTime := time.Now()
	_, dispatchSpan := e.tracer.Start(ddotel.ContextWithStartOptions(ctx, ddtracer.Measured()), "statesync.tick.dispatch")
	e.dispatcher.Dispatch(gs)
	dispatchSpan.End()
	statsd.EmitTickStat(dispatchStartTime, "dispatch")

	if removed := e.store.Cull(); removed > 0 {
		e.logger.Trace().Int("removed", removed).Int("retained", e.store.Len()).Msg("Culled snapshots")
	}
	e.maybeArchive(gs)

	statsd.EmitTickStat(startTime, "full_tick")
	return nil
}

// Run ticks the engine on every message of the tick channel until ctx is cancelled. Without a tick
// channel it ticks at the configured tick rate.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	if len(e.registry.All()) == 0 {
		e.logger.Warn().Msg("No components registered")
	}
	if len(e.systems.registeredSystems) == 0 {
		e.logger.Warn().Msg("No systems registered")
	}
	ecslog.Engine(&e.logger, e, zerolog.InfoLevel)

	tickStart := e.tickChannel
	if tickStart == nil {
		ticker := time.NewTicker(e.tickInterval)
		defer ticker.Stop()
		tickStart = ticker.C
	}

	e.logger.Info().Msg("Game loop started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Uint32("tick", e.tick.Load()).Msg("Game loop stopped")
			return nil
		case _, ok := <-tickStart:
			if !ok {
				return ErrTickChannelClosed
			}
			if err := e.Tick(ctx); err != nil {
				e.logger.Error().Err(err).Msg(eris.ToString(err, true))
				return err
			}
			if e.tickDoneChannel != nil {
				select {
				case e.tickDoneChannel <- e.CurrentTick():
				case <-ctx.Done():
				}
			}
		}
	}
}

func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Connect registers a new connection. It receives a full state with the next tick.
func (e *Engine) Connect(conn types.ConnectionID) error {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if _, ok := e.lastSeen[conn]; ok {
		return eris.Wrapf(dispatch.ErrConnectionExists, "%s", conn)
	}
	e.store.Connect(conn)
	if err := e.dispatcher.Add(conn); err != nil {
		e.store.Disconnect(conn)
		return err
	}
	e.lastSeen[conn] = e.now()
	e.logger.Info().Str("connection", conn.String()).Msg("Connection added")
	return nil
}

// Disconnect releases everything held for conn. It is safe to call for unknown connections.
func (e *Engine) Disconnect(conn types.ConnectionID) {
	e.connMu.Lock()
	_, known := e.lastSeen[conn]
	delete(e.lastSeen, conn)
	e.connMu.Unlock()

	e.dispatcher.Remove(conn)
	e.store.Disconnect(conn)
	if known {
		e.logger.Info().Str("connection", conn.String()).Msg("Connection removed")
	}
}

// HandleMessage processes one client message received on conn.
func (e *Engine) HandleMessage(_ context.Context, conn types.ConnectionID, data []byte) error {
	e.touch(conn)

	logger := ecslog.CreateConnectionLogger(&e.logger, conn)
	msg, err := codec.DecodeWith[wire.ClientMessage](e.codec, data)
	if err != nil {
		e.store.ResetFor(conn)
		statsd.Incr("server.corrupt_message")
		logger.Warn().
			Err(err).
			Int("bytes", len(data)).
			Msg("Dropping corrupt client message, connection will be resynced")
		return eris.Wrapf(ErrCorruptPayload, "%v", err)
	}

	switch msg.Type {
	case wire.TypeAck:
		if _, err := e.store.Ack(conn, types.Tick(msg.Tick)); err != nil {
			return err
		}
		return nil
	case wire.TypeFullStateRequest:
		e.store.ResetFor(conn)
		statsd.Incr("server.full_state_request")
		event := logger.Info().Uint32("client_tick", msg.Tick)
		if msg.MissingEntity != nil {
			event = event.Uint32("missing_entity", *msg.MissingEntity)
		}
		event.Msg("Client requested a full state")
		return nil
	default:
		e.store.ResetFor(conn)
		return eris.Wrapf(ErrUnknownMessageType, "%q", msg.Type)
	}
}

func (e *Engine) touch(conn types.ConnectionID) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if _, ok := e.lastSeen[conn]; ok {
		e.lastSeen[conn] = e.now()
	}
}

// sweepTimeouts disconnects every connection silent for longer than the connection timeout.
func (e *Engine) sweepTimeouts() {
	if e.connectionTimeout <= 0 {
		return
	}
	now := e.now()
	var expired []types.ConnectionID
	e.connMu.Lock()
	for conn, seen := range e.lastSeen {
		if now.Sub(seen) > e.connectionTimeout {
			expired = append(expired, conn)
		}
	}
	e.connMu.Unlock()
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })

	for _, conn := range expired {
		e.logger.Info().Str("connection", conn.String()).Dur("timeout", e.connectionTimeout).Msg("Connection timed out")
		statsd.Incr("server.connection_timeout")
		e.Disconnect(conn)
		if closer, ok := e.transport.(SessionCloser); ok {
			if err := closer.CloseConnection(conn); err != nil {
				e.logger.Debug().Err(err).Str("connection", conn.String()).Msg("Failed to close timed out session")
			}
		}
	}
}

// maybeArchive stores gs in the background every archiveInterval ticks. A store still in flight causes
// the next one to be skipped.
func (e *Engine) maybeArchive(gs *gamestate.GameState) {
	if e.archiveInterval == 0 || uint32(gs.Tick)%e.archiveInterval != 0 {
		return
	}
	if !e.archiving.CompareAndSwap(false, true) {
		e.logger.Warn().Uint32("tick", uint32(gs.Tick)).Msg("Previous archive still in flight, skipping")
		return
	}

	p := delta.Full(gs)
	bz, err := e.codec.Marshal(&p)
	if err != nil {
		e.archiving.Store(false)
		e.logger.Error().Err(err).Uint32("tick", uint32(gs.Tick)).Msg("Failed to encode snapshot for the archive")
		return
	}
	snapshot := &archive.Snapshot{
		Tick:      gs.Tick,
		Timestamp: e.now(),
		Codec:     e.codec.Name(),
		Data:      bz,
		Version:   archive.CurrentVersion,
	}

	e.archiveWG.Add(1)
	go func() {
		defer e.archiveWG.Done()
		defer e.archiving.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := e.archive.Store(ctx, snapshot); err != nil {
			statsd.Incr("archive.failure")
			e.logger.Error().Err(err).Uint32("tick", uint32(snapshot.Tick)).Msg("Failed to archive snapshot")
		}
	}()
}

// Restore rebuilds the world from the newest archived snapshot and continues numbering ticks after it.
// It must be called before the first tick.
func (e *Engine) Restore(ctx context.Context) error {
	e.worldMu.Lock()
	defer e.worldMu.Unlock()
	if e.tick.Load() != 0 {
		return ErrAlreadyStarted
	}

	snapshot, err := e.archive.Load(ctx)
	if err != nil {
		return err
	}
	if snapshot.Codec != e.codec.Name() {
		return eris.Errorf("archived snapshot was encoded with %s, engine uses %s", snapshot.Codec, e.codec.Name())
	}
	p, err := codec.DecodeWith[wire.Payload](e.codec, snapshot.Data)
	if err != nil {
		return eris.Wrap(err, "failed to decode archived snapshot")
	}
	if !p.IsFull() {
		return eris.Errorf("archived snapshot for tick %d is not a full state", p.Tick)
	}

	gs := gamestate.FromPayload(&p)
	if err := e.world.Restore(gs); err != nil {
		return err
	}
	e.builder.Reset()
	if err := e.store.AddState(gs); err != nil {
		return err
	}
	e.tick.Store(uint32(gs.Tick))

	ecslog.GameState(&e.logger, gs, zerolog.DebugLevel)
	for _, id := range gs.Entities() {
		metas := make([]component.Metadata, 0, len(gs.Components(id)))
		for _, entry := range gs.Components(id) {
			if md, err := e.registry.Lookup(entry.Kind); err == nil {
				metas = append(metas, md)
			}
		}
		ecslog.Entity(&e.logger, zerolog.TraceLevel, id, metas)
	}
	e.logger.Info().
		Uint32("tick", uint32(gs.Tick)).
		Int("entities", e.world.Len()).
		Time("archived_at", snapshot.Timestamp).
		Msg("Restored world from archive")
	return nil
}

// Snapshot returns the retained snapshot for tick.
func (e *Engine) Snapshot(tick types.Tick) (*gamestate.GameState, bool) {
	return e.store.Get(tick)
}

func (e *Engine) Latest() (*gamestate.GameState, bool) {
	return e.store.Latest()
}

// RetainedTicks returns the ticks of every retained snapshot in ascending order.
func (e *Engine) RetainedTicks() []types.Tick {
	return e.store.Ticks()
}

// Watermark returns the oldest tick any live connection may still use as a baseline.
func (e *Engine) Watermark() (types.Tick, bool) {
	return e.store.Watermark()
}

func (e *Engine) Connections() []types.ConnectionID {
	return e.store.Connections()
}

// DispatchStats returns how many payloads were sent to conn and how often its queue overflowed.
func (e *Engine) DispatchStats(conn types.ConnectionID) (sent, overflows int64, err error) {
	return e.dispatcher.Stats(conn)
}

func (e *Engine) RegisteredComponents() []component.Metadata {
	return e.registry.All()
}

func (e *Engine) RegisteredSystems() []string {
	return e.systems.names()
}

// Close stops the dispatcher, waits for a pending archive and closes the archive storage.
func (e *Engine) Close() error {
	err := e.dispatcher.Close()
	e.archiveWG.Wait()
	return errors.Join(err, e.archive.Close())
}
