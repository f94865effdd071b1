// Package client applies replicated state received from a server to a local entity arena.
//
// A Reconciler starts in AwaitingFullState. The first full state replaces the whole local arena and moves
// it to Synced. In Synced, a delta is applied when its baseline is one of the snapshots the reconciler
// still holds; any other baseline is a desync, which drops back to AwaitingFullState and asks the server
// for a full state. Every applied payload is acknowledged on the unordered channel.
//
// The reconciler holds the last few applied snapshots (see WithHeldStates) because the server computes
// deltas against the newest tick it has seen acknowledged, which lags the newest applied tick by the
// round trip. With a single held state a delta is accepted only when its baseline is the current tick.
package client

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pkg.world.dev/world-engine/statesync/codec"
	"pkg.world.dev/world-engine/statesync/component"
	"pkg.world.dev/world-engine/statesync/gamestate"
	"pkg.world.dev/world-engine/statesync/statsd"
	"pkg.world.dev/world-engine/statesync/types"
	"pkg.world.dev/world-engine/statesync/wire"
)

const (
	defaultHeldStates = 32
	// defaultFullStateRetry is how many deltas are rejected in AwaitingFullState before the request is repeated.
	defaultFullStateRetry = 16
)

// Sender delivers client messages to the server.
type Sender interface {
	SendReliableOrdered(ctx context.Context, data []byte) error
	SendUnordered(ctx context.Context, data []byte) error
}

type Reconciler struct {
	registry *component.Registry
	codec    codec.Codec
	sender   Sender
	logger   zerolog.Logger

	mu       sync.RWMutex
	status   Status
	entities map[types.EntityID]map[types.ComponentKind]component.Provider
	// held is ordered by tick; the last element is the state the arena currently reflects.
	held      []*gamestate.GameState
	heldLimit int

	fullRequested     bool
	lastFullRequested types.Tick
	retryAfter        int
	rejectedDeltas    int

	tickInterval time.Duration
	now          func() time.Time
	appliedAt    time.Time

	applyFailures atomic.Int64
	onApplied     func(tick types.Tick, full bool)
}

type Option func(*Reconciler)

// WithCodec sets the codec payloads and client messages are encoded with. It must match the server.
func WithCodec(c codec.Codec) Option {
	return func(r *Reconciler) {
		r.codec = c
	}
}

// WithHeldStates sets how many applied snapshots are kept as possible delta baselines.
func WithHeldStates(n int) Option {
	return func(r *Reconciler) {
		r.heldLimit = n
	}
}

// WithFullStateRetry sets how many deltas may be rejected while awaiting a full state before the request
// is sent again. The request or the server's reset may have been lost.
func WithFullStateRetry(n int) Option {
	return func(r *Reconciler) {
		r.retryAfter = n
	}
}

// WithTickInterval sets the server tick interval used by Alpha.
func WithTickInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		r.tickInterval = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithOnApplied registers a callback run after every applied payload, outside the reconciler lock.
func WithOnApplied(fn func(tick types.Tick, full bool)) Option {
	return func(r *Reconciler) {
		r.onApplied = fn
	}
}

func NewReconciler(registry *component.Registry, sender Sender, opts ...Option) *Reconciler {
	r := &Reconciler{
		registry:   registry,
		codec:      codec.JSON,
		sender:     sender,
		logger:     log.Logger,
		status:     AwaitingFullState,
		entities:   make(map[types.EntityID]map[types.ComponentKind]component.Provider),
		heldLimit:  defaultHeldStates,
		retryAfter: defaultFullStateRetry,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.heldLimit < 1 {
		r.heldLimit = 1
	}
	if r.retryAfter < 1 {
		r.retryAfter = 1
	}
	r.logger = r.logger.With().Str("module", "reconciler").Logger()
	return r
}

// Receive decodes and handles one state payload. A payload that cannot be decoded forces a full resync.
func (r *Reconciler) Receive(ctx context.Context, data []byte) (Outcome, error) {
	var p wire.Payload
	if err := r.codec.Unmarshal(data, &p); err != nil {
		err = eris.Wrapf(ErrCorruptPayload, "%v", err)
		r.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping corrupt payload, requesting full state")
		r.mu.Lock()
		if r.status == Disconnected {
			r.mu.Unlock()
			return Rejected, ErrDisconnected
		}
		r.status = AwaitingFullState
		msg := r.fullStateRequestLocked(nil, false)
		r.mu.Unlock()
		r.send(ctx, msg, true)
		return Rejected, err
	}
	return r.Handle(ctx, &p)
}

// Handle applies one decoded state payload.
func (r *Reconciler) Handle(ctx context.Context, p *wire.Payload) (Outcome, error) {
	r.mu.Lock()
	outcome, request, err := r.handleLocked(p)
	r.mu.Unlock()

	if request != nil {
		r.send(ctx, request, true)
	}
	if outcome != Applied {
		return outcome, err
	}

	ack := &wire.ClientMessage{Type: wire.TypeAck, Tick: p.Tick}
	r.send(ctx, ack, false)
	if r.onApplied != nil {
		r.onApplied(types.Tick(p.Tick), p.IsFull())
	}
	return Applied, nil
}

func (r *Reconciler) handleLocked(p *wire.Payload) (Outcome, *wire.ClientMessage, error) {
	switch r.status {
	case Disconnected:
		return Rejected, nil, ErrDisconnected
	case AwaitingFullState:
		if !p.IsFull() {
			r.logger.Debug().Uint32("tick", p.Tick).Msg("Ignoring delta while awaiting a full state")
			r.rejectedDeltas++
			if r.rejectedDeltas < r.retryAfter {
				return Rejected, nil, nil
			}
			r.logger.Info().
				Int("rejected", r.rejectedDeltas).
				Uint32("tick", p.Tick).
				Msg("Still receiving deltas, repeating the full state request")
			statsd.Incr("client.full_state_retry")
			return Rejected, r.fullStateRequestLocked(nil, true), nil
		}
		r.applyFull(p)
		return Applied, nil, nil
	}

	current := r.held[len(r.held)-1]
	if types.Tick(p.Tick) <= current.Tick {
		return Ignored, nil, nil
	}
	if p.IsFull() {
		r.applyFull(p)
		return Applied, nil, nil
	}
	base := r.heldState(types.Tick(*p.Baseline))
	if base == nil {
		err := eris.Wrapf(ErrBaselineMismatch, "baseline %d, holding %d", *p.Baseline, current.Tick)
		r.logger.Info().Err(err).Uint32("tick", p.Tick).Msg("Desync detected, requesting full state")
		statsd.Incr("client.desync")
		r.status = AwaitingFullState
		return Desynced, r.fullStateRequestLocked(nil, false), nil
	}
	r.applyDelta(base, p)
	return Applied, nil, nil
}

func (r *Reconciler) heldState(tick types.Tick) *gamestate.GameState {
	i := sort.Search(len(r.held), func(i int) bool { return r.held[i].Tick >= tick })
	if i < len(r.held) && r.held[i].Tick == tick {
		return r.held[i]
	}
	return nil
}

// applyFull clears the arena and recreates it from p.
func (r *Reconciler) applyFull(p *wire.Payload) {
	target := gamestate.FromPayload(p)
	r.entities = make(map[types.EntityID]map[types.ComponentKind]component.Provider, len(target.Entities()))
	for _, e := range target.Entries {
		r.applyEntry(e, nil)
	}
	r.held = []*gamestate.GameState{target}
	r.status = Synced
	r.fullRequested = false
	r.rejectedDeltas = 0
	r.appliedAt = r.now()
}

// applyDelta moves the arena from the newest held snapshot to base patched with p.
func (r *Reconciler) applyDelta(base *gamestate.GameState, p *wire.Payload) {
	target := base.Patch(p)
	current := r.held[len(r.held)-1]

	for id, comps := range r.entities {
		if !target.HasEntity(id) {
			delete(r.entities, id)
			continue
		}
		for kind := range comps {
			if _, ok := target.Lookup(id, kind); !ok {
				delete(comps, kind)
			}
		}
	}

	for _, e := range target.Entries {
		prev, had := current.Lookup(e.Entity, e.Kind)
		if had && prev.Equal(e.State) && r.provider(e.Entity, e.Kind) != nil {
			continue
		}
		// Entries carried over from the baseline keep the baseline tick; stamp them so they are not
		// mistaken for stale data by components that already applied something newer.
		e.State.Tick = target.Tick
		if had {
			r.applyEntry(e, &prev)
		} else {
			r.applyEntry(e, nil)
		}
	}

	r.held = append(r.held, target)
	r.pruneHeld(types.Tick(*p.Baseline))
	r.appliedAt = r.now()
}

// pruneHeld drops snapshots the server will no longer use as a baseline. Server baselines never go
// backwards, so anything older than the baseline just used is unreachable.
func (r *Reconciler) pruneHeld(baseline types.Tick) {
	i := sort.Search(len(r.held), func(i int) bool { return r.held[i].Tick >= baseline })
	if over := len(r.held) - r.heldLimit; over > i {
		i = over
	}
	if i > 0 {
		r.held = append([]*gamestate.GameState(nil), r.held[i:]...)
	}
}

// applyEntry applies one component state. Failures are isolated to the component.
func (r *Reconciler) applyEntry(e gamestate.Entry, previous *component.State) {
	p := r.provider(e.Entity, e.Kind)
	created := false
	if p == nil {
		var err error
		p, err = r.registry.NewProvider(e.Kind)
		if err != nil {
			r.applyFailed(e, err)
			return
		}
		created = true
	}
	if err := p.Apply(e.State, previous); err != nil {
		r.applyFailed(e, err)
		return
	}
	if created {
		comps, ok := r.entities[e.Entity]
		if !ok {
			comps = make(map[types.ComponentKind]component.Provider)
			r.entities[e.Entity] = comps
		}
		comps[e.Kind] = p
	}
}

func (r *Reconciler) applyFailed(e gamestate.Entry, err error) {
	r.applyFailures.Add(1)
	statsd.Incr("client.apply_failure")
	r.logger.Error().
		Err(err).
		Uint32("entity", uint32(e.Entity)).
		Uint16("kind", uint16(e.Kind)).
		Uint32("tick", uint32(e.State.Tick)).
		Msg("Failed to apply component state")
}

func (r *Reconciler) provider(id types.EntityID, kind types.ComponentKind) component.Provider {
	comps, ok := r.entities[id]
	if !ok {
		return nil
	}
	return comps[kind]
}

// RequestFullState asks the server for a full state and waits for it in AwaitingFullState.
func (r *Reconciler) RequestFullState(ctx context.Context) error {
	return r.requestFullState(ctx, nil)
}

// ReportMissingEntity requests a full state because gameplay code found a reference to an entity the
// client does not have.
func (r *Reconciler) ReportMissingEntity(ctx context.Context, id types.EntityID) error {
	return r.requestFullState(ctx, &id)
}

func (r *Reconciler) requestFullState(ctx context.Context, missing *types.EntityID) error {
	r.mu.Lock()
	if r.status == Disconnected {
		r.mu.Unlock()
		return ErrDisconnected
	}
	r.status = AwaitingFullState
	msg := r.fullStateRequestLocked(missing, true)
	r.mu.Unlock()
	return r.send(ctx, msg, true)
}

// fullStateRequestLocked returns the request to send, or nil when one is already outstanding and force
// is not set.
func (r *Reconciler) fullStateRequestLocked(missing *types.EntityID, force bool) *wire.ClientMessage {
	if r.fullRequested && !force {
		return nil
	}
	var tick types.Tick
	if len(r.held) > 0 {
		tick = r.held[len(r.held)-1].Tick
	}
	r.fullRequested = true
	r.lastFullRequested = tick
	r.rejectedDeltas = 0
	msg := &wire.ClientMessage{Type: wire.TypeFullStateRequest, Tick: uint32(tick)}
	if missing != nil {
		id := uint32(*missing)
		msg.MissingEntity = &id
	}
	return msg
}

func (r *Reconciler) send(ctx context.Context, msg *wire.ClientMessage, reliable bool) error {
	if msg == nil {
		return nil
	}
	bz, err := r.codec.Marshal(msg)
	if err != nil {
		return err
	}
	if reliable {
		err = r.sender.SendReliableOrdered(ctx, bz)
	} else {
		err = r.sender.SendUnordered(ctx, bz)
	}
	if err != nil {
		// Lost acks only delay pruning on the server.
		r.logger.Debug().Err(err).Str("type", string(msg.Type)).Uint32("tick", msg.Tick).Msg("Failed to send")
		return eris.Wrap(err, "")
	}
	return nil
}

// Disconnect moves the reconciler to the terminal Disconnected state.
func (r *Reconciler) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = Disconnected
}

func (r *Reconciler) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Tick returns the tick the local arena reflects.
func (r *Reconciler) Tick() (types.Tick, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.held) == 0 {
		return 0, false
	}
	return r.held[len(r.held)-1].Tick, true
}

// HeldTicks returns the ticks usable as delta baselines, oldest first.
func (r *Reconciler) HeldTicks() []types.Tick {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ticks := make([]types.Tick, len(r.held))
	for i, gs := range r.held {
		ticks[i] = gs.Tick
	}
	return ticks
}

// LastFullStateRequested returns the tick the client held when it last asked for a full state.
func (r *Reconciler) LastFullStateRequested() (types.Tick, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastFullRequested, r.fullRequested
}

func (r *Reconciler) ApplyFailures() int64 {
	return r.applyFailures.Load()
}

// Entities returns the local entity IDs in ascending order.
func (r *Reconciler) Entities() []types.EntityID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]types.EntityID, 0, len(r.entities))
	for id := range r.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Provider returns the local provider of kind on entity id.
func (r *Reconciler) Provider(id types.EntityID, kind types.ComponentKind) (component.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	comps, ok := r.entities[id]
	if !ok {
		return nil, eris.Wrapf(ErrEntityNotFound, "entity %d", id)
	}
	p, ok := comps[kind]
	if !ok {
		return nil, eris.Wrapf(ErrComponentMissing, "entity %d, kind %d", id, kind)
	}
	return p, nil
}

// Alpha returns how far now is between the last applied tick and the next expected one, in [0, 1].
// Renderers pass it to component.Value.Sample.
func (r *Reconciler) Alpha(now time.Time) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.tickInterval <= 0 || r.appliedAt.IsZero() {
		return 1
	}
	alpha := float64(now.Sub(r.appliedAt)) / float64(r.tickInterval)
	switch {
	case alpha < 0:
		return 0
	case alpha > 1:
		return 1
	default:
		return alpha
	}
}

// Get returns the typed local component T of entity id.
func Get[T component.Component](r *Reconciler, id types.EntityID) (*component.Value[T], error) {
	kind, err := component.KindOf[T](r.registry)
	if err != nil {
		return nil, err
	}
	p, err := r.Provider(id, kind)
	if err != nil {
		return nil, err
	}
	v, ok := p.(*component.Value[T])
	if !ok {
		return nil, eris.Errorf("entity %d kind %d is a %T, not a component.Value", id, kind, p)
	}
	return v, nil
}
