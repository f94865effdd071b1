// Package statestore keeps the history of published snapshots and what each connection has acknowledged.
//
// The store retains every snapshot at or above the watermark, the oldest tick any live connection may
// still use as a delta baseline. A connection that has acknowledged tick A needs snapshot A; a connection
// that has not acknowledged anything yet needs the first full state it was sent, because that is the first
// tick it can acknowledge. With no constraint at all only the newest snapshot is kept.
package statestore

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pkg.world.dev/world-engine/statesync/gamestate"
	"pkg.world.dev/world-engine/statesync/types"
)

// AckRecord tracks what one connection has confirmed.
type AckRecord struct {
	Connection types.ConnectionID
	LastAcked  types.Tick
	// Acked is false until the first ack after connect or reset.
	Acked bool
	// PendingFull is the earliest full state sent since the last reset. Only meaningful when HasPending is set.
	PendingFull types.Tick
	HasPending  bool
	// Floor is the newest retained tick when the record was last reset. Until the first ack after the reset
	// is accepted, acks at or below it predate the reset and are ignored.
	Floor    types.Tick
	HasFloor bool
}

type Store struct {
	mu      sync.RWMutex
	history []*gamestate.GameState
	acks    map[types.ConnectionID]*AckRecord

	historyLimit int
	logger       zerolog.Logger
}

type Option func(*Store)

// WithHistoryLimit caps the number of retained snapshots regardless of the watermark. Connections whose
// baseline is dropped this way receive a full state. Zero means unbounded.
func WithHistoryLimit(limit int) Option {
	return func(s *Store) {
		s.historyLimit = limit
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		acks:   make(map[types.ConnectionID]*AckRecord),
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("module", "statestore").Logger()
	return s
}

// AddState appends gs to the history.
func (s *Store) AddState(gs *gamestate.GameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.history); n > 0 && gs.Tick <= s.history[n-1].Tick {
		return eris.Wrapf(ErrNonMonotonicTick, "latest is %d, got %d", s.history[n-1].Tick, gs.Tick)
	}
	s.history = append(s.history, gs)
	return nil
}

// Get returns the retained snapshot for tick.
func (s *Store) Get(tick types.Tick) (*gamestate.GameState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.history), func(i int) bool { return s.history[i].Tick >= tick })
	if i < len(s.history) && s.history[i].Tick == tick {
		return s.history[i], true
	}
	return nil, false
}

func (s *Store) Latest() (*gamestate.GameState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return nil, false
	}
	return s.history[len(s.history)-1], true
}

// Len returns the number of retained snapshots.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// Ticks returns the retained ticks in ascending order.
func (s *Store) Ticks() []types.Tick {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ticks := make([]types.Tick, len(s.history))
	for i, gs := range s.history {
		ticks[i] = gs.Tick
	}
	return ticks
}

// Connect creates an empty AckRecord for conn. Connecting an existing connection resets it.
func (s *Store) Connect(conn types.ConnectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks[conn] = &AckRecord{Connection: conn}
}

// Disconnect releases the AckRecord of conn.
func (s *Store) Disconnect(conn types.ConnectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.acks, conn)
}

// Ack records that conn has applied tick. Older or duplicate acks are ignored and reported as not advanced.
func (s *Store) Ack(conn types.ConnectionID, tick types.Tick) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.acks[conn]
	if !ok {
		return false, eris.Wrapf(ErrUnknownConnection, "%s", conn)
	}
	if n := len(s.history); n == 0 || tick > s.history[n-1].Tick {
		return false, eris.Wrapf(ErrAckFromFuture, "connection %s acked %d", conn, tick)
	}
	if rec.Acked && tick <= rec.LastAcked {
		return false, nil
	}
	if !rec.Acked && !rec.acceptsFirstAck(tick) {
		s.logger.Debug().
			Str("connection", conn.String()).
			Uint32("tick", uint32(tick)).
			Uint32("floor", uint32(rec.Floor)).
			Msg("Ignoring ack sent before the connection was reset")
		return false, nil
	}
	rec.LastAcked = tick
	rec.Acked = true
	rec.HasPending = false
	rec.HasFloor = false
	return true, nil
}

// acceptsFirstAck reports whether tick can establish a baseline on a record without one. After a reset only
// a full state sent since the reset can be acknowledged.
func (r *AckRecord) acceptsFirstAck(tick types.Tick) bool {
	switch {
	case !r.HasFloor:
		return true
	case r.HasPending:
		return tick >= r.PendingFull
	default:
		return tick > r.Floor
	}
}

// LastAcked returns the newest tick conn has acknowledged. ok is false when there is no baseline.
func (s *Store) LastAcked(conn types.ConnectionID) (types.Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.acks[conn]
	if !ok || !rec.Acked {
		return 0, false
	}
	return rec.LastAcked, true
}

// Record returns a copy of the AckRecord of conn.
func (s *Store) Record(conn types.ConnectionID) (AckRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.acks[conn]
	if !ok {
		return AckRecord{}, false
	}
	return *rec, true
}

// NoteFullSent records that a full state for tick was handed to the transport for conn.
func (s *Store) NoteFullSent(conn types.ConnectionID, tick types.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.acks[conn]
	if !ok || rec.Acked || rec.HasPending {
		return
	}
	rec.PendingFull = tick
	rec.HasPending = true
}

// ResetFor drops the baseline of conn so the next send is a full state. Acks still in flight from before
// the reset are ignored.
func (s *Store) ResetFor(conn types.ConnectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.acks[conn]
	if !ok {
		return
	}
	var floor types.Tick
	if n := len(s.history); n > 0 {
		floor = s.history[n-1].Tick
	}
	*rec = AckRecord{Connection: conn, Floor: floor, HasFloor: true}
}

// Connections returns the IDs of every live connection in ascending order.
func (s *Store) Connections() []types.ConnectionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]types.ConnectionID, 0, len(s.acks))
	for conn := range s.acks {
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i] < conns[j] })
	return conns
}

// Watermark returns the oldest tick any live connection may still need. ok is false when the history is
// empty and no connection constrains it.
func (s *Store) Watermark() (types.Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark()
}

func (s *Store) watermark() (types.Tick, bool) {
	var (
		mark  types.Tick
		found bool
	)
	for _, rec := range s.acks {
		tick, ok := rec.required()
		if !ok {
			continue
		}
		if !found || tick < mark {
			mark = tick
			found = true
		}
	}
	if found {
		return mark, true
	}
	if n := len(s.history); n > 0 {
		return s.history[n-1].Tick, true
	}
	return 0, false
}

// maxAckWatermark is the newest acknowledged tick across connections. Pruning by it drops baselines
// that slower connections still need; it is only computed to report how the two differ.
func (s *Store) maxAckWatermark() (types.Tick, bool) {
	var (
		mark  types.Tick
		found bool
	)
	for _, rec := range s.acks {
		if rec.Acked && (!found || rec.LastAcked > mark) {
			mark = rec.LastAcked
			found = true
		}
	}
	return mark, found
}

func (r *AckRecord) required() (types.Tick, bool) {
	switch {
	case r.Acked:
		return r.LastAcked, true
	case r.HasPending:
		return r.PendingFull, true
	default:
		return 0, false
	}
}

// Cull removes every snapshot older than the watermark, then enforces the history limit.
// It returns the number of snapshots removed.
func (s *Store) Cull() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	mark, ok := s.watermark()
	if !ok {
		return 0
	}
	keepFrom := sort.Search(len(s.history), func(i int) bool { return s.history[i].Tick >= mark })
	if s.historyLimit > 0 && len(s.history)-keepFrom > s.historyLimit {
		keepFrom = len(s.history) - s.historyLimit
	}

	if maxAck, ok := s.maxAckWatermark(); ok && maxAck > mark {
		kept := 0
		for _, gs := range s.history[keepFrom:] {
			if gs.Tick < maxAck {
				kept++
			}
		}
		if kept > 0 {
			s.logger.Debug().
				Uint32("watermark", uint32(mark)).
				Uint32("max_ack_watermark", uint32(maxAck)).
				Int("retained_for_slow_connections", kept).
				Msg("Pruning by the newest ack would discard baselines slower connections still need")
		}
	}

	if keepFrom == 0 {
		return 0
	}
	removed := keepFrom
	// Copy so the dropped snapshots are not kept alive by the backing array.
	s.history = append([]*gamestate.GameState(nil), s.history[keepFrom:]...)
	return removed
}
