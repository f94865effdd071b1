// Package dispatch sends every published snapshot to every connection without ever blocking the tick.
//
// Each connection owns a bounded queue drained by its own worker goroutine. Workers encode against the
// connection's last acknowledged tick at send time and skip straight to the newest queued snapshot, so a
// connection that falls behind catches up with a single payload. When a queue overflows the connection is
// reset and will receive a full state.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"pkg.world.dev/world-engine/statesync/gamestate"
	"pkg.world.dev/world-engine/statesync/statsd"
	"pkg.world.dev/world-engine/statesync/types"
)

const defaultQueueSize = 8

var (
	ErrClosed            = eris.New("dispatcher is closed")
	ErrConnectionExists  = eris.New("connection is already registered with the dispatcher")
	ErrUnknownConnection = eris.New("connection is not registered with the dispatcher")
)

// Transport delivers bytes to a connection. SendReliableOrdered must preserve order relative to other
// reliable sends on the same connection.
type Transport interface {
	SendReliableOrdered(ctx context.Context, conn types.ConnectionID, data []byte) error
	SendUnordered(ctx context.Context, conn types.ConnectionID, data []byte) error
}

// AckTracker is the part of the state store the dispatcher reads and resets.
type AckTracker interface {
	LastAcked(conn types.ConnectionID) (types.Tick, bool)
	ResetFor(conn types.ConnectionID)
	NoteFullSent(conn types.ConnectionID, tick types.Tick)
}

type Encoder interface {
	Encode(acked types.Tick, hasAck bool, target *gamestate.GameState) ([]byte, bool, error)
}

type Dispatcher struct {
	acks      AckTracker
	encoder   Encoder
	transport Transport
	queueSize int
	logger    zerolog.Logger

	mu     sync.Mutex
	queues map[types.ConnectionID]*queue
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
}

type queue struct {
	conn      types.ConnectionID
	jobs      chan *gamestate.GameState
	cancel    context.CancelFunc
	overflows atomic.Int64
	sent      atomic.Int64
}

type Option func(*Dispatcher)

// WithQueueSize sets how many snapshots may wait for a connection before it is reset.
func WithQueueSize(size int) Option {
	return func(d *Dispatcher) {
		d.queueSize = size
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func New(acks AckTracker, encoder Encoder, transport Transport, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		acks:      acks,
		encoder:   encoder,
		transport: transport,
		queueSize: defaultQueueSize,
		logger:    log.Logger,
		queues:    make(map[types.ConnectionID]*queue),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.queueSize < 1 {
		d.queueSize = 1
	}
	d.logger = d.logger.With().Str("module", "dispatch").Logger()
	return d
}

// Add starts a worker for conn.
func (d *Dispatcher) Add(conn types.ConnectionID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if _, ok := d.queues[conn]; ok {
		return eris.Wrapf(ErrConnectionExists, "%s", conn)
	}
	ctx, cancel := context.WithCancel(d.ctx)
	q := &queue{
		conn:   conn,
		jobs:   make(chan *gamestate.GameState, d.queueSize),
		cancel: cancel,
	}
	d.queues[conn] = q
	d.group.Go(func() error {
		d.run(ctx, q)
		return nil
	})
	return nil
}

// Remove stops the worker of conn. Snapshots still queued for it are dropped.
func (d *Dispatcher) Remove(conn types.ConnectionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[conn]; ok {
		q.cancel()
		delete(d.queues, conn)
	}
}

// Dispatch queues gs for every connection. It never blocks.
func (d *Dispatcher) Dispatch(gs *gamestate.GameState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.queues {
		d.offer(q, gs)
	}
}

func (d *Dispatcher) offer(q *queue, gs *gamestate.GameState) {
	select {
	case q.jobs <- gs:
		return
	default:
	}

	// The connection cannot keep up. Everything queued is stale once it needs a full state anyway.
	drain(q.jobs)
	d.acks.ResetFor(q.conn)
	q.overflows.Add(1)
	statsd.Incr("dispatch.overflow")
	d.logger.Warn().
		Str("connection", q.conn.String()).
		Uint32("tick", uint32(gs.Tick)).
		Msg("Outgoing queue overflowed, connection will be resynced with a full state")

	select {
	case q.jobs <- gs:
	default:
	}
}

func drain(jobs chan *gamestate.GameState) {
	for {
		select {
		case <-jobs:
		default:
			return
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, q *queue) {
	for {
		select {
		case <-ctx.Done():
			return
		case gs := <-q.jobs:
			d.send(ctx, q, latest(q.jobs, gs))
		}
	}
}

// latest returns the newest snapshot queued, consuming the older ones.
func latest(jobs chan *gamestate.GameState, gs *gamestate.GameState) *gamestate.GameState {
	for {
		select {
		case next := <-jobs:
			gs = next
		default:
			return gs
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, q *queue, gs *gamestate.GameState) {
	acked, hasAck := d.acks.LastAcked(q.conn)
	if hasAck && acked >= gs.Tick {
		return
	}
	bz, full, err := d.encoder.Encode(acked, hasAck, gs)
	if err != nil {
		d.logger.Error().Err(err).Str("connection", q.conn.String()).Msg(eris.ToString(err, true))
		return
	}
	// The ack for this payload can arrive before the send returns.
	if full {
		d.acks.NoteFullSent(q.conn, gs.Tick)
	}
	if err := d.transport.SendReliableOrdered(ctx, q.conn, bz); err != nil {
		if ctx.Err() != nil {
			return
		}
		d.acks.ResetFor(q.conn)
		statsd.Incr("dispatch.send_failure")
		d.logger.Warn().Err(err).Str("connection", q.conn.String()).Msg("Failed to send state payload")
		return
	}
	q.sent.Add(1)
	if full {
		statsd.Incr("payload.full")
	} else {
		statsd.Incr("payload.delta")
	}
	statsd.Histogram("payload.bytes", float64(len(bz)))
}

// Stats returns how many payloads were sent to conn and how many times its queue overflowed.
func (d *Dispatcher) Stats(conn types.ConnectionID) (sent, overflows int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[conn]
	if !ok {
		return 0, 0, eris.Wrapf(ErrUnknownConnection, "%s", conn)
	}
	return q.sent.Load(), q.overflows.Load(), nil
}

// Close stops every worker and waits for them to exit.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.queues = make(map[types.ConnectionID]*queue)
	d.mu.Unlock()
	d.cancel()
	return eris.Wrap(d.group.Wait(), "")
}
