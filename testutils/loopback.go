package testutils

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/statesync/client"
	"pkg.world.dev/world-engine/statesync/types"
)

var ErrUnknownPeer = eris.New("loopback has no peer for this connection")

// MessageHandler receives client messages on the server side. statesync.Engine implements it.
type MessageHandler interface {
	HandleMessage(ctx context.Context, conn types.ConnectionID, data []byte) error
}

// Loopback is an in-memory transport between a server and any number of peers. Payloads sent to a peer are
// queued until the peer is pumped; client messages are delivered to the handler synchronously.
type Loopback struct {
	mu    sync.Mutex
	peers map[types.ConnectionID]*Peer
}

func NewLoopback() *Loopback {
	return &Loopback{peers: make(map[types.ConnectionID]*Peer)}
}

// Peer is the client end of one loopback connection. It implements client.Sender.
type Peer struct {
	conn    types.ConnectionID
	handler MessageHandler

	mu    sync.Mutex
	inbox [][]byte
	// gate is non-nil while the peer is stalled; sends wait on it.
	gate chan struct{}

	dropAcks    atomic.Bool
	failSends   atomic.Bool
	received    atomic.Int64
	closed      atomic.Bool
	handlerErrs atomic.Int64
}

// Attach creates the peer for conn. Client messages are passed to handler.
func (l *Loopback) Attach(conn types.ConnectionID, handler MessageHandler) *Peer {
	p := &Peer{conn: conn, handler: handler}
	l.mu.Lock()
	l.peers[conn] = p
	l.mu.Unlock()
	return p
}

func (l *Loopback) peer(conn types.ConnectionID) (*Peer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.peers[conn]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownPeer, "%s", conn)
	}
	return p, nil
}

func (l *Loopback) SendReliableOrdered(ctx context.Context, conn types.ConnectionID, data []byte) error {
	p, err := l.peer(conn)
	if err != nil {
		return err
	}
	return p.deliver(ctx, data)
}

func (l *Loopback) SendUnordered(ctx context.Context, conn types.ConnectionID, data []byte) error {
	return l.SendReliableOrdered(ctx, conn, data)
}

// CloseConnection marks the peer closed. Later sends to it fail.
func (l *Loopback) CloseConnection(conn types.ConnectionID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.peers[conn]
	if !ok {
		return eris.Wrapf(ErrUnknownPeer, "%s", conn)
	}
	p.closed.Store(true)
	delete(l.peers, conn)
	return nil
}

func (p *Peer) deliver(ctx context.Context, data []byte) error {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return eris.Wrap(ctx.Err(), "")
		}
	}
	if p.failSends.Load() {
		return eris.New("loopback send failure")
	}
	if p.closed.Load() {
		return eris.Wrapf(ErrUnknownPeer, "%s is closed", p.conn)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	p.mu.Lock()
	p.inbox = append(p.inbox, cp)
	p.mu.Unlock()
	p.received.Add(1)
	return nil
}

// Stall makes sends to this peer block until Resume is called.
func (p *Peer) Stall() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gate == nil {
		p.gate = make(chan struct{})
	}
}

func (p *Peer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gate != nil {
		close(p.gate)
		p.gate = nil
	}
}

// DropAcks makes the peer silently discard acks instead of delivering them.
func (p *Peer) DropAcks(drop bool) {
	p.dropAcks.Store(drop)
}

// FailSends makes server sends to this peer return an error.
func (p *Peer) FailSends(fail bool) {
	p.failSends.Store(fail)
}

// Received returns how many payloads the server has delivered to this peer.
func (p *Peer) Received() int64 {
	return p.received.Load()
}

// Pending returns how many delivered payloads have not been pumped yet.
func (p *Peer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inbox)
}

// Take removes and returns every delivered payload.
func (p *Peer) Take() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.inbox
	p.inbox = nil
	return out
}

// Pump hands every delivered payload to r in delivery order and returns the outcomes.
func (p *Peer) Pump(ctx context.Context, r *client.Reconciler) []client.Outcome {
	payloads := p.Take()
	outcomes := make([]client.Outcome, 0, len(payloads))
	for _, data := range payloads {
		outcome, _ := r.Receive(ctx, data)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (p *Peer) SendReliableOrdered(ctx context.Context, data []byte) error {
	if err := p.handler.HandleMessage(ctx, p.conn, data); err != nil {
		p.handlerErrs.Add(1)
		return err
	}
	return nil
}

func (p *Peer) SendUnordered(ctx context.Context, data []byte) error {
	if p.dropAcks.Load() {
		return nil
	}
	return p.SendReliableOrdered(ctx, data)
}

// Conn returns the connection ID of the peer.
func (p *Peer) Conn() types.ConnectionID {
	return p.conn
}

// HandlerErrors returns how many client messages the server handler rejected.
func (p *Peer) HandlerErrors() int64 {
	return p.handlerErrs.Load()
}
