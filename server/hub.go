package server

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	ecslog "pkg.world.dev/world-engine/statesync/log"
	"pkg.world.dev/world-engine/statesync/statsd"
	"pkg.world.dev/world-engine/statesync/types"
)

const defaultWriteDeadline = 5 * time.Second

var (
	ErrUnknownSession = eris.New("no websocket session for connection")
	ErrSessionClosed  = eris.New("websocket session is closed")
)

// MessageHandler receives the lifecycle and the messages of every websocket session.
type MessageHandler interface {
	Connect(conn types.ConnectionID) error
	Disconnect(conn types.ConnectionID)
	HandleMessage(ctx context.Context, conn types.ConnectionID, data []byte) error
}

// session is one accepted websocket. The connection belongs to the handler goroutine: once that goroutine
// marks the session released the websocket is returned to fiber's pool and must not be touched.
type session struct {
	id     types.ConnectionID
	ws     *websocket.Conn
	closed atomic.Bool

	// mu serializes writes and guards released.
	mu       sync.Mutex
	released bool
}

// Hub owns the websocket sessions accepted by the server and writes payloads to them. It is the transport
// handed to the engine.
type Hub struct {
	mu            sync.RWMutex
	sessions      map[types.ConnectionID]*session
	writeDeadline time.Duration
	logger        zerolog.Logger
}

type HubOption func(*Hub)

// WithWriteDeadline bounds how long a single write to a client may block.
func WithWriteDeadline(d time.Duration) HubOption {
	return func(h *Hub) {
		h.writeDeadline = d
	}
}

func WithHubLogger(logger zerolog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		sessions:      make(map[types.ConnectionID]*session),
		writeDeadline: defaultWriteDeadline,
		logger:        log.Logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With().Str("module", "hub").Logger()
	return h
}

func (h *Hub) SendReliableOrdered(_ context.Context, conn types.ConnectionID, data []byte) error {
	return h.send(conn, data)
}

// SendUnordered shares the ordered websocket stream. Payloads still arrive, only earlier than required.
func (h *Hub) SendUnordered(_ context.Context, conn types.ConnectionID, data []byte) error {
	return h.send(conn, data)
}

func (h *Hub) send(conn types.ConnectionID, data []byte) error {
	s, err := h.session(conn)
	if err != nil {
		return err
	}
	if err := s.write(data, h.writeDeadline); err != nil {
		statsd.Incr("hub.write_failure")
		h.logger.Debug().Err(err).Str("connection", conn.String()).Msg("Write failed, closing session")
		h.closeSession(s)
		return err
	}
	return nil
}

func (h *Hub) session(conn types.ConnectionID) (*session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[conn]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownSession, "%s", conn)
	}
	return s, nil
}

func (s *session) write(data []byte, deadline time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.closed.Load() {
		return eris.Wrapf(ErrSessionClosed, "%s", s.id)
	}
	if err := s.ws.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
		return eris.Wrap(err, "")
	}
	return eris.Wrap(s.ws.WriteMessage(websocket.BinaryMessage, data), "")
}

// CloseConnection drops the session of conn. The session's read loop then exits and reports the disconnect.
func (h *Hub) CloseConnection(conn types.ConnectionID) error {
	s, err := h.session(conn)
	if err != nil {
		return err
	}
	h.closeSession(s)
	return nil
}

func (h *Hub) closeSession(s *session) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	// Closing unblocks the read loop of the handler goroutine, which then releases the session.
	if err := s.ws.Close(); err != nil {
		h.logger.Debug().Err(err).Str("connection", s.id.String()).Msg("Failed to close websocket")
	}
}

// release unregisters s and hands its websocket back. Only the handler goroutine calls it, right before
// returning.
func (h *Hub) release(s *session) {
	h.unregister(s.id)
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.id] = s
}

func (h *Hub) unregister(id types.ConnectionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, id)
}

// Sessions returns the connection ids of every open session, sorted.
func (h *Hub) Sessions() []types.ConnectionID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]types.ConnectionID, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Shutdown closes every open session.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	for _, s := range sessions {
		h.closeSession(s)
	}
}

// NewWebSocketHandler returns the fiber websocket handler serving one replication session per connection.
// Every session gets a fresh connection id.
func (h *Hub) NewWebSocketHandler(handler MessageHandler) func(ws *websocket.Conn) {
	return func(ws *websocket.Conn) {
		s := &session{id: types.ConnectionID(uuid.NewString()), ws: ws}
		logger := ecslog.CreateConnectionLogger(&h.logger, s.id)

		h.register(s)
		defer h.release(s)
		if err := handler.Connect(s.id); err != nil {
			logger.Error().Err(err).Msg(eris.ToString(err, true))
			h.closeSession(s)
			return
		}
		defer handler.Disconnect(s.id)
		logger.Info().Str("remote_addr", ws.RemoteAddr().String()).Msg("Session opened")

		ctx := context.Background()
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				if !s.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug().Err(err).Msg("Websocket read failed")
				}
				break
			}
			if err := handler.HandleMessage(ctx, s.id, msg); err != nil {
				logger.Warn().Err(err).Msg("Failed to handle client message")
			}
		}
		h.closeSession(s)
		logger.Info().Msg("Session closed")
	}
}
