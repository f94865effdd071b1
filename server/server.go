// Package server exposes an engine over HTTP: websocket replication sessions plus health and debug routes.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pkg.world.dev/world-engine/statesync/component"
	"pkg.world.dev/world-engine/statesync/gamestate"
	"pkg.world.dev/world-engine/statesync/types"
)

const (
	defaultPort     = "4040"
	shutdownTimeout = 5 * time.Second
	ReplicatePath   = "/replicate"
)

// Provider is the engine as seen by the server.
type Provider interface {
	MessageHandler
	Registry() *component.Registry
	Snapshot(tick types.Tick) (*gamestate.GameState, bool)
	Latest() (*gamestate.GameState, bool)
	CurrentTick() types.Tick
	Connections() []types.ConnectionID
	IsRunning() bool
}

type Server struct {
	app      *fiber.App
	provider Provider
	hub      *Hub
	port     string
	logger   zerolog.Logger
}

type Option func(*Server)

func WithPort(port string) Option {
	return func(s *Server) {
		s.port = port
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New returns a server whose replication sessions are written through hub. The hub must be the transport
// the provider dispatches to.
func New(provider Provider, hub *Hub, opts ...Option) (*Server, error) {
	if provider == nil || hub == nil {
		return nil, eris.New("server requires a non-nil provider and hub")
	}

	s := &Server{
		provider: provider,
		hub:      hub,
		port:     defaultPort,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("module", "server").Logger()
	s.app = fiber.New(fiber.Config{
		Network:               "tcp", // Enable server listening on both ipv4 & ipv6 (default: ipv4 only)
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	s.setupRoutes()
	return s, nil
}

// Serve listens on the configured port and blocks until ctx is cancelled or the server fails.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+s.port)
	if err != nil {
		return eris.Wrap(err, "error starting http server")
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	serverErr := make(chan error, 1)

	go func() {
		s.logger.Info().Msgf("Starting HTTP server at %s", ln.Addr())
		if err := s.app.Listener(ln); err != nil {
			serverErr <- eris.Wrap(err, "error starting http server")
		}
	}()

	select {
	case err := <-serverErr:
		return eris.Wrap(err, "server encountered an error")
	case <-ctx.Done():
		if err := s.shutdown(); err != nil {
			return eris.Wrap(err, "error shutting down server")
		}
	}
	return nil
}

// Test serves one request without a listener. Websocket routes are not reachable this way.
func (s *Server) Test(req *http.Request) (*http.Response, error) {
	return s.app.Test(req)
}

func (s *Server) shutdown() error {
	s.logger.Info().Msg("Shutting down server")
	s.hub.Shutdown()
	if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return eris.Wrap(err, "error shutting down server")
	}
	s.logger.Info().Msg("Successfully shut down server")
	return nil
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", getHealth(s.provider))

	s.app.Use(ReplicatePath, webSocketUpgrader)
	s.app.Get(ReplicatePath, websocket.New(s.hub.NewWebSocketHandler(s.provider)))

	debug := s.app.Group("/debug")
	debug.Get("/components", getComponents(s.provider))
	debug.Get("/connections", getConnections(s.provider, s.hub))
	debug.Get("/state", getState(s.provider))
	debug.Get("/state/:tick", getState(s.provider))
	debug.Get("/diff/:from/:to", getDiff(s.provider))
}
