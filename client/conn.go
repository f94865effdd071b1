package client

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultWriteTimeout = 5 * time.Second

// Conn is a websocket connection to a replication server. It implements Sender.
//
// A websocket is a single ordered stream, so acks and full state requests share it; SendUnordered only
// differs in that its failures are not reported to the caller by the Reconciler.
type Conn struct {
	ws     *websocket.Conn
	logger zerolog.Logger

	writeMu      sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
}

type ConnOption func(*Conn)

func WithWriteTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		c.writeTimeout = d
	}
}

func WithConnLogger(logger zerolog.Logger) ConnOption {
	return func(c *Conn) {
		c.logger = logger
	}
}

// Dial opens a websocket to url, for example ws://localhost:4040/replicate.
func Dial(ctx context.Context, url string, opts ...ConnOption) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil) //nolint:bodyclose // no need.
	if err != nil {
		return nil, eris.Wrapf(err, "websocket dial to %s failed", url)
	}
	c := &Conn{
		ws:           ws,
		logger:       log.Logger,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("module", "conn").Str("url", url).Logger()
	return c, nil
}

func (c *Conn) SendReliableOrdered(ctx context.Context, data []byte) error {
	return c.write(ctx, data)
}

func (c *Conn) SendUnordered(ctx context.Context, data []byte) error {
	return c.write(ctx, data)
}

func (c *Conn) write(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return eris.Wrap(err, "failed to set write deadline")
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return eris.Wrap(err, "failed to write to websocket")
	}
	return nil
}

// Run reads payloads and hands them to r until ctx is cancelled or the connection fails. When the
// connection fails r is moved to Disconnected and the read error is returned. Cancelling ctx closes the
// connection and returns nil.
func (c *Conn) Run(ctx context.Context, r *Reconciler) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			r.Disconnect()
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info().Msg("Connection closed")
				return nil
			}
			return eris.Wrap(err, "failed to read from websocket")
		}
		outcome, err := r.Receive(ctx, data)
		if eris.Is(err, ErrDisconnected) {
			return nil
		}
		if err != nil {
			c.logger.Debug().Err(err).Str("outcome", outcome.String()).Msg("Payload not applied")
		}
	}
}

// Close sends a close frame and closes the underlying connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	if err != nil {
		return eris.Wrap(err, "failed to close websocket")
	}
	return nil
}
