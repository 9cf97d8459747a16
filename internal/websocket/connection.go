package websocket

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"classhub/pkg/types"
)

const maxMessageSize = 64 * 1024

// Config tunes the realtime transport. ReadTimeout bounds the silence
// tolerated between pongs, so PingInterval must be shorter.
type Config struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

// ErrConnectionClosed is returned by Send after the connection has shut down.
var ErrConnectionClosed = errors.New("websocket connection closed")

// Conn wraps a gorilla websocket connection with a single writer
// goroutine. gorilla permits at most one concurrent writer, so every
// outbound frame, pings included, goes through the send channel.
type Conn struct {
	ws     *websocket.Conn
	cfg    Config
	logger *slog.Logger

	send chan *types.Envelope
	done chan struct{}
	once sync.Once
}

// NewConn wraps ws and starts its writer goroutine. The wrapper owns
// the socket from this point on.
func NewConn(ws *websocket.Conn, cfg Config, logger *slog.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		cfg:    cfg,
		logger: logger,
		send:   make(chan *types.Envelope, cfg.SendBuffer),
		done:   make(chan struct{}),
	}

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	go c.writeLoop()
	return c
}

// ReadEnvelope blocks until the next inbound frame. It returns an error
// when the peer disconnects or the read deadline lapses without a pong.
func (c *Conn) ReadEnvelope() (*types.Envelope, error) {
	env := &types.Envelope{}
	if err := c.ws.ReadJSON(env); err != nil {
		return nil, err
	}
	return env, nil
}

// Send enqueues env for delivery. A full send buffer drops the envelope
// rather than blocking the caller behind a slow client.
func (c *Conn) Send(env *types.Envelope) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	case c.send <- env:
		return nil
	default:
		c.logger.Warn("dropping envelope for slow websocket client", "type", env.Type)
		return nil
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout))
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteJSON(env); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
