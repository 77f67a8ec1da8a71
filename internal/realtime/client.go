// Package realtime carries router events to WebSocket viewers.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ricochet1k/taskrelay/internal/domain"
)

const (
	outboundBufferSize = 64
	writeWait          = 10 * time.Second
)

var (
	ErrClientClosed = errors.New("client closed")
	ErrSlowClient   = errors.New("client outbound queue full")
)

// Client is one WebSocket viewer. Send never blocks: a full outbound queue
// closes the connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan domain.Event
	done   chan struct{}
	close  sync.Once
	logger *slog.Logger
}

func NewClient(id string, conn *websocket.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan domain.Event, outboundBufferSize),
		done:   make(chan struct{}),
		logger: logger.With("conn", id),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Send queues ev for the write loop.
func (c *Client) Send(ev domain.Event) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- ev:
		return nil
	default:
		c.logger.Warn("dropping slow client", "queued", len(c.send))
		c.Close()
		return ErrSlowClient
	}
}

// Replay queues ev, waiting for the write loop to make room. It is meant for
// the replay burst of a new subscription, which can be far larger than the
// queue, and requires WriteLoop to be running.
func (c *Client) Replay(ctx context.Context, ev domain.Event) error {
	select {
	case c.send <- ev:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queue is Send for callers that only care whether the event was accepted.
func (c *Client) Queue(ev domain.Event) bool {
	return c.Send(ev) == nil
}

// WriteLoop writes queued events until the client closes, and a ping event
// every pingInterval when it is positive.
func (c *Client) WriteLoop(pingInterval time.Duration) {
	defer c.Close()

	var tick <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			if err := c.write(ev); err != nil {
				return
			}
		case <-tick:
			if err := c.write(domain.NewPingEvent()); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(ev domain.Event) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(ev); err != nil {
		c.logger.Debug("websocket write failed", "err", err)
		return err
	}
	return nil
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() {
	c.close.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
