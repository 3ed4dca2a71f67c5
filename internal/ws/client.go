// Package ws carries sync events over gorilla websocket connections.
package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xingzihai/listen-sync/internal/event"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Largest inbound frame accepted. Every legitimate event fits easily.
	maxMessageSize = 64 << 10
)

// Options tunes a single connection.
type Options struct {
	PingInterval         time.Duration
	PongWait             time.Duration
	MaxMessagesPerSecond int
	SendBuffer           int
}

// Client is one websocket peer. Outbound frames go through a buffered
// queue drained by writePump, so Deliver never blocks the caller.
type Client struct {
	conn *websocket.Conn
	opts Options
	log  *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, opts Options, log *slog.Logger) *Client {
	return &Client{
		conn: conn,
		opts: opts,
		log:  log,
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
	}
}

// Deliver queues frame for writing. It reports false when the queue is
// full or the connection is gone.
func (c *Client) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the write pump. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) fail(msg string) {
	frame, err := event.Encode(event.Error, event.Payload{"message": msg})
	if err != nil {
		return
	}
	c.Deliver(frame)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("write failed", "err", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("ping failed", "err", err)
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued, such as a final error frame.
func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump feeds inbound frames to handle until the peer goes away, stops
// answering pings, or exceeds the message rate.
func (c *Client) readPump(handle func([]byte)) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	limit := newRateWindow(time.Second, c.opts.MaxMessagesPerSecond)
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket closed", "err", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		if !limit.allow(time.Now()) {
			c.log.Warn("rate limit exceeded, closing connection")
			c.fail("message rate too high, disconnecting")
			return
		}
		handle(frame)
	}
}
