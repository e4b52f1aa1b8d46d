package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	closeWait = time.Second
)

// Client adapts a websocket connection to the Subscriber interface. Send is
// called only from the hub's dispatch goroutine; Close may race with it from
// the connection's read loop.
type Client struct {
	conn    *websocket.Conn
	log     *slog.Logger
	closing sync.Once
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes one text frame, tearing the connection down on failure so a
// stuck subscriber cannot stall the stream.
func (c *Client) Send(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		c.Close()
		return err
	}
	return nil
}

// Close sends a close frame once and shuts the connection.
func (c *Client) Close() {
	c.closing.Do(func() {
		deadline := time.Now().Add(closeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
	})
}
