package events

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devdeck/devdeck/internal/domain"
)

const wsWriteWait = 5 * time.Second

// WSClient adapts a websocket connection to the Subscriber interface. The
// event kind travels inside the JSON payload, so unlike SSE there is no
// per-frame type to set.
type WSClient struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// NewWSClient constructs a client wrapper.
func NewWSClient(conn *websocket.Conn, logger *slog.Logger) *WSClient {
	return &WSClient{conn: conn, log: logger}
}

// Send writes the event payload with a bounded write deadline so one stalled
// client cannot block the hub's publish loop indefinitely.
func (c *WSClient) Send(_ domain.EventKind, payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *WSClient) Close() {
	_ = c.conn.Close()
}
