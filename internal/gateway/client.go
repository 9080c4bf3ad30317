package gateway

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 40 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound command size.
	maxMessageSize = 16 * 1024
)

// Client is one authenticated websocket connection, owned by this instance
// for its lifetime.
type Client struct {
	ID          string
	UserID      string
	TenantID    string
	Elevated    bool
	ConnectedAt time.Time

	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	gw   *Gateway

	strikes     atomic.Int32
	cleanupOnce sync.Once
}

// trySend queues data without blocking. A full send buffer drops the message
// and counts a strike; past the strike limit the client is disconnected as a
// slow consumer.
func (c *Client) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- data:
		c.strikes.Store(0)
		return true
	default:
		if c.strikes.Add(1) >= int32(c.gw.cfg.SlowStrikes) {
			slog.Warn("Disconnecting slow consumer", "conn", c.ID, "user", c.UserID, "tenant", c.TenantID)
			go c.gw.disconnect(c)
		}
		return false
	}
}

// readPump consumes inbound commands until the connection dies. Pongs refresh
// the read deadline. Runs as the connection's own goroutine; exit triggers
// cleanup exactly once.
func (c *Client) readPump() {
	defer c.gw.disconnect(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Websocket read error", "conn", c.ID, "error", err)
			}
			return
		}
		c.gw.handleCommand(c, data)
	}
}

// writePump owns all writes to the socket: queued messages plus pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// touchLoop refreshes the connection's presence TTL on a fixed cadence so
// the shared store never expires a live connection.
func (c *Client) touchLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.gw.touch(c)
		}
	}
}
