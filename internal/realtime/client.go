package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Client is one WebSocket connection. It is a session.Member of at most one
// pairing at a time.
type Client struct {
	id       string
	tenantID string
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	closed   sync.Once
	alive    atomic.Bool

	mu        sync.Mutex
	role      string
	name      string
	deviceID  string
	pairingID string
}

func newClient(hub *Hub, conn *websocket.Conn, id, tenantID string, buffer int) *Client {
	client := &Client{
		id:       id,
		tenantID: tenantID,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
	client.alive.Store(true)
	return client
}

func (c *Client) ClientID() string {
	return c.id
}

func (c *Client) Role() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Send queues frame for the writer. A full queue means the peer cannot keep
// up; the connection is closed so it reconnects and resyncs instead of
// silently missing a version.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.hub.logger.Warn("realtime send buffer full; closing connection",
			zap.String("client_id", c.id),
			zap.String("pairing_id", c.PairingID()))
		c.shutdown()
		return false
	}
}

// PairingID returns the pairing the client is subscribed to, if any.
func (c *Client) PairingID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pairingID
}

func (c *Client) bind(pairingID string) (previous string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous = c.pairingID
	c.pairingID = pairingID
	return previous
}

func (c *Client) identify(role, name, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch role {
	case "cashier", "display", "admin":
		c.role = role
	default:
		c.role = ""
	}
	if name != "" {
		c.name = name
	}
	if deviceID != "" {
		c.deviceID = deviceID
	}
}

func (c *Client) shutdown() {
	c.closed.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		c.hub.unregister(c)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("realtime read failed", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		c.hub.dispatch(c, data)
	}
}

func (c *Client) writePump() {
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

// ping sends a control ping; WriteControl is safe alongside writePump.
func (c *Client) ping() {
	deadline := time.Now().Add(writeWait)
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		c.shutdown()
	}
}
