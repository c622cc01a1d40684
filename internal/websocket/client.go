package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second

	// Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
	sendBuffer     = 256
)

// Client is one dashboard or collector app connection. Besides the events
// addressed to its user, a client can watch individual routes and bins.
type Client struct {
	UserID   string
	UserRole string // "collector" or "admin"
	conn     *websocket.Conn
	hub      *Hub
	send     chan []byte

	mu      sync.RWMutex
	watches map[string]struct{} // "route:<id>" / "bin:<id>"
}

// IncomingMessage is what clients may send us
type IncomingMessage struct {
	Type    string `json:"type"` // ping, watch, unwatch
	RouteID string `json:"route_id,omitempty"`
	BinID   string `json:"bin_id,omitempty"`
}

func NewClient(userID, userRole string, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		UserID:   userID,
		UserRole: userRole,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, sendBuffer),
		watches:  make(map[string]struct{}),
	}
}

func routeKey(id string) string { return "route:" + id }
func binKey(id string) string   { return "bin:" + id }

// Watch subscribes the client to a route or bin key
func (c *Client) Watch(key string) {
	c.mu.Lock()
	c.watches[key] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) Unwatch(key string) {
	c.mu.Lock()
	delete(c.watches, key)
	c.mu.Unlock()
}

// Watches reports whether any of keys is subscribed
func (c *Client) Watches(keys ...string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, k := range keys {
		if _, ok := c.watches[k]; ok {
			return true
		}
	}
	return false
}

// handle applies one client message and returns the reply, if any
func (c *Client) handle(msg IncomingMessage) map[string]interface{} {
	switch msg.Type {
	case "ping":
		return map[string]interface{}{"type": "pong", "timestamp": time.Now().Unix()}

	case "watch", "unwatch":
		var keys []string
		if msg.RouteID != "" {
			keys = append(keys, routeKey(msg.RouteID))
		}
		if msg.BinID != "" {
			keys = append(keys, binKey(msg.BinID))
		}
		if len(keys) == 0 {
			return map[string]interface{}{"type": "error", "error": "route_id or bin_id required"}
		}
		for _, k := range keys {
			if msg.Type == "watch" {
				c.Watch(k)
			} else {
				c.Unwatch(k)
			}
		}
		return map[string]interface{}{"type": msg.Type + "ed", "keys": keys}
	}

	return map[string]interface{}{"type": "error", "error": "unknown message type " + msg.Type}
}

// ReadPump reads client messages until the connection drops
func (c *Client) ReadPump() {
	defer func() {
		c.hub.drop(c, "disconnected")
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("⚠️  [WEBSOCKET] Read error for %s: %v", c.UserID, err)
			}
			return
		}

		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("⚠️  [WEBSOCKET] Invalid message from %s: %v", c.UserID, err)
			continue
		}

		reply, _ := json.Marshal(c.handle(msg))
		select {
		case c.send <- reply:
		default:
		}
	}
}

// WritePump drains the send queue and keeps the connection alive with pings
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce whatever else is queued into the same frame
			for i, n := 0, len(c.send); i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
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
