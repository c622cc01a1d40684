package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"binroute-backend/internal/models"
	"binroute-backend/internal/services"
)

// Hub tracks live connections and is the websocket services.Notifier.
// An event reaches the collector it names, every admin, and any client
// watching the route or bin it mentions.
type Hub struct {
	clients  map[string]*Client // userID -> latest connection
	register chan *Client
	mu       sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		register: make(chan *Client),
	}
}

// Run processes connects until ctx is done, then closes every client
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[client.UserID]; ok {
				// Newest connection wins, e.g. the app reconnected
				close(old.send)
			}
			h.clients[client.UserID] = client
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
			log.Printf("✅ [WEBSOCKET] Client CONNECTED")
			log.Printf("   User ID: %s", client.UserID)
			log.Printf("   Role: %s", client.UserRole)
			log.Printf("   Total connected clients: %d", total)
			log.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		}
	}
}

// drop removes client if it is still the registered connection for its user
func (h *Hub) drop(client *Client, why string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[client.UserID]; ok && current == client {
		delete(h.clients, client.UserID)
		close(client.send)
		log.Printf("🔴 [WEBSOCKET] Client %s: %s (%s), %d remaining",
			why, client.UserID, client.UserRole, len(h.clients))
	}
}

// watchKeys lists the subscription keys an event matches
func watchKeys(event services.Event) []string {
	var keys []string
	if id, ok := event.Data["route_id"].(string); ok && id != "" {
		keys = append(keys, routeKey(id))
	}
	if id, ok := event.Data["bin_id"].(string); ok && id != "" {
		keys = append(keys, binKey(id))
	}
	return keys
}

func (h *Hub) recipients(event services.Event) []*Client {
	keys := watchKeys(event)

	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Client
	for _, c := range h.clients {
		if c.UserID == event.CollectorID || c.UserRole == models.RoleAdmin || c.Watches(keys...) {
			out = append(out, c)
		}
	}
	return out
}

// Notify delivers the event without blocking. A client whose queue is full
// is disconnected; the app reconnects and reloads state over HTTP.
func (h *Hub) Notify(ctx context.Context, event services.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var slow []*Client
	for _, c := range h.recipients(event) {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.mu.RLock()
		live := h.clients[c.UserID] == c
		if live {
			select {
			case c.send <- data:
			default:
				slow = append(slow, c)
			}
		}
		h.mu.RUnlock()
	}

	for _, c := range slow {
		h.drop(c, "send buffer full")
	}
	return nil
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// IsUserConnected checks if a user is currently connected
func (h *Hub) IsUserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}
