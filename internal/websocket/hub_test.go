package websocket

import (
	"context"
	"encoding/json"
	"testing"

	"binroute-backend/internal/models"
	"binroute-backend/internal/services"
)

func connect(h *Hub, userID, role string) *Client {
	c := NewClient(userID, role, nil, h)
	h.mu.Lock()
	h.clients[userID] = c
	h.mu.Unlock()
	return c
}

func received(c *Client) []services.Event {
	var out []services.Event
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return out
			}
			var e services.Event
			if err := json.Unmarshal(raw, &e); err == nil {
				out = append(out, e)
			}
		default:
			return out
		}
	}
}

func TestNotifyRecipients(t *testing.T) {
	h := NewHub()
	mine := connect(h, "collector-1", models.RoleCollector)
	other := connect(h, "collector-2", models.RoleCollector)
	watcher := connect(h, "collector-3", models.RoleCollector)
	admin := connect(h, "admin-1", models.RoleAdmin)
	watcher.Watch(routeKey("route-1"))

	assigned := services.NewEvent(services.EventRouteAssigned, "collector-1", map[string]interface{}{"route_id": "route-1"})
	if err := h.Notify(context.Background(), assigned); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	tests := []struct {
		name   string
		client *Client
		want   int
	}{
		{"assigned collector", mine, 1},
		{"unrelated collector", other, 0},
		{"route watcher", watcher, 1},
		{"admin", admin, 1},
	}
	for _, tt := range tests {
		if got := len(received(tt.client)); got != tt.want {
			t.Errorf("%s received %d events, want %d", tt.name, got, tt.want)
		}
	}

	created := services.NewEvent(services.EventScheduleCreated, "collector-9", map[string]interface{}{"bin_id": "bin-7"})
	other.Watch(binKey("bin-7"))
	if err := h.Notify(context.Background(), created); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got := received(other); len(got) != 1 || got[0].Type != services.EventScheduleCreated {
		t.Fatalf("bin watcher received %v, want one schedule.created", got)
	}
	if got := len(received(mine)); got != 0 {
		t.Fatalf("collector-1 received %d bin events, want 0", got)
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	h := NewHub()
	c := connect(h, "collector-1", models.RoleCollector)
	for i := 0; i < sendBuffer; i++ {
		c.send <- []byte("{}")
	}

	event := services.NewEvent(services.EventRouteCompleted, "collector-1", nil)
	if err := h.Notify(context.Background(), event); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if h.IsUserConnected("collector-1") {
		t.Fatal("client with a full buffer is still connected")
	}

	for range c.send {
	}
	// A late disconnect from the read pump must not close twice
	h.drop(c, "disconnected")
}

func TestReconnectReplacesConnection(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	first := NewClient("collector-1", models.RoleCollector, nil, h)
	h.register <- first
	second := NewClient("collector-1", models.RoleCollector, nil, h)
	h.register <- second

	if _, ok := <-first.send; ok {
		t.Fatal("first connection's queue still open after reconnect")
	}
	h.drop(first, "disconnected")
	if !h.IsUserConnected("collector-1") || h.GetClientCount() != 1 {
		t.Fatalf("clients = %d, want the second connection only", h.GetClientCount())
	}
}

func TestHandleMessages(t *testing.T) {
	c := NewClient("admin-1", models.RoleAdmin, nil, NewHub())

	if reply := c.handle(IncomingMessage{Type: "ping"}); reply["type"] != "pong" {
		t.Fatalf("ping reply = %v", reply)
	}
	if reply := c.handle(IncomingMessage{Type: "watch"}); reply["type"] != "error" {
		t.Fatalf("watch without ids reply = %v, want error", reply)
	}

	c.handle(IncomingMessage{Type: "watch", RouteID: "route-1", BinID: "bin-1"})
	if !c.Watches(routeKey("route-1")) || !c.Watches(binKey("bin-1")) {
		t.Fatal("watch did not subscribe route and bin")
	}
	c.handle(IncomingMessage{Type: "unwatch", RouteID: "route-1"})
	if c.Watches(routeKey("route-1")) {
		t.Fatal("unwatch left the route subscribed")
	}

	if reply := c.handle(IncomingMessage{Type: "dance"}); reply["type"] != "error" {
		t.Fatalf("unknown type reply = %v, want error", reply)
	}
}
