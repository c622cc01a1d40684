package services

import (
	"context"
	"log"
	"sync"
	"time"
)

// EventType names what happened; clients switch on it
type EventType string

const (
	EventScheduleCreated   EventType = "schedule.created"
	EventScheduleEscalated EventType = "schedule.escalated"
	EventRouteAssigned     EventType = "route.assigned"
	EventRouteCompleted    EventType = "route.completed"
)

// Event is the payload handed to notification sinks
type Event struct {
	Type        EventType              `json:"type"`
	CollectorID string                 `json:"collector_id,omitempty"`
	Data        map[string]interface{} `json:"data"`
	Timestamp   int64                  `json:"timestamp"`
}

// NewEvent stamps an event with the current time
func NewEvent(t EventType, collectorID string, data map[string]interface{}) Event {
	return Event{Type: t, CollectorID: collectorID, Data: data, Timestamp: time.Now().Unix()}
}

// Notifier delivers events to one channel (push, websocket, log)
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Dispatcher fans events out to every sink without blocking the caller.
// Sink failures are logged and never reach scheduling code.
type Dispatcher struct {
	sinks   []Notifier
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given sinks
func NewDispatcher(sinks ...Notifier) *Dispatcher {
	return &Dispatcher{sinks: sinks, timeout: 10 * time.Second}
}

// Add registers another sink; call before the dispatcher is shared
func (d *Dispatcher) Add(n Notifier) {
	d.sinks = append(d.sinks, n)
}

// Publish delivers the event asynchronously. The request context is not
// reused so delivery outlives the HTTP call that triggered it.
func (d *Dispatcher) Publish(event Event) {
	if d == nil {
		return
	}
	for _, sink := range d.sinks {
		d.wg.Add(1)
		go func(n Notifier) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()

			if err := n.Notify(ctx, event); err != nil {
				log.Printf("⚠️  [NOTIFY] %s delivery failed: %v", event.Type, err)
			}
		}(sink)
	}
}

// Wait blocks until in-flight deliveries finish (shutdown and tests)
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

// LogNotifier writes events to the process log
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, event Event) error {
	log.Printf("🔔 [NOTIFY] %s collector=%s data=%v", event.Type, event.CollectorID, event.Data)
	return nil
}
