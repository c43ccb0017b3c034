package agent

import (
	"sync"
	"time"
)

// EventType represents the type of loop event.
type EventType string

const (
	EventRunStart          EventType = "run_start"
	EventStepStart         EventType = "step_start"
	EventPlannerDecision   EventType = "planner_decision"
	EventPlannerRetry      EventType = "planner_retry"
	EventToolCallStart     EventType = "tool_call_start"
	EventToolCallEnd       EventType = "tool_call_end"
	EventMemoryRetrieved   EventType = "memory_retrieved"
	EventMemoryUnavailable EventType = "memory_unavailable"
	EventMemoryArchived    EventType = "memory_archived"
	EventRunComplete       EventType = "run_complete"
	EventRunAborted        EventType = "run_aborted"
)

// Event represents a loop event with associated data.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventHandler is a function that handles events. Handlers run on the
// publishing goroutine and must not block.
type EventHandler func(Event)

type subscription struct {
	id      int
	handler EventHandler
}

// EventBus manages event publication and subscription.
type EventBus struct {
	mu          sync.RWMutex
	nextID      int
	handlers    map[EventType][]subscription
	allHandlers []subscription
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]subscription),
	}
}

// Subscribe registers a handler for a specific event type and returns a
// function that removes it.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{id: id, handler: handler})
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.handlers[eventType] = without(eb.handlers[eventType], id)
	}
}

// SubscribeAll registers a handler for all event types and returns a
// function that removes it.
func (eb *EventBus) SubscribeAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.allHandlers = append(eb.allHandlers, subscription{id: id, handler: handler})
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.allHandlers = without(eb.allHandlers, id)
	}
}

// Publish sends an event to all registered handlers.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not already set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, s := range eb.handlers[event.Type] {
		s.handler(event)
	}
	for _, s := range eb.allHandlers {
		s.handler(event)
	}
}

// PublishWithData publishes an event with associated data.
func (eb *EventBus) PublishWithData(eventType EventType, sessionID string, data map[string]any) {
	eb.Publish(Event{
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
	})
}

func without(subs []subscription, id int) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
