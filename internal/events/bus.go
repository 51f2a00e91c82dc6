// Package events provides event management functionality.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a kind of system event
type EventType string

const (
	TaskEnqueued  EventType = "task_enqueued"
	TaskStarted   EventType = "task_started"
	TaskCompleted EventType = "task_completed"
	TaskFailed    EventType = "task_failed"
	TaskRetried   EventType = "task_retried"
	AlertRaised   EventType = "alert_raised"
)

// Event represents a system event
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TaskID    string         `json:"task_id,omitempty"`
	Module    string         `json:"module"`
	Data      map[string]any `json:"data,omitempty"`
}

// recentCapacity bounds the in-memory ring of recent events served by the API.
const recentCapacity = 256

// Bus is an in-process publish/subscribe bus for system events.
// Handlers run synchronously on the publisher's goroutine, so they must be
// fast and must not block.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]func(*Event)
	recent   []Event
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]func(*Event)),
		log:      log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a handler for an event type
func (b *Bus) Subscribe(eventType EventType, handler func(*Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish emits an event to all subscribers and records it in the recent ring
func (b *Bus) Publish(eventType EventType, module string, taskID string, data map[string]any) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TaskID:    taskID,
		Module:    module,
		Data:      data,
	}

	b.mu.Lock()
	b.recent = append(b.recent, event)
	if len(b.recent) > recentCapacity {
		b.recent = b.recent[len(b.recent)-recentCapacity:]
	}
	handlers := append([]func(*Event){}, b.handlers[eventType]...)
	b.mu.Unlock()

	b.log.Debug().
		Str("event_type", string(eventType)).
		Str("module", module).
		Str("task_id", taskID).
		Msg("Event published")

	for _, handler := range handlers {
		handler(&event)
	}
}

// Recent returns up to limit most recent events, newest last
func (b *Bus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > len(b.recent) {
		limit = len(b.recent)
	}
	out := make([]Event, limit)
	copy(out, b.recent[len(b.recent)-limit:])
	return out
}
