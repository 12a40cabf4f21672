// Package bus provides an internal event bus for component communication.
// It carries the duplex client-facing events: connection state changes,
// recognized-text echo, streamed chat tokens, and latency markers.
package bus

import (
	"sync"

	"github.com/google/uuid"
)

// EventType identifies different event types
type EventType string

const (
	// Synthesizer connection events
	EventTypeSynthesizerConnected    EventType = "synthesizer.connected"
	EventTypeSynthesizerDisconnected EventType = "synthesizer.disconnected"

	// Recognizer connection events
	EventTypeRecognizerListening EventType = "recognizer.listening"
	EventTypeRecognizerStopped   EventType = "recognizer.stopped"
	EventTypeRecognizerCanceled  EventType = "recognizer.canceled"

	// Chat events. Data["chatResponse"] carries display text chunks,
	// including the tagged latency marker substrings.
	EventTypeChatResponse EventType = "chat.response"

	// Speaking events
	EventTypeSpeakingStarted EventType = "speaking.started"
	EventTypeSpeakingStopped EventType = "speaking.stopped"
)

// Event represents a bus event scoped to one client session.
type Event struct {
	Type      EventType
	SessionID uuid.UUID
	Data      map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	allSubs  []Handler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for an event type
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll adds a handler invoked for every event regardless of type.
// The websocket transport uses this to fan events out to clients.
func (b *EventBus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, handler)
}

// Publish sends an event to all subscribed handlers.
// Handlers run synchronously in publish order so that streamed chat
// chunks reach the transport in the order they were produced.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.allSubs))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.allSubs...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]Handler)
	b.allSubs = nil
}
