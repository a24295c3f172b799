package reconcile

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventSpaceUpdate       = "space_update"
	EventSpaceAvailability = "space_availability"
	EventSpaceRemoved      = "space_removed"
	EventConnectionState   = "connection_state"
	EventEnergyUpdate      = "energy_update"
)

// Event represents a reconciler event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SpaceEvent carries the changed fields of one space.
type SpaceEvent struct {
	SpaceID  string         `json:"space_id"`
	SystemID string         `json:"system_id"`
	Source   string         `json:"source"`
	Fields   map[string]any `json:"fields"`
}

// AvailabilityEvent signals a space going stale or coming back.
type AvailabilityEvent struct {
	SpaceID   string `json:"space_id"`
	SystemID  string `json:"system_id"`
	Available bool   `json:"available"`
}

// RemovalEvent signals a space that was deleted upstream.
type RemovalEvent struct {
	SpaceID  string `json:"space_id"`
	SystemID string `json:"system_id"`
}

// ConnectionEvent signals a change in a system's push channel state.
type ConnectionEvent struct {
	SystemID string `json:"system_id"`
	State    string `json:"state"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for reconciler events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
