// Package events provides a lightweight in-process event bus.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different event types
type EventType string

const (
	ScanStarted   EventType = "SCAN_STARTED"
	ScanCompleted EventType = "SCAN_COMPLETED"
	ScanSkipped   EventType = "SCAN_SKIPPED"

	PickSelected EventType = "PICK_SELECTED"
	PickBoosted  EventType = "PICK_BOOSTED"

	OrderSubmitted EventType = "ORDER_SUBMITTED"
	OrderFilled    EventType = "ORDER_FILLED"
	OrderFailed    EventType = "ORDER_FAILED"

	PositionOpened        EventType = "POSITION_OPENED"
	PositionPartialClosed EventType = "POSITION_PARTIAL_CLOSED"
	PositionClosed        EventType = "POSITION_CLOSED"

	OutcomeRecorded EventType = "OUTCOME_RECORDED"
	ErrorOccurred   EventType = "ERROR_OCCURRED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// Handler receives emitted events. Handlers run asynchronously and must not block forever.
type Handler func(Event)

// Manager handles event emission, logging and fan-out to subscribers
type Manager struct {
	log zerolog.Logger

	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewManager creates a new event manager
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log:      log.With().Str("service", "events").Logger(),
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for an event type
func (m *Manager) Subscribe(eventType EventType, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventType] = append(m.handlers[eventType], h)
}

// Emit emits an event
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	// Log event
	eventJSON, _ := json.Marshal(event)
	m.log.Info().
		Str("event_type", string(eventType)).
		Str("module", module).
		RawJSON("event", eventJSON).
		Msg("Event emitted")

	// Fan out to subscribers without blocking the emitter
	m.mu.RLock()
	subs := m.handlers[eventType]
	m.mu.RUnlock()

	for _, h := range subs {
		go func(h Handler) {
			defer func() {
				if p := recover(); p != nil {
					m.log.Error().
						Str("event_type", string(eventType)).
						Interface("panic", p).
						Msg("Event handler panicked")
				}
			}()
			h(event)
		}(h)
	}
}

// EmitError emits an error event
func (m *Manager) EmitError(module string, err error, context map[string]interface{}) {
	data := map[string]interface{}{
		"error":   err.Error(),
		"context": context,
	}
	m.Emit(ErrorOccurred, module, data)
}
