package events

import (
	"context"
	"sync"
	"time"

	"puglia-club-api/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventBoostActivated is emitted when a purchased boost is applied to a user
	EventBoostActivated EventType = "boost.activated"
	// EventTokensCredited is emitted when a partner's token balance is topped up
	EventTokensCredited EventType = "tokens.credited"
	// EventOrderCreated is emitted when a physical-product order is recorded
	EventOrderCreated EventType = "order.created"
	// EventVisitValidated is emitted when a user unlocks a partner card via PIN
	EventVisitValidated EventType = "visit.validated"
	// EventMissionCompleted is emitted when a mission's points are awarded
	EventMissionCompleted EventType = "mission.completed"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// BoostActivatedData contains data for boost activation events.
type BoostActivatedData struct {
	UserID     string
	Multiplier float64
	ExpiresAt  time.Time
}

// TokensCreditedData contains data for token credit events.
type TokensCreditedData struct {
	PartnerID string
	Quantity  int64
}

// OrderCreatedData contains data for order creation events.
type OrderCreatedData struct {
	Order models.MarketOrder
}

// VisitValidatedData contains data for validated-visit events.
type VisitValidatedData struct {
	UserID         string
	PartnerID      string
	EarnedDesideri int64
}

// MissionCompletedData contains data for mission completion events.
type MissionCompletedData struct {
	UserID         string
	MissionID      string
	EarnedDesideri int64
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
}

// NewManager creates a new event manager.
func NewManager(enabled bool) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	if !m.enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish publishes an event to all subscribed handlers.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	if !m.enabled {
		return
	}

	m.mu.RLock()
	handlers := m.handlers[eventType]
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	// Execute handlers asynchronously to avoid blocking fulfillment
	for _, handler := range handlers {
		go func(h Handler) {
			if err := h(ctx, event); err != nil {
				_ = err
			}
		}(handler)
	}
}

// PublishBoostActivated publishes a boost activation event.
func (m *Manager) PublishBoostActivated(ctx context.Context, userID string, multiplier float64, expiresAt time.Time) {
	m.Publish(ctx, EventBoostActivated, BoostActivatedData{
		UserID:     userID,
		Multiplier: multiplier,
		ExpiresAt:  expiresAt,
	})
}

// PublishTokensCredited publishes a token credit event.
func (m *Manager) PublishTokensCredited(ctx context.Context, partnerID string, quantity int64) {
	m.Publish(ctx, EventTokensCredited, TokensCreditedData{
		PartnerID: partnerID,
		Quantity:  quantity,
	})
}

// PublishOrderCreated publishes an order creation event.
func (m *Manager) PublishOrderCreated(ctx context.Context, order models.MarketOrder) {
	m.Publish(ctx, EventOrderCreated, OrderCreatedData{Order: order})
}

// PublishVisitValidated publishes a validated-visit event.
func (m *Manager) PublishVisitValidated(ctx context.Context, userID, partnerID string, earned int64) {
	m.Publish(ctx, EventVisitValidated, VisitValidatedData{
		UserID:         userID,
		PartnerID:      partnerID,
		EarnedDesideri: earned,
	})
}

// PublishMissionCompleted publishes a mission completion event.
func (m *Manager) PublishMissionCompleted(ctx context.Context, userID, missionID string, earned int64) {
	m.Publish(ctx, EventMissionCompleted, MissionCompletedData{
		UserID:         userID,
		MissionID:      missionID,
		EarnedDesideri: earned,
	})
}

// Shutdown shuts down the event manager.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
}
