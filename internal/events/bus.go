package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventInstanceCreated EventType = "INSTANCE_CREATED"
	EventInstanceStarted EventType = "INSTANCE_STARTED"
	EventInstanceStopped EventType = "INSTANCE_STOPPED"
	EventInstanceDeleted EventType = "INSTANCE_DELETED"
	EventSignal          EventType = "SIGNAL"
	EventEntryFilled     EventType = "ENTRY_FILLED"
	EventExitFilled      EventType = "EXIT_FILLED"
	EventEntryBlocked    EventType = "ENTRY_BLOCKED"
	EventExitPending     EventType = "EXIT_PENDING"
	EventEnforcement     EventType = "ENFORCEMENT"
	EventRiskReset       EventType = "RISK_RESET"
	EventError           EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run on their own
// goroutines so a slow consumer cannot stall the trading loop.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishSignal publishes an evaluation signal event
func (eb *EventBus) PublishSignal(instanceID, symbol, kind, side, reason string, price float64) {
	eb.Publish(Event{
		Type: EventSignal,
		Data: map[string]interface{}{
			"instance_id": instanceID,
			"symbol":      symbol,
			"kind":        kind,
			"side":        side,
			"reason":      reason,
			"price":       price,
		},
	})
}

// PublishEntryFilled publishes a completed entry
func (eb *EventBus) PublishEntryFilled(instanceID, symbol, side string, price, quantity float64) {
	eb.Publish(Event{
		Type: EventEntryFilled,
		Data: map[string]interface{}{
			"instance_id": instanceID,
			"symbol":      symbol,
			"side":        side,
			"price":       price,
			"quantity":    quantity,
		},
	})
}

// PublishExitFilled publishes a completed exit with its realized PnL
func (eb *EventBus) PublishExitFilled(instanceID, symbol, side, reason string, price, quantity, pnl float64) {
	eb.Publish(Event{
		Type: EventExitFilled,
		Data: map[string]interface{}{
			"instance_id": instanceID,
			"symbol":      symbol,
			"side":        side,
			"reason":      reason,
			"price":       price,
			"quantity":    quantity,
			"pnl":         pnl,
		},
	})
}

// PublishEntryBlocked publishes a risk rejection of an entry intent
func (eb *EventBus) PublishEntryBlocked(instanceID, symbol, reason string) {
	eb.Publish(Event{
		Type: EventEntryBlocked,
		Data: map[string]interface{}{
			"instance_id": instanceID,
			"symbol":      symbol,
			"reason":      reason,
		},
	})
}

// PublishEnforcement publishes a risk enforcement action
func (eb *EventBus) PublishEnforcement(account, eventType, action string, threshold, observed float64) {
	eb.Publish(Event{
		Type: EventEnforcement,
		Data: map[string]interface{}{
			"account":    account,
			"event_type": eventType,
			"action":     action,
			"threshold":  threshold,
			"observed":   observed,
		},
	})
}

// PublishExitPending publishes an exit escalation after retries ran out
func (eb *EventBus) PublishExitPending(instanceID, symbol string, err error) {
	data := map[string]interface{}{
		"instance_id": instanceID,
		"symbol":      symbol,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{Type: EventExitPending, Data: data})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{Type: EventError, Data: data})
}
