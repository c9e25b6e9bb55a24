package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventPoolPublished     EventType = "POOL_PUBLISHED"
	EventPoolActivated     EventType = "POOL_ACTIVATED"
	EventPoolClosed        EventType = "POOL_CLOSED"
	EventPoolSettlement    EventType = "POOL_SETTLEMENT"
	EventPoolCancelled     EventType = "POOL_CANCELLED"
	EventPoolArchived      EventType = "POOL_ARCHIVED"
	EventPoolResumed       EventType = "POOL_RESUMED"
	EventPoolHealth        EventType = "POOL_HEALTH"
	EventCircuitBreaker    EventType = "CIRCUIT_BREAKER"
	EventEmergencyStop     EventType = "EMERGENCY_STOP"
	EventInvestmentMade    EventType = "INVESTMENT_MADE"
	EventFundsWithdrawable EventType = "FUNDS_READY_FOR_WITHDRAWAL"
	EventNoReinvestOptions EventType = "NO_REINVESTMENT_OPTIONS"
	EventReinvestmentDone  EventType = "AUTO_REINVESTMENT_COMPLETED"
	EventWithdrawalRequest EventType = "WITHDRAWAL_REQUESTED"
	EventError             EventType = "ERROR"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions. Publishing never blocks
// the caller: every subscriber runs in its own goroutine, so a slow sink can
// never stall a scheduler tick or a request handler.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// ============================================================================
// Notification sink callbacks
// These let the engine packages reach connected clients without importing the
// api package, avoiding import cycles. Wired up by the api package at startup.
// ============================================================================

// NotifyUserFunc delivers an event to a single connected user.
type NotifyUserFunc func(userID string, event Event)

// BroadcastFunc delivers an event to every connected client.
type BroadcastFunc func(event Event)

// The sinks are wired once at startup but read from scheduler goroutines,
// so access goes through a lock rather than relying on wiring order.
var (
	sinkMu       sync.RWMutex
	notifyUserFn NotifyUserFunc
	broadcastFn  BroadcastFunc
)

// SetNotifyUser sets the per-user delivery callback.
func SetNotifyUser(fn NotifyUserFunc) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	notifyUserFn = fn
}

// SetBroadcast sets the broadcast delivery callback.
func SetBroadcast(fn BroadcastFunc) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	broadcastFn = fn
}

// NotifyUser delivers an event to a user, fire-and-forget. Delivery is
// at-least-once from the sink's perspective and never awaited for
// correctness.
func NotifyUser(userID string, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	sinkMu.RLock()
	fn := notifyUserFn
	sinkMu.RUnlock()

	if fn != nil && userID != "" {
		go fn(userID, event)
	}
}

// Broadcast delivers an event to all connected clients, fire-and-forget.
func Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	sinkMu.RLock()
	fn := broadcastFn
	sinkMu.RUnlock()

	if fn != nil {
		go fn(event)
	}
}
