package events

import (
	"sync"
	"testing"
	"time"
)

// =====================================================
// BUS
// =====================================================

func TestPublish(t *testing.T) {
	bus := NewBus()

	typed := make(chan Event, 1)
	all := make(chan Event, 2)
	bus.Subscribe(EventCircuitBreaker, func(e Event) { typed <- e })
	bus.SubscribeAll(func(e Event) { all <- e })

	bus.Publish(Event{Type: EventCircuitBreaker, Data: map[string]interface{}{"pool_id": "p1"}})
	bus.Publish(Event{Type: EventPoolHealth})

	select {
	case e := <-typed:
		if e.Type != EventCircuitBreaker {
			t.Errorf("typed subscriber got %s, want circuit breaker event", e.Type)
		}
		if e.Timestamp.IsZero() {
			t.Error("published event must carry a timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("typed subscriber never received the event")
	}

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatalf("all-events subscriber received %d of 2 events", i)
		}
	}
}

// =====================================================
// NOTIFICATION SINKS
// =====================================================

func TestNotificationSinks(t *testing.T) {
	t.Cleanup(func() {
		SetNotifyUser(nil)
		SetBroadcast(nil)
	})

	t.Run("unset sinks drop silently", func(t *testing.T) {
		SetNotifyUser(nil)
		SetBroadcast(nil)

		NotifyUser("u1", Event{Type: EventInvestmentMade})
		Broadcast(Event{Type: EventPoolHealth})
	})

	t.Run("wired sinks deliver", func(t *testing.T) {
		notified := make(chan string, 1)
		broadcasted := make(chan Event, 1)
		SetNotifyUser(func(userID string, e Event) { notified <- userID })
		SetBroadcast(func(e Event) { broadcasted <- e })

		NotifyUser("u1", Event{Type: EventInvestmentMade})
		Broadcast(Event{Type: EventPoolHealth})

		select {
		case userID := <-notified:
			if userID != "u1" {
				t.Errorf("notified user = %s, want u1", userID)
			}
		case <-time.After(time.Second):
			t.Fatal("user notification never delivered")
		}
		select {
		case e := <-broadcasted:
			if e.Type != EventPoolHealth {
				t.Errorf("broadcast type = %s, want pool health", e.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("broadcast never delivered")
		}
	})

	t.Run("anonymous notifications are dropped", func(t *testing.T) {
		notified := make(chan string, 1)
		SetNotifyUser(func(userID string, e Event) { notified <- userID })

		NotifyUser("", Event{Type: EventInvestmentMade})

		select {
		case userID := <-notified:
			t.Errorf("unexpected delivery for empty user id: %q", userID)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestSinkWiringIsConcurrencySafe(t *testing.T) {
	// Wiring races against scheduler-side delivery; the race detector flags
	// any unguarded access to the callbacks.
	t.Cleanup(func() {
		SetNotifyUser(nil)
		SetBroadcast(nil)
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetNotifyUser(func(string, Event) {})
			SetBroadcast(func(Event) {})
		}()
		go func() {
			defer wg.Done()
			NotifyUser("u1", Event{Type: EventInvestmentMade})
			Broadcast(Event{Type: EventPoolHealth})
		}()
	}
	wg.Wait()
}
