package engine

import (
	"sync"
	"testing"
)

func TestSubscribeAndEmit(t *testing.T) {
	bus := NewEventBus()
	var received []Event

	bus.Subscribe(func(e Event) {
		received = append(received, e)
	})

	bus.Emit(Event{Type: EventJobCompleted, Payload: JobEvent{Outcome: OutcomeMessage{Ref: 1}}})
	bus.Emit(Event{Type: EventReporterStarted, Payload: ServiceEvent{Kind: "mqtt", Name: "mqtt1"}})

	if len(received) != 2 {
		t.Fatalf("expected 2 events, got %d", len(received))
	}
	if received[0].Type != EventJobCompleted {
		t.Errorf("expected EventJobCompleted, got %s", received[0].Type)
	}
	if received[1].Type != EventReporterStarted {
		t.Errorf("expected EventReporterStarted, got %s", received[1].Type)
	}
}

func TestSubscribeTypes(t *testing.T) {
	bus := NewEventBus()
	var received []Event

	bus.SubscribeTypes(func(e Event) {
		received = append(received, e)
	}, EventJobCompleted, EventJobFailed)

	bus.Emit(Event{Type: EventJobCompleted, Payload: JobEvent{Outcome: OutcomeMessage{Ref: 1}}})
	bus.Emit(Event{Type: EventReporterStarted, Payload: ServiceEvent{Name: "mqtt1"}}) // should be filtered
	bus.Emit(Event{Type: EventJobFailed, Payload: JobEvent{Outcome: OutcomeMessage{Ref: 2}}})

	if len(received) != 2 {
		t.Fatalf("expected 2 filtered events, got %d", len(received))
	}
	if ref := received[0].Payload.(JobEvent).Outcome.Ref; ref != 1 {
		t.Errorf("expected ref 1, got %d", ref)
	}
	if ref := received[1].Payload.(JobEvent).Outcome.Ref; ref != 2 {
		t.Errorf("expected ref 2, got %d", ref)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	count := 0

	id := bus.Subscribe(func(e Event) {
		count++
	})

	bus.Emit(Event{Type: EventJobCompleted})
	if count != 1 {
		t.Fatalf("expected 1, got %d", count)
	}

	bus.Unsubscribe(id)
	bus.Emit(Event{Type: EventJobCompleted})
	if count != 1 {
		t.Fatalf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestUnsubscribeNonExistent(t *testing.T) {
	bus := NewEventBus()
	// Should not panic
	bus.Unsubscribe(999)
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	var mu sync.Mutex
	counts := make(map[string]int)

	bus.Subscribe(func(e Event) {
		mu.Lock()
		counts["a"]++
		mu.Unlock()
	})
	bus.Subscribe(func(e Event) {
		mu.Lock()
		counts["b"]++
		mu.Unlock()
	})

	bus.Emit(Event{Type: EventDecodeFailed})

	mu.Lock()
	defer mu.Unlock()
	if counts["a"] != 1 || counts["b"] != 1 {
		t.Errorf("expected both subscribers called once, got a=%d b=%d", counts["a"], counts["b"])
	}
}

func TestEmitSetsTimestamp(t *testing.T) {
	bus := NewEventBus()
	var received Event

	bus.Subscribe(func(e Event) {
		received = e
	})

	bus.Emit(Event{Type: EventConnectionAccepted})

	if received.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}
}

func TestConcurrentEmit(t *testing.T) {
	bus := NewEventBus()
	var mu sync.Mutex
	count := 0

	bus.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Emit(Event{Type: EventJobCompleted})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 100 {
		t.Errorf("expected 100, got %d", count)
	}
}

func TestEventType_String(t *testing.T) {
	if EventJobFailed.String() != "job_failed" || EventType(0).String() != "unknown" {
		t.Error("unexpected event type names")
	}
}
