package event

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/switchboard/internal/logging"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus(nil)

	called := false
	id := bus.Subscribe(TypeLockAcquired, func(e Event) {
		called = true
	})

	if id == "" {
		t.Error("Subscribe should return a non-empty ID")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("Expected 1 subscription, got %d", bus.SubscriptionCount())
	}
	if called {
		t.Error("Handler should not be called until an event is published")
	}
}

func TestBus_Publish(t *testing.T) {
	bus := NewBus(nil)

	var received Event
	bus.Subscribe(TypeLockConflict, func(e Event) {
		received = e
	})

	bus.Publish(NewLockConflictEvent("src/auth.py", "agent-b", "agent-a", 3*time.Second))

	if received == nil {
		t.Fatal("Handler should have received the event")
	}
	le, ok := received.(LockEvent)
	if !ok {
		t.Fatalf("received %T, want LockEvent", received)
	}
	if le.Holder != "agent-a" || le.Owner != "agent-b" {
		t.Errorf("holder/owner = %q/%q", le.Holder, le.Owner)
	}
}

func TestBus_PublishOrdering(t *testing.T) {
	bus := NewBus(nil)

	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "wildcard") })
	bus.Subscribe(TypeVoteClosed, func(e Event) { order = append(order, "first") })
	bus.Subscribe(TypeVoteClosed, func(e Event) { order = append(order, "second") })
	bus.Subscribe(TypeVoteOpened, func(e Event) { order = append(order, "other") })

	bus.Publish(NewVoteClosedEvent("v1", "hashing", "argon2"))

	want := []string{"first", "second", "wildcard"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	calls := 0
	id := bus.Subscribe(TypeAckEscalated, func(e Event) { calls++ })
	bus.Subscribe(TypeAckEscalated, func(e Event) { calls += 10 })

	if !bus.Unsubscribe(id) {
		t.Fatal("Unsubscribe returned false for a live subscription")
	}
	if bus.Unsubscribe(id) {
		t.Error("second Unsubscribe should return false")
	}

	bus.Publish(NewAckEscalatedEvent("m1", "agent-b", 3))
	if calls != 10 {
		t.Errorf("calls = %d, want 10", calls)
	}
}

func TestBus_PanicRecovery(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(logging.New(&buf, logging.LevelDebug))

	reached := false
	bus.Subscribe(TypeMessageSent, func(e Event) { panic("boom") })
	bus.Subscribe(TypeMessageSent, func(e Event) { reached = true })

	bus.Publish(NewMessageSentEvent("m1", "a", "b", "INFO"))

	if !reached {
		t.Error("handler after panicking handler was not called")
	}
	if !strings.Contains(buf.String(), "event handler panicked") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestBus_NilPublish(t *testing.T) {
	var bus *Bus
	bus.Publish(NewLockReleasedEvent("x", "a"))
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(TypeLockAcquired, func(Event) {})
	bus.SubscribeAll(func(Event) {})

	bus.Clear()
	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after Clear", bus.SubscriptionCount())
	}
}

func TestBus_Concurrent(t *testing.T) {
	bus := NewBus(nil)

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(NewVoteCastEvent("v", "agent", "A"))
			}
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := bus.Subscribe(TypeVoteCast, func(Event) {})
			bus.Unsubscribe(id)
		}()
	}
	wg.Wait()

	if count != 1000 {
		t.Errorf("count = %d, want 1000", count)
	}
}

func TestBroadcastEvent_Partial(t *testing.T) {
	tests := []struct {
		name      string
		delivered []string
		failed    []string
		want      bool
	}{
		{"all delivered", []string{"a", "b"}, nil, false},
		{"none delivered", nil, []string{"a"}, false},
		{"partial", []string{"a"}, []string{"b"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewBroadcastEvent("x", tt.delivered, tt.failed).Partial(); got != tt.want {
				t.Errorf("Partial() = %v, want %v", got, tt.want)
			}
		})
	}
}
