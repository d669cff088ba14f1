package bus

import (
	"sync"
	"testing"
)

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	b := NewMemoryBus()
	var mu sync.Mutex
	received := map[string]int{}

	for _, id := range []string{"a", "b", "c"} {
		id := id
		b.Subscribe(id, func(e Event) {
			mu.Lock()
			received[id]++
			mu.Unlock()
		})
	}

	b.Broadcast(Event{Name: "task_complete"})

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []string{"a", "b", "c"} {
		if received[id] != 1 {
			t.Errorf("subscriber %s received %d events, want 1", id, received[id])
		}
	}
}

func TestBroadcastToSessionExcludesOriginatorAndOtherSessions(t *testing.T) {
	b := NewMemoryBus()
	var mu sync.Mutex
	received := map[string]int{}

	for _, id := range []string{"client1", "client2", "client3"} {
		id := id
		b.Subscribe(id, func(e Event) {
			mu.Lock()
			received[id]++
			mu.Unlock()
		})
	}
	b.BindSession("client1", "sessA")
	b.BindSession("client2", "sessA")
	b.BindSession("client3", "sessB")

	b.BroadcastToSession("sessA", Event{Name: "task_complete"}, "client1")

	mu.Lock()
	defer mu.Unlock()
	if received["client1"] != 0 {
		t.Errorf("originator client1 should be excluded, got %d", received["client1"])
	}
	if received["client2"] != 1 {
		t.Errorf("client2 (other client on sessA) should receive 1, got %d", received["client2"])
	}
	if received["client3"] != 0 {
		t.Errorf("client3 (different session) should receive 0, got %d", received["client3"])
	}
}

func TestUnsubscribeRemovesSessionBinding(t *testing.T) {
	b := NewMemoryBus()
	count := 0
	b.Subscribe("c1", func(e Event) { count++ })
	b.BindSession("c1", "sess1")
	b.Unsubscribe("c1")
	b.BroadcastToSession("sess1", Event{Name: "x"}, "")
	if count != 0 {
		t.Errorf("unsubscribed client received event, count=%d", count)
	}
}

// A handler panic must not prevent delivery to other subscribers.
func TestBroadcastSurvivesPanickingHandler(t *testing.T) {
	b := NewMemoryBus()
	gotB := false
	b.Subscribe("a", func(e Event) { panic("boom") })
	b.Subscribe("b", func(e Event) { gotB = true })
	b.Broadcast(Event{Name: "x"})
	if !gotB {
		t.Error("subscriber b did not receive event after subscriber a panicked")
	}
}
