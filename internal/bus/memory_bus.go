package bus

import (
	"log/slog"
	"sync"
)

// MemoryBus is the default in-process EventPublisher: one Gateway process,
// all clients held in memory. Delivery is best-effort per spec.md §4.5 —
// a handler panic or error is logged and does not affect other
// subscribers.
type MemoryBus struct {
	mu                   sync.RWMutex
	subscribers          map[string]EventHandler
	sessionOfSubscriber  map[string]string          // clientID -> sessionID
	subscribersOfSession map[string]map[string]bool // sessionID -> set of clientIDs
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribers:          make(map[string]EventHandler),
		sessionOfSubscriber:  make(map[string]string),
		subscribersOfSession: make(map[string]map[string]bool),
	}
}

func (b *MemoryBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// BindSession associates a subscriber with a session so BroadcastToSession
// can target it. A subscriber may only be bound to one session at a time
// (rebinding replaces the previous association), matching the Gateway's
// "bound at the moment of its first chat message" rule (spec.md §4.5).
func (b *MemoryBus) BindSession(id, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.sessionOfSubscriber[id]; ok {
		if set := b.subscribersOfSession[prev]; set != nil {
			delete(set, id)
		}
	}
	b.sessionOfSubscriber[id] = sessionID
	set, ok := b.subscribersOfSession[sessionID]
	if !ok {
		set = make(map[string]bool)
		b.subscribersOfSession[sessionID] = set
	}
	set[id] = true
}

func (b *MemoryBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
	if sessionID, ok := b.sessionOfSubscriber[id]; ok {
		if set := b.subscribersOfSession[sessionID]; set != nil {
			delete(set, id)
		}
		delete(b.sessionOfSubscriber, id)
	}
}

func (b *MemoryBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make(map[string]EventHandler, len(b.subscribers))
	for id, h := range b.subscribers {
		handlers[id] = h
	}
	b.mu.RUnlock()

	for id, h := range handlers {
		b.safeDeliver(id, h, event)
	}
}

func (b *MemoryBus) BroadcastToSession(sessionID string, event Event, excludeID string) {
	b.mu.RLock()
	set := b.subscribersOfSession[sessionID]
	ids := make([]string, 0, len(set))
	for id := range set {
		if id != excludeID {
			ids = append(ids, id)
		}
	}
	handlers := make(map[string]EventHandler, len(ids))
	for _, id := range ids {
		if h, ok := b.subscribers[id]; ok {
			handlers[id] = h
		}
	}
	b.mu.RUnlock()

	for id, h := range handlers {
		b.safeDeliver(id, h, event)
	}
}

func (b *MemoryBus) safeDeliver(id string, h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: subscriber handler panicked", "subscriber", id, "event", event.Name, "recover", r)
		}
	}()
	h(event)
}
