// Package bus decouples the Gateway and background activities (Scheduler,
// Goal Runner, Mind, Swarm Manager) from each other: everyone publishes
// Events and the Gateway fans them out to subscribed WebSocket clients
// (spec.md §4.5 "Broadcast semantics"). Adapted from
// vanducng-goclaw/internal/bus/types.go, generalized from channel-message
// routing to the spec's closed event alphabet.
package bus

import "github.com/nextlevelbuilder/agentcore/pkg/protocol"

// Event is a server-side occurrence to broadcast to Gateway clients.
type Event struct {
	Name      string // protocol.EventType value
	SessionID string // empty = broadcast to every client, not scoped to one session
	Payload   interface{}
}

// EventHandler receives a published Event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + per-client subscription so
// the Agent Loop and background activities never touch the concrete
// Gateway client registry directly.
type EventPublisher interface {
	// Subscribe registers handler under id; events published afterward are
	// delivered to it until Unsubscribe.
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	// Broadcast delivers event to every subscriber.
	Broadcast(event Event)
	// BroadcastToSession delivers event only to subscribers currently bound
	// to sessionID, optionally excluding one subscriber id (the originator).
	BroadcastToSession(sessionID string, event Event, excludeID string)
}

// NewEvent builds a protocol-typed Event, taking its name from the
// EventType alphabet in pkg/protocol so callers never hand-write event
// names. It does not publish the event.
func NewEvent(name protocol.EventType, sessionID string, payload interface{}) Event {
	return Event{Name: string(name), SessionID: sessionID, Payload: payload}
}
