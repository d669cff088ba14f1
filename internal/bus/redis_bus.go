package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisBus wraps a MemoryBus with cross-process fan-out over a Redis
// pub/sub channel, so multiple Gateway processes behind a load balancer
// still deliver events to whichever process holds a given client's
// WebSocket connection. Local subscriber bookkeeping (Subscribe,
// BindSession, session routing) stays entirely in the embedded MemoryBus;
// Redis only relays the published Event payload between processes.
type RedisBus struct {
	*MemoryBus
	rdb     *redis.Client
	channel string
}

type wireEvent struct {
	Name      string          `json:"name"`
	SessionID string          `json:"session_id,omitempty"`
	ExcludeID string          `json:"exclude_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewRedisBus connects to redisAddr and starts relaying events published
// by any process on the shared pub/sub channel into this process's local
// MemoryBus. Call Close to stop relaying on shutdown.
func NewRedisBus(ctx context.Context, redisAddr, channel string) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus: connect redis: %w", err)
	}

	rb := &RedisBus{
		MemoryBus: NewMemoryBus(),
		rdb:       rdb,
		channel:   channel,
	}
	go rb.relayLoop(ctx)
	return rb, nil
}

func (rb *RedisBus) relayLoop(ctx context.Context) {
	sub := rb.rdb.Subscribe(ctx, rb.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var we wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &we); err != nil {
				slog.Warn("bus: redis relay decode failed", "error", err)
				continue
			}
			var payload interface{} = we.Payload
			if we.SessionID != "" {
				rb.MemoryBus.BroadcastToSession(we.SessionID, Event{Name: we.Name, SessionID: we.SessionID, Payload: payload}, we.ExcludeID)
			} else {
				rb.MemoryBus.Broadcast(Event{Name: we.Name, Payload: payload})
			}
		}
	}
}

// Broadcast publishes to Redis (for other processes) and delivers locally.
func (rb *RedisBus) Broadcast(event Event) {
	rb.publish(event, "", "")
	rb.MemoryBus.Broadcast(event)
}

// BroadcastToSession publishes to Redis (for other processes) and
// delivers locally.
func (rb *RedisBus) BroadcastToSession(sessionID string, event Event, excludeID string) {
	rb.publish(event, sessionID, excludeID)
	rb.MemoryBus.BroadcastToSession(sessionID, event, excludeID)
}

func (rb *RedisBus) publish(event Event, sessionID, excludeID string) {
	payloadRaw, err := json.Marshal(event.Payload)
	if err != nil {
		slog.Warn("bus: redis publish marshal failed", "error", err)
		return
	}
	we := wireEvent{Name: event.Name, SessionID: sessionID, ExcludeID: excludeID, Payload: payloadRaw}
	data, err := json.Marshal(we)
	if err != nil {
		slog.Warn("bus: redis publish marshal failed", "error", err)
		return
	}
	if err := rb.rdb.Publish(context.Background(), rb.channel, data).Err(); err != nil {
		slog.Warn("bus: redis publish failed", "error", err)
	}
}

func (rb *RedisBus) Close() error {
	return rb.rdb.Close()
}
