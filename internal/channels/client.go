// Package channels holds the thin platform adapters (Discord, Telegram)
// that sit outside the core per spec.md §1's Non-goals ("the CLI and
// individual channel adapters"). They are real external collaborators
// of the Gateway: each one dials the Gateway's own `/ws` endpoint as an
// ordinary protocol.Frame client, exactly as a CLI would, and never
// reaches into the Gateway's internals directly.
//
// Adapted from vanducng-goclaw/internal/channels/channel.go's
// BaseChannel, generalized from its in-process bus.MessageBus plumbing
// to this protocol's wire-level Frame exchange over a WebSocket dial.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// GatewayClient is one outbound WebSocket connection to the Gateway,
// used by a platform adapter to forward chat messages and receive
// responses/events, mirroring how internal/gateway.Client serves the
// Gateway side of the same Frame alphabet.
type GatewayClient struct {
	channel string
	conn    *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Frame

	onEvent func(protocol.Frame)
}

// DialGateway opens a WebSocket connection to addr's `/ws` endpoint.
// onEvent is invoked for every `event`/`status` frame the Gateway
// broadcasts that isn't a direct reply to a pending chat.
func DialGateway(ctx context.Context, addr, channel string, onEvent func(protocol.Frame)) (*GatewayClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("channels: dial gateway %s: %w", addr, err)
	}
	c := &GatewayClient{
		channel: channel,
		conn:    conn,
		pending: make(map[string]chan protocol.Frame),
		onEvent: onEvent,
	}
	go c.readLoop()
	return c, nil
}

func (c *GatewayClient) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			slog.Debug("channels: gateway connection closed", "channel", c.channel, "error", err)
			c.failAllPending()
			return
		}
		frame, err := protocol.FromWire(raw)
		if err != nil {
			slog.Warn("channels: malformed frame from gateway", "channel", c.channel, "error", err)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[frame.ID]
		if ok {
			delete(c.pending, frame.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- frame
			continue
		}
		if c.onEvent != nil {
			c.onEvent(frame)
		}
	}
}

func (c *GatewayClient) failAllPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// SendChat sends a chat frame for userID and blocks for the matching
// `response` frame (or ctx cancellation).
func (c *GatewayClient) SendChat(ctx context.Context, userID, message string, media []string) (protocol.Frame, error) {
	id := uuid.NewString()
	frame, err := protocol.NewFrame(id, protocol.TypeChat, "", c.channel, userID, protocol.ChatData{Message: message, Media: media})
	if err != nil {
		return protocol.Frame{}, err
	}

	reply := make(chan protocol.Frame, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()

	if err := c.send(frame); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return protocol.Frame{}, err
	}

	select {
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	case f, ok := <-reply:
		if !ok {
			return protocol.Frame{}, fmt.Errorf("channels: gateway connection closed before reply")
		}
		return f, nil
	}
}

func (c *GatewayClient) send(frame protocol.Frame) error {
	raw, err := frame.ToWire()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// Close closes the underlying WebSocket connection.
func (c *GatewayClient) Close() error {
	return c.conn.Close()
}

// IsAllowed reports whether senderID is permitted by allowList. An
// empty allowList means every sender is allowed, matching
// vanducng-goclaw/internal/channels/channel.go's BaseChannel.IsAllowed
// (simplified: this adapter layer has no compound "id|username" senders).
func IsAllowed(allowList []string, senderID string) bool {
	if len(allowList) == 0 {
		return true
	}
	for _, allowed := range allowList {
		if senderID == allowed {
			return true
		}
	}
	return false
}

// Truncate shortens a string to maxLen, appending "..." if truncated —
// kept from vanducng-goclaw/internal/channels/channel.go's helper of the
// same name for the adapters' own message-chunking use.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
