package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// Client is one duplex WebSocket connection, bound to a (channel,
// user_id) pair at the moment of its first chat frame, §4.5.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	writeMu sync.Mutex

	mu        sync.RWMutex
	channel   string
	userID    string
	sessionID string
	bound     bool
}

func NewClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{id: uuid.NewString(), conn: conn, server: s}
}

// Run reads frames off the connection until it closes or ctx ends,
// dispatching each to the server's MethodRouter.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("gateway: client read error", "client", c.id, "error", err)
			}
			return
		}

		frame, err := protocol.FromWire(raw)
		if err != nil {
			c.SendError("malformed frame", "")
			continue
		}

		c.server.router.Dispatch(ctx, c, frame)
	}
}

func (c *Client) send(frame protocol.Frame) {
	raw, err := frame.ToWire()
	if err != nil {
		slog.Warn("gateway: encode frame failed", "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		slog.Warn("gateway: client send failed", "client", c.id, "error", err)
	}
}

// SendResponse replies to a chat/command frame.
func (c *Client) SendResponse(replyTo, content string, done bool) {
	frame, err := protocol.NewFrame(replyTo, protocol.TypeResponse, c.SessionID(), c.Channel(), c.UserID(), protocol.ResponseData{Content: content, Done: done})
	if err != nil {
		return
	}
	c.send(frame)
}

// SendEvent forwards a bus event as an `event` frame, §4.5 Broadcast semantics.
func (c *Client) SendEvent(eventType protocol.EventType, payload interface{}) {
	frame, err := protocol.NewEventFrame(uuid.NewString(), c.SessionID(), eventType, payload)
	if err != nil {
		return
	}
	c.send(frame)
}

// SendError sends an `error` frame, optionally naming the request it replies to.
func (c *Client) SendError(detail, replyTo string) {
	frame, err := protocol.NewFrame(uuid.NewString(), protocol.TypeError, c.SessionID(), c.Channel(), c.UserID(), protocol.ErrorData{Detail: detail, ReplyTo: replyTo})
	if err != nil {
		return
	}
	c.send(frame)
}

// SendStatus replies to a status heartbeat.
func (c *Client) SendStatus(replyTo, detail string) {
	frame, err := protocol.NewFrame(replyTo, protocol.TypeStatus, c.SessionID(), c.Channel(), c.UserID(), protocol.StatusData{Timestamp: time.Now().UTC(), Detail: detail})
	if err != nil {
		return
	}
	c.send(frame)
}

// bind associates this client with a (channel, user_id, session) triple
// on its first chat frame. Rebinding to a different session is rejected
// by the caller (MethodRouter) rather than here.
func (c *Client) bind(channel, userID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel, c.userID, c.sessionID, c.bound = channel, userID, sessionID, true
}

func (c *Client) Bound() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bound
}

func (c *Client) Channel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Client) Close() {
	_ = c.conn.Close()
}
