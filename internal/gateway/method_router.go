package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/agentcore/internal/agent"
	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// CommandHandler implements one `command` frame's slash-command, e.g. "status".
type CommandHandler func(ctx context.Context, c *Client, args []string) (string, error)

// MethodRouter dispatches an inbound Frame to the handler for its Type,
// §4.5 "Routing". Adapted from the teacher's per-method dispatch (its
// gateway/methods package) collapsed to this protocol's eight-member
// closed type alphabet instead of an open RPC-method namespace.
type MethodRouter struct {
	server   *Server
	commands map[string]CommandHandler
}

func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{server: s, commands: make(map[string]CommandHandler)}
	r.RegisterCommand("status", r.handleStatusCommand)
	r.RegisterCommand("sessions", r.handleSessionsCommand)
	return r
}

func (r *MethodRouter) RegisterCommand(name string, h CommandHandler) {
	r.commands[name] = h
}

func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, frame protocol.Frame) {
	if r.server.rateLimiter.Enabled() && !r.server.rateLimiter.Allow(c.id) {
		c.SendError("rate limit exceeded", frame.ID)
		return
	}

	switch frame.Type {
	case protocol.TypeChat:
		r.handleChat(ctx, c, frame)
	case protocol.TypeApprovalResponse:
		r.handleApprovalResponse(c, frame)
	case protocol.TypeCommand:
		r.handleCommand(ctx, c, frame)
	case protocol.TypeStatus:
		c.SendStatus(frame.ID, "ok")
	default:
		c.SendError(fmt.Sprintf("unsupported inbound frame type %q", frame.Type), frame.ID)
	}
}

func (r *MethodRouter) handleChat(ctx context.Context, c *Client, frame protocol.Frame) {
	var data protocol.ChatData
	if err := frame.DecodeData(&data); err != nil {
		c.SendError("malformed chat data: "+err.Error(), frame.ID)
		return
	}
	channel, userID := frame.Channel, frame.UserID
	if channel == "" || userID == "" {
		c.SendError("chat frame requires channel and user_id", frame.ID)
		return
	}

	rec, err := r.server.sessions.GetOrCreate(ctx, channel, userID)
	if err != nil {
		c.SendError("session lookup failed: "+err.Error(), frame.ID)
		return
	}

	if c.Bound() && c.SessionID() != rec.SessionID {
		c.SendError("client already bound to a different session", frame.ID)
		return
	}
	if !c.Bound() {
		c.bind(channel, userID, rec.SessionID)
		r.server.bindClientSession(c)
	}

	if !r.server.admitSession(rec.SessionID) {
		c.SendError("too many concurrent sessions, try again shortly", frame.ID)
		return
	}
	defer r.server.releaseSession(rec.SessionID)

	unlock := r.server.lockSession(rec.SessionID)
	defer unlock()

	result, err := r.server.loop.Run(ctx, agent.RunRequest{
		SessionID: rec.SessionID,
		Channel:   channel,
		UserID:    userID,
		Goal:      data.Message,
		RunID:     frame.ID,
		Approve:   r.server.makeApprovalFunc(rec.SessionID),
	})
	if err != nil {
		slog.Error("gateway: agent run failed", "session", rec.SessionID, "error", err)
		c.SendError("agent run failed: "+err.Error(), frame.ID)
		r.server.eventPub.BroadcastToSession(rec.SessionID, bus.NewEvent(protocol.EventTaskError, rec.SessionID, err.Error()), "")
		return
	}

	c.SendResponse(frame.ID, result.Content, true)
	r.server.eventPub.BroadcastToSession(rec.SessionID, bus.NewEvent(protocol.EventTaskComplete, rec.SessionID, result.Content), c.id)
}

func (r *MethodRouter) handleApprovalResponse(c *Client, frame protocol.Frame) {
	var data protocol.ApprovalResponseData
	if err := frame.DecodeData(&data); err != nil {
		c.SendError("malformed approval_response data: "+err.Error(), frame.ID)
		return
	}
	if !r.server.approvals.Resolve(data.RequestID, data.Approved) {
		c.SendError("no pending approval for that id", frame.ID)
	}
}

func (r *MethodRouter) handleCommand(ctx context.Context, c *Client, frame protocol.Frame) {
	var data protocol.CommandData
	if err := frame.DecodeData(&data); err != nil {
		c.SendError("malformed command data: "+err.Error(), frame.ID)
		return
	}
	h, ok := r.commands[data.Name]
	if !ok {
		c.SendError("unknown command: "+data.Name, frame.ID)
		return
	}
	reply, err := h(ctx, c, data.Args)
	if err != nil {
		c.SendError(err.Error(), frame.ID)
		return
	}
	c.SendResponse(frame.ID, reply, true)
}

func (r *MethodRouter) handleStatusCommand(ctx context.Context, c *Client, args []string) (string, error) {
	return fmt.Sprintf("protocol=%d clients=%d", protocol.ProtocolVersion, r.server.clientCount()), nil
}

func (r *MethodRouter) handleSessionsCommand(ctx context.Context, c *Client, args []string) (string, error) {
	recs, err := r.server.sessions.ListActive(ctx, 20)
	if err != nil {
		return "", err
	}
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.SessionID)
	}
	sort.Strings(ids)
	return strings.Join(ids, "\n"), nil
}
