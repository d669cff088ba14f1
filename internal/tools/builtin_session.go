package tools

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/agentcore/internal/sessions"
)

// sessionStatusArgs is the session_status tool's input shape.
type sessionStatusArgs struct {
	SessionID string `json:"session_id" jsonschema:"required,description=Session identifier to inspect"`
}

// SessionStatusTool reports a session's size and staleness, grounded on
// vanducng-goclaw/internal/tools/sessions.go's "session_status" tool
// (teacher's own SessionStore.List/GetOrCreate shape), adapted to the
// Session Manager built in this repo.
type SessionStatusTool struct {
	manager *sessions.Manager
}

func NewSessionStatusTool(manager *sessions.Manager) *SessionStatusTool {
	return &SessionStatusTool{manager: manager}
}

func (t *SessionStatusTool) Name() string { return "session_status" }
func (t *SessionStatusTool) Description() string {
	return "Report message count and last-active time for a session."
}
func (t *SessionStatusTool) PermissionLevel() PermissionLevel { return PermissionSafe }
func (t *SessionStatusTool) InputSchema() map[string]interface{} {
	return SchemaFor[sessionStatusArgs]()
}
func (t *SessionStatusTool) ValidateInput(params map[string]interface{}) error {
	var args sessionStatusArgs
	return DecodeArgs(params, &args)
}
func (t *SessionStatusTool) ParallelSafe() bool { return true }

func (t *SessionStatusTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var args sessionStatusArgs
	if err := DecodeArgs(params, &args); err != nil {
		return nil, err
	}
	rec, err := t.manager.Get(ctx, args.SessionID)
	if err != nil {
		return nil, fmt.Errorf("session_status: %w", err)
	}
	return map[string]interface{}{
		"session_id":    rec.SessionID,
		"channel":       rec.Channel,
		"message_count": len(rec.ConversationHistory),
		"last_active":   rec.LastActive,
		"summary":       rec.Summary,
	}, nil
}

// sessionsHistoryArgs is the sessions_history tool's input shape.
type sessionsHistoryArgs struct {
	SessionID string `json:"session_id" jsonschema:"required,description=Session identifier"`
	Limit     int    `json:"limit,omitempty" jsonschema:"description=Max messages to return,default=20"`
}

// SessionsHistoryTool returns the tail of a session's conversation
// history, grounded on vanducng-goclaw/internal/tools/sessions_history.go.
type SessionsHistoryTool struct {
	manager *sessions.Manager
}

func NewSessionsHistoryTool(manager *sessions.Manager) *SessionsHistoryTool {
	return &SessionsHistoryTool{manager: manager}
}

func (t *SessionsHistoryTool) Name() string { return "sessions_history" }
func (t *SessionsHistoryTool) Description() string {
	return "Return the recent conversation history of a session."
}
func (t *SessionsHistoryTool) PermissionLevel() PermissionLevel { return PermissionSafe }
func (t *SessionsHistoryTool) InputSchema() map[string]interface{} {
	return SchemaFor[sessionsHistoryArgs]()
}
func (t *SessionsHistoryTool) ValidateInput(params map[string]interface{}) error {
	var args sessionsHistoryArgs
	return DecodeArgs(params, &args)
}
func (t *SessionsHistoryTool) ParallelSafe() bool { return true }

func (t *SessionsHistoryTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var args sessionsHistoryArgs
	if err := DecodeArgs(params, &args); err != nil {
		return nil, err
	}
	if args.Limit <= 0 {
		args.Limit = 20
	}
	rec, err := t.manager.Get(ctx, args.SessionID)
	if err != nil {
		return nil, fmt.Errorf("sessions_history: %w", err)
	}
	hist := rec.ConversationHistory
	if len(hist) > args.Limit {
		hist = hist[len(hist)-args.Limit:]
	}
	return map[string]interface{}{"session_id": rec.SessionID, "messages": hist}, nil
}
