package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is a conversation_history entry's speaker, §3 "role ∈ {user,
// assistant, tool, system}".
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Message is one conversation_history entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SessionRecord is the durable row backing a Session Manager session, §3.
type SessionRecord struct {
	SessionID           string            `json:"session_id"`
	Channel             string            `json:"channel"`
	UserID              string            `json:"user_id"`
	ConversationHistory []Message         `json:"conversation_history"`
	Summary             string            `json:"summary"`
	Metadata            map[string]string `json:"metadata"`
	CreatedAt           time.Time         `json:"created_at"`
	LastActive          time.Time         `json:"last_active"`
}

// SessionRepo persists SessionRecord rows on top of the generic Store
// contract. Grounded on vanducng-goclaw/internal/store/pg/sessions.go's
// GetOrCreate/AddMessage shape, generalized to the spec's (channel,
// user_id)-unique key and H-bounded history trim (owned by the Session
// Manager, which calls Append after computing the trim).
type SessionRepo struct {
	db Store
}

func NewSessionRepo(db Store) *SessionRepo { return &SessionRepo{db: db} }

// GetOrCreate returns the unique session for (channel, userID), creating
// one if absent. §4.2 get_or_create.
func (r *SessionRepo) GetOrCreate(ctx context.Context, channel, userID string) (*SessionRecord, error) {
	rows, err := r.db.Execute(ctx, `SELECT session_id, channel, user_id, conversation_history, summary, metadata, created_at, last_active
		FROM sessions WHERE channel = ? AND user_id = ?`, channel, userID)
	if err != nil {
		return nil, fmt.Errorf("store: get_or_create: %w", err)
	}
	if len(rows) > 0 {
		return decodeSessionRow(rows[0])
	}

	now := time.Now().UTC()
	rec := &SessionRecord{
		SessionID:           uuid.NewString(),
		Channel:             channel,
		UserID:              userID,
		ConversationHistory: []Message{},
		Metadata:            map[string]string{},
		CreatedAt:           now,
		LastActive:          now,
	}
	if err := r.insert(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *SessionRepo) insert(ctx context.Context, rec *SessionRecord) error {
	hist, err := json.Marshal(rec.ConversationHistory)
	if err != nil {
		return fmt.Errorf("store: marshal history: %w", err)
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}
	_, err = r.db.ExecuteInsert(ctx, `INSERT INTO sessions
		(session_id, channel, user_id, conversation_history, summary, metadata, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Channel, rec.UserID, string(hist), rec.Summary, string(meta), rec.CreatedAt, rec.LastActive)
	if err != nil {
		return fmt.Errorf("store: insert session: %w", err)
	}
	return nil
}

// Get fetches a session by id. Returns ErrNotFound if absent.
func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*SessionRecord, error) {
	rows, err := r.db.Execute(ctx, `SELECT session_id, channel, user_id, conversation_history, summary, metadata, created_at, last_active
		FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return decodeSessionRow(rows[0])
}

// Save upserts rec, matching §4.2 save(session).
func (r *SessionRepo) Save(ctx context.Context, rec *SessionRecord) error {
	hist, err := json.Marshal(rec.ConversationHistory)
	if err != nil {
		return fmt.Errorf("store: marshal history: %w", err)
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}
	_, err = r.db.ExecuteInsert(ctx, `INSERT INTO sessions
		(session_id, channel, user_id, conversation_history, summary, metadata, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			conversation_history = excluded.conversation_history,
			summary = excluded.summary,
			metadata = excluded.metadata,
			last_active = excluded.last_active`,
		rec.SessionID, rec.Channel, rec.UserID, string(hist), rec.Summary, string(meta), rec.CreatedAt, rec.LastActive)
	if err != nil {
		return fmt.Errorf("store: save session: %w", err)
	}
	return nil
}

// ListActive returns up to limit sessions ordered by last_active DESC.
func (r *SessionRepo) ListActive(ctx context.Context, limit int) ([]*SessionRecord, error) {
	rows, err := r.db.Execute(ctx, `SELECT session_id, channel, user_id, conversation_history, summary, metadata, created_at, last_active
		FROM sessions ORDER BY last_active DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list_active: %w", err)
	}
	out := make([]*SessionRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeSessionRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// CleanupStale deletes sessions whose last_active is older than maxAge and
// returns how many were removed. §4.2 cleanup_stale.
func (r *SessionRepo) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	rows, err := r.db.Execute(ctx, `SELECT session_id FROM sessions WHERE last_active < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup_stale: select: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	argSets := make([][]interface{}, 0, len(rows))
	for _, row := range rows {
		argSets = append(argSets, []interface{}{row["session_id"]})
	}
	if err := r.db.ExecuteMany(ctx, `DELETE FROM sessions WHERE session_id = ?`, argSets); err != nil {
		return 0, fmt.Errorf("store: cleanup_stale: delete: %w", err)
	}
	return len(rows), nil
}

func decodeSessionRow(row Row) (*SessionRecord, error) {
	rec := &SessionRecord{
		SessionID: asString(row["session_id"]),
		Channel:   asString(row["channel"]),
		UserID:    asString(row["user_id"]),
		Summary:   asString(row["summary"]),
	}
	if err := json.Unmarshal([]byte(asString(row["conversation_history"])), &rec.ConversationHistory); err != nil {
		return nil, fmt.Errorf("store: decode conversation_history: %w", err)
	}
	if raw := asString(row["metadata"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("store: decode metadata: %w", err)
		}
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}
	var err error
	if rec.CreatedAt, err = asTime(row["created_at"]); err != nil {
		return nil, fmt.Errorf("store: decode created_at: %w", err)
	}
	if rec.LastActive, err = asTime(row["last_active"]); err != nil {
		return nil, fmt.Errorf("store: decode last_active: %w", err)
	}
	return rec, nil
}
