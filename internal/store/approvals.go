package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ApprovalStatus is an ApprovalRequest's lifecycle state, §3.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// ApprovalRequest is a durable record of a tool call awaiting user
// confirmation, §3 ApprovalRequest. The in-memory future/wait-registry
// that resolves these lives in internal/approval; this repo is the durable
// half so an approval outlasts a single client connection.
type ApprovalRequest struct {
	ID          string
	SessionID   string
	ToolName    string
	Description string
	Params      map[string]interface{}
	Status      ApprovalStatus
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

type ApprovalRepo struct {
	db Store
}

func NewApprovalRepo(db Store) *ApprovalRepo { return &ApprovalRepo{db: db} }

func (r *ApprovalRepo) Create(ctx context.Context, a *ApprovalRequest) error {
	a.CreatedAt = time.Now().UTC()
	a.Status = ApprovalPending
	params, err := json.Marshal(a.Params)
	if err != nil {
		return fmt.Errorf("store: marshal approval params: %w", err)
	}
	_, err = r.db.ExecuteInsert(ctx, `INSERT INTO approval_requests (id, session_id, tool_name, description, params, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, nullString(a.SessionID), a.ToolName, a.Description, string(params), string(a.Status), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create approval: %w", err)
	}
	return nil
}

func (r *ApprovalRepo) Resolve(ctx context.Context, id string, approved bool) error {
	status := ApprovalDenied
	if approved {
		status = ApprovalApproved
	}
	_, err := r.db.ExecuteInsert(ctx, `UPDATE approval_requests SET status = ?, resolved_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: resolve approval: %w", err)
	}
	return nil
}

func (r *ApprovalRepo) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	rows, err := r.db.Execute(ctx, approvalSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("store: get approval: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return decodeApproval(rows[0])
}

func (r *ApprovalRepo) ListPending(ctx context.Context, sessionID string) ([]*ApprovalRequest, error) {
	rows, err := r.db.Execute(ctx, approvalSelect+` WHERE status = ? AND session_id = ? ORDER BY created_at`, string(ApprovalPending), sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list pending approvals: %w", err)
	}
	out := make([]*ApprovalRequest, 0, len(rows))
	for _, row := range rows {
		a, err := decodeApproval(row)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

const approvalSelect = `SELECT id, session_id, tool_name, description, params, status, created_at, resolved_at FROM approval_requests`

func decodeApproval(row Row) (*ApprovalRequest, error) {
	a := &ApprovalRequest{
		ID:          asString(row["id"]),
		SessionID:   asString(row["session_id"]),
		ToolName:    asString(row["tool_name"]),
		Description: asString(row["description"]),
		Status:      ApprovalStatus(asString(row["status"])),
		CreatedAt:   mustTime(row["created_at"]),
		ResolvedAt:  asTimePtr(row["resolved_at"]),
	}
	if raw := asString(row["params"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &a.Params); err != nil {
			return nil, fmt.Errorf("store: decode approval params: %w", err)
		}
	}
	return a, nil
}
