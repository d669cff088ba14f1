package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TaskMemory is one completed-task summary, §3 Memory. Consulted by the
// Agent Loop's auxiliary-context retrieval (§4.4 step 1) alongside
// knowledge search.
type TaskMemory struct {
	ID          int64
	SessionID   string
	TaskGoal    string
	TaskSummary string
	Outcome     string
	ToolsUsed   []string
	CreatedAt   time.Time
}

type MemoryRepo struct {
	db Store
}

func NewMemoryRepo(db Store) *MemoryRepo { return &MemoryRepo{db: db} }

func (r *MemoryRepo) Record(ctx context.Context, m *TaskMemory) error {
	m.CreatedAt = time.Now().UTC()
	tools, err := json.Marshal(m.ToolsUsed)
	if err != nil {
		return fmt.Errorf("store: marshal tools_used: %w", err)
	}
	_, err = r.db.ExecuteInsert(ctx, `INSERT INTO task_memory (session_id, task_goal, task_summary, outcome, tools_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.TaskGoal, m.TaskSummary, m.Outcome, string(tools), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: record task memory: %w", err)
	}
	return nil
}

func (r *MemoryRepo) RecentForSession(ctx context.Context, sessionID string, limit int) ([]*TaskMemory, error) {
	rows, err := r.db.Execute(ctx, `SELECT id, session_id, task_goal, task_summary, outcome, tools_used, created_at
		FROM task_memory WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent task memory: %w", err)
	}
	out := make([]*TaskMemory, 0, len(rows))
	for _, row := range rows {
		m := &TaskMemory{
			ID:          asInt64(row["id"]),
			SessionID:   asString(row["session_id"]),
			TaskGoal:    asString(row["task_goal"]),
			TaskSummary: asString(row["task_summary"]),
			Outcome:     asString(row["outcome"]),
			CreatedAt:   mustTime(row["created_at"]),
		}
		_ = json.Unmarshal([]byte(asString(row["tools_used"])), &m.ToolsUsed)
		out = append(out, m)
	}
	return out, nil
}

// RecentAll returns the most recent task memories across all sessions,
// for management/recall surfaces that are not scoped to one session.
func (r *MemoryRepo) RecentAll(ctx context.Context, limit int) ([]*TaskMemory, error) {
	rows, err := r.db.Execute(ctx, `SELECT id, session_id, task_goal, task_summary, outcome, tools_used, created_at
		FROM task_memory ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent task memory: %w", err)
	}
	out := make([]*TaskMemory, 0, len(rows))
	for _, row := range rows {
		m := &TaskMemory{
			ID:          asInt64(row["id"]),
			SessionID:   asString(row["session_id"]),
			TaskGoal:    asString(row["task_goal"]),
			TaskSummary: asString(row["task_summary"]),
			Outcome:     asString(row["outcome"]),
			CreatedAt:   mustTime(row["created_at"]),
		}
		_ = json.Unmarshal([]byte(asString(row["tools_used"])), &m.ToolsUsed)
		out = append(out, m)
	}
	return out, nil
}

// Count returns the total number of task memory rows.
func (r *MemoryRepo) Count(ctx context.Context) (int, error) {
	rows, err := r.db.Execute(ctx, `SELECT COUNT(*) AS cnt FROM task_memory`)
	if err != nil {
		return 0, fmt.Errorf("store: count task memory: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return int(asInt64(rows[0]["cnt"])), nil
}

// ClearAll deletes every task memory row and returns the count removed.
func (r *MemoryRepo) ClearAll(ctx context.Context) (int, error) {
	count, err := r.Count(ctx)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	if _, err := r.db.ExecuteInsert(ctx, `DELETE FROM task_memory`); err != nil {
		return 0, fmt.Errorf("store: clear task memory: %w", err)
	}
	return count, nil
}

// SearchByKeyword supports the Agent Loop's memory-search auxiliary
// retrieval when no semantic search is wired for task memory.
func (r *MemoryRepo) SearchByKeyword(ctx context.Context, query string, limit int) ([]*TaskMemory, error) {
	rows, err := r.db.Execute(ctx, `SELECT id, session_id, task_goal, task_summary, outcome, tools_used, created_at
		FROM task_memory WHERE task_goal LIKE ? OR task_summary LIKE ? ORDER BY created_at DESC LIMIT ?`,
		"%"+query+"%", "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("store: search task memory: %w", err)
	}
	out := make([]*TaskMemory, 0, len(rows))
	for _, row := range rows {
		m := &TaskMemory{
			ID:          asInt64(row["id"]),
			SessionID:   asString(row["session_id"]),
			TaskGoal:    asString(row["task_goal"]),
			TaskSummary: asString(row["task_summary"]),
			Outcome:     asString(row["outcome"]),
			CreatedAt:   mustTime(row["created_at"]),
		}
		_ = json.Unmarshal([]byte(asString(row["tools_used"])), &m.ToolsUsed)
		out = append(out, m)
	}
	return out, nil
}
