package store

import (
	"context"
	"fmt"
	"time"
)

// GoalStatus is a Goal's lifecycle state, §3.
type GoalStatus string

const (
	GoalPlanning  GoalStatus = "planning"
	GoalActive    GoalStatus = "active"
	GoalPaused    GoalStatus = "paused"
	GoalCompleted GoalStatus = "completed"
	GoalFailed    GoalStatus = "failed"
	GoalCancelled GoalStatus = "cancelled"
)

// CheckpointStatus is a Checkpoint's lifecycle state, §3.
type CheckpointStatus string

const (
	CheckpointPending   CheckpointStatus = "pending"
	CheckpointActive    CheckpointStatus = "active"
	CheckpointCompleted CheckpointStatus = "completed"
	CheckpointFailed    CheckpointStatus = "failed"
	CheckpointSkipped   CheckpointStatus = "skipped"
)

// Goal is a multi-checkpoint objective, §3 Goal.
type Goal struct {
	GoalID            string
	SessionID         string
	GoalText          string
	Status            GoalStatus
	ContextSummary    string
	CurrentCheckpoint int
	TotalCheckpoints  int
	Attempts          int
	MaxAttempts       int
	LLMCallsUsed      int
	CostUSD           float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// Checkpoint is one ordered step of a Goal's plan, §3 Checkpoint.
type Checkpoint struct {
	GoalID          string
	Order           int
	Title           string
	Description     string
	SuccessCriteria string
	Status          CheckpointStatus
	ResultSummary   string
	Attempts        int
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// GoalRepo persists Goal/Checkpoint rows on top of the Store contract.
type GoalRepo struct {
	db Store
}

func NewGoalRepo(db Store) *GoalRepo { return &GoalRepo{db: db} }

func (r *GoalRepo) Create(ctx context.Context, g *Goal) error {
	now := time.Now().UTC()
	g.CreatedAt, g.UpdatedAt = now, now
	if g.MaxAttempts == 0 {
		g.MaxAttempts = 3
	}
	_, err := r.db.ExecuteInsert(ctx, `INSERT INTO goals
		(goal_id, session_id, goal, status, plan, context_summary, current_checkpoint, total_checkpoints, attempts, max_attempts, llm_calls_used, cost_usd, created_at, updated_at)
		VALUES (?, ?, ?, ?, '[]', ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.GoalID, nullString(g.SessionID), g.GoalText, string(g.Status), g.ContextSummary,
		g.CurrentCheckpoint, g.TotalCheckpoints, g.Attempts, g.MaxAttempts, g.LLMCallsUsed, g.CostUSD, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create goal: %w", err)
	}
	return nil
}

func (r *GoalRepo) Get(ctx context.Context, goalID string) (*Goal, error) {
	rows, err := r.db.Execute(ctx, goalSelect+` WHERE goal_id = ?`, goalID)
	if err != nil {
		return nil, fmt.Errorf("store: get goal: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return decodeGoal(rows[0]), nil
}

// MostRecentActive returns the most recently updated goal in status
// `active`, used by the Goal Runner's auto_continue-on-start behavior.
func (r *GoalRepo) MostRecentActive(ctx context.Context) (*Goal, error) {
	rows, err := r.db.Execute(ctx, goalSelect+` WHERE status = ? ORDER BY updated_at DESC LIMIT 1`, string(GoalActive))
	if err != nil {
		return nil, fmt.Errorf("store: most recent active goal: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return decodeGoal(rows[0]), nil
}

func (r *GoalRepo) UpdateStatus(ctx context.Context, goalID string, status GoalStatus) error {
	now := time.Now().UTC()
	var completedAt interface{}
	if status == GoalCompleted || status == GoalFailed || status == GoalCancelled {
		completedAt = now
	}
	_, err := r.db.ExecuteInsert(ctx, `UPDATE goals SET status = ?, updated_at = ?, completed_at = COALESCE(completed_at, ?) WHERE goal_id = ?`,
		string(status), now, completedAt, goalID)
	if err != nil {
		return fmt.Errorf("store: update goal status: %w", err)
	}
	return nil
}

func (r *GoalRepo) UpdateProgress(ctx context.Context, goalID string, currentCheckpoint int, contextSummary string) error {
	_, err := r.db.ExecuteInsert(ctx, `UPDATE goals SET current_checkpoint = ?, context_summary = ?, updated_at = ? WHERE goal_id = ?`,
		currentCheckpoint, contextSummary, time.Now().UTC(), goalID)
	if err != nil {
		return fmt.Errorf("store: update goal progress: %w", err)
	}
	return nil
}

// IncrementBudget adds to llm_calls_used and cost_usd, used by check_budget.
func (r *GoalRepo) IncrementBudget(ctx context.Context, goalID string, llmCalls int, costUSD float64) error {
	_, err := r.db.ExecuteInsert(ctx, `UPDATE goals SET llm_calls_used = llm_calls_used + ?, cost_usd = cost_usd + ?, updated_at = ? WHERE goal_id = ?`,
		llmCalls, costUSD, time.Now().UTC(), goalID)
	if err != nil {
		return fmt.Errorf("store: increment goal budget: %w", err)
	}
	return nil
}

// ReplaceCheckpoints writes the ordered checkpoint set, used both by the
// initial decompose and by revise_plan's non-completed-suffix regeneration
// (callers pass only the checkpoints that should exist going forward; the
// caller is responsible for preserving completed ones unchanged). Rows
// whose order is above the highest order passed are deleted.
func (r *GoalRepo) ReplaceCheckpoints(ctx context.Context, goalID string, checkpoints []*Checkpoint) error {
	argSets := make([][]interface{}, 0, len(checkpoints))
	for _, c := range checkpoints {
		argSets = append(argSets, []interface{}{
			goalID, c.Order, c.Title, c.Description, c.SuccessCriteria, string(c.Status),
			c.ResultSummary, c.Attempts, c.StartedAt, c.CompletedAt,
		})
	}
	query := `INSERT INTO checkpoints (goal_id, ord, title, description, success_criteria, status, result_summary, attempts, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (goal_id, ord) DO UPDATE SET
			title = excluded.title, description = excluded.description, success_criteria = excluded.success_criteria,
			status = excluded.status, result_summary = excluded.result_summary, attempts = excluded.attempts,
			started_at = excluded.started_at, completed_at = excluded.completed_at`
	if err := r.db.ExecuteMany(ctx, query, argSets); err != nil {
		return fmt.Errorf("store: replace checkpoints: %w", err)
	}
	maxOrder := 0
	for _, c := range checkpoints {
		if c.Order > maxOrder {
			maxOrder = c.Order
		}
	}
	if _, err := r.db.ExecuteInsert(ctx, `DELETE FROM checkpoints WHERE goal_id = ? AND ord > ?`, goalID, maxOrder); err != nil {
		return fmt.Errorf("store: replace checkpoints: delete stale: %w", err)
	}
	_, err := r.db.ExecuteInsert(ctx, `UPDATE goals SET total_checkpoints = ?, updated_at = ? WHERE goal_id = ?`,
		len(checkpoints), time.Now().UTC(), goalID)
	return err
}

func (r *GoalRepo) ListCheckpoints(ctx context.Context, goalID string) ([]*Checkpoint, error) {
	rows, err := r.db.Execute(ctx, checkpointSelect+` WHERE goal_id = ? ORDER BY ord`, goalID)
	if err != nil {
		return nil, fmt.Errorf("store: list checkpoints: %w", err)
	}
	out := make([]*Checkpoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, decodeCheckpoint(row))
	}
	return out, nil
}

// NextPendingCheckpoint returns the lowest-order pending or active
// checkpoint, or ErrNotFound when none remain, matching §3's
// "current_checkpoint equals the minimum pending/active order, or 0".
func (r *GoalRepo) NextPendingCheckpoint(ctx context.Context, goalID string) (*Checkpoint, error) {
	rows, err := r.db.Execute(ctx, checkpointSelect+` WHERE goal_id = ? AND status IN (?, ?) ORDER BY ord LIMIT 1`,
		goalID, string(CheckpointPending), string(CheckpointActive))
	if err != nil {
		return nil, fmt.Errorf("store: next pending checkpoint: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return decodeCheckpoint(rows[0]), nil
}

func (r *GoalRepo) MarkCheckpointActive(ctx context.Context, goalID string, order int) error {
	_, err := r.db.ExecuteInsert(ctx, `UPDATE checkpoints SET status = ?, started_at = ?, attempts = attempts + 1 WHERE goal_id = ? AND ord = ?`,
		string(CheckpointActive), time.Now().UTC(), goalID, order)
	if err != nil {
		return fmt.Errorf("store: mark checkpoint active: %w", err)
	}
	return nil
}

func (r *GoalRepo) MarkCheckpointComplete(ctx context.Context, goalID string, order int, resultSummary string) error {
	_, err := r.db.ExecuteInsert(ctx, `UPDATE checkpoints SET status = ?, result_summary = ?, completed_at = ? WHERE goal_id = ? AND ord = ?`,
		string(CheckpointCompleted), resultSummary, time.Now().UTC(), goalID, order)
	if err != nil {
		return fmt.Errorf("store: mark checkpoint complete: %w", err)
	}
	return nil
}

// MarkCheckpointFailed sets status to `failed` if attempts have reached
// maxAttempts, else resets to `pending` for retry, per §4.7.
func (r *GoalRepo) MarkCheckpointFailed(ctx context.Context, goalID string, order, maxAttempts int) (terminal bool, err error) {
	rows, err := r.db.Execute(ctx, checkpointSelect+` WHERE goal_id = ? AND ord = ?`, goalID, order)
	if err != nil {
		return false, fmt.Errorf("store: mark checkpoint failed: select: %w", err)
	}
	if len(rows) == 0 {
		return false, ErrNotFound
	}
	cp := decodeCheckpoint(rows[0])
	status := CheckpointPending
	if cp.Attempts >= maxAttempts {
		status, terminal = CheckpointFailed, true
	}
	_, err = r.db.ExecuteInsert(ctx, `UPDATE checkpoints SET status = ? WHERE goal_id = ? AND ord = ?`, string(status), goalID, order)
	if err != nil {
		return false, fmt.Errorf("store: mark checkpoint failed: update: %w", err)
	}
	return terminal, nil
}

const goalSelect = `SELECT goal_id, session_id, goal, status, context_summary, current_checkpoint, total_checkpoints, attempts, max_attempts, llm_calls_used, cost_usd, created_at, updated_at, completed_at FROM goals`

func decodeGoal(row Row) *Goal {
	return &Goal{
		GoalID:            asString(row["goal_id"]),
		SessionID:         asString(row["session_id"]),
		GoalText:          asString(row["goal"]),
		Status:            GoalStatus(asString(row["status"])),
		ContextSummary:    asString(row["context_summary"]),
		CurrentCheckpoint: asInt(row["current_checkpoint"]),
		TotalCheckpoints:  asInt(row["total_checkpoints"]),
		Attempts:          asInt(row["attempts"]),
		MaxAttempts:       asInt(row["max_attempts"]),
		LLMCallsUsed:      asInt(row["llm_calls_used"]),
		CostUSD:           asFloat64(row["cost_usd"]),
		CreatedAt:         mustTime(row["created_at"]),
		UpdatedAt:         mustTime(row["updated_at"]),
		CompletedAt:       asTimePtr(row["completed_at"]),
	}
}

const checkpointSelect = `SELECT goal_id, ord, title, description, success_criteria, status, result_summary, attempts, started_at, completed_at FROM checkpoints`

func decodeCheckpoint(row Row) *Checkpoint {
	return &Checkpoint{
		GoalID:          asString(row["goal_id"]),
		Order:           asInt(row["ord"]),
		Title:           asString(row["title"]),
		Description:     asString(row["description"]),
		SuccessCriteria: asString(row["success_criteria"]),
		Status:          CheckpointStatus(asString(row["status"])),
		ResultSummary:   asString(row["result_summary"]),
		Attempts:        asInt(row["attempts"]),
		StartedAt:       asTimePtr(row["started_at"]),
		CompletedAt:     asTimePtr(row["completed_at"]),
	}
}
