package store

import (
	"context"
	"fmt"
	"time"
)

// RunStatus is a ScheduleRun's lifecycle state, §3.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ScheduledTask is a durable cron/one-shot job, §3 ScheduledTask.
type ScheduledTask struct {
	ID             string
	Name           string
	Description    string
	CronExpression string // 5-field cron, or "once@<ISO8601>"
	TaskGoal       string
	SessionID      string
	Enabled        bool
	LastRunAt      *time.Time
	NextRunAt      *time.Time
	LastStatus     string
	RetryCount     int
	MaxRetries     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ScheduleRun is one execution record of a ScheduledTask, §3.
type ScheduleRun struct {
	ID          int64
	ScheduleID  string
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      RunStatus
	Result      string
	Error       string
	StepsTaken  int
}

// ScheduleRepo persists ScheduledTask/ScheduleRun rows, grounded on
// vanducng-goclaw/cmd/gateway_cron.go's lane-dispatch pattern for what a
// scheduler execution records.
type ScheduleRepo struct {
	db Store
}

func NewScheduleRepo(db Store) *ScheduleRepo { return &ScheduleRepo{db: db} }

func (r *ScheduleRepo) Create(ctx context.Context, t *ScheduledTask) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}
	_, err := r.db.ExecuteInsert(ctx, `INSERT INTO scheduled_tasks
		(id, name, description, cron_expression, task_goal, session_id, enabled, last_run_at, next_run_at, last_status, retry_count, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, t.CronExpression, t.TaskGoal, nullString(t.SessionID), t.Enabled,
		t.LastRunAt, t.NextRunAt, t.LastStatus, t.RetryCount, t.MaxRetries, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create schedule: %w", err)
	}
	return nil
}

func (r *ScheduleRepo) Get(ctx context.Context, id string) (*ScheduledTask, error) {
	rows, err := r.db.Execute(ctx, scheduleSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("store: get schedule: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return decodeSchedule(rows[0]), nil
}

// ListEnabled returns every enabled task, used on Scheduler startup to
// register jobs with the cron evaluator.
func (r *ScheduleRepo) ListEnabled(ctx context.Context) ([]*ScheduledTask, error) {
	rows, err := r.db.Execute(ctx, scheduleSelect+` WHERE enabled = ?`, true)
	if err != nil {
		return nil, fmt.Errorf("store: list enabled schedules: %w", err)
	}
	return decodeSchedules(rows), nil
}

func (r *ScheduleRepo) List(ctx context.Context) ([]*ScheduledTask, error) {
	rows, err := r.db.Execute(ctx, scheduleSelect+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list schedules: %w", err)
	}
	return decodeSchedules(rows), nil
}

func (r *ScheduleRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := r.db.ExecuteInsert(ctx, `UPDATE scheduled_tasks SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: set schedule enabled: %w", err)
	}
	return nil
}

func (r *ScheduleRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecuteInsert(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete schedule: %w", err)
	}
	return nil
}

// RecordRunStart inserts a `running` ScheduleRun and returns its id.
func (r *ScheduleRepo) RecordRunStart(ctx context.Context, scheduleID string) (int64, error) {
	id, err := r.db.ExecuteInsert(ctx, `INSERT INTO schedule_runs (schedule_id, started_at, status) VALUES (?, ?, ?)`,
		scheduleID, time.Now().UTC(), RunRunning)
	if err != nil {
		return 0, fmt.Errorf("store: record run start: %w", err)
	}
	return id, nil
}

// RecordRunOutcome finalizes a run and updates the parent task's
// last_run_at/last_status/retry_count, disabling it when retry_count
// reaches max_retries. §4.6 execution contract.
func (r *ScheduleRepo) RecordRunOutcome(ctx context.Context, runID int64, scheduleID string, status RunStatus, result, errMsg string, stepsTaken int) error {
	now := time.Now().UTC()
	_, err := r.db.ExecuteInsert(ctx, `UPDATE schedule_runs SET completed_at = ?, status = ?, result = ?, error = ?, steps_taken = ? WHERE id = ?`,
		now, status, result, errMsg, stepsTaken, runID)
	if err != nil {
		return fmt.Errorf("store: record run outcome: %w", err)
	}

	task, err := r.Get(ctx, scheduleID)
	if err != nil {
		return err
	}
	retryCount := task.RetryCount
	if status == RunFailed {
		retryCount++
	} else {
		retryCount = 0
	}
	enabled := task.Enabled && !(status == RunFailed && retryCount >= task.MaxRetries)

	_, err = r.db.ExecuteInsert(ctx, `UPDATE scheduled_tasks SET last_run_at = ?, last_status = ?, retry_count = ?, enabled = ?, updated_at = ? WHERE id = ?`,
		now, string(status), retryCount, enabled, now, scheduleID)
	if err != nil {
		return fmt.Errorf("store: update schedule after run: %w", err)
	}
	return nil
}

// GetRunHistory returns the most recent limit runs for scheduleID.
func (r *ScheduleRepo) GetRunHistory(ctx context.Context, scheduleID string, limit int) ([]*ScheduleRun, error) {
	rows, err := r.db.Execute(ctx, `SELECT id, schedule_id, started_at, completed_at, status, result, error, steps_taken
		FROM schedule_runs WHERE schedule_id = ? ORDER BY started_at DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get run history: %w", err)
	}
	out := make([]*ScheduleRun, 0, len(rows))
	for _, row := range rows {
		out = append(out, &ScheduleRun{
			ID:          asInt64(row["id"]),
			ScheduleID:  asString(row["schedule_id"]),
			StartedAt:   mustTime(row["started_at"]),
			CompletedAt: asTimePtr(row["completed_at"]),
			Status:      RunStatus(asString(row["status"])),
			Result:      asString(row["result"]),
			Error:       asString(row["error"]),
			StepsTaken:  asInt(row["steps_taken"]),
		})
	}
	return out, nil
}

const scheduleSelect = `SELECT id, name, description, cron_expression, task_goal, session_id, enabled, last_run_at, next_run_at, last_status, retry_count, max_retries, created_at, updated_at FROM scheduled_tasks`

func decodeSchedules(rows []Row) []*ScheduledTask {
	out := make([]*ScheduledTask, 0, len(rows))
	for _, row := range rows {
		out = append(out, decodeSchedule(row))
	}
	return out
}

func decodeSchedule(row Row) *ScheduledTask {
	return &ScheduledTask{
		ID:             asString(row["id"]),
		Name:           asString(row["name"]),
		Description:    asString(row["description"]),
		CronExpression: asString(row["cron_expression"]),
		TaskGoal:       asString(row["task_goal"]),
		SessionID:      asString(row["session_id"]),
		Enabled:        asBool(row["enabled"]),
		LastRunAt:      asTimePtr(row["last_run_at"]),
		NextRunAt:      asTimePtr(row["next_run_at"]),
		LastStatus:     asString(row["last_status"]),
		RetryCount:     asInt(row["retry_count"]),
		MaxRetries:     asInt(row["max_retries"]),
		CreatedAt:      mustTime(row["created_at"]),
		UpdatedAt:      mustTime(row["updated_at"]),
	}
}

func mustTime(v interface{}) time.Time {
	t, _ := asTime(v)
	return t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
