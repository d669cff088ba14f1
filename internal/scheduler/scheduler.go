package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentcore/internal/agent"
	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/sessions"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

const cronChannel = "cron"
const oneShotPrefix = "once@"

// Executor runs one scheduled task's goal, §4.6 "Execution contract"
// ("invokes the task executor (the Agent Loop)"). Kept as a function
// type rather than a direct *agent.Loop dependency so tests can supply
// a stub without wiring a full Loop.
type Executor func(ctx context.Context, sessionID, taskGoal, runID string) (*agent.RunResult, error)

// Scheduler maintains the durable set of ScheduledTasks and evaluates
// them against an in-process cron tick, §4.6.
type Scheduler struct {
	repo     *store.ScheduleRepo
	sessions *sessions.Manager
	run      Executor
	eventPub bus.EventPublisher

	pollInterval time.Duration
	evaluator    gronx.Gronx

	mu          sync.Mutex
	firedMinute map[string]string // scheduleID -> "YYYY-MM-DDTHH:MM" last fired
}

func NewScheduler(repo *store.ScheduleRepo, sm *sessions.Manager, run Executor, eventPub bus.EventPublisher, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Scheduler{
		repo:         repo,
		sessions:     sm,
		run:          run,
		eventPub:     eventPub,
		pollInterval: pollInterval,
		evaluator:    gronx.New(),
		firedMinute:  make(map[string]string),
	}
}

// CreateSchedule registers a recurring (or raw-cron) task, §4.6
// `create_schedule(name, task_goal, cron, description, max_retries)`.
func (s *Scheduler) CreateSchedule(ctx context.Context, name, taskGoal, cronExpr, description string, maxRetries int) (*store.ScheduledTask, error) {
	if !gronx.IsValid(cronExpr) {
		return nil, &ParseError{Input: cronExpr}
	}
	task := &store.ScheduledTask{
		ID: uuid.NewString(), Name: name, Description: description,
		CronExpression: cronExpr, TaskGoal: taskGoal, Enabled: true, MaxRetries: maxRetries,
	}
	if err := s.repo.Create(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// ScheduleOnce registers a one-shot task, §4.6 `schedule_once(name,
// task_goal, run_at, description)`. The run time is encoded into
// CronExpression as "once@<RFC3339>" so a single table serves both kinds.
func (s *Scheduler) ScheduleOnce(ctx context.Context, name, taskGoal string, runAt time.Time, description string) (*store.ScheduledTask, error) {
	task := &store.ScheduledTask{
		ID: uuid.NewString(), Name: name, Description: description,
		CronExpression: oneShotPrefix + runAt.UTC().Format(time.RFC3339),
		TaskGoal:       taskGoal, Enabled: true, MaxRetries: 1,
	}
	if err := s.repo.Create(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// CreateFromNaturalLanguage parses input per §4.6's grammar table and
// dispatches to CreateSchedule or ScheduleOnce accordingly.
func (s *Scheduler) CreateFromNaturalLanguage(ctx context.Context, name, taskGoal, scheduleText, description string, maxRetries int) (*store.ScheduledTask, error) {
	parsed, err := Parse(scheduleText, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if parsed.OneShot {
		return s.ScheduleOnce(ctx, name, taskGoal, parsed.RunAt, description)
	}
	return s.CreateSchedule(ctx, name, taskGoal, parsed.CronExpr, description, maxRetries)
}

func (s *Scheduler) Enable(ctx context.Context, id string) error {
	return s.repo.SetEnabled(ctx, id, true)
}
func (s *Scheduler) Disable(ctx context.Context, id string) error {
	return s.repo.SetEnabled(ctx, id, false)
}
func (s *Scheduler) Delete(ctx context.Context, id string) error { return s.repo.Delete(ctx, id) }
func (s *Scheduler) Get(ctx context.Context, id string) (*store.ScheduledTask, error) {
	return s.repo.Get(ctx, id)
}
func (s *Scheduler) List(ctx context.Context) ([]*store.ScheduledTask, error) {
	return s.repo.List(ctx)
}
func (s *Scheduler) GetRunHistory(ctx context.Context, id string, limit int) ([]*store.ScheduleRun, error) {
	return s.repo.GetRunHistory(ctx, id, limit)
}

// Run polls every pollInterval until ctx is cancelled, evaluating each
// enabled task against its schedule and firing due ones. Loads the
// persisted set on entry per §4.6 "On start, loads all persisted tasks".
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	tasks, err := s.repo.ListEnabled(ctx)
	if err != nil {
		slog.Error("scheduler: list enabled failed", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, task := range tasks {
		due, oneShot := s.isDue(task, now)
		if !due {
			continue
		}
		go s.fire(context.Background(), task, oneShot)
	}
}

func (s *Scheduler) isDue(task *store.ScheduledTask, now time.Time) (due bool, oneShot bool) {
	if strings.HasPrefix(task.CronExpression, oneShotPrefix) {
		runAt, err := time.Parse(time.RFC3339, strings.TrimPrefix(task.CronExpression, oneShotPrefix))
		if err != nil {
			slog.Warn("scheduler: bad one-shot timestamp", "task", task.ID, "error", err)
			return false, true
		}
		return !now.Before(runAt), true
	}

	minuteKey := now.Format("2006-01-02T15:04")
	s.mu.Lock()
	if s.firedMinute[task.ID] == minuteKey {
		s.mu.Unlock()
		return false, false
	}
	s.mu.Unlock()

	isDue, err := s.evaluator.IsDue(task.CronExpression, now)
	if err != nil {
		slog.Warn("scheduler: invalid cron expression", "task", task.ID, "error", err)
		return false, false
	}
	if isDue {
		s.mu.Lock()
		s.firedMinute[task.ID] = minuteKey
		s.mu.Unlock()
	}
	return isDue, false
}

// fire executes one due task per §4.6's "Execution contract".
func (s *Scheduler) fire(ctx context.Context, task *store.ScheduledTask, oneShot bool) {
	runID := uuid.NewString()
	dbRunID, err := s.repo.RecordRunStart(ctx, task.ID)
	if err != nil {
		slog.Error("scheduler: record run start failed", "task", task.ID, "error", err)
		return
	}

	sessionID := task.SessionID
	if sessionID == "" && s.sessions != nil {
		rec, err := s.sessions.GetOrCreate(ctx, cronChannel, sessions.BuildCronUserKey(task.ID, runID))
		if err != nil {
			slog.Error("scheduler: session resolve failed", "task", task.ID, "error", err)
			s.finishFailed(ctx, task, dbRunID, 0, err)
			return
		}
		sessionID = rec.SessionID
	}

	result, runErr := s.run(ctx, sessionID, task.TaskGoal, runID)

	if runErr != nil {
		s.finishFailed(ctx, task, dbRunID, 0, runErr)
	} else {
		s.finishCompleted(ctx, task, dbRunID, result)
	}

	if oneShot {
		if err := s.repo.Delete(ctx, task.ID); err != nil {
			slog.Warn("scheduler: delete one-shot task failed", "task", task.ID, "error", err)
		}
	}
}

func (s *Scheduler) finishCompleted(ctx context.Context, task *store.ScheduledTask, dbRunID int64, result *agent.RunResult) {
	summary := truncate(result.Content, 2000)
	if err := s.repo.RecordRunOutcome(ctx, dbRunID, task.ID, store.RunCompleted, summary, "", result.StepsTaken); err != nil {
		slog.Error("scheduler: record run outcome failed", "task", task.ID, "error", err)
	}
	s.notify(task, summary, "")
}

func (s *Scheduler) finishFailed(ctx context.Context, task *store.ScheduledTask, dbRunID int64, stepsTaken int, runErr error) {
	if err := s.repo.RecordRunOutcome(ctx, dbRunID, task.ID, store.RunFailed, "", runErr.Error(), stepsTaken); err != nil {
		slog.Error("scheduler: record run outcome failed", "task", task.ID, "error", err)
	}
	s.notify(task, "", runErr.Error())
}

// notify broadcasts a schedule_result event, §4.6 "After every
// completion, a scheduled-result notification is broadcast by the
// Gateway to all clients."
func (s *Scheduler) notify(task *store.ScheduledTask, summary, errMsg string) {
	if s.eventPub == nil {
		return
	}
	s.eventPub.Broadcast(bus.NewEvent(protocol.EventScheduleResult, "", map[string]interface{}{
		"schedule_id": task.ID,
		"name":        task.Name,
		"summary":     summary,
		"error":       errMsg,
	}))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
