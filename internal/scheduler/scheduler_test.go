package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/agent"
	"github.com/nextlevelbuilder/agentcore/internal/sessions"
	"github.com/nextlevelbuilder/agentcore/internal/store"
)

const testSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	user_id TEXT NOT NULL,
	conversation_history TEXT NOT NULL DEFAULT '[]',
	summary TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	last_active TIMESTAMP NOT NULL,
	UNIQUE (channel, user_id)
);
CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	cron_expression TEXT NOT NULL,
	task_goal TEXT NOT NULL,
	session_id TEXT,
	enabled INTEGER NOT NULL DEFAULT 1,
	last_run_at TIMESTAMP,
	next_run_at TIMESTAMP,
	last_status TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS schedule_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	schedule_id TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	status TEXT NOT NULL DEFAULT 'running',
	result TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	steps_taken INTEGER NOT NULL DEFAULT 0
);
`

func newTestScheduler(t *testing.T, run Executor) *Scheduler {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.ExecuteScript(ctx, testSchema); err != nil {
		t.Fatalf("ExecuteScript: %v", err)
	}
	sm := sessions.NewManager(store.NewSessionRepo(s), 20, "gpt-4")
	return NewScheduler(store.NewScheduleRepo(s), sm, run, nil, 10*time.Millisecond)
}

func TestParseNaturalLanguageGrammar(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		input    string
		wantCron string
		oneShot  bool
	}{
		{"every 5 minutes", "*/5 * * * *", false},
		{"every hour", "0 * * * *", false},
		{"every morning at 7 am", "0 7 * * *", false},
		{"every evening at 6 pm", "0 18 * * *", false},
		{"every day at 14:30", "30 14 * * *", false},
		{"daily at midnight", "0 0 * * *", false},
		{"daily at noon", "0 12 * * *", false},
		{"every monday at 9am", "0 9 * * 1", false},
		{"*/10 * * * *", "*/10 * * * *", false},
	}
	for _, tc := range cases {
		got, err := Parse(tc.input, now)
		if err != nil {
			t.Errorf("Parse(%q): %v", tc.input, err)
			continue
		}
		if got.OneShot != tc.oneShot {
			t.Errorf("Parse(%q).OneShot = %v, want %v", tc.input, got.OneShot, tc.oneShot)
		}
		if !tc.oneShot && got.CronExpr != tc.wantCron {
			t.Errorf("Parse(%q).CronExpr = %q, want %q", tc.input, got.CronExpr, tc.wantCron)
		}
	}
}

func TestParseInDeltaProducesOneShot(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	got, err := Parse("in 30 minutes", now)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !got.OneShot {
		t.Fatal("expected OneShot")
	}
	if !got.RunAt.Equal(now.Add(30 * time.Minute)) {
		t.Errorf("RunAt = %v, want %v", got.RunAt, now.Add(30*time.Minute))
	}
}

func TestParseUnparseableReturnsTypedError(t *testing.T) {
	_, err := Parse("whenever the mood strikes", time.Now())
	var pe *ParseError
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := err.(*ParseError); !ok {
		t.Errorf("error type = %T, want *ParseError", err)
	}
	_ = pe
}

func TestOneShotTaskRunsOnceThenDeletes(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	sched := newTestScheduler(t, func(ctx context.Context, sessionID, taskGoal, runID string) (*agent.RunResult, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return &agent.RunResult{Content: "done", StepsTaken: 1}, nil
	})

	ctx := context.Background()
	task, err := sched.ScheduleOnce(ctx, "once-job", "say hi", time.Now().UTC().Add(-time.Second), "")
	if err != nil {
		t.Fatalf("ScheduleOnce: %v", err)
	}

	sched.tick(ctx)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	got := runs
	mu.Unlock()
	if got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}

	if _, err := sched.Get(ctx, task.ID); err != store.ErrNotFound {
		t.Errorf("expected one-shot task to be deleted, err = %v", err)
	}
}

func TestFailedRunIncrementsRetryAndDisablesAtLimit(t *testing.T) {
	sched := newTestScheduler(t, func(ctx context.Context, sessionID, taskGoal, runID string) (*agent.RunResult, error) {
		return nil, context.DeadlineExceeded
	})
	ctx := context.Background()

	task, err := sched.CreateSchedule(ctx, "flaky", "do a thing", "* * * * *", "", 2)
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	sched.fire(ctx, task, false)
	time.Sleep(50 * time.Millisecond)
	reloaded, err := sched.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.RetryCount != 1 || !reloaded.Enabled {
		t.Fatalf("after 1 failure: retry_count=%d enabled=%v, want 1/true", reloaded.RetryCount, reloaded.Enabled)
	}

	sched.fire(ctx, task, false)
	time.Sleep(50 * time.Millisecond)
	reloaded, err = sched.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.RetryCount != 2 || reloaded.Enabled {
		t.Fatalf("after 2 failures (max_retries=2): retry_count=%d enabled=%v, want 2/false", reloaded.RetryCount, reloaded.Enabled)
	}
}
