package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

const testSchema = `
CREATE TABLE IF NOT EXISTS task_memory (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	task_goal TEXT NOT NULL,
	task_summary TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	tools_used TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL
);
`

func newTestManager(t *testing.T) *Manager {
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
	return NewManager(store.NewMemoryRepo(s))
}

func TestRecordAndSearch(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	if err := m.Record(ctx, "sess-1", "fix the login bug", "patched the auth check", "success", []string{"file_read"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := m.Record(ctx, "sess-2", "write release notes", "drafted notes for v2", "success", nil); err != nil {
		t.Fatalf("Record: %v", err)
	}

	results, err := m.Search(ctx, "login", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].SessionID != "sess-1" {
		t.Errorf("expected one match on sess-1, got %+v", results)
	}
}

func TestRecordDefaultsOutcome(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	if err := m.Record(ctx, "sess-1", "goal", "summary", "", nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	recent, err := m.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Outcome != "completed" {
		t.Errorf("expected default outcome completed, got %+v", recent)
	}
}

func TestRecentAcrossSessions(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	for i, sid := range []string{"sess-1", "sess-2", "sess-3"} {
		_ = i
		if err := m.Record(ctx, sid, "goal-"+sid, "summary", "success", nil); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recent, err := m.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("expected limit respected, got %d", len(recent))
	}
}

func TestClearAllReportsCount(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	for _, sid := range []string{"sess-1", "sess-2"} {
		if err := m.Record(ctx, sid, "goal", "summary", "success", nil); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	count, err := m.ClearAll(ctx)
	if err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 cleared, got %d", count)
	}

	recent, err := m.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent after clear: %v", err)
	}
	if len(recent) != 0 {
		t.Errorf("expected empty memory after clear, got %+v", recent)
	}

	count, err = m.ClearAll(ctx)
	if err != nil {
		t.Fatalf("ClearAll second call: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no-op clear to report 0, got %d", count)
	}
}
