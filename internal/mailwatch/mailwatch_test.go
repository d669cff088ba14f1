package mailwatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

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
`

func newTestSessionManager(t *testing.T) *sessions.Manager {
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
	return sessions.NewManager(store.NewSessionRepo(s), 20, "gpt-4")
}

type fakeLister struct {
	mu       sync.Mutex
	messages []Message
}

func (f *fakeLister) ListUnread(ctx context.Context, limit int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit < len(f.messages) {
		return append([]Message(nil), f.messages[:limit]...), nil
	}
	return append([]Message(nil), f.messages...), nil
}

func (f *fakeLister) set(msgs []Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = msgs
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeExecutor) run(ctx context.Context, sessionID, goal, runID string) (*agent.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, goal)
	return &agent.RunResult{Content: "done", RunID: runID}, nil
}

func TestCheckInboxFirstPollIsSilent(t *testing.T) {
	ctx := context.Background()
	lister := &fakeLister{}
	lister.set([]Message{{MessageID: "m1", From: "a@b.com", Subject: "hi"}})
	exec := &fakeExecutor{}

	m := NewMonitor(lister, newTestSessionManager(t), exec.run, Config{})
	m.checkInbox(ctx)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.calls) != 0 {
		t.Errorf("expected no agent runs on first poll, got %v", exec.calls)
	}
}

func TestCheckInboxInvokesAgentForNewMessagesAfterFirstPoll(t *testing.T) {
	ctx := context.Background()
	lister := &fakeLister{}
	lister.set([]Message{{MessageID: "m1", From: "a@b.com", Subject: "hi"}})
	exec := &fakeExecutor{}

	m := NewMonitor(lister, newTestSessionManager(t), exec.run, Config{})
	m.checkInbox(ctx) // seeds m1 silently

	lister.set([]Message{
		{MessageID: "m1", From: "a@b.com", Subject: "hi"},
		{MessageID: "m2", From: "c@d.com", Subject: "new one"},
	})
	m.checkInbox(ctx)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.calls) != 1 {
		t.Fatalf("expected exactly 1 agent run for the new message, got %d: %v", len(exec.calls), exec.calls)
	}
	if !contains(exec.calls[0], "c@d.com") {
		t.Errorf("expected synthesized goal to reference the sender, got %q", exec.calls[0])
	}
}

func TestCheckInboxNeverReinvokesSameMessage(t *testing.T) {
	ctx := context.Background()
	lister := &fakeLister{}
	lister.set([]Message{{MessageID: "m1", From: "a@b.com", Subject: "hi"}})
	exec := &fakeExecutor{}

	m := NewMonitor(lister, newTestSessionManager(t), exec.run, Config{})
	m.checkInbox(ctx)
	lister.set([]Message{
		{MessageID: "m1", From: "a@b.com", Subject: "hi"},
		{MessageID: "m2", From: "c@d.com", Subject: "second"},
	})
	m.checkInbox(ctx)
	m.checkInbox(ctx)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.calls) != 1 {
		t.Errorf("expected m1 and m2 never re-run, got %d calls: %v", len(exec.calls), exec.calls)
	}
}

func TestSeenIDsPersistAcrossMonitors(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "seen.json")

	lister := &fakeLister{}
	lister.set([]Message{{MessageID: "m1"}, {MessageID: "m2"}})
	exec := &fakeExecutor{}
	cfg := Config{SeenIDsPath: path, PersistSeenIDs: true}

	m1 := NewMonitor(lister, nil, exec.run, cfg)
	m1.checkInbox(ctx) // silent seed, persists seen ids

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 persisted seen ids, got %+v", ids)
	}

	m2 := NewMonitor(lister, nil, exec.run, cfg)
	m2.loadSeenIDs()
	lister.set([]Message{{MessageID: "m1"}, {MessageID: "m2"}, {MessageID: "m3"}})
	m2.checkInbox(ctx)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.calls) != 1 {
		t.Errorf("expected only the genuinely new message m3 to run, got %d: %v", len(exec.calls), exec.calls)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
