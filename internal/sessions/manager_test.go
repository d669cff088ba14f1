package sessions

import (
	"context"
	"path/filepath"
	"testing"
	"time"

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

func newTestManager(t *testing.T, historyLimit int) *Manager {
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
	return NewManager(store.NewSessionRepo(s), historyLimit, "gpt-4")
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 20)

	first, err := m.GetOrCreate(ctx, "telegram", "user-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := m.GetOrCreate(ctx, "telegram", "user-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if first.SessionID != second.SessionID {
		t.Errorf("got different session ids: %s vs %s", first.SessionID, second.SessionID)
	}
}

func TestAppendConversationTurnTrimsToHistoryLimit(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 4) // H=4: keep last 2 turns

	rec, err := m.GetOrCreate(ctx, "discord", "user-2")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := m.AppendConversationTurn(ctx, rec, "hello", "hi"); err != nil {
			t.Fatalf("AppendConversationTurn: %v", err)
		}
	}

	if len(rec.ConversationHistory) != 4 {
		t.Fatalf("history length = %d, want 4 (trimmed to H)", len(rec.ConversationHistory))
	}

	reloaded, err := m.Get(ctx, rec.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(reloaded.ConversationHistory) != 4 {
		t.Errorf("persisted history length = %d, want 4", len(reloaded.ConversationHistory))
	}
}

func TestCleanupStaleRemovesOldSessionsAndCache(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 20)

	rec, err := m.GetOrCreate(ctx, "telegram", "stale-user")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	rec.LastActive = time.Now().UTC().Add(-48 * time.Hour)
	if err := m.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	removed, err := m.CleanupStale(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if removed != 1 {
		t.Errorf("CleanupStale removed %d, want 1", removed)
	}

	if _, err := m.Get(ctx, rec.SessionID); err != store.ErrNotFound {
		t.Errorf("expected ErrNotFound for cleaned-up session, got %v", err)
	}
}

func TestHistoryTokensIsPositiveForNonEmptyHistory(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, 20)

	rec, err := m.GetOrCreate(ctx, "telegram", "user-3")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := m.AppendConversationTurn(ctx, rec, "what is the weather", "it is sunny"); err != nil {
		t.Fatalf("AppendConversationTurn: %v", err)
	}
	if got := m.HistoryTokens(rec); got <= 0 {
		t.Errorf("HistoryTokens = %d, want > 0", got)
	}
}

func TestBuildUserKeyVariants(t *testing.T) {
	if got, want := BuildUserKey("telegram", PeerDirect, "42"), "telegram:direct:42"; got != want {
		t.Errorf("BuildUserKey = %q, want %q", got, want)
	}
	if got, want := BuildGroupTopicUserKey("telegram", "-100", 7), "telegram:group:-100:topic:7"; got != want {
		t.Errorf("BuildGroupTopicUserKey = %q, want %q", got, want)
	}
	if !IsSubagentUserKey(BuildSubagentUserKey("research")) {
		t.Error("expected subagent key to be recognized")
	}
	if !IsCronUserKey(BuildCronUserKey("nightly", "run-1")) {
		t.Error("expected cron key to be recognized")
	}
}
