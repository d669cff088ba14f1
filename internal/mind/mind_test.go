package mind

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/agent"
	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/internal/llm"
	"github.com/nextlevelbuilder/agentcore/internal/sessions"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/internal/tools"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
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
CREATE TABLE IF NOT EXISTS mind_scratchpad (
	id INTEGER PRIMARY KEY,
	content TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL
);
`

type stubRouter struct{ content string }

func (r *stubRouter) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: r.content, FinishReason: "stop"}, nil
}
func (r *stubRouter) HealthCheck(ctx context.Context) error { return nil }

func newTestMind(t *testing.T, cfg config.MindConfig) (*Mind, bus.EventPublisher) {
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

	sm := sessions.NewManager(store.NewSessionRepo(s), 20, "test-model")
	reg := tools.NewRegistry()
	exec := tools.NewExecutor(reg, tools.NewPolicyEngine(config.ToolsConfig{Mode: "full_auto"}))
	router := &stubRouter{content: "nothing to do"}
	loop := agent.NewLoop(agent.LoopConfig{ID: "mind-agent", Router: router, Model: "test-model", Sessions: sm, Tools: reg, Executor: exec})

	eventPub := bus.NewMemoryBus()
	m := New(Config{
		Loop:     loop,
		Sessions: sm,
		Scratch:  store.NewMindRepo(s),
		EventPub: eventPub,
		Settings: cfg,
	})
	return m, eventPub
}

func TestSetNextWakeupMutatesInterval(t *testing.T) {
	cfg := config.Defaults().Mind
	m, _ := newTestMind(t, cfg)
	m.setNextWakeup(45)
	if got := m.nextWait(); got != 45*time.Second {
		t.Errorf("nextWait() = %v, want 45s", got)
	}
}

func TestUpdateScratchpadPersists(t *testing.T) {
	cfg := config.Defaults().Mind
	m, _ := newTestMind(t, cfg)
	ctx := context.Background()
	if err := m.updateScratchpad(ctx, "remember to check the deploy"); err != nil {
		t.Fatalf("updateScratchpad: %v", err)
	}
	got, err := m.scratch.GetScratchpad(ctx)
	if err != nil {
		t.Fatalf("GetScratchpad: %v", err)
	}
	if got != "remember to check the deploy" {
		t.Errorf("scratchpad = %q", got)
	}
}

func TestComposePromptIncludesScratchpadAndEvents(t *testing.T) {
	cfg := config.Defaults().Mind
	m, _ := newTestMind(t, cfg)
	ctx := context.Background()
	m.updateScratchpad(ctx, "in-flight: release notes draft")
	m.InjectEvent("deploy finished successfully")

	prompt, err := m.composePrompt(ctx)
	if err != nil {
		t.Fatalf("composePrompt: %v", err)
	}
	if !strings.Contains(prompt, "in-flight: release notes draft") {
		t.Error("expected scratchpad content in prompt")
	}
	if !strings.Contains(prompt, "deploy finished successfully") {
		t.Error("expected injected event in prompt")
	}
	// events drain on read
	if events := m.drainEvents(); len(events) != 0 {
		t.Errorf("expected events to be drained after composePrompt, got %v", events)
	}
}

func TestOverBudgetTriggersGeometricBackoff(t *testing.T) {
	cfg := config.Defaults().Mind
	cfg.DailyCostCapUSD = 0.01
	cfg.MaxBackoffInterval = config.Duration(time.Minute)
	m, _ := newTestMind(t, cfg)
	m.cost.Add(llm.Usage{CostUSD: 1.00})

	if !m.overBudget() {
		t.Fatal("expected overBudget to be true once spend exceeds the cap")
	}
	m.backOff()
	first := m.nextWait()
	m.backOff()
	second := m.nextWait()
	if second <= first {
		t.Errorf("expected backoff to grow: first=%v second=%v", first, second)
	}
	for i := 0; i < 10; i++ {
		m.backOff()
	}
	if got := m.nextWait(); got > time.Minute {
		t.Errorf("backoff exceeded configured max: %v", got)
	}
}

func TestPauseSkipsCycleAndEmitsMindPaused(t *testing.T) {
	cfg := config.Defaults().Mind
	cfg.WarmupInterval = config.Duration(10 * time.Millisecond)
	m, eventPub := newTestMind(t, cfg)
	m.Pause()

	var mu sync.Mutex
	var gotPaused bool
	eventPub.Subscribe("watcher", func(e bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.Name == string(protocol.EventMindPaused) {
			gotPaused = true
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	cancel()
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	if !gotPaused {
		t.Error("expected at least one mind_paused event while paused")
	}
}

func TestCycleIsolatesAndRestoresSessionHistory(t *testing.T) {
	cfg := config.Defaults().Mind
	m, eventPub := newTestMind(t, cfg)
	ctx := context.Background()

	rec, err := m.sessions.GetOrCreate(ctx, mindChannel, mindUser)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	rec.ConversationHistory = []store.Message{{Role: store.RoleUser, Content: "prior turn"}}
	if err := m.sessions.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var wakeups, actions int
	var mu sync.Mutex
	eventPub.Subscribe("watcher", func(e bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch e.Name {
		case string(protocol.EventMindWakeup):
			wakeups++
		case string(protocol.EventMindAction):
			actions++
		}
	})

	if err := m.cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	mu.Lock()
	if wakeups == 0 || actions == 0 {
		t.Errorf("expected mind_wakeup and mind_action events, got wakeups=%d actions=%d", wakeups, actions)
	}
	mu.Unlock()

	restored, err := m.sessions.Get(ctx, rec.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(restored.ConversationHistory) != 1 || restored.ConversationHistory[0].Content != "prior turn" {
		t.Errorf("expected prior history to be restored untouched, got %+v", restored.ConversationHistory)
	}
	if m.lastActionSummary() == "" {
		t.Error("expected last action to be recorded")
	}
}
