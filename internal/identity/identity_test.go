package identity

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/internal/llm"
	"github.com/nextlevelbuilder/agentcore/internal/store"
)

const testSchema = `
CREATE TABLE IF NOT EXISTS identity (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	creator TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	purpose TEXT NOT NULL DEFAULT '',
	values TEXT NOT NULL DEFAULT '[]',
	beliefs TEXT NOT NULL DEFAULT '[]',
	curiosities TEXT NOT NULL DEFAULT '[]',
	boundaries TEXT NOT NULL DEFAULT '[]',
	capabilities TEXT NOT NULL DEFAULT '[]',
	personality TEXT NOT NULL DEFAULT '',
	communication_style TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS identity_evolution (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trigger TEXT NOT NULL,
	field TEXT NOT NULL,
	old_value TEXT NOT NULL DEFAULT '',
	new_value TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
`

type scriptedRouter struct {
	responses []string
	calls     int
}

func (r *scriptedRouter) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	idx := r.calls
	if idx >= len(r.responses) {
		idx = len(r.responses) - 1
	}
	r.calls++
	return &llm.CompletionResponse{Content: r.responses[idx], FinishReason: "stop"}, nil
}
func (r *scriptedRouter) HealthCheck(ctx context.Context) error { return nil }

func newTestManager(t *testing.T, router llm.Router, cfg config.IdentityConfig) *Manager {
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
	repo := store.NewIdentityRepo(s)
	eventPub := bus.NewMemoryBus()
	return NewManager(repo, router, eventPub, cfg)
}

func TestLoadOrCreateSeedsDefaultWithoutAwakening(t *testing.T) {
	cfg := config.IdentityConfig{FirstAwakening: false}
	m := newTestManager(t, nil, cfg)
	ctx := context.Background()

	id, err := m.LoadOrCreate(ctx)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if id.Creator != "EloPhanto" || id.DisplayName != "EloPhanto" {
		t.Errorf("expected default identity, got %+v", id)
	}

	again, err := m.LoadOrCreate(ctx)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if again.DisplayName != id.DisplayName {
		t.Error("expected second call to return the same persisted row, not reseed")
	}
}

func TestLoadOrCreateFirstAwakeningUsesLLM(t *testing.T) {
	router := &scriptedRouter{responses: []string{
		`{"display_name": "Nova", "purpose": "assist", "values": ["curiosity"], "curiosities": ["space"], "boundaries": ["be honest"]}`,
	}}
	cfg := config.IdentityConfig{FirstAwakening: true}
	m := newTestManager(t, router, cfg)
	ctx := context.Background()

	id, err := m.LoadOrCreate(ctx)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if id.DisplayName != "Nova" {
		t.Errorf("expected LLM-derived display name, got %q", id.DisplayName)
	}
	if len(id.Values) != 1 || id.Values[0] != "curiosity" {
		t.Errorf("expected values from awakening response, got %+v", id.Values)
	}
}

func TestUpdateFieldScalarJournalsChange(t *testing.T) {
	cfg := config.IdentityConfig{FirstAwakening: false}
	m := newTestManager(t, nil, cfg)
	ctx := context.Background()
	if _, err := m.LoadOrCreate(ctx); err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	ok, err := m.UpdateField(ctx, "purpose", "set", "build great software", "because I decided to", "explicit", 0.9)
	if err != nil {
		t.Fatalf("UpdateField: %v", err)
	}
	if !ok {
		t.Fatal("expected update to apply")
	}

	id, err := m.LoadOrCreate(ctx)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if id.Purpose != "build great software" {
		t.Errorf("expected purpose updated, got %q", id.Purpose)
	}

	log, err := m.repo.EvolutionLog(ctx, 10)
	if err != nil {
		t.Fatalf("EvolutionLog: %v", err)
	}
	if len(log) != 1 || log[0].Field != "purpose" {
		t.Errorf("expected one journaled evolution entry, got %+v", log)
	}
}

func TestUpdateFieldListAppendsWithoutDuplicates(t *testing.T) {
	cfg := config.IdentityConfig{FirstAwakening: false}
	m := newTestManager(t, nil, cfg)
	ctx := context.Background()
	if _, err := m.LoadOrCreate(ctx); err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	ok, err := m.UpdateField(ctx, "capabilities", "add", "web search", "learned it works", "capability_learned", 0.8)
	if err != nil || !ok {
		t.Fatalf("UpdateField add: ok=%v err=%v", ok, err)
	}
	ok, err = m.UpdateField(ctx, "capabilities", "add", "web search", "duplicate", "capability_learned", 0.8)
	if err != nil {
		t.Fatalf("UpdateField duplicate: %v", err)
	}
	if ok {
		t.Error("expected duplicate capability add to be a no-op")
	}

	id, err := m.LoadOrCreate(ctx)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if len(id.Capabilities) != 1 || id.Capabilities[0] != "web search" {
		t.Errorf("expected one capability, got %+v", id.Capabilities)
	}
}

func TestUpdateFieldRejectsImmutableOrUnknown(t *testing.T) {
	cfg := config.IdentityConfig{FirstAwakening: false}
	m := newTestManager(t, nil, cfg)
	ctx := context.Background()

	if _, err := m.UpdateField(ctx, "creator", "set", "someone else", "trying", "explicit", 1.0); err == nil {
		t.Error("expected creator update to be rejected")
	}
	if _, err := m.UpdateField(ctx, "nonexistent_field", "set", "x", "trying", "explicit", 1.0); err == nil {
		t.Error("expected unknown field update to be rejected")
	}
}

func TestBuildContextRendersSelfModel(t *testing.T) {
	cfg := config.IdentityConfig{FirstAwakening: false}
	m := newTestManager(t, nil, cfg)
	ctx := context.Background()

	xml, err := m.BuildContext(ctx)
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	if !strings.Contains(xml, "<self_model>") || !strings.Contains(xml, "<creator>EloPhanto</creator>") {
		t.Errorf("expected self_model XML shape, got %q", xml)
	}
}

func TestReflectOnTaskAppliesUpdatesAndTriggersDeepReflect(t *testing.T) {
	router := &scriptedRouter{responses: []string{
		`{"updates": [{"field": "personality", "action": "set", "value": "methodical", "reason": "noticed a pattern"}]}`,
		`{"updates": []}`,
	}}
	cfg := config.IdentityConfig{FirstAwakening: false, AutoEvolve: true, ReflectionFrequency: 1}
	m := newTestManager(t, router, cfg)
	ctx := context.Background()
	if _, err := m.LoadOrCreate(ctx); err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	applied, err := m.ReflectOnTask(ctx, "fix a bug", "success", []string{"file_read", "file_write"})
	if err != nil {
		t.Fatalf("ReflectOnTask: %v", err)
	}
	if len(applied) != 1 || applied[0].Field != "personality" {
		t.Errorf("expected one applied update, got %+v", applied)
	}
	if router.calls != 2 {
		t.Errorf("expected deep reflect to fire after reaching the reflection frequency, calls=%d", router.calls)
	}

	id, err := m.LoadOrCreate(ctx)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if id.Personality != "methodical" {
		t.Errorf("expected personality updated via reflection, got %q", id.Personality)
	}
}

func TestReflectOnTaskNoOpWhenAutoEvolveDisabled(t *testing.T) {
	router := &scriptedRouter{responses: []string{`{"updates": []}`}}
	cfg := config.IdentityConfig{FirstAwakening: false, AutoEvolve: false}
	m := newTestManager(t, router, cfg)
	ctx := context.Background()

	applied, err := m.ReflectOnTask(ctx, "task", "success", nil)
	if err != nil {
		t.Fatalf("ReflectOnTask: %v", err)
	}
	if applied != nil {
		t.Errorf("expected no updates when auto_evolve is disabled, got %+v", applied)
	}
	if router.calls != 0 {
		t.Error("expected no LLM call when auto_evolve is disabled")
	}
}

func TestSeedFileUnmarshalsYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	content := "display_name: Custodian\npurpose: keep the lights on\nvalues:\n  - reliability\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg := config.IdentityConfig{FirstAwakening: false, SeedFile: path}
	m := newTestManager(t, nil, cfg)
	ctx := context.Background()

	id, err := m.LoadOrCreate(ctx)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if id.DisplayName != "Custodian" || id.Purpose != "keep the lights on" {
		t.Errorf("expected seed file values, got %+v", id)
	}
}
