package swarm

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

const testSchema = `
CREATE TABLE IF NOT EXISTS swarm_agents (
	agent_id TEXT PRIMARY KEY,
	profile TEXT NOT NULL,
	task TEXT NOT NULL,
	branch TEXT NOT NULL DEFAULT '',
	worktree_path TEXT NOT NULL DEFAULT '',
	tmux_session TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'running',
	done_criteria TEXT NOT NULL DEFAULT '',
	pr_url TEXT NOT NULL DEFAULT '',
	pr_number INTEGER NOT NULL DEFAULT 0,
	ci_status TEXT NOT NULL DEFAULT '',
	enriched_prompt TEXT NOT NULL DEFAULT '',
	spawned_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	stopped_reason TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS swarm_activity_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	at TIMESTAMP NOT NULL,
	kind TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT ''
);
`

// fakeHost is the ProcessHost fake, spec.md §9 "tests use a fake".
type fakeHost struct {
	mu      sync.Mutex
	alive   map[string]bool
	inputs  map[string][]string
	launchN int
}

func newFakeHost() *fakeHost {
	return &fakeHost{alive: make(map[string]bool), inputs: make(map[string][]string)}
}

func (h *fakeHost) Launch(ctx context.Context, sessionName, workDir, command string, args, env []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alive[sessionName] = true
	h.launchN++
	return nil
}

func (h *fakeHost) IsAlive(ctx context.Context, sessionName string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive[sessionName]
}

func (h *fakeHost) SendInput(ctx context.Context, sessionName, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inputs[sessionName] = append(h.inputs[sessionName], text)
	return nil
}

func (h *fakeHost) Kill(ctx context.Context, sessionName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alive[sessionName] = false
	return nil
}

// fakeVCS is the VCS fake.
type fakeVCS struct {
	mu       sync.Mutex
	created  []string
	removed  []string
	deleted  []string
	failNext bool
}

func (v *fakeVCS) CreateWorktree(ctx context.Context, repoRoot, worktreePath, branch string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.created = append(v.created, worktreePath)
	return nil
}

func (v *fakeVCS) RemoveWorktree(ctx context.Context, repoRoot, worktreePath string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removed = append(v.removed, worktreePath)
	return nil
}

func (v *fakeVCS) DeleteBranch(ctx context.Context, repoRoot, branch string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deleted = append(v.deleted, branch)
	return nil
}

// fakePRPlatform is the PRPlatform fake.
type fakePRPlatform struct {
	mu     sync.Mutex
	prs    map[string]*PR // branch -> PR
	checks map[int]CheckStatus
}

func newFakePRPlatform() *fakePRPlatform {
	return &fakePRPlatform{prs: make(map[string]*PR), checks: make(map[int]CheckStatus)}
}

func (p *fakePRPlatform) FindByBranch(ctx context.Context, repoRoot, branch string) (*PR, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prs[branch], nil
}

func (p *fakePRPlatform) Checks(ctx context.Context, repoRoot string, prNumber int) (CheckStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.checks[prNumber]; ok {
		return s, nil
	}
	return CheckUnknown, nil
}

type fakeKnowledge struct{}

func (fakeKnowledge) SearchByKeyword(ctx context.Context, query string, limit int) ([]*store.KnowledgeChunk, error) {
	return nil, nil
}

func newTestManager(t *testing.T, cfg config.SwarmConfig) (*Manager, *fakeHost, *fakeVCS, *fakePRPlatform, bus.EventPublisher) {
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

	host := newFakeHost()
	vcs := &fakeVCS{}
	prPlatform := newFakePRPlatform()
	eventPub := bus.NewMemoryBus()
	repo := store.NewSwarmRepo(s)
	cfg.WorktreeRoot = t.TempDir()
	m := NewManager(repo, fakeKnowledge{}, host, vcs, prPlatform, eventPub, cfg, t.TempDir())
	return m, host, vcs, prPlatform, eventPub
}

func TestSelectProfileScoresStrengthsAndNameMention(t *testing.T) {
	profiles := []config.SwarmProfile{
		{Name: "reviewer", Strengths: []string{"code review", "lint"}},
		{Name: "builder", Strengths: []string{"implement", "feature"}},
	}
	got, ok := SelectProfile(profiles, "please implement a new feature end to end")
	if !ok || got.Name != "builder" {
		t.Fatalf("expected builder to win on strengths, got %+v ok=%v", got, ok)
	}

	got, ok = SelectProfile(profiles, "let the reviewer agent take a look, implement is not the priority")
	if !ok || got.Name != "reviewer" {
		t.Fatalf("expected explicit name mention bonus to win, got %+v ok=%v", got, ok)
	}
}

func TestSelectProfileTiesFallBackToInsertionOrder(t *testing.T) {
	profiles := []config.SwarmProfile{
		{Name: "first"},
		{Name: "second"},
	}
	got, ok := SelectProfile(profiles, "no strengths match anything here")
	if !ok || got.Name != "first" {
		t.Fatalf("expected first profile on a scoreless tie, got %+v ok=%v", got, ok)
	}
}

func TestSpawnCreatesWorktreeLaunchesAndPersists(t *testing.T) {
	cfg := config.Defaults().Swarm
	cfg.Profiles = []config.SwarmProfile{{Name: "builder", Command: "claude", DoneCriteria: "pr_created"}}
	m, host, vcs, _, eventPub := newTestManager(t, cfg)
	ctx := context.Background()

	var spawned bool
	var mu sync.Mutex
	eventPub.Subscribe("watcher", func(e bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.Name == string(protocol.EventAgentSpawned) {
			spawned = true
		}
	})

	a, err := m.Spawn(ctx, "implement the new feature", "builder", "", "extra context here")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if a.Status != store.SwarmRunning {
		t.Errorf("expected running status, got %s", a.Status)
	}
	if len(vcs.created) != 1 {
		t.Errorf("expected one worktree created, got %d", len(vcs.created))
	}
	if host.launchN != 1 {
		t.Errorf("expected one session launched, got %d", host.launchN)
	}

	mu.Lock()
	if !spawned {
		t.Error("expected agent_spawned event")
	}
	mu.Unlock()

	got, err := m.repo.Get(ctx, a.AgentID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Branch == "" || got.WorktreePath == "" {
		t.Errorf("expected persisted branch/worktree, got %+v", got)
	}
}

func TestSpawnRejectsOverConcurrentCap(t *testing.T) {
	cfg := config.Defaults().Swarm
	cfg.MaxConcurrentAgents = 1
	cfg.Profiles = []config.SwarmProfile{{Name: "builder", Command: "claude"}}
	m, _, _, _, _ := newTestManager(t, cfg)
	ctx := context.Background()

	if _, err := m.Spawn(ctx, "task one", "builder", "", ""); err != nil {
		t.Fatalf("first Spawn: %v", err)
	}
	if _, err := m.Spawn(ctx, "task two", "builder", "", ""); err == nil {
		t.Error("expected second Spawn to fail once the cap is reached")
	}
}

func TestRedirectSendsInputAndBroadcasts(t *testing.T) {
	cfg := config.Defaults().Swarm
	cfg.Profiles = []config.SwarmProfile{{Name: "builder", Command: "claude"}}
	m, host, _, _, eventPub := newTestManager(t, cfg)
	ctx := context.Background()

	a, err := m.Spawn(ctx, "task", "builder", "", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	var redirected bool
	var mu sync.Mutex
	eventPub.Subscribe("watcher", func(e bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.Name == string(protocol.EventAgentRedirected) {
			redirected = true
		}
	})

	if err := m.Redirect(ctx, a.AgentID, "focus on the tests now"); err != nil {
		t.Fatalf("Redirect: %v", err)
	}

	inputs := host.inputs[a.TmuxSession]
	if len(inputs) == 0 || inputs[len(inputs)-1] != "focus on the tests now" {
		t.Errorf("expected redirected instructions sent to session, got %v", inputs)
	}
	mu.Lock()
	if !redirected {
		t.Error("expected agent_redirected event")
	}
	mu.Unlock()
}

func TestStopAgentKillsAndMarksStopped(t *testing.T) {
	cfg := config.Defaults().Swarm
	cfg.Profiles = []config.SwarmProfile{{Name: "builder", Command: "claude"}}
	m, host, _, _, _ := newTestManager(t, cfg)
	ctx := context.Background()

	a, err := m.Spawn(ctx, "task", "builder", "", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := m.StopAgent(ctx, a.AgentID, "no longer needed"); err != nil {
		t.Fatalf("StopAgent: %v", err)
	}
	if host.IsAlive(ctx, a.TmuxSession) {
		t.Error("expected session to be killed")
	}
	got, err := m.repo.Get(ctx, a.AgentID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.SwarmStopped || got.StoppedReason != "no longer needed" {
		t.Errorf("expected stopped status with reason, got %+v", got)
	}

	m.mu.Lock()
	_, stillRunning := m.running[a.AgentID]
	m.mu.Unlock()
	if stillRunning {
		t.Error("expected agent removed from running set")
	}
}

func TestEvaluateDoneCriteria(t *testing.T) {
	cases := []struct {
		name string
		a    *store.SwarmAgent
		want bool
	}{
		{"pr_created present", &store.SwarmAgent{DoneCriteria: "pr_created", PRUrl: "https://example/pr/1"}, true},
		{"pr_created absent", &store.SwarmAgent{DoneCriteria: "pr_created"}, false},
		{"ci_passed success", &store.SwarmAgent{DoneCriteria: "ci_passed", CIStatus: string(CheckSuccess)}, true},
		{"ci_passed pending", &store.SwarmAgent{DoneCriteria: "ci_passed", CIStatus: string(CheckPending)}, false},
		{"unknown criteria", &store.SwarmAgent{DoneCriteria: "something_else"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := evaluateDoneCriteria(c.a); got != c.want {
				t.Errorf("evaluateDoneCriteria(%+v) = %v, want %v", c.a, got, c.want)
			}
		})
	}
}

func TestMonitorMarksFailedWhenSessionEndsWithoutPR(t *testing.T) {
	cfg := config.Defaults().Swarm
	cfg.Profiles = []config.SwarmProfile{{Name: "builder", Command: "claude", DoneCriteria: "pr_created"}}
	m, host, _, _, eventPub := newTestManager(t, cfg)
	ctx := context.Background()

	a, err := m.Spawn(ctx, "task", "builder", "", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	host.Kill(ctx, a.TmuxSession)

	var failed bool
	var mu sync.Mutex
	eventPub.Subscribe("watcher", func(e bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.Name == string(protocol.EventAgentFailed) {
			failed = true
		}
	})

	mon := NewMonitor(m, time.Second)
	mon.evaluate(ctx, a)

	mu.Lock()
	if !failed {
		t.Error("expected agent_failed event")
	}
	mu.Unlock()

	got, err := m.repo.Get(ctx, a.AgentID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.SwarmFailed {
		t.Errorf("expected failed status, got %s", got.Status)
	}
}

func TestMonitorMarksCompletedAndCleansUpOnCIPass(t *testing.T) {
	cfg := config.Defaults().Swarm
	cfg.CleanupOnSuccess = true
	cfg.Profiles = []config.SwarmProfile{{Name: "builder", Command: "claude", DoneCriteria: "ci_passed"}}
	m, _, vcs, prPlatform, eventPub := newTestManager(t, cfg)
	ctx := context.Background()

	a, err := m.Spawn(ctx, "task", "builder", "", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	prPlatform.mu.Lock()
	prPlatform.prs[a.Branch] = &PR{URL: "https://example/pr/7", Number: 7}
	prPlatform.checks[7] = CheckSuccess
	prPlatform.mu.Unlock()

	var completed bool
	var mu sync.Mutex
	eventPub.Subscribe("watcher", func(e bus.Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.Name == string(protocol.EventAgentCompleted) {
			completed = true
		}
	})

	mon := NewMonitor(m, time.Second)
	mon.evaluate(ctx, a)

	mu.Lock()
	if !completed {
		t.Error("expected agent_completed event")
	}
	mu.Unlock()

	if len(vcs.removed) != 1 || len(vcs.deleted) != 1 {
		t.Errorf("expected worktree cleanup on success, removed=%v deleted=%v", vcs.removed, vcs.deleted)
	}
}

func TestMonitorEnforcesPerProfileTimeout(t *testing.T) {
	cfg := config.Defaults().Swarm
	cfg.Profiles = []config.SwarmProfile{{Name: "builder", Command: "claude", DoneCriteria: "pr_created", MaxTimeSeconds: 1}}
	m, host, _, _, _ := newTestManager(t, cfg)
	ctx := context.Background()

	a, err := m.Spawn(ctx, "task", "builder", "", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	a.SpawnedAt = time.Now().Add(-2 * time.Second)

	mon := NewMonitor(m, time.Second)
	mon.evaluate(ctx, a)

	if host.IsAlive(ctx, a.TmuxSession) {
		t.Error("expected timed-out agent's session to be killed")
	}
	got, err := m.repo.Get(ctx, a.AgentID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.SwarmStopped || got.StoppedReason != "timeout" {
		t.Errorf("expected stopped/timeout, got %+v", got)
	}
}

func TestReduceChecks(t *testing.T) {
	cases := []struct {
		name    string
		entries []ghCheckEntry
		want    CheckStatus
	}{
		{"empty", nil, CheckUnknown},
		{"all pass", []ghCheckEntry{{Bucket: "pass"}, {Bucket: "skipping"}}, CheckSuccess},
		{"one pending", []ghCheckEntry{{Bucket: "pass"}, {Bucket: "pending"}}, CheckPending},
		{"one fail wins", []ghCheckEntry{{Bucket: "pending"}, {Bucket: "fail"}}, CheckFailure},
		{"cancel is failure", []ghCheckEntry{{Bucket: "cancel"}}, CheckFailure},
		{"unrecognized bucket", []ghCheckEntry{{Bucket: "weird"}}, CheckUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := reduceChecks(c.entries); got != c.want {
				t.Errorf("reduceChecks(%+v) = %v, want %v", c.entries, got, c.want)
			}
		})
	}
}

func TestSlugify(t *testing.T) {
	if got := slugify("Fix the Login Bug!!"); got != "fix-the-login-bug" {
		t.Errorf("slugify = %q", got)
	}
	if got := slugify("###"); got != "task" {
		t.Errorf("slugify fallback = %q", got)
	}
}
