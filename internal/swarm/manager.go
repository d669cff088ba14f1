// Package swarm implements the Swarm Manager (§4.9): supervision of
// external coding agents running detached in a terminal multiplexer,
// one isolated git worktree each. Grounded on vanducng-goclaw's
// internal/tools/subagent.go family (SubagentManager's sync-guarded
// task map, goroutine-per-task lifecycle, status constants) adapted
// from in-process LLM subagents to out-of-process CLI agents per
// spec.md §4.9 and the §9 ProcessHost redesign note.
package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// knowledgeSearcher is the narrow slice of store.KnowledgeRepo the
// prompt enrichment step needs, §4.9 step 4 "top-K retrieved knowledge
// chunks relevant to the task".
type knowledgeSearcher interface {
	SearchByKeyword(ctx context.Context, query string, limit int) ([]*store.KnowledgeChunk, error)
}

const topKKnowledge = 5

// Manager supervises external coding agents, §4.9.
type Manager struct {
	repo       *store.SwarmRepo
	knowledge  knowledgeSearcher
	host       ProcessHost
	vcs        VCS
	prPlatform PRPlatform
	eventPub   bus.EventPublisher
	cfg        config.SwarmConfig
	repoRoot   string

	mu      sync.Mutex
	running map[string]bool // agentID -> true, for the concurrent-agent cap
}

func NewManager(repo *store.SwarmRepo, knowledge knowledgeSearcher, host ProcessHost, vcs VCS, prPlatform PRPlatform, eventPub bus.EventPublisher, cfg config.SwarmConfig, repoRoot string) *Manager {
	return &Manager{
		repo:       repo,
		knowledge:  knowledge,
		host:       host,
		vcs:        vcs,
		prPlatform: prPlatform,
		eventPub:   eventPub,
		cfg:        cfg,
		repoRoot:   repoRoot,
		running:    make(map[string]bool),
	}
}

// Reload repopulates the in-process running set from the store, §4.9
// "On startup, running agents are reloaded from the store so the
// monitor resumes supervision."
func (m *Manager) Reload(ctx context.Context) error {
	agents, err := m.repo.ListRunning(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, a := range agents {
		m.running[a.AgentID] = true
	}
	m.mu.Unlock()
	return nil
}

// SelectProfile scores each profile's strengths as substrings of the
// lowered task text, with a large bonus for an explicit profile-name
// mention, §4.9 step 2. Ties fall back to insertion order (stable sort
// over the configured slice, first max wins).
func SelectProfile(profiles []config.SwarmProfile, task string) (config.SwarmProfile, bool) {
	if len(profiles) == 0 {
		return config.SwarmProfile{}, false
	}
	lower := strings.ToLower(task)
	bestIdx := -1
	bestScore := -1
	for i, p := range profiles {
		score := 0
		for _, s := range p.Strengths {
			if s == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(s)) {
				score++
			}
		}
		if p.Name != "" && strings.Contains(lower, strings.ToLower(p.Name)) {
			score += 100
		}
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return profiles[0], true
	}
	return profiles[bestIdx], true
}

// Spawn launches a new external coding agent, §4.9 `spawn` steps 1-6.
func (m *Manager) Spawn(ctx context.Context, task string, profileName, branchOverride, extraContext string) (*store.SwarmAgent, error) {
	// Step 1: concurrent-agent cap.
	m.mu.Lock()
	if m.cfg.MaxConcurrentAgents > 0 && len(m.running) >= m.cfg.MaxConcurrentAgents {
		m.mu.Unlock()
		return nil, fmt.Errorf("swarm: concurrent-agent cap (%d) reached", m.cfg.MaxConcurrentAgents)
	}
	m.mu.Unlock()

	// Step 2: profile selection.
	profile, ok := m.pickProfile(profileName, task)
	if !ok {
		return nil, fmt.Errorf("swarm: no profile available (requested %q)", profileName)
	}

	agentID := uuid.NewString()
	branch := branchOverride
	if branch == "" {
		branch = fmt.Sprintf("swarm/%s-%s", slugify(task), agentID[:8])
	}
	worktreePath := filepath.Join(m.worktreeRoot(), agentID)

	// Step 3: isolated feature branch + worktree.
	if err := m.vcs.CreateWorktree(ctx, m.repoRoot, worktreePath, branch); err != nil {
		return nil, fmt.Errorf("swarm: create worktree: %w", err)
	}

	// Step 4: enrich the prompt and persist it into the worktree.
	prompt := m.enrichPrompt(ctx, task, extraContext)
	promptPath := filepath.Join(worktreePath, ".swarm_prompt.md")
	if err := os.WriteFile(promptPath, []byte(prompt), 0o644); err != nil {
		slog.Warn("swarm: persist prompt failed", "agent_id", agentID, "error", err)
	}

	// Step 5: launch the detached session and type the prompt in.
	sessionName := fmt.Sprintf("swarm-%s", agentID[:8])
	if err := m.host.Launch(ctx, sessionName, worktreePath, profile.Command, profile.Args, profile.Env); err != nil {
		return nil, fmt.Errorf("swarm: launch session: %w", err)
	}
	go func() {
		time.Sleep(launchDelay)
		if err := m.host.SendInput(context.Background(), sessionName, prompt); err != nil {
			slog.Warn("swarm: send initial prompt failed", "agent_id", agentID, "error", err)
		}
	}()

	// Step 6: persist the agent record, log, broadcast.
	agent := &store.SwarmAgent{
		AgentID:        agentID,
		Profile:        profile.Name,
		Task:           task,
		Branch:         branch,
		WorktreePath:   worktreePath,
		TmuxSession:    sessionName,
		Status:         store.SwarmRunning,
		DoneCriteria:   profile.DoneCriteria,
		EnrichedPrompt: prompt,
	}
	if err := m.repo.Create(ctx, agent); err != nil {
		return nil, fmt.Errorf("swarm: persist agent record: %w", err)
	}
	m.repo.LogActivity(ctx, agentID, "spawned", fmt.Sprintf("profile=%s branch=%s", profile.Name, branch))

	m.mu.Lock()
	m.running[agentID] = true
	m.mu.Unlock()

	m.broadcast(protocol.EventAgentSpawned, agent)
	return agent, nil
}

// Redirect types new instructions into the agent's session, §4.9
// `redirect(id, instructions)`.
func (m *Manager) Redirect(ctx context.Context, agentID, instructions string) error {
	a, err := m.repo.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if err := m.host.SendInput(ctx, a.TmuxSession, instructions); err != nil {
		return err
	}
	if err := m.repo.LogActivity(ctx, agentID, "redirected", instructions); err != nil {
		return err
	}
	m.broadcast(protocol.EventAgentRedirected, a)
	return nil
}

// StopAgent kills the session and marks the record stopped, §4.9
// `stop_agent(id, reason)`.
func (m *Manager) StopAgent(ctx context.Context, agentID, reason string) error {
	a, err := m.repo.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if err := m.host.Kill(ctx, a.TmuxSession); err != nil {
		slog.Warn("swarm: kill session failed", "agent_id", agentID, "error", err)
	}
	if err := m.repo.SetStatus(ctx, agentID, store.SwarmStopped, reason); err != nil {
		return err
	}
	m.repo.LogActivity(ctx, agentID, "stopped", reason)

	m.mu.Lock()
	delete(m.running, agentID)
	m.mu.Unlock()

	a.Status = store.SwarmStopped
	a.StoppedReason = reason
	m.broadcast(protocol.EventAgentStopped, a)
	return nil
}

func (m *Manager) pickProfile(name, task string) (config.SwarmProfile, bool) {
	if name != "" {
		for _, p := range m.cfg.Profiles {
			if p.Name == name {
				return p, true
			}
		}
		return config.SwarmProfile{}, false
	}
	return SelectProfile(m.cfg.Profiles, task)
}

func (m *Manager) worktreeRoot() string {
	if m.cfg.WorktreeRoot != "" {
		return m.cfg.WorktreeRoot
	}
	return filepath.Join(os.TempDir(), "agentcore-swarm")
}

// enrichPrompt implements §4.9 step 4: task + extra context + top-K
// knowledge chunks + a closing instruction to open a PR when done.
func (m *Manager) enrichPrompt(ctx context.Context, task, extraContext string) string {
	var b strings.Builder
	b.WriteString(task)
	if extraContext != "" {
		b.WriteString("\n\nAdditional context:\n")
		b.WriteString(extraContext)
	}
	if m.knowledge != nil {
		if chunks, err := m.knowledge.SearchByKeyword(ctx, task, topKKnowledge); err == nil && len(chunks) > 0 {
			b.WriteString("\n\nRelevant knowledge:\n")
			for _, c := range chunks {
				b.WriteString("- ")
				b.WriteString(c.Content)
				b.WriteString("\n")
			}
		}
	}
	b.WriteString("\n\nWhen you are done, open a pull request.\n")
	return b.String()
}

func (m *Manager) broadcast(evt protocol.EventType, agent *store.SwarmAgent) {
	if m.eventPub == nil {
		return
	}
	m.eventPub.Broadcast(bus.NewEvent(evt, "", agent))
}
