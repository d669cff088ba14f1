package swarm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// Monitor is the background supervision loop, §4.9 "Background monitor",
// grounded on vanducng-goclaw/internal/mcp/manager_connect.go's
// healthLoop ticker shape.
type Monitor struct {
	manager *Manager
	cfg     monitorConfig

	stopCh    chan struct{}
	stoppedWg sync.WaitGroup
}

type monitorConfig struct {
	Interval time.Duration
}

func NewMonitor(manager *Manager, interval time.Duration) *Monitor {
	return &Monitor{
		manager: manager,
		cfg:     monitorConfig{Interval: interval},
		stopCh:  make(chan struct{}),
	}
}

// Start launches the monitor loop in a background goroutine.
func (mo *Monitor) Start(ctx context.Context) {
	mo.stoppedWg.Add(1)
	go mo.run(ctx)
}

func (mo *Monitor) Stop() {
	close(mo.stopCh)
	mo.stoppedWg.Wait()
}

func (mo *Monitor) run(ctx context.Context) {
	defer mo.stoppedWg.Done()
	ticker := time.NewTicker(mo.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mo.stopCh:
			return
		case <-ticker.C:
			mo.tick(ctx)
		}
	}
}

// tick iterates every running agent once, §4.9 "Background monitor"
// bullet list.
func (mo *Monitor) tick(ctx context.Context) {
	agents, err := mo.manager.repo.ListRunning(ctx)
	if err != nil {
		slog.Warn("swarm monitor: list running failed", "error", err)
		return
	}
	for _, a := range agents {
		mo.evaluate(ctx, a)
	}
}

func (mo *Monitor) evaluate(ctx context.Context, a *store.SwarmAgent) {
	alive := mo.manager.host.IsAlive(ctx, a.TmuxSession)

	if a.PRUrl == "" {
		if pr, err := mo.manager.prPlatform.FindByBranch(ctx, mo.manager.repoRoot, a.Branch); err == nil && pr != nil {
			a.PRUrl, a.PRNumber = pr.URL, pr.Number
			mo.manager.repo.UpdatePR(ctx, a.AgentID, a.PRUrl, a.PRNumber, a.CIStatus)
		}
	}

	if a.PRUrl != "" {
		if status, err := mo.manager.prPlatform.Checks(ctx, mo.manager.repoRoot, a.PRNumber); err == nil {
			a.CIStatus = string(status)
			mo.manager.repo.UpdatePR(ctx, a.AgentID, a.PRUrl, a.PRNumber, a.CIStatus)
		}
	}

	done := evaluateDoneCriteria(a)

	if !alive && !done {
		mo.fail(ctx, a, "tmux session ended without a pull request")
		return
	}

	if done {
		mo.complete(ctx, a)
		return
	}

	if elapsed := time.Since(a.SpawnedAt); mo.timedOut(a, elapsed) {
		mo.manager.StopAgent(ctx, a.AgentID, "timeout")
	}
}

// evaluateDoneCriteria implements §4.9's `done_criteria` evaluation:
// pr_created ⇒ done iff pr_url present; ci_passed ⇒ done iff
// ci_status == success.
func evaluateDoneCriteria(a *store.SwarmAgent) bool {
	switch a.DoneCriteria {
	case "pr_created":
		return a.PRUrl != ""
	case "ci_passed":
		return a.CIStatus == string(CheckSuccess)
	default:
		return false
	}
}

func (mo *Monitor) timedOut(a *store.SwarmAgent, elapsed time.Duration) bool {
	for _, p := range mo.manager.cfg.Profiles {
		if p.Name == a.Profile && p.MaxTimeSeconds > 0 {
			return elapsed > time.Duration(p.MaxTimeSeconds)*time.Second
		}
	}
	return false
}

func (mo *Monitor) fail(ctx context.Context, a *store.SwarmAgent, reason string) {
	mo.manager.repo.SetStatus(ctx, a.AgentID, store.SwarmFailed, reason)
	mo.manager.repo.LogActivity(ctx, a.AgentID, "failed", reason)
	mo.manager.mu.Lock()
	delete(mo.manager.running, a.AgentID)
	mo.manager.mu.Unlock()

	a.Status = store.SwarmFailed
	a.StoppedReason = reason
	mo.manager.broadcast(protocol.EventAgentFailed, a)
}

func (mo *Monitor) complete(ctx context.Context, a *store.SwarmAgent) {
	mo.manager.repo.SetStatus(ctx, a.AgentID, store.SwarmCompleted, "")
	mo.manager.repo.LogActivity(ctx, a.AgentID, "completed", a.PRUrl)
	mo.manager.mu.Lock()
	delete(mo.manager.running, a.AgentID)
	mo.manager.mu.Unlock()

	if mo.manager.cfg.CleanupOnSuccess && a.CIStatus == string(CheckSuccess) {
		if err := mo.manager.vcs.RemoveWorktree(ctx, mo.manager.repoRoot, a.WorktreePath); err != nil {
			slog.Warn("swarm monitor: remove worktree failed", "agent_id", a.AgentID, "error", err)
		} else if err := mo.manager.vcs.DeleteBranch(ctx, mo.manager.repoRoot, a.Branch); err != nil {
			slog.Warn("swarm monitor: delete branch failed", "agent_id", a.AgentID, "error", err)
		}
	}

	a.Status = store.SwarmCompleted
	mo.manager.broadcast(protocol.EventAgentCompleted, a)
}
