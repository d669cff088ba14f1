package store

import (
	"context"
	"fmt"
	"time"
)

// SwarmAgentStatus is an external coding agent's lifecycle state, §3.
type SwarmAgentStatus string

const (
	SwarmRunning   SwarmAgentStatus = "running"
	SwarmCompleted SwarmAgentStatus = "completed"
	SwarmFailed    SwarmAgentStatus = "failed"
	SwarmStopped   SwarmAgentStatus = "stopped"
)

// SwarmAgent is one supervised external coding-agent run, §3 SwarmAgent.
type SwarmAgent struct {
	AgentID        string
	Profile        string
	Task           string
	Branch         string
	WorktreePath   string
	TmuxSession    string
	Status         SwarmAgentStatus
	DoneCriteria   string
	PRUrl          string
	PRNumber       int
	CIStatus       string
	EnrichedPrompt string
	SpawnedAt      time.Time
	CompletedAt    *time.Time
	StoppedReason  string
}

// SwarmActivity is one entry in a SwarmAgent's activity log.
type SwarmActivity struct {
	AgentID string
	At      time.Time
	Kind    string
	Detail  string
}

type SwarmRepo struct {
	db Store
}

func NewSwarmRepo(db Store) *SwarmRepo { return &SwarmRepo{db: db} }

func (r *SwarmRepo) Create(ctx context.Context, a *SwarmAgent) error {
	a.SpawnedAt = time.Now().UTC()
	_, err := r.db.ExecuteInsert(ctx, `INSERT INTO swarm_agents
		(agent_id, profile, task, branch, worktree_path, tmux_session, status, done_criteria, enriched_prompt, spawned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AgentID, a.Profile, a.Task, a.Branch, a.WorktreePath, a.TmuxSession, string(a.Status), a.DoneCriteria, a.EnrichedPrompt, a.SpawnedAt)
	if err != nil {
		return fmt.Errorf("store: create swarm agent: %w", err)
	}
	return nil
}

func (r *SwarmRepo) Get(ctx context.Context, agentID string) (*SwarmAgent, error) {
	rows, err := r.db.Execute(ctx, swarmSelect+` WHERE agent_id = ?`, agentID)
	if err != nil {
		return nil, fmt.Errorf("store: get swarm agent: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return decodeSwarmAgent(rows[0]), nil
}

func (r *SwarmRepo) ListRunning(ctx context.Context) ([]*SwarmAgent, error) {
	rows, err := r.db.Execute(ctx, swarmSelect+` WHERE status = ?`, string(SwarmRunning))
	if err != nil {
		return nil, fmt.Errorf("store: list running swarm agents: %w", err)
	}
	out := make([]*SwarmAgent, 0, len(rows))
	for _, row := range rows {
		out = append(out, decodeSwarmAgent(row))
	}
	return out, nil
}

func (r *SwarmRepo) UpdatePR(ctx context.Context, agentID, prURL string, prNumber int, ciStatus string) error {
	_, err := r.db.ExecuteInsert(ctx, `UPDATE swarm_agents SET pr_url = ?, pr_number = ?, ci_status = ? WHERE agent_id = ?`,
		prURL, prNumber, ciStatus, agentID)
	if err != nil {
		return fmt.Errorf("store: update swarm agent PR: %w", err)
	}
	return nil
}

func (r *SwarmRepo) SetStatus(ctx context.Context, agentID string, status SwarmAgentStatus, stoppedReason string) error {
	now := time.Now().UTC()
	var completedAt interface{}
	if status != SwarmRunning {
		completedAt = now
	}
	_, err := r.db.ExecuteInsert(ctx, `UPDATE swarm_agents SET status = ?, stopped_reason = ?, completed_at = ? WHERE agent_id = ?`,
		string(status), stoppedReason, completedAt, agentID)
	if err != nil {
		return fmt.Errorf("store: set swarm agent status: %w", err)
	}
	return nil
}

func (r *SwarmRepo) LogActivity(ctx context.Context, agentID, kind, detail string) error {
	_, err := r.db.ExecuteInsert(ctx, `INSERT INTO swarm_activity_log (agent_id, at, kind, detail) VALUES (?, ?, ?, ?)`,
		agentID, time.Now().UTC(), kind, detail)
	if err != nil {
		return fmt.Errorf("store: log swarm activity: %w", err)
	}
	return nil
}

func (r *SwarmRepo) Activity(ctx context.Context, agentID string) ([]*SwarmActivity, error) {
	rows, err := r.db.Execute(ctx, `SELECT agent_id, at, kind, detail FROM swarm_activity_log WHERE agent_id = ? ORDER BY at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("store: swarm activity: %w", err)
	}
	out := make([]*SwarmActivity, 0, len(rows))
	for _, row := range rows {
		out = append(out, &SwarmActivity{
			AgentID: asString(row["agent_id"]),
			At:      mustTime(row["at"]),
			Kind:    asString(row["kind"]),
			Detail:  asString(row["detail"]),
		})
	}
	return out, nil
}

const swarmSelect = `SELECT agent_id, profile, task, branch, worktree_path, tmux_session, status, done_criteria, pr_url, pr_number, ci_status, enriched_prompt, spawned_at, completed_at, stopped_reason FROM swarm_agents`

func decodeSwarmAgent(row Row) *SwarmAgent {
	return &SwarmAgent{
		AgentID:        asString(row["agent_id"]),
		Profile:        asString(row["profile"]),
		Task:           asString(row["task"]),
		Branch:         asString(row["branch"]),
		WorktreePath:   asString(row["worktree_path"]),
		TmuxSession:    asString(row["tmux_session"]),
		Status:         SwarmAgentStatus(asString(row["status"])),
		DoneCriteria:   asString(row["done_criteria"]),
		PRUrl:          asString(row["pr_url"]),
		PRNumber:       asInt(row["pr_number"]),
		CIStatus:       asString(row["ci_status"]),
		EnrichedPrompt: asString(row["enriched_prompt"]),
		SpawnedAt:      mustTime(row["spawned_at"]),
		CompletedAt:    asTimePtr(row["completed_at"]),
		StoppedReason:  asString(row["stopped_reason"]),
	}
}
