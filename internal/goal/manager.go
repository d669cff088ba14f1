// Package goal implements the Goal Manager and Goal Runner, §4.7: a
// multi-checkpoint objective decomposed by the LLM and driven to
// completion one checkpoint at a time by the Agent Loop.
package goal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/internal/llm"
	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// Manager wraps store.GoalRepo with the LLM-driven operations §4.7
// names: decompose, revise_plan, summarize_context, evaluate_progress,
// check_budget, build_goal_context.
type Manager struct {
	repo   *store.GoalRepo
	router llm.Router
	model  string
	cfg    config.GoalConfig
}

func NewManager(repo *store.GoalRepo, router llm.Router, model string, cfg config.GoalConfig) *Manager {
	return &Manager{repo: repo, router: router, model: model, cfg: cfg}
}

// CreateGoal returns a fresh Goal in status `planning`, §4.7
// `create_goal(text, session_id?)`.
func (m *Manager) CreateGoal(ctx context.Context, text, sessionID string) (*store.Goal, error) {
	g := &store.Goal{
		GoalID:      uuid.NewString(),
		SessionID:   sessionID,
		GoalText:    text,
		Status:      store.GoalPlanning,
		MaxAttempts: m.cfg.MaxCheckpointAttempts,
	}
	if err := m.repo.Create(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// checkpointPlan is the JSON shape the LLM is asked to produce for
// decompose/revise_plan, §4.7 "ordered list ... (order, title,
// description, success_criteria)".
type checkpointPlan struct {
	Order           int    `json:"order"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	SuccessCriteria string `json:"success_criteria"`
}

// Decompose asks the LLM for an ordered checkpoint list, persists it,
// and transitions the goal to `active`, §4.7 `decompose(goal)`.
func (m *Manager) Decompose(ctx context.Context, g *store.Goal) error {
	prompt := fmt.Sprintf(
		"Break the following goal into 3 to %d ordered checkpoints. "+
			"Respond with a JSON array only, each element shaped "+
			`{"order": int, "title": string, "description": string, "success_criteria": string}.`+
			"\n\nGoal: %s", m.cfg.MaxCheckpoints, g.GoalText)

	plans, err := m.requestPlan(ctx, prompt)
	if err != nil {
		return fmt.Errorf("goal: decompose: %w", err)
	}
	if len(plans) > m.cfg.MaxCheckpoints {
		plans = plans[:m.cfg.MaxCheckpoints]
	}

	checkpoints := make([]*store.Checkpoint, 0, len(plans))
	for _, p := range plans {
		checkpoints = append(checkpoints, &store.Checkpoint{
			GoalID: g.GoalID, Order: p.Order, Title: p.Title,
			Description: p.Description, SuccessCriteria: p.SuccessCriteria,
			Status: store.CheckpointPending,
		})
	}
	if err := m.repo.ReplaceCheckpoints(ctx, g.GoalID, checkpoints); err != nil {
		return fmt.Errorf("goal: decompose: persist checkpoints: %w", err)
	}
	if err := m.repo.UpdateProgress(ctx, g.GoalID, 1, g.ContextSummary); err != nil {
		return fmt.Errorf("goal: decompose: set current checkpoint: %w", err)
	}
	return m.repo.UpdateStatus(ctx, g.GoalID, store.GoalActive)
}

// RevisePlan regenerates only the non-completed suffix, §4.7
// `revise_plan(goal, reason)`: completed checkpoints are immutable and
// their summaries feed the regeneration as context.
func (m *Manager) RevisePlan(ctx context.Context, g *store.Goal, reason string) error {
	existing, err := m.repo.ListCheckpoints(ctx, g.GoalID)
	if err != nil {
		return fmt.Errorf("goal: revise_plan: load checkpoints: %w", err)
	}

	var completed []*store.Checkpoint
	var completedSummaries strings.Builder
	for _, c := range existing {
		if c.Status == store.CheckpointCompleted {
			completed = append(completed, c)
			fmt.Fprintf(&completedSummaries, "- %s: %s\n", c.Title, c.ResultSummary)
		}
	}

	remainingBudget := m.cfg.MaxCheckpoints - len(completed)
	if remainingBudget < 1 {
		remainingBudget = 1
	}

	prompt := fmt.Sprintf(
		"The plan for this goal needs revision: %s\n\nGoal: %s\n\n"+
			"Completed checkpoints so far:\n%s\n"+
			"Produce the remaining ordered checkpoints (up to %d), continuing the "+
			"numbering from %d. Respond with a JSON array only, each element shaped "+
			`{"order": int, "title": string, "description": string, "success_criteria": string}.`,
		reason, g.GoalText, completedSummaries.String(), remainingBudget, len(completed)+1)

	plans, err := m.requestPlan(ctx, prompt)
	if err != nil {
		return fmt.Errorf("goal: revise_plan: %w", err)
	}

	rebuilt := make([]*store.Checkpoint, 0, len(completed)+len(plans))
	rebuilt = append(rebuilt, completed...)
	for _, p := range plans {
		rebuilt = append(rebuilt, &store.Checkpoint{
			GoalID: g.GoalID, Order: p.Order, Title: p.Title,
			Description: p.Description, SuccessCriteria: p.SuccessCriteria,
			Status: store.CheckpointPending,
		})
	}
	return m.repo.ReplaceCheckpoints(ctx, g.GoalID, rebuilt)
}

func (m *Manager) requestPlan(ctx context.Context, prompt string) ([]checkpointPlan, error) {
	resp, err := m.router.Complete(ctx, llm.CompletionRequest{
		TaskType:    llm.TaskPlanning,
		Model:       m.model,
		Temperature: 0.2,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}
	var plans []checkpointPlan
	if err := json.Unmarshal([]byte(stripCodeFence(resp.Content)), &plans); err != nil {
		return nil, fmt.Errorf("parse checkpoint plan: %w", err)
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("LLM returned no checkpoints")
	}
	return plans, nil
}

// MarkCheckpointActive starts execution of a checkpoint, §4.7
// "active sets started_at and increments attempts".
func (m *Manager) MarkCheckpointActive(ctx context.Context, goalID string, order int) error {
	return m.repo.MarkCheckpointActive(ctx, goalID, order)
}

// MarkCheckpointComplete records the result and advances to the next
// pending checkpoint (or completes the goal), §4.7 "complete sets
// result_summary and completed_at and advances current_checkpoint".
func (m *Manager) MarkCheckpointComplete(ctx context.Context, g *store.Goal, order int, resultSummary string) (goalCompleted bool, err error) {
	if err := m.repo.MarkCheckpointComplete(ctx, g.GoalID, order, resultSummary); err != nil {
		return false, err
	}
	next, err := m.repo.NextPendingCheckpoint(ctx, g.GoalID)
	if err == store.ErrNotFound {
		return true, m.repo.UpdateStatus(ctx, g.GoalID, store.GoalCompleted)
	}
	if err != nil {
		return false, err
	}
	return false, m.repo.UpdateProgress(ctx, g.GoalID, next.Order, resultSummary)
}

// MarkCheckpointFailed either resets the checkpoint to `pending` for
// retry, or, past max_checkpoint_attempts, marks it `failed` and pauses
// the goal, §4.7 "failed either resets ... or ... transitions the goal
// to paused".
func (m *Manager) MarkCheckpointFailed(ctx context.Context, g *store.Goal, order int) (goalPaused bool, err error) {
	terminal, err := m.repo.MarkCheckpointFailed(ctx, g.GoalID, order, m.cfg.MaxCheckpointAttempts)
	if err != nil {
		return false, err
	}
	if !terminal {
		return false, nil
	}
	return true, m.repo.UpdateStatus(ctx, g.GoalID, store.GoalPaused)
}

// SummarizeContext compresses the last 20 messages into a bounded
// context string, §4.7 `summarize_context(goal, recent_messages)`.
func (m *Manager) SummarizeContext(ctx context.Context, g *store.Goal, recentMessages []string) (string, error) {
	if len(recentMessages) > 20 {
		recentMessages = recentMessages[len(recentMessages)-20:]
	}
	resp, err := m.router.Complete(ctx, llm.CompletionRequest{
		TaskType:    llm.TaskSummarize,
		Model:       m.model,
		Temperature: 0.1,
		Messages: []llm.Message{{Role: "user", Content: fmt.Sprintf(
			"Summarize the progress on goal %q in 3-5 sentences, for reuse as "+
				"context in the next checkpoint.\n\nRecent messages:\n%s",
			g.GoalText, strings.Join(recentMessages, "\n"))}},
	})
	if err != nil {
		return "", fmt.Errorf("goal: summarize_context: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// ProgressEvaluation is evaluate_progress's output shape, §4.7.
type ProgressEvaluation struct {
	OnTrack          bool   `json:"on_track"`
	RevisionNeeded   bool   `json:"revision_needed"`
	Reason           string `json:"reason"`
	SuggestedChanges string `json:"suggested_changes"`
}

// EvaluateProgress asks the LLM to judge whether the remaining plan is
// still appropriate, §4.7 `evaluate_progress(goal)`. A JSON parse
// failure returns a conservative on_track=true, revision_needed=false.
func (m *Manager) EvaluateProgress(ctx context.Context, g *store.Goal) ProgressEvaluation {
	fallback := ProgressEvaluation{OnTrack: true, RevisionNeeded: false}

	resp, err := m.router.Complete(ctx, llm.CompletionRequest{
		TaskType:    llm.TaskReflect,
		Model:       m.model,
		Temperature: 0.1,
		Messages: []llm.Message{{Role: "user", Content: fmt.Sprintf(
			"Evaluate whether the remaining plan for this goal is still appropriate. "+
				`Respond with JSON only: {"on_track": bool, "revision_needed": bool, `+
				`"reason": string, "suggested_changes": string}.`+
				"\n\nGoal: %s\nProgress: checkpoint %d of %d\nContext so far: %s",
			g.GoalText, g.CurrentCheckpoint, g.TotalCheckpoints, g.ContextSummary)}},
	})
	if err != nil {
		return fallback
	}
	var eval ProgressEvaluation
	if err := json.Unmarshal([]byte(stripCodeFence(resp.Content)), &eval); err != nil {
		return fallback
	}
	return eval
}

// CheckBudget reports whether the goal may continue given its
// accumulated LLM call count and cost, §4.7 `check_budget(goal)`.
// Elapsed time is not checked: a goal has no wall-clock budget.
func (m *Manager) CheckBudget(g *store.Goal) (ok bool, reason string) {
	if m.cfg.MaxLLMCalls > 0 && g.LLMCallsUsed >= m.cfg.MaxLLMCalls {
		return false, "LLM call budget exhausted"
	}
	if m.cfg.MaxCostUSD > 0 && g.CostUSD >= m.cfg.MaxCostUSD {
		return false, "cost budget exhausted"
	}
	return true, ""
}

// IncrementBudget records one checkpoint's spend against the goal.
func (m *Manager) IncrementBudget(ctx context.Context, goalID string, llmCalls int, costUSD float64) error {
	return m.repo.IncrementBudget(ctx, goalID, llmCalls, costUSD)
}

// BuildGoalContext emits a structured description of goal, progress,
// current checkpoint, and remaining plan, §4.7 `build_goal_context(goal)`.
// The per-run system prompt composition (internal/agent.BuildSystemPrompt)
// already injects the compact `store.Goal` summary; this renders the
// fuller multi-checkpoint view used by status/inspection surfaces.
func (m *Manager) BuildGoalContext(ctx context.Context, g *store.Goal) (string, error) {
	checkpoints, err := m.repo.ListCheckpoints(ctx, g.GoalID)
	if err != nil {
		return "", fmt.Errorf("goal: build_goal_context: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\nStatus: %s\nProgress: checkpoint %d/%d\n\n",
		g.GoalText, g.Status, g.CurrentCheckpoint, g.TotalCheckpoints)
	for _, c := range checkpoints {
		fmt.Fprintf(&b, "[%d] %s (%s)\n    %s\n", c.Order, c.Title, c.Status, c.Description)
	}
	return b.String(), nil
}

func (m *Manager) Get(ctx context.Context, goalID string) (*store.Goal, error) {
	return m.repo.Get(ctx, goalID)
}

// MostRecentActive supports the Goal Runner's auto_continue on restart.
func (m *Manager) MostRecentActive(ctx context.Context) (*store.Goal, error) {
	return m.repo.MostRecentActive(ctx)
}

func (m *Manager) NextPendingCheckpoint(ctx context.Context, goalID string) (*store.Checkpoint, error) {
	return m.repo.NextPendingCheckpoint(ctx, goalID)
}

func (m *Manager) UpdateStatus(ctx context.Context, goalID string, status store.GoalStatus) error {
	return m.repo.UpdateStatus(ctx, goalID, status)
}

// stripCodeFence tolerates the LLM wrapping its JSON answer in a
// ```json ... ``` fence before parsing it.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
