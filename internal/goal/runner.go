package goal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentcore/internal/agent"
	"github.com/nextlevelbuilder/agentcore/internal/approval"
	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/internal/sessions"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/internal/tools"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// checkpointEvery is how often (in successful checkpoints) self-
// evaluation runs, §4.7 "Every two successful checkpoints".
const checkpointEvery = 2

// Runner owns exactly one background execution task at a time, §4.7
// "Goal Runner. Owns exactly one background execution task at a time."
// Grounded on vanducng-goclaw/internal/tools/delegate.go's single-
// active-task-per-manager shape (sync.Map of active work plus a
// cancelFunc per task), narrowed here to a single in-flight goal since
// the spec requires exactly one.
type Runner struct {
	manager   *Manager
	loop      *agent.Loop
	sessions  *sessions.Manager
	eventPub  bus.EventPublisher
	approvals *approval.Registry
	cfg       config.GoalConfig

	mu      sync.Mutex
	active  string // goal ID currently running, "" if idle
	cancel  context.CancelFunc
	stopped bool // set by notify_user_interaction/pause; checked between checkpoints
	done    chan struct{}
}

func NewRunner(manager *Manager, loop *agent.Loop, sm *sessions.Manager, eventPub bus.EventPublisher, approvals *approval.Registry, cfg config.GoalConfig) *Runner {
	return &Runner{manager: manager, loop: loop, sessions: sm, eventPub: eventPub, approvals: approvals, cfg: cfg}
}

// AutoContinue resumes the most recently updated active goal on process
// start, §4.7 "On process start, if auto_continue is set, the runner
// resumes the most recently updated active goal."
func (r *Runner) AutoContinue(ctx context.Context) {
	if !r.cfg.AutoContinueOnStart {
		return
	}
	g, err := r.manager.MostRecentActive(ctx)
	if err != nil {
		if err != store.ErrNotFound {
			slog.Warn("goal runner: auto_continue lookup failed", "error", err)
		}
		return
	}
	if err := r.StartGoal(g.GoalID); err != nil {
		slog.Warn("goal runner: auto_continue start failed", "goal_id", g.GoalID, "error", err)
	}
}

// StartGoal launches the checkpoint-execution loop, §4.7 `start_goal(id)`.
// Returns an error if another goal is already running.
func (r *Runner) StartGoal(goalID string) error {
	r.mu.Lock()
	if r.active != "" {
		r.mu.Unlock()
		return fmt.Errorf("goal runner: goal %q is already running", r.active)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.active = goalID
	r.cancel = cancel
	r.stopped = false
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx, goalID)
	return nil
}

// Pause sets a stop flag and waits briefly for the in-flight checkpoint
// to yield, §4.7 "pause() sets a stop flag and waits briefly".
func (r *Runner) Pause() {
	r.mu.Lock()
	r.stopped = true
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
	}
}

// Resume transitions the goal back to active and relaunches, §4.7
// "resume(id) transitions the goal back to active and relaunches."
func (r *Runner) Resume(ctx context.Context, goalID string) error {
	if err := r.manager.UpdateStatus(ctx, goalID, store.GoalActive); err != nil {
		return err
	}
	return r.StartGoal(goalID)
}

// Cancel cancels the active task and signals the caller to clear the
// mind scratchpad, §4.7 "cancel() cancels the task and clears the mind
// scratchpad" (scratchpad clearing is the Mind's own concern; the
// caller wires that via the returned goal ID).
func (r *Runner) Cancel() (goalID string) {
	r.mu.Lock()
	goalID = r.active
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	return goalID
}

// NotifyUserInteraction sets the stop flag so the runner yields after
// the current checkpoint, §4.7 `notify_user_interaction()`.
func (r *Runner) NotifyUserInteraction() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

func (r *Runner) shouldStop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *Runner) finish() {
	r.mu.Lock()
	r.active = ""
	r.cancel = nil
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	r.mu.Unlock()
}

// run drives the checkpoint loop, §4.7 steps 1-6.
func (r *Runner) run(ctx context.Context, goalID string) {
	defer r.finish()

	if g, err := r.manager.Get(ctx, goalID); err == nil {
		r.notify(protocol.EventGoalStarted, g, "")
	}

	successSinceEval := 0
	for {
		g, err := r.manager.Get(ctx, goalID)
		if err != nil {
			slog.Error("goal runner: load goal failed", "goal_id", goalID, "error", err)
			return
		}

		// Step 1: safety gates, in order.
		if r.shouldStop() {
			return
		}
		if g.Status != store.GoalActive {
			return
		}
		if ok, reason := r.manager.CheckBudget(g); !ok {
			slog.Info("goal runner: budget exhausted, pausing", "goal_id", goalID, "reason", reason)
			r.manager.UpdateStatus(ctx, goalID, store.GoalPaused)
			r.notify(protocol.EventGoalPaused, g, reason)
			return
		}

		// Step 2: next checkpoint, or completion.
		cp, err := r.manager.NextPendingCheckpoint(ctx, goalID)
		if err == store.ErrNotFound {
			r.manager.UpdateStatus(ctx, goalID, store.GoalCompleted)
			r.notify(protocol.EventGoalCompleted, g, "")
			return
		}
		if err != nil {
			slog.Error("goal runner: next checkpoint failed", "goal_id", goalID, "error", err)
			return
		}

		// Step 3: execute the checkpoint.
		if err := r.manager.MarkCheckpointActive(ctx, goalID, cp.Order); err != nil {
			slog.Error("goal runner: mark checkpoint active failed", "goal_id", goalID, "error", err)
			return
		}

		checkpointCtx, checkpointCancel := context.WithTimeout(ctx, r.cfg.CheckpointTimeout.Std())
		sessionID := fmt.Sprintf("goal:%s:checkpoint:%d", goalID, cp.Order)
		rec, err := r.sessions.GetOrCreate(checkpointCtx, "goal", sessionID)
		if err == nil {
			sessionID = rec.SessionID
		}

		runID := uuid.NewString()
		result, runErr := r.loop.Run(checkpointCtx, agent.RunRequest{
			SessionID: sessionID,
			Channel:   "goal",
			UserID:    goalID,
			GoalID:    goalID,
			RunID:     runID,
			Goal: fmt.Sprintf("Current checkpoint: %s\n%s\nSuccess criteria: %s",
				cp.Title, cp.Description, cp.SuccessCriteria),
			Approve: r.makeApprovalFunc(sessionID),
		})
		checkpointCancel()

		if runErr != nil {
			// Step 5: failure.
			paused, err := r.manager.MarkCheckpointFailed(ctx, g, cp.Order)
			if err != nil {
				slog.Error("goal runner: mark checkpoint failed (store) failed", "goal_id", goalID, "error", err)
			}
			if paused {
				r.notify(protocol.EventGoalPaused, g, runErr.Error())
				return
			}
			successSinceEval = 0
			continue
		}

		// Step 4: success.
		summary, err := r.manager.SummarizeContext(ctx, g, []string{result.Content})
		if err != nil {
			summary = result.Content
		}
		goalCompleted, err := r.manager.MarkCheckpointComplete(ctx, g, cp.Order, summary)
		if err != nil {
			slog.Error("goal runner: mark checkpoint complete failed", "goal_id", goalID, "error", err)
			return
		}
		r.manager.IncrementBudget(ctx, goalID, 1, 0)
		r.notify(protocol.EventGoalCheckpointComplete, g, cp.Title)

		if goalCompleted {
			r.notify(protocol.EventGoalCompleted, g, "")
			return
		}

		// Step 6: self-evaluation every two successful checkpoints.
		successSinceEval++
		if successSinceEval >= checkpointEvery {
			successSinceEval = 0
			reloaded, err := r.manager.Get(ctx, goalID)
			if err == nil {
				eval := r.manager.EvaluateProgress(ctx, reloaded)
				if eval.RevisionNeeded {
					if err := r.manager.RevisePlan(ctx, reloaded, eval.Reason); err != nil {
						slog.Warn("goal runner: revise_plan failed", "goal_id", goalID, "error", err)
					}
				}
			}
		}
	}
}

// makeApprovalFunc broadcasts via the shared approval Registry and
// awaits its future, §4.7 step 3 "sets an approval callback that
// broadcasts via the Gateway and awaits a future." Uses the Registry's
// default timeout since the spec gives the Goal Runner no shorter one
// (unlike the Mind's wakeup cycle, §4.8 step 5).
func (r *Runner) makeApprovalFunc(sessionID string) tools.ApprovalFunc {
	return func(ctx context.Context, toolName string, params map[string]interface{}) (bool, error) {
		if r.approvals == nil {
			return false, nil
		}
		return r.approvals.Request(ctx, sessionID, toolName,
			fmt.Sprintf("goal checkpoint requests approval for tool %q", toolName), params, 0)
	}
}

func (r *Runner) notify(evt protocol.EventType, g *store.Goal, detail string) {
	if r.eventPub == nil {
		return
	}
	r.eventPub.Broadcast(bus.NewEvent(evt, g.SessionID, map[string]interface{}{
		"goal_id": g.GoalID,
		"goal":    g.GoalText,
		"detail":  detail,
	}))
}
