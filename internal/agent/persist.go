package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// persistOutcome is what the terminal branch (§4.4 step 4c) needs to
// write asynchronously once a run finishes: a task-memory summary, an
// identity-evolution reflection hint, and a dataset record for future
// training/evaluation use.
type persistOutcome struct {
	SessionID string
	TaskGoal  string
	Summary   string
	Outcome   string
	ToolsUsed []string
}

// persistAsync fires the terminal branch's three persistence writes
// (task memory, identity reflection, dataset record) without blocking
// the caller's return, matching §4.4 step 4c "asynchronously persist".
// Grounded on the teacher's maybeSummarize's own background-goroutine
// shape (vanducng-goclaw/internal/agent/loop_history.go).
func (l *Loop) persistAsync(o persistOutcome) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if l.memory != nil {
			if err := l.memory.Record(ctx, &store.TaskMemory{
				SessionID:   o.SessionID,
				TaskGoal:    o.TaskGoal,
				TaskSummary: o.Summary,
				Outcome:     o.Outcome,
				ToolsUsed:   o.ToolsUsed,
			}); err != nil {
				slog.Warn("agent: persist task memory failed", "error", err, "session", o.SessionID)
			}
		}

		l.reflectIdentity(ctx, o)
		l.recordDataset(o)
	}()
}

// reflectIdentity delegates to internal/identity's LLM-driven reflection,
// §4.4 step 4c. The heuristics for what counts as a genuine insight live
// entirely in internal/identity, not here.
func (l *Loop) reflectIdentity(ctx context.Context, o persistOutcome) {
	if l.reflector == nil {
		return
	}
	if _, err := l.reflector.ReflectOnTask(ctx, o.TaskGoal, o.Outcome, o.ToolsUsed); err != nil {
		slog.Debug("agent: identity reflection failed", "error", err, "session", o.SessionID)
	}
}

// datasetRecord is one supplemented training-data export line, §4.4 step
// 4c "dataset record" (original_source's core/agent.py training-data
// export).
type datasetRecord struct {
	Prompt    string   `json:"prompt"`
	Response  string   `json:"response"`
	Tools     []string `json:"tools"`
	Outcome   string   `json:"outcome"`
	CreatedAt string   `json:"created_at"`
}

// recordDataset appends a {prompt, response, tools} JSONL record when a
// dataset path is configured; a pure-function, fire-and-forget sink.
func (l *Loop) recordDataset(o persistOutcome) {
	if l.datasetPath == "" {
		slog.Debug("agent: task complete", "session", o.SessionID, "outcome", o.Outcome)
		return
	}
	rec := datasetRecord{
		Prompt:    o.TaskGoal,
		Response:  o.Summary,
		Tools:     o.ToolsUsed,
		Outcome:   o.Outcome,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("agent: marshal dataset record failed", "error", err)
		return
	}
	f, err := os.OpenFile(l.datasetPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("agent: open dataset file failed", "path", l.datasetPath, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("agent: write dataset record failed", "error", err)
	}
}
