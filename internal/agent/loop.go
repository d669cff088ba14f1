// Package agent implements the plan-execute-reflect Agent Loop, §4.4.
// Grounded principally on vanducng-goclaw/internal/agent/loop.go's
// runLoop structure (stagnation checks before the LLM call, batched
// parallel tool execution kept in call order) adapted from goclaw's
// single mutable per-agent Loop to this repo's multi-session Session
// Manager. Terminal content is used as the LLM returned it; there is no
// pending-message buffering or content sanitizing.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/identity"
	"github.com/nextlevelbuilder/agentcore/internal/llm"
	"github.com/nextlevelbuilder/agentcore/internal/sessions"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/internal/tools"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// StepCallback fires once per tool call as it's dispatched, §4.4 step
// 4d "Fire the step-progress callback for every call."
type StepCallback func(toolName, callID string)

// LoopConfig configures a new Loop. Sessions/Tools/Executor are
// required; Knowledge/Memory/Identity/Goals/EventPub/tracer are each
// optional — a nil field degrades that ingredient out of the composed
// system prompt rather than failing the run.
type LoopConfig struct {
	ID       string
	Router   llm.Router
	Model    string
	Sessions *sessions.Manager
	Tools    *tools.Registry
	Executor *tools.Executor

	Knowledge *store.KnowledgeRepo
	Memory    *store.MemoryRepo
	Identity  *store.IdentityRepo
	Goals     *store.GoalRepo

	// Reflector drives the terminal branch's asynchronous identity
	// reflection (§4.4 step 4c). Nil skips reflection entirely.
	Reflector *identity.Manager
	// DatasetPath, if set, appends a {prompt, response, tools} JSONL
	// record per completed run (supplemented from original_source's
	// training-data export, §4.4 step 4c).
	DatasetPath string

	EventPub bus.EventPublisher

	// Stagnation gate tuning, §4.4 step 4a. Zero values fall back to the
	// package defaults (E_err=5, W=8, step cap=500); WallClockLimit
	// defaults to 0 = no wall-clock gate.
	WallClockLimit        time.Duration
	ConsecutiveErrorLimit int
	SameToolWindow        int
	StepCap               int

	OnTaskComplete func(RunResult)
}

// Loop is one agent's plan-execute-reflect driver.
type Loop struct {
	id       string
	router   llm.Router
	model    string
	sessions *sessions.Manager
	tools    *tools.Registry
	executor *tools.Executor

	knowledge   *store.KnowledgeRepo
	memory      *store.MemoryRepo
	identity    *store.IdentityRepo
	goals       *store.GoalRepo
	reflector   *identity.Manager
	datasetPath string

	eventPub bus.EventPublisher
	tracer   trace.Tracer
	wm       *workingMemory

	wallClockLimit        time.Duration
	consecutiveErrorLimit int
	sameToolWindow        int
	stepCap               int

	onTaskComplete func(RunResult)
}

func NewLoop(cfg LoopConfig) *Loop {
	return &Loop{
		id:                    cfg.ID,
		router:                cfg.Router,
		model:                 cfg.Model,
		sessions:              cfg.Sessions,
		tools:                 cfg.Tools,
		executor:              cfg.Executor,
		knowledge:             cfg.Knowledge,
		memory:                cfg.Memory,
		identity:              cfg.Identity,
		goals:                 cfg.Goals,
		reflector:             cfg.Reflector,
		datasetPath:           cfg.DatasetPath,
		eventPub:              cfg.EventPub,
		tracer:                otel.Tracer("agentcore/agent"),
		wm:                    newWorkingMemory(),
		wallClockLimit:        cfg.WallClockLimit,
		consecutiveErrorLimit: cfg.ConsecutiveErrorLimit,
		sameToolWindow:        cfg.SameToolWindow,
		stepCap:               cfg.StepCap,
		onTaskComplete:        cfg.OnTaskComplete,
	}
}

// RunRequest is one invocation of the Agent Loop, §4.4 "Inputs".
type RunRequest struct {
	SessionID string
	Channel   string
	UserID    string
	Goal      string
	RunID     string
	GoalID    string // optional: active Goal to inject as goal context

	// Approve overrides the Executor's default approval behavior for
	// this run — the Gateway supplies a session-routed callback here;
	// background runs (Mind, Goal Runner) supply their own.
	Approve tools.ApprovalFunc
	OnStep  StepCallback
}

// RunResult is the Agent Loop's output, §4.4 "Outputs".
type RunResult struct {
	Content       string   `json:"content"`
	StepsTaken    int      `json:"steps_taken"`
	ToolCallsMade []string `json:"tool_calls_made"`
	RunID         string   `json:"run_id"`
}

// Run wraps runLoop in a tracing span, matching the teacher's Run/
// emitAgentSpan wrapper (vanducng-goclaw/internal/agent/loop.go).
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	ctx, span := l.tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("agent.id", l.id),
			attribute.String("agent.run_id", req.RunID),
			attribute.String("agent.session_id", req.SessionID),
		))
	defer span.End()

	result, err := l.runLoop(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (l *Loop) runLoop(ctx context.Context, req RunRequest) (*RunResult, error) {
	state := newLoopState(l.wallClockLimit, l.consecutiveErrorLimit, l.sameToolWindow, l.stepCap)

	// Step 1: deposit this turn's retrieval for the *next* turn; read
	// whatever the previous turn deposited for this one.
	prevAux := l.wm.get(req.SessionID)
	go l.retrieveAux(req.SessionID, req.Goal)

	rec, err := l.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("agent: load session: %w", err)
	}

	// Step 2: fast local context.
	var goal *store.Goal
	if req.GoalID != "" && l.goals != nil {
		goal, _ = l.goals.Get(ctx, req.GoalID) // absence is not fatal to the run
	}
	var ident *store.Identity
	if l.identity != nil {
		ident, _ = l.identity.Get(ctx)
	}

	// Step 3: compose system prompt, then full message list.
	systemPrompt := BuildSystemPrompt(SystemPromptConfig{
		ToolNames: toolNames(l.tools),
		Knowledge: prevAux.KnowledgeSnippets,
		Memory:    prevAux.MemorySnippets,
		Goal:      goal,
		Identity:  ident,
		TaskGoal:  req.Goal,
	})

	messages := []llm.Message{{Role: "system", Content: systemPrompt}}
	for _, m := range rec.ConversationHistory {
		messages = append(messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: req.Goal})

	catalog := toolCatalog(l.tools)

	var toolCallsMade []string
	var finalContent string

	for {
		if reason := state.gate(); reason != "" {
			finalContent = "Stopping: " + reason
			break
		}

		resp, err := l.router.Complete(ctx, llm.CompletionRequest{
			TaskType:    llm.TaskPlanning,
			Model:       l.model,
			Temperature: 0.2,
			Messages:    messages,
			Tools:       catalog,
		})
		if err != nil {
			return nil, fmt.Errorf("agent: llm completion: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			if finalContent == "" {
				finalContent = "..."
			}
			break
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		calls := make([]tools.Call, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			calls[i] = tools.Call{ID: tc.ID, Name: tc.Name, Args: tc.Arguments}
		}

		for _, batch := range l.executor.Batch(calls) {
			for _, c := range batch {
				l.emitStep(req, c.Name, c.ID)
				if req.OnStep != nil {
					req.OnStep(c.Name, c.ID)
				}
			}

			outcomes := l.executor.RunBatch(ctx, batch, req.Approve)

			for i, outcome := range outcomes {
				call := batch[i]
				isErr := outcome.Error != ""
				state.recordCall(call.Name)
				state.recordResult(isErr)
				toolCallsMade = append(toolCallsMade, call.Name)

				content := toolResultContent(outcome)
				content = FilterToolResult(content)
				if isBrowserTool(call.Name) {
					content = stripEmbeddedImageData(content)
				}
				messages = append(messages, llm.Message{Role: "tool", Content: content, ToolCallID: call.ID})
			}
		}
	}

	// Step 4c: terminal branch persistence.
	if err := l.sessions.AppendConversationTurn(ctx, rec, req.Goal, finalContent); err != nil {
		slog.Warn("agent: append conversation turn failed", "error", err, "session", req.SessionID)
	}

	outcome := "success"
	if len(toolCallsMade) == 0 && finalContent == "..." {
		outcome = "empty"
	}
	l.persistAsync(persistOutcome{
		SessionID: req.SessionID,
		TaskGoal:  req.Goal,
		Summary:   finalContent,
		Outcome:   outcome,
		ToolsUsed: toolCallsMade,
	})

	result := RunResult{
		Content:       finalContent,
		StepsTaken:    state.step,
		ToolCallsMade: toolCallsMade,
		RunID:         req.RunID,
	}
	if l.onTaskComplete != nil {
		l.onTaskComplete(result)
	}
	return &result, nil
}

func (l *Loop) emitStep(req RunRequest, toolName, callID string) {
	if l.eventPub == nil {
		return
	}
	l.eventPub.BroadcastToSession(req.SessionID, bus.NewEvent(protocol.EventStepProgress, req.SessionID, map[string]string{
		"tool_name": toolName,
		"call_id":   callID,
	}), "")
}

// toolResultContent implements §4.4 step 4d's content rule: the tool's
// structured result on success, {"error": ...} on failure, a denial
// sentinel on user denial, or {"error":"No result returned"} on empty
// (already normalized to Error by Executor.Run).
func toolResultContent(o tools.Outcome) string {
	var payload interface{}
	switch {
	case o.Denied != "":
		payload = map[string]string{"denied": o.Denied}
	case o.Error != "":
		payload = map[string]string{"error": o.Error}
	default:
		payload = o.Result
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(b)
}

func toolNames(reg *tools.Registry) []string {
	if reg == nil {
		return nil
	}
	list := reg.List()
	names := make([]string, len(list))
	for i, t := range list {
		names[i] = t.Name()
	}
	return names
}

func toolCatalog(reg *tools.Registry) []llm.ToolDefinition {
	if reg == nil {
		return nil
	}
	list := reg.List()
	defs := make([]llm.ToolDefinition, len(list))
	for i, t := range list {
		defs[i] = llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		}
	}
	return defs
}

// retrieveAux performs the non-blocking knowledge+memory search §4.4
// step 1 describes, depositing the result into working memory for the
// *next* turn on this session.
func (l *Loop) retrieveAux(sessionID, query string) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var aux auxContext
	if l.knowledge != nil {
		if chunks, err := l.knowledge.SearchByKeyword(ctx, query, 5); err == nil {
			for _, c := range chunks {
				aux.KnowledgeSnippets = append(aux.KnowledgeSnippets, c.Content)
			}
		}
	}
	if l.memory != nil {
		if mems, err := l.memory.SearchByKeyword(ctx, query, 5); err == nil {
			for _, m := range mems {
				aux.MemorySnippets = append(aux.MemorySnippets, m.TaskSummary)
			}
		}
	}
	l.wm.set(sessionID, aux)
}
