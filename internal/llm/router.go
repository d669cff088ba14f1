// Package llm declares the LLM Router boundary the Agent Loop, Goal
// Manager, and Mind call against. No concrete provider is implemented
// here — wiring a real SDK (Anthropic, OpenAI, ...) is a deployment
// concern left to cmd/, matching the teacher's own provider-interface
// split (internal/providers/types.go) between the Provider contract and
// its concrete adapters.
package llm

import "context"

// Message mirrors providers.Message: a single chat-history entry,
// possibly carrying tool calls (assistant) or a tool result (tool).
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	Images     []Image    `json:"images,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Image is a base64-encoded vision attachment, attached only to the
// final message of a request and never persisted to session history.
type Image struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// ToolCall is one tool invocation the LLM asked for.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDefinition is one entry of the catalog offered to the LLM.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// TaskType steers provider-side routing (model tier, temperature
// defaults) the way the Agent Loop's "planning" calls (§4.4 step 4b)
// differ from a Mind wakeup's free-form completion.
type TaskType string

const (
	TaskPlanning  TaskType = "planning"
	TaskReflect   TaskType = "reflection"
	TaskSummarize TaskType = "summarize"
	TaskGeneral   TaskType = "general"
)

// CompletionRequest is one Router.Complete call's input.
type CompletionRequest struct {
	TaskType    TaskType
	Model       string
	Temperature float64
	Messages    []Message
	Tools       []ToolDefinition
}

// Usage tracks token consumption and estimated spend for one completion.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// CompletionResponse is one Router.Complete call's output.
type CompletionResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        Usage      `json:"usage"`
}

// Router is the boundary between the agent/goal/mind callers and
// whatever concrete LLM SDK backs them in a given deployment.
type Router interface {
	// Complete asks for one non-streaming completion.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// HealthCheck reports whether the backing provider(s) are reachable.
	HealthCheck(ctx context.Context) error
}

// CostTracker accumulates spend across completions so callers (Goal
// Manager's check_budget, Mind's daily tally) can enforce budgets
// without each owning its own counter.
type CostTracker interface {
	Add(usage Usage)
	SpentToday() float64
	SpentTotal() float64
	ResetDaily()
}
