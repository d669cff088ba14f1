package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/llm"
)

// openAIRouter implements llm.Router against any OpenAI-compatible chat
// completions endpoint (OpenAI, OpenRouter, Groq, local vLLM, ...).
// Grounded on vanducng-goclaw/internal/providers/openai.go's
// OpenAIProvider: same wire shape (messages/tools/tool_choice), same
// bearer-token header, collapsed here to a single non-streaming path
// since the Agent Loop only ever calls Router.Complete.
type openAIRouter struct {
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
}

// newRouter builds the Router the Agent Loop, Goal Manager, and Mind
// share. Credentials come from the environment, never from config.json,
// matching config.applyEnvSecrets' own secret-handling convention.
func newRouter() llm.Router {
	apiKey := os.Getenv("AGENTCORE_LLM_API_KEY")
	apiBase := os.Getenv("AGENTCORE_LLM_API_BASE")
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	model := os.Getenv("AGENTCORE_LLM_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &openAIRouter{
		apiKey:  apiKey,
		apiBase: strings.TrimRight(apiBase, "/"),
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function oaiToolCallFunc `json:"function"`
}

type oaiToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiToolSpec `json:"function"`
}

type oaiToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type oaiResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (r *openAIRouter) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = r.model
	}

	msgs := make([]oaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, oaiMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID})
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": msgs,
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]oaiTool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, oaiTool{
				Type: "function",
				Function: oaiToolSpec{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		body["tools"] = tools
		body["tool_choice"] = "auto"
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.apiBase+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("llm: %s returned %d: %s", r.apiBase, resp.StatusCode, string(b))
	}

	var out oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("llm: empty choices in response")
	}
	choice := out.Choices[0]

	toolCalls := make([]llm.ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		toolCalls = append(toolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}

	return &llm.CompletionResponse{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		FinishReason: choice.FinishReason,
		Usage: llm.Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
	}, nil
}

func (r *openAIRouter) HealthCheck(ctx context.Context) error {
	if r.apiKey == "" {
		return fmt.Errorf("llm: AGENTCORE_LLM_API_KEY not set")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("llm: health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("llm: health check returned %d", resp.StatusCode)
	}
	return nil
}
