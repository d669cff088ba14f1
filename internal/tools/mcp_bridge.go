package tools

import (
	"context"
	"encoding/json"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// MCPBridge adapts one remote MCP tool into the local Tool interface.
// Grounded on vanducng-goclaw/internal/mcp/{manager_connect.go,
// manager_tools.go}'s BridgeTool pattern (connect → ListTools → wrap each
// into a registry entry) and kadirpekel-hector/pkg/tool/mcptoolset's
// CallToolRequest/parseToolResponse shape for invocation and result
// decoding.
type MCPBridge struct {
	client      *mcpclient.Client
	name        string
	description string
	schema      map[string]interface{}
	permission  PermissionLevel
}

// NewMCPBridge wraps a discovered remote tool. External tools default to
// MODERATE — the operator has no static guarantee of their side effects,
// so they never qualify for the SAFE auto-allow shortcut.
func NewMCPBridge(client *mcpclient.Client, remote mcpgo.Tool, namePrefix string) *MCPBridge {
	schema := convertMCPSchema(remote.InputSchema)
	return &MCPBridge{
		client:      client,
		name:        namePrefix + remote.Name,
		description: remote.Description,
		schema:      schema,
		permission:  PermissionModerate,
	}
}

func (b *MCPBridge) Name() string                               { return b.name }
func (b *MCPBridge) Description() string                        { return b.description }
func (b *MCPBridge) PermissionLevel() PermissionLevel           { return b.permission }
func (b *MCPBridge) InputSchema() map[string]interface{}        { return b.schema }
func (b *MCPBridge) ValidateInput(map[string]interface{}) error { return nil }

func (b *MCPBridge) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.name
	req.Params.Arguments = params

	resp, err := b.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp bridge %q: %w", b.name, err)
	}
	return parseMCPResponse(resp)
}

// convertMCPSchema turns an MCP ToolInputSchema into a plain map via
// marshal/unmarshal, matching kadirpekel-hector/pkg/tool/mcptoolset's
// convertSchema (simpler and more future-proof than hand-listing fields).
func convertMCPSchema(schema mcpgo.ToolInputSchema) map[string]interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

func parseMCPResponse(resp *mcpgo.CallToolResult) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	if resp.IsError {
		for _, content := range resp.Content {
			if tc, ok := content.(mcpgo.TextContent); ok {
				result["error"] = tc.Text
				break
			}
		}
		if result["error"] == nil {
			result["error"] = "unknown error"
		}
		return result, nil
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcpgo.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	switch len(texts) {
	case 0:
	case 1:
		result["result"] = texts[0]
	default:
		result["results"] = texts
	}
	return result, nil
}

// DiscoverAndRegister connects to an already-initialized MCP client,
// lists its tools, and registers each as an MCPBridge on registry.
// namePrefix avoids cross-server name collisions, matching the teacher's
// per-server tool prefixing.
func DiscoverAndRegister(ctx context.Context, client *mcpclient.Client, registry *Registry, namePrefix string) ([]string, error) {
	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("tools: mcp list tools: %w", err)
	}
	names := make([]string, 0, len(listed.Tools))
	for _, remote := range listed.Tools {
		bridge := NewMCPBridge(client, remote, namePrefix)
		registry.Register(bridge)
		names = append(names, bridge.Name())
	}
	return names, nil
}
