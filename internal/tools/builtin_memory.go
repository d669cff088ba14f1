package tools

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

type memorySearchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Search text"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Max task memories to return,default=5"`
}

// MemorySearchTool searches completed-task summaries, §4.4 step 1's
// "memory search" auxiliary-context retrieval, exposed directly as a
// callable tool too so the LLM can look up prior outcomes on demand.
// Grounded on goclaw's "memory" tool group (memory_search, memory_get).
type MemorySearchTool struct {
	repo *store.MemoryRepo
}

func NewMemorySearchTool(repo *store.MemoryRepo) *MemorySearchTool {
	return &MemorySearchTool{repo: repo}
}

func (t *MemorySearchTool) Name() string                        { return "memory_search" }
func (t *MemorySearchTool) Description() string                 { return "Search past completed-task summaries." }
func (t *MemorySearchTool) PermissionLevel() PermissionLevel    { return PermissionSafe }
func (t *MemorySearchTool) InputSchema() map[string]interface{} { return SchemaFor[memorySearchArgs]() }
func (t *MemorySearchTool) ValidateInput(params map[string]interface{}) error {
	var args memorySearchArgs
	return DecodeArgs(params, &args)
}
func (t *MemorySearchTool) ParallelSafe() bool { return true }

func (t *MemorySearchTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var args memorySearchArgs
	if err := DecodeArgs(params, &args); err != nil {
		return nil, err
	}
	if args.Limit <= 0 {
		args.Limit = 5
	}
	results, err := t.repo.SearchByKeyword(ctx, args.Query, args.Limit)
	if err != nil {
		return nil, fmt.Errorf("memory_search: %w", err)
	}
	return map[string]interface{}{"results": results}, nil
}
