package tools

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

type knowledgeSearchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Search text"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Max chunks to return,default=5"`
}

// KnowledgeSearchTool performs a semantic search over indexed knowledge
// chunks when a vector sidecar is provisioned, else degrades to keyword
// search, §4.1 "Missing optional vector extension degrades gracefully to
// keyword search". Grounded on vanducng-goclaw's memory_search-style
// read-only tool shape in internal/tools/policy.go's toolGroups "memory"
// group.
type KnowledgeSearchTool struct {
	db   store.Store
	repo *store.KnowledgeRepo
}

func NewKnowledgeSearchTool(db store.Store, repo *store.KnowledgeRepo) *KnowledgeSearchTool {
	return &KnowledgeSearchTool{db: db, repo: repo}
}

func (t *KnowledgeSearchTool) Name() string { return "knowledge_search" }
func (t *KnowledgeSearchTool) Description() string {
	return "Search the knowledge base for chunks relevant to a query."
}
func (t *KnowledgeSearchTool) PermissionLevel() PermissionLevel { return PermissionSafe }
func (t *KnowledgeSearchTool) InputSchema() map[string]interface{} {
	return SchemaFor[knowledgeSearchArgs]()
}
func (t *KnowledgeSearchTool) ValidateInput(params map[string]interface{}) error {
	var args knowledgeSearchArgs
	return DecodeArgs(params, &args)
}
func (t *KnowledgeSearchTool) ParallelSafe() bool { return true }

func (t *KnowledgeSearchTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var args knowledgeSearchArgs
	if err := DecodeArgs(params, &args); err != nil {
		return nil, err
	}
	if args.Limit <= 0 {
		args.Limit = 5
	}

	if side := store.VectorSidecarOf(t.db); side != nil {
		results, err := side.Query(ctx, args.Query, args.Limit)
		if err == nil && len(results) > 0 {
			return map[string]interface{}{"mode": "vector", "results": results}, nil
		}
		// fall through to keyword search on any vector-query failure
	}

	chunks, err := t.repo.SearchByKeyword(ctx, args.Query, args.Limit)
	if err != nil {
		return nil, fmt.Errorf("knowledge_search: %w", err)
	}
	return map[string]interface{}{"mode": "keyword", "results": chunks}, nil
}
