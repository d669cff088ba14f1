package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// KnowledgeChunk is one indexed slice of the knowledge base, §3. Content
// is redacted of PII before it ever reaches this repo (§4.1 "Knowledge
// chunk content is redacted of PII before persistence" — done by the
// internal/knowledge package, irreversibly per DESIGN.md's Open Question
// decision).
type KnowledgeChunk struct {
	ID            int64
	FilePath      string
	HeadingPath   string
	Content       string
	Tags          []string
	Scope         string
	TokenCount    int
	FileUpdatedAt *time.Time
	IndexedAt     time.Time
}

type KnowledgeRepo struct {
	db Store
}

func NewKnowledgeRepo(db Store) *KnowledgeRepo { return &KnowledgeRepo{db: db} }

func (r *KnowledgeRepo) Upsert(ctx context.Context, c *KnowledgeChunk) (int64, error) {
	c.IndexedAt = time.Now().UTC()
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return 0, fmt.Errorf("store: marshal chunk tags: %w", err)
	}
	id, err := r.db.ExecuteInsert(ctx, `INSERT INTO knowledge_chunks
		(file_path, heading_path, content, tags, scope, token_count, file_updated_at, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.FilePath, c.HeadingPath, c.Content, string(tags), c.Scope, c.TokenCount, c.FileUpdatedAt, c.IndexedAt)
	if err != nil {
		return 0, fmt.Errorf("store: upsert knowledge chunk: %w", err)
	}
	return id, nil
}

func (r *KnowledgeRepo) DeleteByFilePath(ctx context.Context, filePath string) error {
	_, err := r.db.ExecuteInsert(ctx, `DELETE FROM knowledge_chunks WHERE file_path = ?`, filePath)
	if err != nil {
		return fmt.Errorf("store: delete knowledge chunks: %w", err)
	}
	return nil
}

// SearchByKeyword is the degraded-mode fallback when no vector sidecar is
// provisioned, §4.1 "Missing optional vector extension degrades gracefully
// to keyword search".
func (r *KnowledgeRepo) SearchByKeyword(ctx context.Context, query string, limit int) ([]*KnowledgeChunk, error) {
	rows, err := r.db.Execute(ctx, `SELECT id, file_path, heading_path, content, tags, scope, token_count, file_updated_at, indexed_at
		FROM knowledge_chunks WHERE content LIKE ? ORDER BY indexed_at DESC LIMIT ?`, "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("store: search knowledge chunks: %w", err)
	}
	out := make([]*KnowledgeChunk, 0, len(rows))
	for _, row := range rows {
		c := &KnowledgeChunk{
			ID:            asInt64(row["id"]),
			FilePath:      asString(row["file_path"]),
			HeadingPath:   asString(row["heading_path"]),
			Content:       asString(row["content"]),
			Scope:         asString(row["scope"]),
			TokenCount:    asInt(row["token_count"]),
			FileUpdatedAt: asTimePtr(row["file_updated_at"]),
			IndexedAt:     mustTime(row["indexed_at"]),
		}
		_ = json.Unmarshal([]byte(asString(row["tags"])), &c.Tags)
		out = append(out, c)
	}
	return out, nil
}

// LatestFileUpdateTimes returns, per file_path, the most recent
// file_updated_at already recorded — used by incremental indexing to
// decide which files changed on disk since their last index, mirroring
// core/indexer.py's index_incremental grouped lookup.
func (r *KnowledgeRepo) LatestFileUpdateTimes(ctx context.Context) (map[string]time.Time, error) {
	rows, err := r.db.Execute(ctx, `SELECT file_path, MAX(file_updated_at) AS last_update
		FROM knowledge_chunks GROUP BY file_path`)
	if err != nil {
		return nil, fmt.Errorf("store: latest file update times: %w", err)
	}
	out := make(map[string]time.Time, len(rows))
	for _, row := range rows {
		if t := asTimePtr(row["last_update"]); t != nil {
			out[asString(row["file_path"])] = *t
		}
	}
	return out, nil
}

func (r *KnowledgeRepo) Get(ctx context.Context, id int64) (*KnowledgeChunk, error) {
	rows, err := r.db.Execute(ctx, `SELECT id, file_path, heading_path, content, tags, scope, token_count, file_updated_at, indexed_at
		FROM knowledge_chunks WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("store: get knowledge chunk: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	row := rows[0]
	c := &KnowledgeChunk{
		ID:            asInt64(row["id"]),
		FilePath:      asString(row["file_path"]),
		HeadingPath:   asString(row["heading_path"]),
		Content:       asString(row["content"]),
		Scope:         asString(row["scope"]),
		TokenCount:    asInt(row["token_count"]),
		FileUpdatedAt: asTimePtr(row["file_updated_at"]),
		IndexedAt:     mustTime(row["indexed_at"]),
	}
	_ = json.Unmarshal([]byte(asString(row["tags"])), &c.Tags)
	return c, nil
}
