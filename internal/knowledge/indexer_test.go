package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

const testSchema = `
CREATE TABLE IF NOT EXISTS knowledge_chunks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_path TEXT NOT NULL,
	heading_path TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	scope TEXT NOT NULL DEFAULT '',
	token_count INTEGER NOT NULL DEFAULT 0,
	file_updated_at TIMESTAMP,
	indexed_at TIMESTAMP NOT NULL
);
`

func newTestRepo(t *testing.T) *store.KnowledgeRepo {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.ExecuteScript(ctx, testSchema); err != nil {
		t.Fatalf("ExecuteScript: %v", err)
	}
	return store.NewKnowledgeRepo(s)
}

func writeKnowledgeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestIndexFileSplitsByH2AndRedactsPII(t *testing.T) {
	dir := t.TempDir()
	content := "---\ntitle: Runbook\nscope: ops\ntags: infra, oncall\n---\n" +
		"## Escalation\nContact on-call at jane@example.com if paged.\n\n" +
		"## Rollback\nRevert the last deploy.\n"
	writeKnowledgeFile(t, dir, "runbook.md", content)

	repo := newTestRepo(t)
	ix := NewIndexer(repo, nil, dir, 1000, 1)
	ctx := context.Background()

	n, err := ix.IndexFile(ctx, filepath.Join(dir, "runbook.md"))
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 chunks, got %d", n)
	}

	chunks, err := repo.SearchByKeyword(ctx, "Escalation", 10)
	if err != nil {
		t.Fatalf("SearchByKeyword: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 matching chunk, got %d", len(chunks))
	}
	c := chunks[0]
	if c.Scope != "ops" {
		t.Errorf("expected scope ops, got %q", c.Scope)
	}
	if len(c.Tags) != 2 || c.Tags[0] != "infra" {
		t.Errorf("expected tags from frontmatter, got %+v", c.Tags)
	}
	if contains(c.Content, "jane@example.com") {
		t.Errorf("expected email redacted, got %q", c.Content)
	}
	if !contains(c.Content, "[REDACTED:EMAIL]") {
		t.Errorf("expected redaction token present, got %q", c.Content)
	}
}

func TestIndexFileReplacesStaleChunks(t *testing.T) {
	dir := t.TempDir()
	path := writeKnowledgeFile(t, dir, "doc.md", "## One\nfirst version\n")

	repo := newTestRepo(t)
	ix := NewIndexer(repo, nil, dir, 1000, 1)
	ctx := context.Background()

	if _, err := ix.IndexFile(ctx, path); err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	writeKnowledgeFile(t, dir, "doc.md", "## Two\nsecond version\n")
	if _, err := ix.IndexFile(ctx, path); err != nil {
		t.Fatalf("IndexFile second pass: %v", err)
	}

	chunks, err := repo.SearchByKeyword(ctx, "version", 10)
	if err != nil {
		t.Fatalf("SearchByKeyword: %v", err)
	}
	if len(chunks) != 1 || chunks[0].HeadingPath != "Two" {
		t.Errorf("expected only the new chunk to remain, got %+v", chunks)
	}
}

func TestIndexAllWalksDirectory(t *testing.T) {
	dir := t.TempDir()
	writeKnowledgeFile(t, dir, "a.md", "## A\ncontent a\n")
	writeKnowledgeFile(t, dir, "b.md", "## B\ncontent b\n")
	writeKnowledgeFile(t, dir, "ignore.txt", "not markdown")

	repo := newTestRepo(t)
	ix := NewIndexer(repo, nil, dir, 1000, 1)
	ctx := context.Background()

	result, err := ix.IndexAll(ctx)
	if err != nil {
		t.Fatalf("IndexAll: %v", err)
	}
	if result.FilesIndexed != 2 {
		t.Errorf("expected 2 files indexed, got %d", result.FilesIndexed)
	}
	if result.ChunksCreated != 2 {
		t.Errorf("expected 2 chunks created, got %d", result.ChunksCreated)
	}
}

func TestIndexIncrementalSkipsUnchangedFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeKnowledgeFile(t, dir, "doc.md", "## One\ncontent\n")

	repo := newTestRepo(t)
	ix := NewIndexer(repo, nil, dir, 1000, 1)
	ctx := context.Background()

	first, err := ix.IndexIncremental(ctx)
	if err != nil {
		t.Fatalf("IndexIncremental first pass: %v", err)
	}
	if first.FilesIndexed != 1 {
		t.Fatalf("expected first pass to index 1 file, got %d", first.FilesIndexed)
	}

	second, err := ix.IndexIncremental(ctx)
	if err != nil {
		t.Fatalf("IndexIncremental second pass: %v", err)
	}
	if second.FilesIndexed != 0 {
		t.Errorf("expected second pass to skip unchanged file, got %d indexed", second.FilesIndexed)
	}
	_ = path
}

func TestRedactPIIMasksKnownPatterns(t *testing.T) {
	in := "Email me at bob@example.com or call 415-555-1234."
	out := redactPII(in)
	if contains(out, "bob@example.com") {
		t.Errorf("expected email redacted, got %q", out)
	}
	if !contains(out, "[REDACTED:EMAIL]") {
		t.Errorf("expected email token, got %q", out)
	}
}

func TestMergeSmallChunksMergesWithNext(t *testing.T) {
	chunks := []chunk{
		{content: "tiny", headingPath: "A", tokenCount: 2},
		{content: "the rest", headingPath: "B", tokenCount: 100},
	}
	merged := mergeSmallChunks(chunks, 50)
	if len(merged) != 1 {
		t.Fatalf("expected chunks merged into one, got %d", len(merged))
	}
	if merged[0].tokenCount != 102 {
		t.Errorf("expected combined token count, got %d", merged[0].tokenCount)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
