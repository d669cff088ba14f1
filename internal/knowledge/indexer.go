// Package knowledge indexes markdown documents into redacted,
// size-bounded chunks for retrieval, mirroring
// original_source/core/indexer.py's KnowledgeIndexer: split by H2
// heading, then H3, then paragraph, merge anything under the minimum
// token floor with its neighbor, redact PII, and persist through
// internal/store.KnowledgeRepo (plus an optional vector sidecar).
package knowledge

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// IndexResult summarizes one indexing pass, mirroring
// core/indexer.py's IndexResult.
type IndexResult struct {
	FilesIndexed  int
	ChunksCreated int
	Duration      time.Duration
	Errors        []string
}

// Indexer walks a directory of markdown files and persists their
// chunks through a KnowledgeRepo, optionally mirroring each chunk into
// a vector sidecar for similarity search.
type Indexer struct {
	repo      *store.KnowledgeRepo
	vec       *store.VectorSidecar
	dir       string
	maxTokens int
	minTokens int
}

func NewIndexer(repo *store.KnowledgeRepo, vec *store.VectorSidecar, dir string, maxTokens, minTokens int) *Indexer {
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	if minTokens <= 0 {
		minTokens = 50
	}
	return &Indexer{repo: repo, vec: vec, dir: dir, maxTokens: maxTokens, minTokens: minTokens}
}

// IndexAll performs a full reindex of every markdown file under dir,
// mirroring core/indexer.py's index_all.
func (ix *Indexer) IndexAll(ctx context.Context) (IndexResult, error) {
	start := time.Now()
	result := IndexResult{}

	files, err := ix.markdownFiles()
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, fmt.Errorf("knowledge: walk %s: %w", ix.dir, err)
	}

	for _, f := range files {
		n, err := ix.IndexFile(ctx, f)
		if err != nil {
			msg := fmt.Sprintf("failed to index %s: %v", f, err)
			slog.Warn("knowledge: index file failed", "path", f, "error", err)
			result.Errors = append(result.Errors, msg)
			continue
		}
		result.FilesIndexed++
		result.ChunksCreated += n
	}
	result.Duration = time.Since(start)
	return result, nil
}

// IndexIncremental only reindexes files whose mtime is newer than the
// most recent FileUpdatedAt already recorded for them, mirroring
// core/indexer.py's index_incremental.
func (ix *Indexer) IndexIncremental(ctx context.Context) (IndexResult, error) {
	start := time.Now()
	result := IndexResult{}

	files, err := ix.markdownFiles()
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, fmt.Errorf("knowledge: walk %s: %w", ix.dir, err)
	}

	indexedTimes, err := ix.repo.LatestFileUpdateTimes(ctx)
	if err != nil {
		return result, fmt.Errorf("knowledge: latest file update times: %w", err)
	}

	for _, f := range files {
		relPath := ix.relPath(f)
		info, err := os.Stat(f)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("stat %s: %v", f, err))
			continue
		}

		if last, ok := indexedTimes[relPath]; ok && !info.ModTime().UTC().After(last) {
			continue
		}

		n, err := ix.IndexFile(ctx, f)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to index %s: %v", f, err))
			continue
		}
		result.FilesIndexed++
		result.ChunksCreated += n
	}
	result.Duration = time.Since(start)
	return result, nil
}

// IndexFile indexes a single markdown file, replacing any chunks
// previously recorded for it. Returns the chunk count, mirroring
// core/indexer.py's index_file.
func (ix *Indexer) IndexFile(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("knowledge: read %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("knowledge: stat %s: %w", path, err)
	}

	fm, body := parseFrontmatter(string(raw))
	chunks := mergeSmallChunks(chunkMarkdown(body, fm, ix.maxTokens), ix.minTokens)

	relPath := ix.relPath(path)
	mtime := info.ModTime().UTC()
	if err := ix.storeChunks(ctx, chunks, relPath, fm, mtime); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

func (ix *Indexer) storeChunks(ctx context.Context, chunks []chunk, relPath string, fm frontmatter, mtime time.Time) error {
	if err := ix.repo.DeleteByFilePath(ctx, relPath); err != nil {
		return fmt.Errorf("knowledge: delete stale chunks for %s: %w", relPath, err)
	}

	tags := fm.tagList()
	for _, c := range chunks {
		clean := redactPII(c.content)
		id, err := ix.repo.Upsert(ctx, &store.KnowledgeChunk{
			FilePath:      relPath,
			HeadingPath:   c.headingPath,
			Content:       clean,
			Tags:          tags,
			Scope:         fm.Scope,
			TokenCount:    c.tokenCount,
			FileUpdatedAt: &mtime,
		})
		if err != nil {
			return fmt.Errorf("knowledge: persist chunk for %s: %w", relPath, err)
		}

		if ix.vec != nil {
			meta := map[string]string{"file_path": relPath, "heading_path": c.headingPath}
			chunkID := fmt.Sprintf("%d", id)
			if err := ix.vec.Upsert(ctx, chunkID, clean, meta); err != nil {
				slog.Error("knowledge: embed chunk failed", "chunk_id", id, "error", err)
			}
		}
	}
	return nil
}

func (ix *Indexer) markdownFiles() ([]string, error) {
	var out []string
	err := filepath.WalkDir(ix.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (ix *Indexer) relPath(path string) string {
	rel, err := filepath.Rel(ix.dir, path)
	if err != nil {
		return path
	}
	return rel
}
