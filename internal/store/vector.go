package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"
)

// VectorSidecar is the optional embedding index backing knowledge-chunk
// similarity search (§3 "Knowledge chunk ... with an optional vector
// sidecar keyed by chunk id"). It is embedded pure-Go (chromem-go), kept
// out of the relational Store entirely — callers that don't provision one
// degrade to keyword search per §4.1's failure semantics.
type VectorSidecar struct {
	mu         sync.RWMutex
	db         *chromem.DB
	collection *chromem.Collection
	dims       int
}

// NewVectorSidecar opens (or creates) a persistent chromem-go database at
// path and provisions a collection for dims-dimensional embeddings. An
// existing collection is reused as is, whatever the dimensionality of its
// stored embeddings; it is dropped and recreated only when opening it
// fails. dims is recorded on the sidecar, not checked against the store.
func NewVectorSidecar(path string, dims int, embed chromem.EmbeddingFunc) (*VectorSidecar, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("store: open vector sidecar: %w", err)
	}

	const collectionName = "knowledge_chunks"
	vs := &VectorSidecar{db: db, dims: dims}

	if col, err := db.GetOrCreateCollection(collectionName, nil, embed); err == nil {
		vs.collection = col
		return vs, nil
	}

	if err := db.DeleteCollection(collectionName); err != nil {
		return nil, fmt.Errorf("store: drop stale vector collection: %w", err)
	}
	col, err := db.GetOrCreateCollection(collectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("store: create vector collection: %w", err)
	}
	vs.collection = col
	return vs, nil
}

// Upsert indexes or reindexes the chunk identified by id.
func (v *VectorSidecar) Upsert(ctx context.Context, id, content string, metadata map[string]string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.collection.AddDocuments(ctx, []chromem.Document{{ID: id, Content: content, Metadata: metadata}}, 1)
}

// Delete removes the chunks with the given ids from the collection.
func (v *VectorSidecar) Delete(ctx context.Context, ids ...string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.collection.Delete(ctx, nil, nil, ids...)
}

// Query returns the nResults nearest chunks to queryText.
func (v *VectorSidecar) Query(ctx context.Context, queryText string, nResults int) ([]chromem.Result, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n := nResults
	if count := v.collection.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}
	return v.collection.Query(ctx, queryText, n, nil, nil)
}
