package store

import (
	"context"
	"fmt"
	"time"
)

// MindRepo persists the Autonomous Mind's scratchpad document (§4.8
// "scratchpad document (persisted markdown)").
type MindRepo struct {
	db Store
}

func NewMindRepo(db Store) *MindRepo { return &MindRepo{db: db} }

func (r *MindRepo) GetScratchpad(ctx context.Context) (string, error) {
	rows, err := r.db.Execute(ctx, `SELECT content FROM mind_scratchpad WHERE id = 1`)
	if err != nil {
		return "", fmt.Errorf("store: get scratchpad: %w", err)
	}
	if len(rows) == 0 {
		return "", nil
	}
	return asString(rows[0]["content"]), nil
}

func (r *MindRepo) SetScratchpad(ctx context.Context, content string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecuteInsert(ctx, `INSERT INTO mind_scratchpad (id, content, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`, content, now)
	if err != nil {
		return fmt.Errorf("store: set scratchpad: %w", err)
	}
	return nil
}

// ClearScratchpad empties the scratchpad, used by Goal Runner's cancel()
// per §4.7 "cancel() cancels the task and clears the mind scratchpad".
func (r *MindRepo) ClearScratchpad(ctx context.Context) error {
	return r.SetScratchpad(ctx, "")
}
