// Package memory is the management-facing facade over persistent task
// memory: recall recent task summaries, search them by keyword, and
// clear them out. Grounded on original_source/core/memory.py's
// MemoryManager (store_task_memory/search_memory/get_recent_tasks/
// clear_all) — the same four operations, implemented here atop the
// already-built internal/store.MemoryRepo rather than duplicating its
// SQL. The Agent Loop's own per-turn retrieval (§4.4 step 1, working
// memory) and the memory_search tool talk to store.MemoryRepo
// directly; this package exists for the surfaces that sit outside a
// running task — CLI commands and any future admin endpoint.
package memory

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// Manager is a thin façade over store.MemoryRepo.
type Manager struct {
	repo *store.MemoryRepo
}

func NewManager(repo *store.MemoryRepo) *Manager {
	return &Manager{repo: repo}
}

// Record stores a completed task's summary for future recall, mirroring
// core/memory.py's store_task_memory. The Agent Loop's own terminal
// branch (internal/agent/persist.go) calls store.MemoryRepo.Record
// directly on the hot path; this wrapper is for callers outside a run
// (e.g. importing memories from an external source).
func (m *Manager) Record(ctx context.Context, sessionID, goal, summary, outcome string, toolsUsed []string) error {
	if outcome == "" {
		outcome = "completed"
	}
	return m.repo.Record(ctx, &store.TaskMemory{
		SessionID:   sessionID,
		TaskGoal:    goal,
		TaskSummary: summary,
		Outcome:     outcome,
		ToolsUsed:   toolsUsed,
	})
}

// Search performs the keyword search core/memory.py's search_memory
// does, across goal and summary text.
func (m *Manager) Search(ctx context.Context, query string, limit int) ([]*store.TaskMemory, error) {
	if limit <= 0 {
		limit = 5
	}
	return m.repo.SearchByKeyword(ctx, query, limit)
}

// Recent returns the most recent task memories across every session,
// mirroring core/memory.py's get_recent_tasks.
func (m *Manager) Recent(ctx context.Context, limit int) ([]*store.TaskMemory, error) {
	if limit <= 0 {
		limit = 10
	}
	return m.repo.RecentAll(ctx, limit)
}

// ClearAll deletes every task memory row and reports how many were
// removed, mirroring core/memory.py's clear_all.
func (m *Manager) ClearAll(ctx context.Context) (int, error) {
	count, err := m.repo.ClearAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("memory: clear all: %w", err)
	}
	return count, nil
}
