package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// Manager is the Session Manager (§4.2): an in-memory cache in front of
// store.SessionRepo. Adapted from vanducng-goclaw/internal/sessions'
// Manager (map[string]*Session behind a RWMutex, disk-backed Save/load)
// generalized from the teacher's own JSON-file persistence to the
// Store-backed SessionRepo.
type Manager struct {
	repo *store.SessionRepo

	mu    sync.RWMutex
	cache map[string]*store.SessionRecord // keyed by session_id

	historyLimit int // H, §4.2 "trims to the last H messages"
	counter      *tokenCounter
}

// tokenCounter wraps tiktoken-go for approximate history token accounting;
// never required for correctness (the trim bound is the message count H),
// used only to report prompt-sizing telemetry.
type tokenCounter struct {
	enc *tiktoken.Tiktoken
}

func newTokenCounter(model string) *tokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return &tokenCounter{}
		}
	}
	return &tokenCounter{enc: enc}
}

func (tc *tokenCounter) count(messages []store.Message) int {
	if tc == nil || tc.enc == nil {
		total := 0
		for _, m := range messages {
			total += len(m.Content) / 4
		}
		return total
	}
	total := 0
	for _, m := range messages {
		total += 3 // per-message role/content framing overhead
		total += len(tc.enc.Encode(string(m.Role), nil, nil))
		total += len(tc.enc.Encode(m.Content, nil, nil))
	}
	return total
}

// NewManager builds a Session Manager with history trimmed to historyLimit
// messages (H, default 20 per internal/config.Defaults).
func NewManager(repo *store.SessionRepo, historyLimit int, model string) *Manager {
	return &Manager{
		repo:         repo,
		cache:        make(map[string]*store.SessionRecord),
		historyLimit: historyLimit,
		counter:      newTokenCounter(model),
	}
}

// GetOrCreate returns the unique session for a (channel, user_id) pair,
// creating it on demand.
func (m *Manager) GetOrCreate(ctx context.Context, channel, userID string) (*store.SessionRecord, error) {
	rec, err := m.repo.GetOrCreate(ctx, channel, userID)
	if err != nil {
		return nil, fmt.Errorf("sessions: get_or_create: %w", err)
	}
	m.mu.Lock()
	m.cache[rec.SessionID] = rec
	m.mu.Unlock()
	return rec, nil
}

// Get fetches a session: cache first, then the store.
func (m *Manager) Get(ctx context.Context, sessionID string) (*store.SessionRecord, error) {
	m.mu.RLock()
	if rec, ok := m.cache[sessionID]; ok {
		cp := *rec
		m.mu.RUnlock()
		return &cp, nil
	}
	m.mu.RUnlock()

	rec, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[sessionID] = rec
	m.mu.Unlock()
	return rec, nil
}

// Save upserts a session and refreshes the cache entry.
func (m *Manager) Save(ctx context.Context, rec *store.SessionRecord) error {
	if err := m.repo.Save(ctx, rec); err != nil {
		return fmt.Errorf("sessions: save: %w", err)
	}
	m.mu.Lock()
	m.cache[rec.SessionID] = rec
	m.mu.Unlock()
	return nil
}

// ListActive returns up to limit recently active sessions, ordered by
// last_active DESC.
func (m *Manager) ListActive(ctx context.Context, limit int) ([]*store.SessionRecord, error) {
	return m.repo.ListActive(ctx, limit)
}

// CleanupStale removes sessions whose last_active is older than maxAge and
// evicts them from the cache.
func (m *Manager) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	removed, ids, err := m.cleanupStaleIDs(ctx, maxAge)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	for _, id := range ids {
		delete(m.cache, id)
	}
	m.mu.Unlock()
	return removed, nil
}

func (m *Manager) cleanupStaleIDs(ctx context.Context, maxAge time.Duration) (int, []string, error) {
	m.mu.RLock()
	var stale []string
	cutoff := time.Now().UTC().Add(-maxAge)
	for id, rec := range m.cache {
		if rec.LastActive.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	removed, err := m.repo.CleanupStale(ctx, maxAge)
	if err != nil {
		return 0, nil, fmt.Errorf("sessions: cleanup_stale: %w", err)
	}
	return removed, stale, nil
}

// AppendConversationTurn appends a user/assistant message pair and trims
// the history to the last historyLimit (H) messages, §4.2 "append_conversation_turn".
func (m *Manager) AppendConversationTurn(ctx context.Context, rec *store.SessionRecord, userMsg, assistantMsg string) error {
	rec.ConversationHistory = append(rec.ConversationHistory,
		store.Message{Role: store.RoleUser, Content: userMsg},
		store.Message{Role: store.RoleAssistant, Content: assistantMsg},
	)
	if m.historyLimit > 0 && len(rec.ConversationHistory) > m.historyLimit {
		rec.ConversationHistory = rec.ConversationHistory[len(rec.ConversationHistory)-m.historyLimit:]
	}
	rec.LastActive = time.Now().UTC()
	return m.Save(ctx, rec)
}

// HistoryTokens estimates the token cost of a session's current history
// for telemetry. Neither the Agent Loop nor the Goal Manager calls it, and
// it plays no part in correctness, since the trim bound is message-count
// based.
func (m *Manager) HistoryTokens(rec *store.SessionRecord) int {
	return m.counter.count(rec.ConversationHistory)
}
