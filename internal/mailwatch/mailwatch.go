// Package mailwatch is the Email Monitor background activity: it polls
// the agent's own inbox on an interval and invokes the Agent Loop with
// a synthesized goal for every message it has not seen before.
//
// Grounded on original_source/core/email_monitor.py's EmailMonitor —
// same poll-then-check loop, same seen-message-id sidecar file, same
// silent first poll (seed without flooding notifications). The
// redesign in spec.md §2's data-flow paragraph ("Background
// activities ... invoke the Agent Loop on their own prompts") replaces
// the Python version's direct notification broadcast with a real Agent
// Loop run per unseen message, one synthesized goal per message — the
// same shape internal/scheduler already uses for cron runs.
package mailwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentcore/internal/agent"
	"github.com/nextlevelbuilder/agentcore/internal/sessions"
)

// Message is one inbox entry as reported by an EmailLister, mirroring
// the fields core/email_monitor.py reads off each message dict.
type Message struct {
	MessageID  string
	From       string
	Subject    string
	Snippet    string
	ReceivedAt string
}

// EmailLister is the external collaborator — spec.md's out-of-scope
// "email" tool implementation, kept behind an interface exactly like
// the LLM Router. ListUnread returns up to limit messages, most recent
// first.
type EmailLister interface {
	ListUnread(ctx context.Context, limit int) ([]Message, error)
}

// Executor runs one synthesized task's goal through the Agent Loop,
// the same narrow function type internal/scheduler uses so tests can
// supply a stub without wiring a full Loop.
type Executor func(ctx context.Context, sessionID, goal, runID string) (*agent.RunResult, error)

// Monitor polls an EmailLister on an interval and invokes Executor once
// per genuinely new message.
type Monitor struct {
	lister   EmailLister
	sessions *sessions.Manager
	run      Executor

	interval    time.Duration
	seenIDsPath string
	persistSeen bool
	pollLimit   int

	mu        sync.Mutex
	seen      map[string]bool
	firstPoll bool

	stopCh    chan struct{}
	stoppedWg sync.WaitGroup
}

type Config struct {
	PollInterval   time.Duration
	SeenIDsPath    string
	PersistSeenIDs bool
	PollLimit      int
}

func NewMonitor(lister EmailLister, sm *sessions.Manager, run Executor, cfg Config) *Monitor {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	limit := cfg.PollLimit
	if limit <= 0 {
		limit = 50
	}
	return &Monitor{
		lister:      lister,
		sessions:    sm,
		run:         run,
		interval:    interval,
		seenIDsPath: cfg.SeenIDsPath,
		persistSeen: cfg.PersistSeenIDs,
		pollLimit:   limit,
		seen:        make(map[string]bool),
		firstPoll:   true,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the background polling loop, mirroring
// core/email_monitor.py's start/_poll_loop.
func (m *Monitor) Start(ctx context.Context) {
	m.loadSeenIDs()
	m.stoppedWg.Add(1)
	go m.pollLoop(ctx)
}

// Stop cancels the background loop and persists seen ids, mirroring
// core/email_monitor.py's stop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.stoppedWg.Wait()
	m.saveSeenIDs()
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.stoppedWg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkInbox(ctx)
		}
	}
}

// checkInbox mirrors core/email_monitor.py's _check_inbox: list unread
// messages, diff against seen ids, seed silently on the first poll of a
// monitor that loaded no seen ids, otherwise invoke the Agent Loop once
// per unseen message.
func (m *Monitor) checkInbox(ctx context.Context) {
	messages, err := m.lister.ListUnread(ctx, m.pollLimit)
	if err != nil {
		slog.Debug("mailwatch: poll failed", "error", err)
		return
	}

	var fresh []Message
	m.mu.Lock()
	for _, msg := range messages {
		if msg.MessageID == "" || m.seen[msg.MessageID] {
			continue
		}
		m.seen[msg.MessageID] = true
		fresh = append(fresh, msg)
	}
	firstPoll := m.firstPoll
	m.firstPoll = false
	m.mu.Unlock()

	if len(fresh) == 0 {
		return
	}

	if firstPoll {
		slog.Info("mailwatch: seeded existing messages silently", "count", len(fresh))
		m.saveSeenIDs()
		return
	}

	for _, msg := range fresh {
		m.handleMessage(ctx, msg)
	}
	m.saveSeenIDs()
}

// handleMessage synthesizes a goal from one unseen message and invokes
// the Agent Loop through it, per spec.md §2's redesigned data flow.
func (m *Monitor) handleMessage(ctx context.Context, msg Message) {
	goal := fmt.Sprintf("You received a new email from %s with subject %q. Decide whether it needs a reply or action, and if so, take it. Snippet: %s",
		msg.From, msg.Subject, msg.Snippet)

	runID := uuid.NewString()
	sessionID := ""
	if m.sessions != nil {
		rec, err := m.sessions.GetOrCreate(ctx, "email", sessions.BuildEmailUserKey(msg.MessageID))
		if err != nil {
			slog.Error("mailwatch: session resolve failed", "message_id", msg.MessageID, "error", err)
			return
		}
		sessionID = rec.SessionID
	}

	if m.run == nil {
		return
	}
	if _, err := m.run(ctx, sessionID, goal, runID); err != nil {
		slog.Warn("mailwatch: agent run failed", "message_id", msg.MessageID, "error", err)
	}
}

func (m *Monitor) loadSeenIDs() {
	if !m.persistSeen || m.seenIDsPath == "" {
		return
	}
	raw, err := os.ReadFile(m.seenIDsPath)
	if err != nil {
		return
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		slog.Debug("mailwatch: failed to load seen ids", "error", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.seen[id] = true
	}
	if len(ids) > 0 {
		m.firstPoll = false
	}
}

func (m *Monitor) saveSeenIDs() {
	if !m.persistSeen || m.seenIDsPath == "" {
		return
	}
	m.mu.Lock()
	ids := make([]string, 0, len(m.seen))
	for id := range m.seen {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	raw, err := json.Marshal(ids)
	if err != nil {
		slog.Warn("mailwatch: marshal seen ids failed", "error", err)
		return
	}
	if err := os.WriteFile(m.seenIDsPath, raw, 0o644); err != nil {
		slog.Warn("mailwatch: write seen ids failed", "path", m.seenIDsPath, "error", err)
	}
}
