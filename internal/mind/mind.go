// Package mind implements the Autonomous Mind (§4.8): a background
// loop that runs while the user is idle, cooperative with the Goal
// Runner by pausing on user interaction and resuming on completion.
// Grounded on vanducng-goclaw/internal/mcp/manager_connect.go's
// healthLoop/tryReconnect shape (ticker-driven wakeup mixed with an
// external wake signal, geometric backoff bounded by a configured
// maximum) generalized from MCP health polling to the mind's
// wakeup-sleep-backoff cycle.
package mind

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentcore/internal/agent"
	"github.com/nextlevelbuilder/agentcore/internal/approval"
	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/internal/llm"
	"github.com/nextlevelbuilder/agentcore/internal/sessions"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/internal/tools"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// actionLogCap bounds the in-memory ring buffer of past wakeup-cycle
// summaries, §4.8 "action log ring buffer".
const actionLogCap = 20

// mindChannel/mindUser identify the Mind's own isolated session, kept
// distinct from any user-facing (channel, user_id) pair so its history
// never mixes with a real conversation.
const (
	mindChannel = "mind"
	mindUser    = "autonomous"
)

const priorityStack = `You are the autonomous background mind for this agent. Use this wakeup
to check on in-progress goals, tidy up loose ends, and act on anything
surfaced since your last cycle. Prefer small, safe, reversible actions.
If there is nothing useful to do, say so briefly and go back to sleep.`

// Mind is the Autonomous Mind's wakeup-cycle driver.
type Mind struct {
	loop      *agent.Loop
	sessions  *sessions.Manager
	scratch   *store.MindRepo
	goals     *store.GoalRepo
	eventPub  bus.EventPublisher
	approvals *approval.Registry
	cost      llm.CostTracker
	cfg       config.MindConfig

	mu            sync.Mutex
	paused        bool
	interval      time.Duration // current wakeup interval, mutable via set_next_wakeup
	backoff       time.Duration // current geometric backoff once over budget, 0 when not backed off
	pendingEvents []string
	actionLog     []string
	lastAction    string
	wakeCh        chan struct{}
	stopCh        chan struct{}
	stoppedWg     sync.WaitGroup
}

// Config bundles Mind's constructor dependencies; EventPub/Approvals/
// Goals/Cost are optional — a nil value degrades that ingredient rather
// than failing construction.
type Config struct {
	Loop      *agent.Loop
	Sessions  *sessions.Manager
	Scratch   *store.MindRepo
	Goals     *store.GoalRepo
	EventPub  bus.EventPublisher
	Approvals *approval.Registry
	Cost      llm.CostTracker
	Settings  config.MindConfig
}

func New(c Config) *Mind {
	cost := c.Cost
	if cost == nil {
		cost = llm.NewInMemoryCostTracker()
	}
	return &Mind{
		loop:      c.Loop,
		sessions:  c.Sessions,
		scratch:   c.Scratch,
		goals:     c.Goals,
		eventPub:  c.EventPub,
		approvals: c.Approvals,
		cost:      cost,
		cfg:       c.Settings,
		interval:  c.Settings.WarmupInterval.Std(),
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the wakeup loop in a background goroutine. Call Stop
// to end it; Start must be called at most once.
func (m *Mind) Start(ctx context.Context) {
	m.stoppedWg.Add(1)
	go m.run(ctx)
}

// Stop ends the wakeup loop and waits for the in-flight cycle, if any,
// to return.
func (m *Mind) Stop() {
	close(m.stopCh)
	m.stoppedWg.Wait()
}

// Wake short-circuits the current sleep, §4.8 step 1 "or an external
// event wakes the loop".
func (m *Mind) Wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// Pause sets the paused flag; the next wakeup emits mind_paused and
// goes back to sleep instead of running a cycle.
func (m *Mind) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

// Resume clears the paused flag and wakes the loop immediately.
func (m *Mind) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.broadcast(protocol.EventMindResumed, nil)
	m.Wake()
}

// InjectEvent surfaces a world-change hint the mind will see composed
// into its next wakeup prompt, §4.8 "External callers may inject_event(text)".
func (m *Mind) InjectEvent(text string) {
	m.mu.Lock()
	m.pendingEvents = append(m.pendingEvents, text)
	m.mu.Unlock()
	m.Wake()
}

// setNextWakeup mutates the wakeup interval, §4.8 "set_next_wakeup(seconds)".
func (m *Mind) setNextWakeup(seconds int) {
	if seconds <= 0 {
		return
	}
	m.mu.Lock()
	m.interval = time.Duration(seconds) * time.Second
	m.backoff = 0
	m.mu.Unlock()
}

// updateScratchpad rewrites the persisted scratchpad, §4.8
// "update_scratchpad(content) rewrites the persisted scratchpad".
func (m *Mind) updateScratchpad(ctx context.Context, content string) error {
	if m.scratch == nil {
		return nil
	}
	return m.scratch.SetScratchpad(ctx, content)
}

func (m *Mind) run(ctx context.Context) {
	defer m.stoppedWg.Done()

	warmedUp := false
	for {
		wait := m.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.stopCh:
			timer.Stop()
			return
		case <-m.wakeCh:
			timer.Stop()
		case <-timer.C:
		}

		// Step 2: paused check.
		if m.isPaused() {
			m.broadcast(protocol.EventMindPaused, nil)
			continue
		}

		// Step 3: daily-budget back-off.
		if m.overBudget() {
			m.backOff()
			continue
		}
		m.clearBackoff()

		// The first cycle ends the warmup: later sleeps use WakeupInterval
		// unless set_next_wakeup changes the interval during a cycle.
		if !warmedUp {
			warmedUp = true
			m.mu.Lock()
			if w := m.cfg.WakeupInterval.Std(); w > 0 {
				m.interval = w
			}
			m.mu.Unlock()
		}

		if err := m.cycle(ctx); err != nil {
			slog.Warn("mind: wakeup cycle failed", "error", err)
			m.broadcast(protocol.EventMindError, map[string]string{"error": err.Error()})
		}
	}
}

func (m *Mind) nextWait() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backoff > 0 {
		return m.backoff
	}
	return m.interval
}

func (m *Mind) isPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// overBudget reports whether today's mind spend has exceeded its daily
// cap, §4.8 step 3. DailyBudgetFraction is reserved for deployments that
// derive the mind's cap from a larger system-wide daily cap; absent
// such a figure here, DailyCostCapUSD is used directly as the mind's
// own ceiling.
func (m *Mind) overBudget() bool {
	if m.cfg.DailyCostCapUSD <= 0 {
		return false
	}
	return m.cost.SpentToday() >= m.cfg.DailyCostCapUSD
}

// backOff doubles the current backoff (seeding from the configured
// interval) up to MaxBackoffInterval, grounded on
// manager_connect.go's tryReconnect exponential-backoff shape.
func (m *Mind) backOff() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backoff == 0 {
		m.backoff = m.interval
	} else {
		m.backoff *= 2
	}
	if max := m.cfg.MaxBackoffInterval.Std(); max > 0 && m.backoff > max {
		m.backoff = max
	}
}

func (m *Mind) clearBackoff() {
	m.mu.Lock()
	m.backoff = 0
	m.mu.Unlock()
}

func (m *Mind) drainEvents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.pendingEvents
	m.pendingEvents = nil
	return events
}

func (m *Mind) recordAction(summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAction = summary
	m.actionLog = append(m.actionLog, summary)
	if len(m.actionLog) > actionLogCap {
		m.actionLog = m.actionLog[len(m.actionLog)-actionLogCap:]
	}
}

func (m *Mind) lastActionSummary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAction
}

// cycle runs steps 4-7 of the wakeup cycle.
func (m *Mind) cycle(ctx context.Context) error {
	prompt, err := m.composePrompt(ctx)
	if err != nil {
		return fmt.Errorf("mind: compose prompt: %w", err)
	}
	m.broadcast(protocol.EventMindWakeup, map[string]string{"prompt": prompt})

	// Step 5: isolate conversation history for this cycle's session and
	// install an auto-approving callback with a shorter timeout.
	sessionID, prior, err := m.isolateSession(ctx)
	if err != nil {
		return fmt.Errorf("mind: isolate session: %w", err)
	}
	defer m.restoreSession(ctx, sessionID, prior)

	cycleCtx, cancel := context.WithTimeout(ctx, m.cfg.CycleWallClockLimit.Std())
	defer cancel()

	result, runErr := m.loop.Run(cycleCtx, agent.RunRequest{
		SessionID: sessionID,
		Channel:   mindChannel,
		UserID:    mindUser,
		RunID:     uuid.NewString(),
		Goal:      prompt,
		Approve:   m.makeApprovalFunc(sessionID),
		OnStep:    m.onStep,
	})
	if runErr != nil {
		return runErr
	}

	// Step 6: accumulate cost (best-effort — Router usage reporting is a
	// deployment concern; a decorating Router feeds the same CostTracker
	// this Mind reads from) and record the action.
	m.recordAction(result.Content)
	m.broadcast(protocol.EventMindAction, map[string]interface{}{
		"content":         result.Content,
		"steps_taken":     result.StepsTaken,
		"tool_calls_made": result.ToolCallsMade,
	})
	m.broadcast(protocol.EventMindSleep, map[string]interface{}{"spent_today": m.cost.SpentToday()})
	return nil
}

// isolateSession clears the mind's session history before the run so
// this cycle's completion never sees a prior cycle's turns folded into
// context beyond what composePrompt explicitly carries forward, §4.8
// step 5 "Temporarily isolate the agent's conversation history".
func (m *Mind) isolateSession(ctx context.Context) (string, *store.SessionRecord, error) {
	rec, err := m.sessions.GetOrCreate(ctx, mindChannel, mindUser)
	if err != nil {
		return "", nil, err
	}
	prior := *rec
	priorHistory := make([]store.Message, len(rec.ConversationHistory))
	copy(priorHistory, rec.ConversationHistory)
	prior.ConversationHistory = priorHistory

	rec.ConversationHistory = nil
	if err := m.sessions.Save(ctx, rec); err != nil {
		return "", nil, err
	}
	return rec.SessionID, &prior, nil
}

// restoreSession puts back the conversation history the session had
// before this cycle, §4.8 step 7 "Restore the prior conversation
// history and callbacks".
func (m *Mind) restoreSession(ctx context.Context, sessionID string, prior *store.SessionRecord) {
	rec, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return
	}
	rec.ConversationHistory = prior.ConversationHistory
	if err := m.sessions.Save(ctx, rec); err != nil {
		slog.Warn("mind: restore session history failed", "error", err)
	}
}

func (m *Mind) onStep(toolName, callID string) {
	m.broadcast(protocol.EventMindToolUse, map[string]string{"tool_name": toolName, "call_id": callID})
}

// makeApprovalFunc auto-approves by default but still broadcasts an
// approval_request with a shorter timeout so an attentive user can
// intervene, §4.8 step 5. A nil Registry degrades to straight
// auto-approval with no broadcast.
func (m *Mind) makeApprovalFunc(sessionID string) tools.ApprovalFunc {
	return func(ctx context.Context, toolName string, params map[string]interface{}) (bool, error) {
		if m.approvals == nil {
			return true, nil
		}
		timeout := m.cfg.CycleWallClockLimit.Std() / 6
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		// The broadcast-and-wait only gives a human a window to notice;
		// the mind proceeds regardless of what it resolves to, §4.8's
		// "auto-approving callback". Errors are likewise non-fatal.
		_, _ = m.approvals.Request(ctx, sessionID, toolName,
			fmt.Sprintf("autonomous mind requests approval for tool %q", toolName), params, timeout)
		return true, nil
	}
}

// composePrompt builds the wakeup prompt from the priority stack,
// scratchpad, pending events, active-goal hint, budget figures,
// timestamps, and last action, §4.8 step 4.
func (m *Mind) composePrompt(ctx context.Context) (string, error) {
	var scratch string
	if m.scratch != nil {
		var err error
		scratch, err = m.scratch.GetScratchpad(ctx)
		if err != nil {
			return "", err
		}
	}
	scratch = truncate(scratch, 2000)

	events := m.drainEvents()

	var goalHint string
	if m.goals != nil {
		if g, err := m.goals.MostRecentActive(ctx); err == nil {
			goalHint = fmt.Sprintf("%s (checkpoint %d/%d)", g.GoalText, g.CurrentCheckpoint, g.TotalCheckpoints)
		}
	}

	var b []byte
	b = append(b, priorityStack...)
	b = append(b, "\n\n"...)
	b = append(b, fmt.Sprintf("Current time: %s\n", time.Now().UTC().Format(time.RFC3339))...)
	b = append(b, fmt.Sprintf("Spent today: $%.4f / $%.2f\n", m.cost.SpentToday(), m.cfg.DailyCostCapUSD)...)
	if last := m.lastActionSummary(); last != "" {
		b = append(b, fmt.Sprintf("Last action: %s\n", last)...)
	}
	if goalHint != "" {
		b = append(b, fmt.Sprintf("Active goal: %s\n", goalHint)...)
	}
	if scratch != "" {
		b = append(b, fmt.Sprintf("\nScratchpad:\n%s\n", scratch)...)
	}
	if len(events) > 0 {
		b = append(b, "\nEvents since last wakeup:\n"...)
		for _, e := range events {
			b = append(b, "- "...)
			b = append(b, e...)
			b = append(b, '\n')
		}
	}
	return string(b), nil
}

func (m *Mind) broadcast(evt protocol.EventType, payload interface{}) {
	if m.eventPub == nil {
		return
	}
	m.eventPub.Broadcast(bus.NewEvent(evt, "", payload))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
