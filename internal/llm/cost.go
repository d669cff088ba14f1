package llm

import (
	"sync"
	"time"
)

// InMemoryCostTracker accumulates spend in process memory, reset when
// the wall-clock date rolls over. Grounded on the teacher's
// sessions.Manager.AccumulateTokens counter-mutation shape
// (internal/sessions/manager.go), generalized from per-session token
// counters to a process-wide cost tally since §4.8's daily mind budget
// and §4.7's check_budget both need a cost figure independent of any
// one session.
type InMemoryCostTracker struct {
	mu         sync.Mutex
	day        string
	spentToday float64
	spentTotal float64
	now        func() time.Time
}

func NewInMemoryCostTracker() *InMemoryCostTracker {
	return &InMemoryCostTracker{now: time.Now}
}

func (t *InMemoryCostTracker) Add(usage Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	t.spentToday += usage.CostUSD
	t.spentTotal += usage.CostUSD
}

func (t *InMemoryCostTracker) SpentToday() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	return t.spentToday
}

func (t *InMemoryCostTracker) SpentTotal() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spentTotal
}

func (t *InMemoryCostTracker) ResetDaily() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spentToday = 0
	t.day = t.now().UTC().Format("2006-01-02")
}

// rolloverLocked resets spentToday when the UTC date has changed since
// the last observation, §4.8 "daily budget tally reset on date change".
func (t *InMemoryCostTracker) rolloverLocked() {
	today := t.now().UTC().Format("2006-01-02")
	if t.day == "" {
		t.day = today
		return
	}
	if today != t.day {
		t.day = today
		t.spentToday = 0
	}
}
