package agent

import "time"

// Stagnation gate constants named explicitly in spec.md §4.4 step 4a.
// The teacher's own toolLoopState (internal/agent/loop.go) is referenced
// throughout that file's iteration loop but its type definition ships
// outside the retrieved example set, so loopState below is authored
// fresh against these literal constants rather than adapted from teacher
// source.
const (
	// DefaultConsecutiveErrorLimit is E_err.
	DefaultConsecutiveErrorLimit = 5
	// DefaultSameToolWindow is W.
	DefaultSameToolWindow = 8
	// DefaultStepCap is the hard iteration ceiling.
	DefaultStepCap = 500
)

// loopState tracks the running counters the stagnation gates inspect
// before every LLM call: consecutive tool-execution errors and the
// window of the most recent tool names called.
type loopState struct {
	consecutiveErrorLimit int
	sameToolWindow        int
	stepCap               int
	wallClockLimit        time.Duration

	startedAt        time.Time
	step             int
	consecutiveError int
	recentCalls      []string
}

func newLoopState(wallClockLimit time.Duration, consecutiveErrorLimit, sameToolWindow, stepCap int) *loopState {
	if consecutiveErrorLimit <= 0 {
		consecutiveErrorLimit = DefaultConsecutiveErrorLimit
	}
	if sameToolWindow <= 0 {
		sameToolWindow = DefaultSameToolWindow
	}
	if stepCap <= 0 {
		stepCap = DefaultStepCap
	}
	return &loopState{
		consecutiveErrorLimit: consecutiveErrorLimit,
		sameToolWindow:        sameToolWindow,
		stepCap:               stepCap,
		wallClockLimit:        wallClockLimit,
		startedAt:             time.Now(),
	}
}

// recordCall appends a tool name to the recent-call window, trimmed to
// at most sameToolWindow entries — only the trailing window matters for
// the "last W calls all the same tool" gate.
func (s *loopState) recordCall(toolName string) {
	s.recentCalls = append(s.recentCalls, toolName)
	if len(s.recentCalls) > s.sameToolWindow {
		s.recentCalls = s.recentCalls[len(s.recentCalls)-s.sameToolWindow:]
	}
}

// recordResult updates the consecutive-error counter; any success resets it.
func (s *loopState) recordResult(isError bool) {
	if isError {
		s.consecutiveError++
	} else {
		s.consecutiveError = 0
	}
}

// gate evaluates the four stagnation predicates in the order spec.md
// §4.4 step 4a lists them, returning the first that trips and a human
// reason string. An empty reason means the loop may continue.
func (s *loopState) gate() string {
	s.step++

	if s.wallClockLimit > 0 && time.Since(s.startedAt) >= s.wallClockLimit {
		return "wall-clock limit reached"
	}
	if s.consecutiveError >= s.consecutiveErrorLimit {
		return "too many consecutive tool errors"
	}
	if s.sameToolRepeated() {
		return "stuck repeating the same tool call"
	}
	if s.step > s.stepCap {
		return "hard step cap reached"
	}
	return ""
}

func (s *loopState) sameToolRepeated() bool {
	if len(s.recentCalls) < s.sameToolWindow {
		return false
	}
	first := s.recentCalls[0]
	for _, name := range s.recentCalls[1:] {
		if name != first {
			return false
		}
	}
	return true
}
