// Package approval implements the single in-memory table of pending
// approval futures that §5 "Concurrency and resource model" describes:
// "Approval futures live in a single table keyed by request id and are
// produced/consumed by at most one awaiter." The Gateway, Goal Runner,
// and Autonomous Mind all broadcast through the same Registry so a
// `command`-level approval_response frame resolves whichever caller is
// waiting on that request id, regardless of which subsystem raised it.
//
// Extracted from the Gateway's original approval bookkeeping
// (internal/gateway/approvals.go) once the Goal Runner needed the same
// "broadcast + await a future, denied on timeout" mechanism, §4.7 step 3
// and §4.8 step 5.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// wait is one in-flight approval future: the channel its awaiter blocks
// on. The durable store.ApprovalRequest row is kept in the repo, not
// here.
type wait struct {
	resultCh chan bool
	once     sync.Once
}

func (w *wait) resolve(approved bool) {
	w.once.Do(func() { w.resultCh <- approved; close(w.resultCh) })
}

// Registry is the shared in-memory half of the approval flow: it
// broadcasts an approval_request event to a session's Gateway clients,
// then blocks the calling tool execution until a matching
// approval_response arrives or the timeout elapses (defaulting to
// denied).
type Registry struct {
	mu      sync.Mutex
	pending map[string]*wait
	repo    *store.ApprovalRepo
	pub     bus.EventPublisher
	timeout time.Duration
}

func NewRegistry(repo *store.ApprovalRepo, pub bus.EventPublisher, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Registry{
		pending: make(map[string]*wait),
		repo:    repo,
		pub:     pub,
		timeout: timeout,
	}
}

// Request creates a durable ApprovalRequest, broadcasts it to the
// session's clients, and blocks until resolved, denied by timeout, or
// ctx is cancelled (treated as denial — the caller is going away). Pass
// a timeout override of 0 to use the Registry's default (the Mind's
// wakeup cycle uses a shorter one per §4.8 step 5).
func (r *Registry) Request(ctx context.Context, sessionID, toolName, description string, params map[string]interface{}, timeoutOverride time.Duration) (bool, error) {
	id := uuid.NewString()

	if r.repo != nil {
		if err := r.repo.Create(ctx, &store.ApprovalRequest{
			ID: id, SessionID: sessionID, ToolName: toolName, Description: description, Params: params,
		}); err != nil {
			return false, fmt.Errorf("approval: create request: %w", err)
		}
	}

	w := &wait{resultCh: make(chan bool, 1)}
	r.mu.Lock()
	r.pending[id] = w
	r.mu.Unlock()

	if r.pub != nil {
		r.pub.BroadcastToSession(sessionID, bus.NewEvent(protocol.EventType(protocol.TypeApprovalRequest), sessionID, protocol.ApprovalRequestData{
			RequestID: id, ToolName: toolName, Description: description, Params: params,
		}), "")
	}

	timeout := r.timeout
	if timeoutOverride > 0 {
		timeout = timeoutOverride
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case approved := <-w.resultCh:
		r.finish(ctx, id, approved)
		return approved, nil
	case <-timer.C:
		r.finish(ctx, id, false)
		return false, nil
	case <-ctx.Done():
		r.finish(ctx, id, false)
		return false, ctx.Err()
	}
}

// Resolve matches an inbound approval_response's id to a pending wait
// and unblocks its awaiter. Returns false if no such request is pending
// (already resolved, timed out, or unknown id).
func (r *Registry) Resolve(id string, approved bool) bool {
	r.mu.Lock()
	w, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	w.resolve(approved)
	return true
}

func (r *Registry) finish(ctx context.Context, id string, approved bool) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
	if r.repo != nil {
		_ = r.repo.Resolve(ctx, id, approved)
	}
}

// Drain resolves every still-pending approval as denied, §4.5 "Shutdown
// ... resolves any pending approval futures as denied."
func (r *Registry) Drain(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	waits := make([]*wait, 0, len(r.pending))
	for id, w := range r.pending {
		ids = append(ids, id)
		waits = append(waits, w)
	}
	r.mu.Unlock()

	for i, w := range waits {
		w.resolve(false)
		if r.repo != nil {
			_ = r.repo.Resolve(ctx, ids[i], false)
		}
	}
}

// PendingCount reports the number of in-flight approvals, used by the
// Gateway's backpressure cap (§5).
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
