package approval

import (
	"context"
	"testing"
	"time"
)

func TestRegistryResolvesBeforeTimeout(t *testing.T) {
	reg := NewRegistry(nil, nil, time.Second)
	ctx := context.Background()

	resultCh := make(chan bool, 1)
	go func() {
		approved, err := reg.Request(ctx, "session-1", "shell_exec", "run a command", nil, 0)
		if err != nil {
			t.Errorf("Request: %v", err)
		}
		resultCh <- approved
	}()

	time.Sleep(20 * time.Millisecond)
	reg.mu.Lock()
	var id string
	for k := range reg.pending {
		id = k
	}
	reg.mu.Unlock()
	if id == "" {
		t.Fatal("expected a pending approval")
	}
	if !reg.Resolve(id, true) {
		t.Fatal("Resolve returned false for a known pending id")
	}

	select {
	case approved := <-resultCh:
		if !approved {
			t.Error("expected approved=true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for approval result")
	}
}

func TestRegistryDeniesOnTimeout(t *testing.T) {
	reg := NewRegistry(nil, nil, 30*time.Millisecond)
	ctx := context.Background()

	approved, err := reg.Request(ctx, "session-1", "shell_exec", "run a command", nil, 0)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if approved {
		t.Error("expected timeout to deny the request")
	}
}

func TestRegistryTimeoutOverrideWinsOverDefault(t *testing.T) {
	reg := NewRegistry(nil, nil, time.Minute)
	ctx := context.Background()

	start := time.Now()
	approved, err := reg.Request(ctx, "session-1", "shell_exec", "run a command", nil, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if approved {
		t.Error("expected timeout to deny the request")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Request took %v, want well under the 1-minute default (override should have applied)", elapsed)
	}
}

func TestRegistryDrainDeniesPending(t *testing.T) {
	reg := NewRegistry(nil, nil, time.Minute)
	ctx := context.Background()

	resultCh := make(chan bool, 1)
	go func() {
		approved, _ := reg.Request(ctx, "session-1", "shell_exec", "run a command", nil, 0)
		resultCh <- approved
	}()
	time.Sleep(20 * time.Millisecond)

	reg.Drain(ctx)

	select {
	case approved := <-resultCh:
		if approved {
			t.Error("expected drain to deny pending approvals")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drain to resolve the pending approval")
	}
}
