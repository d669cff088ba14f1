package channels

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/agent"
	"github.com/nextlevelbuilder/agentcore/internal/approval"
	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/internal/gateway"
	"github.com/nextlevelbuilder/agentcore/internal/llm"
	"github.com/nextlevelbuilder/agentcore/internal/sessions"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/internal/tools"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

const testSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	user_id TEXT NOT NULL,
	conversation_history TEXT NOT NULL DEFAULT '[]',
	summary TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	last_active TIMESTAMP NOT NULL,
	UNIQUE (channel, user_id)
);
CREATE TABLE IF NOT EXISTS approval_requests (
	id TEXT PRIMARY KEY,
	session_id TEXT,
	tool_name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	params TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP
);
`

type stubRouter struct{ content string }

func (r *stubRouter) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: r.content, FinishReason: "stop"}, nil
}
func (r *stubRouter) HealthCheck(ctx context.Context) error { return nil }

// startGatewayServer boots a real gateway.Server on an ephemeral
// localhost port and returns its ws:// address plus a shutdown func.
func startGatewayServer(t *testing.T, responseContent string) (addr string, shutdown func()) {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.OpenSQLite(ctx, dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s.ExecuteScript(ctx, testSchema); err != nil {
		t.Fatalf("ExecuteScript: %v", err)
	}

	sm := sessions.NewManager(store.NewSessionRepo(s), 20, "gpt-4")
	reg := tools.NewRegistry()
	exec := tools.NewExecutor(reg, tools.NewPolicyEngine(config.ToolsConfig{Mode: "full_auto"}))
	router := &stubRouter{content: responseContent}
	loop := agent.NewLoop(agent.LoopConfig{ID: "test-agent", Router: router, Model: "test-model", Sessions: sm, Tools: reg, Executor: exec})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := config.Defaults()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = port
	eventPub := bus.NewMemoryBus()
	approvalRepo := store.NewApprovalRepo(s)
	approvals := approval.NewRegistry(approvalRepo, eventPub, cfg.Gateway.ApprovalTimeout.Std())

	gw := gateway.NewServer(cfg, eventPub, loop, sm, reg, approvals)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		gw.Start(runCtx)
	}()

	waitForListener(t, "127.0.0.1:"+strconv.Itoa(port))

	return "ws://127.0.0.1:" + strconv.Itoa(port) + "/ws", func() {
		cancel()
		s.Close()
		<-done
	}
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("gateway did not start listening on %s", addr)
}

func TestSendChatRoundTripsThroughGateway(t *testing.T) {
	ctx := context.Background()
	addr, shutdown := startGatewayServer(t, "hello from the adapter test")
	defer shutdown()

	client, err := DialGateway(ctx, addr, "telegram", nil)
	if err != nil {
		t.Fatalf("DialGateway: %v", err)
	}
	defer client.Close()

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	frame, err := client.SendChat(reqCtx, "user-1", "hi", nil)
	if err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	if frame.Type != protocol.TypeResponse {
		t.Fatalf("frame type = %s, want response", frame.Type)
	}
	var data protocol.ResponseData
	if err := frame.DecodeData(&data); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if !strings.Contains(data.Content, "hello from the adapter test") {
		t.Errorf("content = %q", data.Content)
	}
	if !data.Done {
		t.Error("expected Done=true")
	}
}

func TestSendChatFailsAfterConnectionClosed(t *testing.T) {
	addr, shutdown := startGatewayServer(t, "unused")
	defer shutdown()

	client, err := DialGateway(context.Background(), addr, "telegram", nil)
	if err != nil {
		t.Fatalf("DialGateway: %v", err)
	}
	client.Close()
	time.Sleep(50 * time.Millisecond) // let readLoop observe the close

	reqCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.SendChat(reqCtx, "user-2", "hi", nil); err == nil {
		t.Error("expected SendChat to fail after Close")
	}
}
