// Package gateway implements the duplex wire-protocol server, §4.5.
// Grounded on vanducng-goclaw/internal/gateway/server.go's WebSocket
// upgrade/registry/broadcast shape, generalized from goclaw's HTTP+WS
// managed-mode surface (chat completions, agent CRUD, MCP/skills/trace
// handlers) down to this spec's single closed Frame alphabet.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentcore/internal/agent"
	"github.com/nextlevelbuilder/agentcore/internal/approval"
	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/internal/sessions"
	"github.com/nextlevelbuilder/agentcore/internal/tools"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// Server is the Gateway: a WebSocket hub routing Frames between clients
// and the Agent Loop, §4.5.
type Server struct {
	cfg      *config.Config
	eventPub bus.EventPublisher
	loop     *agent.Loop
	sessions *sessions.Manager
	tools    *tools.Registry
	router   *MethodRouter

	approvals *approval.Registry

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter

	mu      sync.RWMutex
	clients map[string]*Client

	sessionMu    sync.Mutex
	sessionLocks map[string]*sync.Mutex

	sessionCountMu sync.Mutex
	activeSessions map[string]bool

	httpServer *http.Server
}

// NewServer wires a Gateway around an Agent Loop, Session Manager, and
// EventPublisher. approvals is the shared §5 approval-futures table —
// the Goal Runner and Autonomous Mind broadcast through the same
// Registry instance so a client's approval_response resolves whichever
// subsystem raised the request, regardless of which one is awaiting it.
// Pass approval.NewRegistry(nil, eventPub, cfg.Gateway.ApprovalTimeout.Std())
// for ephemeral, in-memory-only approvals (acceptable for tests and
// single-process deployments without a durable approvals table).
func NewServer(cfg *config.Config, eventPub bus.EventPublisher, loop *agent.Loop, sm *sessions.Manager, toolsReg *tools.Registry, approvals *approval.Registry) *Server {
	s := &Server{
		cfg:            cfg,
		eventPub:       eventPub,
		loop:           loop,
		sessions:       sm,
		tools:          toolsReg,
		clients:        make(map[string]*Client),
		sessionLocks:   make(map[string]*sync.Mutex),
		activeSessions: make(map[string]bool),
		approvals:      approvals,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(cfg.Gateway.RateLimitRPM, 5)
	s.router = NewMethodRouter(s)
	return s
}

func (s *Server) Router() *MethodRouter { return s.router }

// Approvals exposes the shared approval registry so cmd/ wiring can
// pass the same instance to the Goal Runner and Autonomous Mind.
func (s *Server) Approvals() *approval.Registry { return s.approvals }

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway: origin rejected", "origin", origin)
	return false
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins serving and blocks until ctx is cancelled, draining
// connections and pending approvals on the way out, §4.5 "Shutdown".
func (s *Server) Start(ctx context.Context) error {
	mux := s.buildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("gateway server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpServer.Shutdown(shutdownCtx)
	s.approvals.Drain(shutdownCtx)
	s.closeAllClients()
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway: websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.eventPub.Subscribe(c.id, func(event bus.Event) {
		if strings.HasPrefix(event.Name, "internal.") {
			return
		}
		c.SendEvent(protocol.EventType(event.Name), event.Payload)
	})
	slog.Info("gateway: client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.eventPub.Unsubscribe(c.id)
	if c.Bound() {
		s.releaseSession(c.SessionID())
	}
	slog.Info("gateway: client disconnected", "id", c.id)
}

func (s *Server) closeAllClients() {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		c.Close()
	}
}

func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// bindClientSession marks sessionID as having at least one client
// bound to it; used only for bookkeeping parity with the bus's own
// BindSession if the configured EventPublisher supports it.
func (s *Server) bindClientSession(c *Client) {
	if binder, ok := s.eventPub.(interface{ BindSession(id, sessionID string) }); ok {
		binder.BindSession(c.id, c.SessionID())
	}
}

// lockSession returns an unlock func; the Gateway never processes two
// chat frames for the same session concurrently, §5 "Ordering guarantees".
func (s *Server) lockSession(sessionID string) func() {
	s.sessionMu.Lock()
	lock, ok := s.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.sessionLocks[sessionID] = lock
	}
	s.sessionMu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// admitSession enforces the soft concurrent-session cap, §5 "Backpressure".
func (s *Server) admitSession(sessionID string) bool {
	limit := s.cfg.Gateway.MaxConcurrentSess
	s.sessionCountMu.Lock()
	defer s.sessionCountMu.Unlock()
	if s.activeSessions[sessionID] {
		return true
	}
	if limit > 0 && len(s.activeSessions) >= limit {
		return false
	}
	s.activeSessions[sessionID] = true
	return true
}

func (s *Server) releaseSession(sessionID string) {
	s.sessionCountMu.Lock()
	defer s.sessionCountMu.Unlock()
	delete(s.activeSessions, sessionID)
}

// makeApprovalFunc adapts the approval registry into the tools.ApprovalFunc
// signature the Executor expects.
func (s *Server) makeApprovalFunc(sessionID string) tools.ApprovalFunc {
	return func(ctx context.Context, toolName string, params map[string]interface{}) (bool, error) {
		if !s.admitApproval() {
			return false, nil
		}
		defer s.releaseApproval()
		return s.approvals.Request(ctx, sessionID, toolName, fmt.Sprintf("tool %q requests approval", toolName), params, 0)
	}
}

func (s *Server) admitApproval() bool {
	limit := s.cfg.Gateway.MaxInFlightApprov
	if limit <= 0 {
		return true
	}
	return s.approvals.PendingCount() < limit
}

func (s *Server) releaseApproval() {}
