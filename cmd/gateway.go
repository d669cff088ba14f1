package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"

	"github.com/nextlevelbuilder/agentcore/internal/agent"
	"github.com/nextlevelbuilder/agentcore/internal/approval"
	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/channels/discord"
	"github.com/nextlevelbuilder/agentcore/internal/channels/telegram"
	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/internal/gateway"
	"github.com/nextlevelbuilder/agentcore/internal/goal"
	"github.com/nextlevelbuilder/agentcore/internal/identity"
	"github.com/nextlevelbuilder/agentcore/internal/knowledge"
	"github.com/nextlevelbuilder/agentcore/internal/mind"
	"github.com/nextlevelbuilder/agentcore/internal/scheduler"
	"github.com/nextlevelbuilder/agentcore/internal/sessions"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/internal/swarm"
	"github.com/nextlevelbuilder/agentcore/internal/tools"
)

// runGateway wires every subsystem this module implements and blocks
// serving the Gateway until interrupted. Grounded on
// vanducng-goclaw/cmd/gateway.go's runGateway, pared down to the
// subsystems this repo actually builds — no sandbox, subagent pools,
// skills-directory watcher, Tailscale, or managed/standalone Postgres
// dual-mode switching. Configured MCP servers are connected through
// connectMCPServers (cmd/mcp.go).
func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	shutdownTracing := setupTracing()
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := store.Migrate("migrations", cfg.Database.Driver, storeDSN(cfg)); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Hot-reload the config file in place so Gateway/Tools/Mind readers
	// of cfg observe edits without a restart.
	watcher, err := config.NewWatcher(cfgPath, cfg)
	if err != nil {
		slog.Warn("config hot-reload disabled", "error", err)
	} else {
		go watcher.Run(ctx)
	}

	sessionRepo := store.NewSessionRepo(db)
	goalRepo := store.NewGoalRepo(db)
	scheduleRepo := store.NewScheduleRepo(db)
	swarmRepo := store.NewSwarmRepo(db)
	identityRepo := store.NewIdentityRepo(db)
	approvalRepo := store.NewApprovalRepo(db)
	memoryRepo := store.NewMemoryRepo(db)
	knowledgeRepo := store.NewKnowledgeRepo(db)
	mindRepo := store.NewMindRepo(db)

	defaultModel := os.Getenv("AGENTCORE_LLM_MODEL")
	sm := sessions.NewManager(sessionRepo, cfg.Sessions.HistoryLimit, defaultModel)
	eventPub := newEventBus(ctx, cfg)

	toolsReg := tools.NewRegistry()
	toolsReg.Register(tools.NewSessionStatusTool(sm))
	toolsReg.Register(tools.NewSessionsHistoryTool(sm))
	toolsReg.Register(tools.NewMemorySearchTool(memoryRepo))
	toolsReg.Register(tools.NewKnowledgeSearchTool(db, knowledgeRepo))
	connectMCPServers(ctx, cfg, toolsReg)

	policy := tools.NewPolicyEngine(cfg.Tools)
	executor := tools.NewExecutor(toolsReg, policy)

	router := newRouter()

	// One Approval Registry instance is shared by the Gateway, the Goal
	// Runner, and the Autonomous Mind so every approval request (however
	// it originates) routes through the same pending-approval table and
	// broadcasts on the same event bus, per internal/gateway.NewServer's
	// own doc comment.
	approvals := approval.NewRegistry(approvalRepo, eventPub, cfg.Gateway.ApprovalTimeout.Std())

	identityMgr := identity.NewManager(identityRepo, router, eventPub, cfg.Identity)
	if _, err := identityMgr.LoadOrCreate(ctx); err != nil {
		slog.Error("identity: load or create failed", "error", err)
	}

	loop := agent.NewLoop(agent.LoopConfig{
		ID:                    "primary",
		Router:                router,
		Model:                 defaultModel,
		Sessions:              sm,
		Tools:                 toolsReg,
		Executor:              executor,
		Knowledge:             knowledgeRepo,
		Memory:                memoryRepo,
		Identity:              identityRepo,
		Goals:                 goalRepo,
		Reflector:             identityMgr,
		DatasetPath:           cfg.Agent.DatasetPath,
		EventPub:              eventPub,
		WallClockLimit:        cfg.Agent.WallClockLimit.Std(),
		ConsecutiveErrorLimit: cfg.Agent.ConsecutiveErrorLimit,
		SameToolWindow:        cfg.Agent.SameToolWindow,
		StepCap:               cfg.Agent.StepCap,
	})

	gw := gateway.NewServer(cfg, eventPub, loop, sm, toolsReg, approvals)

	sched := scheduler.NewScheduler(scheduleRepo, sm, schedulerExecutor(loop), eventPub, cfg.Scheduler.PollInterval.Std())

	goalMgr := goal.NewManager(goalRepo, router, defaultModel, cfg.Goal)
	goalRunner := goal.NewRunner(goalMgr, loop, sm, eventPub, approvals, cfg.Goal)
	goalRunner.AutoContinue(ctx)

	autoMind := mind.New(mind.Config{
		Loop:      loop,
		Sessions:  sm,
		Scratch:   mindRepo,
		Goals:     goalRepo,
		EventPub:  eventPub,
		Approvals: approvals,
		Settings:  cfg.Mind,
	})

	var knowledgeVec *store.VectorSidecar
	indexer := knowledge.NewIndexer(knowledgeRepo, knowledgeVec, cfg.Knowledge.Dir, cfg.Knowledge.MaxTokens, cfg.Knowledge.MinTokens)
	if cfg.Knowledge.Dir != "" {
		if _, err := os.Stat(cfg.Knowledge.Dir); err == nil {
			if res, err := indexer.IndexAll(ctx); err != nil {
				slog.Warn("knowledge: initial index failed", "error", err)
			} else {
				slog.Info("knowledge: indexed", "files", res.FilesIndexed, "chunks", res.ChunksCreated)
			}
		}
	}

	swarmMgr := swarm.NewManager(swarmRepo, knowledgeRepo, swarm.NewTmuxProcessHost(), swarm.NewGitVCS(), swarm.NewGHPRPlatform(), eventPub, cfg.Swarm, repoRootOrCwd())
	swarmMonitor := swarm.NewMonitor(swarmMgr, cfg.Swarm.MonitorInterval.Std())

	registerCommands(gw, goalMgr, goalRunner, sched, swarmMgr, identityMgr, autoMind)

	var stoppers []func(context.Context) error

	if cfg.Channels.Discord.Enabled {
		d, err := discord.New(cfg.Channels.Discord, cfg.Channels.Discord.GatewayAddr)
		if err != nil {
			slog.Error("discord: setup failed", "error", err)
		} else if err := d.Start(ctx); err != nil {
			slog.Error("discord: start failed", "error", err)
		} else {
			stoppers = append(stoppers, d.Stop)
		}
	}
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.New(cfg.Channels.Telegram, cfg.Channels.Telegram.GatewayAddr)
		if err != nil {
			slog.Error("telegram: setup failed", "error", err)
		} else if err := tg.Start(ctx); err != nil {
			slog.Error("telegram: start failed", "error", err)
		} else {
			stoppers = append(stoppers, tg.Stop)
		}
	}

	if cfg.Mailwatch.Enabled {
		slog.Warn("mailwatch: enabled in config but no EmailLister is wired in this deployment; skipping")
	}

	autoMind.Start(ctx)
	swarmMonitor.Start(ctx)
	go func() {
		if err := sched.Run(ctx); err != nil {
			slog.Error("scheduler: run loop exited", "error", err)
		}
	}()

	slog.Info("agentcore starting", "host", cfg.Gateway.Host, "port", cfg.Gateway.Port)
	if err := gw.Start(ctx); err != nil {
		slog.Error("gateway: stopped", "error", err)
	}

	autoMind.Stop()
	swarmMonitor.Stop()
	for _, stopFn := range stoppers {
		shCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ApprovalTimeout.Std())
		_ = stopFn(shCtx)
		cancel()
	}
	slog.Info("agentcore stopped")
}

// schedulerExecutor adapts the Agent Loop to scheduler.Executor's
// narrower function type, the same one-line bridge mailwatch and the
// Goal Runner each need over the Loop's richer RunRequest.
func schedulerExecutor(loop *agent.Loop) scheduler.Executor {
	return func(ctx context.Context, sessionID, taskGoal, runID string) (*agent.RunResult, error) {
		return loop.Run(ctx, agent.RunRequest{
			SessionID: sessionID,
			Channel:   "scheduler",
			UserID:    "scheduler",
			Goal:      taskGoal,
			RunID:     runID,
		})
	}
}

// registerCommands exposes the background subsystems as slash commands
// over the Gateway's existing command frame, mirroring
// vanducng-goclaw/internal/gateway/method_router.go's "status"/
// "sessions" built-ins generalized to this module's subsystems.
func registerCommands(gw *gateway.Server, goalMgr *goal.Manager, goalRunner *goal.Runner, sched *scheduler.Scheduler, swarmMgr *swarm.Manager, identityMgr *identity.Manager, autoMind *mind.Mind) {
	r := gw.Router()

	r.RegisterCommand("mind_wake", func(ctx context.Context, c *gateway.Client, args []string) (string, error) {
		autoMind.Wake()
		return "mind woken", nil
	})
	r.RegisterCommand("mind_pause", func(ctx context.Context, c *gateway.Client, args []string) (string, error) {
		autoMind.Pause()
		return "mind paused", nil
	})
	r.RegisterCommand("mind_resume", func(ctx context.Context, c *gateway.Client, args []string) (string, error) {
		autoMind.Resume()
		return "mind resumed", nil
	})
	r.RegisterCommand("schedules", func(ctx context.Context, c *gateway.Client, args []string) (string, error) {
		tasks, err := sched.List(ctx)
		if err != nil {
			return "", err
		}
		return formatScheduleList(tasks), nil
	})
	r.RegisterCommand("goal_pause", func(ctx context.Context, c *gateway.Client, args []string) (string, error) {
		goalRunner.Pause()
		return "goal runner paused", nil
	})
}

// newEventBus selects the cross-process Redis-backed bus when
// cfg.Gateway.RedisAddr is set (multiple Gateway processes sharing a
// Postgres store behind a load balancer), falling back to the
// single-process in-memory bus otherwise.
func newEventBus(ctx context.Context, cfg *config.Config) bus.EventPublisher {
	if cfg.Gateway.RedisAddr == "" {
		return bus.NewMemoryBus()
	}
	channel := cfg.Gateway.RedisChannel
	if channel == "" {
		channel = "agentcore:events"
	}
	rb, err := bus.NewRedisBus(ctx, cfg.Gateway.RedisAddr, channel)
	if err != nil {
		slog.Error("bus: redis connect failed, falling back to in-memory bus", "error", err)
		return bus.NewMemoryBus()
	}
	return rb
}

func repoRootOrCwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.Driver == "postgres" {
		return store.OpenPostgres(ctx, cfg.Database.PostgresDSN)
	}
	path := cfg.Database.SQLitePath
	if path == "" {
		path = "agentcore.db"
	}
	return store.OpenSQLite(ctx, path)
}

func storeDSN(cfg *config.Config) string {
	if cfg.Database.Driver == "postgres" {
		return cfg.Database.PostgresDSN
	}
	path := cfg.Database.SQLitePath
	if path == "" {
		path = "agentcore.db"
	}
	return path
}

// setupTracing registers a real otel SDK TracerProvider so the Agent
// Loop's trace.Tracer spans (internal/agent/loop.go) go somewhere,
// matching the stdouttrace exporter already in go.mod. Returns a
// shutdown func to flush on exit.
func setupTracing() func() {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		slog.Warn("tracing: stdout exporter setup failed", "error", err)
		return func() {}
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		shCtx, cancel := context.WithTimeout(context.Background(), defaultTracingFlushTimeout)
		defer cancel()
		if err := tp.Shutdown(shCtx); err != nil {
			slog.Warn("tracing: shutdown failed", "error", err)
		}
	}
}

func init() {
	rootCmd.AddCommand(gatewayCmd())
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the agent gateway server",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}
