// Package config loads and hot-reloads the gateway's JSON configuration,
// adapted from vanducng-goclaw/internal/config/config.go. Secrets (DSNs,
// API keys) are sourced from environment variables only and never
// round-trip through the JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Config is the root configuration for the agentcore gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Sessions  SessionsConfig  `json:"sessions"`
	Tools     ToolsConfig     `json:"tools"`
	Agent     AgentConfig     `json:"agent,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Goal      GoalConfig      `json:"goal,omitempty"`
	Mind      MindConfig      `json:"mind,omitempty"`
	Swarm     SwarmConfig     `json:"swarm,omitempty"`
	Identity  IdentityConfig  `json:"identity,omitempty"`
	Knowledge KnowledgeConfig `json:"knowledge,omitempty"`
	Mailwatch MailwatchConfig `json:"mailwatch,omitempty"`
	Channels  ChannelsConfig  `json:"channels,omitempty"`

	mu sync.RWMutex
}

// DatabaseConfig selects and configures the durable Store backend.
// PostgresDSN is never read from the JSON file — only from env
// AGENTCORE_POSTGRES_DSN — matching teacher's DatabaseConfig convention.
type DatabaseConfig struct {
	Driver      string `json:"driver"` // "sqlite" (default, standalone) or "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"`
	VectorDims  int    `json:"vector_dims,omitempty"` // 0 = vector sidecar disabled
}

// GatewayConfig configures the WebSocket/HTTP gateway server.
type GatewayConfig struct {
	Host              string   `json:"host"`
	Port              int      `json:"port"`
	Token             string   `json:"-"` // from env AGENTCORE_GATEWAY_TOKEN
	AllowedOrigins    []string `json:"allowed_origins,omitempty"`
	RateLimitRPM      int      `json:"rate_limit_rpm,omitempty"`
	MaxConcurrentSess int      `json:"max_concurrent_sessions,omitempty"` // soft cap, §5 backpressure
	MaxInFlightApprov int      `json:"max_inflight_approvals,omitempty"`
	ApprovalTimeout   Duration `json:"approval_timeout,omitempty"` // default 5m, §4.5 T_app

	// RedisAddr selects the cross-process event bus when set (multiple
	// Gateway processes behind a load balancer); empty means the
	// single-process in-memory bus. RedisChannel defaults to
	// "agentcore:events" when unset.
	RedisAddr    string `json:"redis_addr,omitempty"`
	RedisChannel string `json:"redis_channel,omitempty"`
}

// SessionsConfig configures the Session Manager.
type SessionsConfig struct {
	HistoryLimit int      `json:"history_limit"` // H, default 20
	StaleAfter   Duration `json:"stale_after"`   // T_stale, default 24h
	StorageDir   string   `json:"storage_dir,omitempty"`
}

// ToolsConfig holds global tool-execution policy.
type ToolsConfig struct {
	Mode       string            `json:"mode"` // "ask" (default), "smart_auto", "full_auto"
	Disabled   []string          `json:"disabled,omitempty"`
	Override   map[string]string `json:"override,omitempty"` // tool name -> "auto"|"ask"
	MCPServers []MCPServerConfig `json:"mcp_servers,omitempty"`
}

// MCPServerConfig describes one remote MCP server whose tools get bridged
// into the local Tool Registry at startup.
type MCPServerConfig struct {
	Name       string            `json:"name"`
	Transport  string            `json:"transport"` // "stdio" or "streamable-http"
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"`
}

// AgentConfig tunes the Agent Loop's stagnation gates, §4.4 step 4a.
type AgentConfig struct {
	WallClockLimit        Duration `json:"wall_clock_limit,omitempty"`        // 0 = no gate
	ConsecutiveErrorLimit int      `json:"consecutive_error_limit,omitempty"` // E_err, default 5
	SameToolWindow        int      `json:"same_tool_window,omitempty"`        // W, default 8
	StepCap               int      `json:"step_cap,omitempty"`                // default 500
	DatasetPath           string   `json:"dataset_path,omitempty"`            // supplemented training-data export, empty = disabled
}

// SchedulerConfig configures the cron/one-shot scheduler.
type SchedulerConfig struct {
	PollInterval Duration `json:"poll_interval,omitempty"` // default 30s
}

// GoalConfig configures default Goal Manager/Runner budgets.
type GoalConfig struct {
	MaxCheckpoints        int      `json:"max_checkpoints"`         // default 15
	MaxCheckpointAttempts int      `json:"max_checkpoint_attempts"` // default 3
	MaxLLMCalls           int      `json:"max_llm_calls"`           // default 200
	MaxCostUSD            float64  `json:"max_cost_usd"`            // default 5.00
	CheckpointTimeout     Duration `json:"checkpoint_timeout"`      // default 10m
	AutoContinueOnStart   bool     `json:"auto_continue_on_start"`
}

// MindConfig configures the Autonomous Mind's budget and cadence.
type MindConfig struct {
	WakeupInterval      Duration `json:"wakeup_interval"`        // default 5m
	WarmupInterval      Duration `json:"warmup_interval"`        // default 30s
	MaxBackoffInterval  Duration `json:"max_backoff_interval"`   // default 30m
	DailyBudgetFraction float64  `json:"daily_budget_fraction"`  // fraction of overall daily cap, default 0.10
	DailyCostCapUSD     float64  `json:"daily_cost_cap_usd"`     // default 1.00
	CycleWallClockLimit Duration `json:"cycle_wall_clock_limit"` // default 300s
}

// SwarmConfig configures the external coding-agent supervisor.
type SwarmConfig struct {
	MaxConcurrentAgents int            `json:"max_concurrent_agents"` // default 3
	MonitorInterval     Duration       `json:"monitor_interval"`      // default 30s
	WorktreeRoot        string         `json:"worktree_root,omitempty"`
	CleanupOnSuccess    bool           `json:"cleanup_on_success"`
	Profiles            []SwarmProfile `json:"profiles,omitempty"`
}

// SwarmProfile declares one kind of external coding agent the Swarm
// Manager can launch, §4.9 "A profile declares command, args, env,
// strengths, max_time_seconds, done_criteria".
type SwarmProfile struct {
	Name           string   `json:"name"`
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	Env            []string `json:"env,omitempty"`
	Strengths      []string `json:"strengths,omitempty"`
	MaxTimeSeconds int      `json:"max_time_seconds"` // per-profile wall-clock timeout
	DoneCriteria   string   `json:"done_criteria"`    // "pr_created" | "ci_passed"
}

// IdentityConfig tunes the identity evolution journal, supplemented from
// original_source/core/identity.py's IdentityConfig.
type IdentityConfig struct {
	FirstAwakening      bool   `json:"first_awakening"`       // run the LLM-powered first-run discovery
	AutoEvolve          bool   `json:"auto_evolve"`           // reflect after each completed task
	ReflectionFrequency int    `json:"reflection_frequency"`  // deep-reflect every N light reflections
	NatureFile          string `json:"nature_file,omitempty"` // where the nature.md document is written
	SeedFile            string `json:"seed_file,omitempty"`   // optional YAML seed for a first identity
}

// KnowledgeConfig tunes the markdown knowledge indexer, supplemented
// from original_source/core/indexer.py's KnowledgeIndexer constructor.
type KnowledgeConfig struct {
	Dir            string `json:"dir,omitempty"`             // knowledge_dir, markdown tree to index
	MaxTokens      int    `json:"max_tokens,omitempty"`      // default 1000
	MinTokens      int    `json:"min_tokens,omitempty"`      // default 50, merge-with-next threshold
	VectorSidecar  string `json:"vector_sidecar,omitempty"`  // chromem-go db path, empty = keyword-only
	EmbeddingModel string `json:"embedding_model,omitempty"` // default "nomic-embed-text"
}

// MailwatchConfig tunes the Email Monitor background activity,
// supplemented from original_source/core/email_monitor.py.
type MailwatchConfig struct {
	Enabled        bool     `json:"enabled"`
	PollInterval   Duration `json:"poll_interval,omitempty"` // default 5m
	SeenIDsPath    string   `json:"seen_ids_path,omitempty"` // default "sessions-seen-emails.json", §6
	PersistSeenIDs bool     `json:"persist_seen_ids"`
	UnreadOnly     bool     `json:"unread_only"`
	PollLimit      int      `json:"poll_limit,omitempty"` // default 50
}

// ChannelsConfig toggles Discord/Telegram adapters (external collaborators).
type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type DiscordConfig struct {
	Enabled        bool     `json:"enabled"`
	Token          string   `json:"-"`                      // env AGENTCORE_DISCORD_TOKEN
	GatewayAddr    string   `json:"gateway_addr,omitempty"` // ws://host:port/ws, default ws://localhost:8080/ws
	RequireMention bool     `json:"require_mention"`        // default true, gate group replies on @mention
	AllowFrom      []string `json:"allow_from,omitempty"`
}

type TelegramConfig struct {
	Enabled        bool     `json:"enabled"`
	Token          string   `json:"-"` // env AGENTCORE_TELEGRAM_TOKEN
	GatewayAddr    string   `json:"gateway_addr,omitempty"`
	RequireMention bool     `json:"require_mention"`
	AllowFrom      []string `json:"allow_from,omitempty"`
}

// Duration wraps time.Duration so config.json can hold human-readable
// strings ("30s", "24h") instead of raw nanosecond integers.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("config: duration must be a string or integer nanoseconds: %w", err)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Defaults returns a Config pre-populated with the values spec.md names
// explicitly (H=20, T_stale=24h, T_app=5m, E_err=5, W=8, step cap=500).
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:              "0.0.0.0",
			Port:              8420,
			MaxConcurrentSess: 500,
			MaxInFlightApprov: 200,
			ApprovalTimeout:   Duration(5 * time.Minute),
		},
		Database: DatabaseConfig{
			Driver:     "sqlite",
			SQLitePath: "agentcore.db",
		},
		Sessions: SessionsConfig{
			HistoryLimit: 20,
			StaleAfter:   Duration(24 * time.Hour),
		},
		Tools: ToolsConfig{
			Mode: "ask",
		},
		Agent: AgentConfig{
			ConsecutiveErrorLimit: 5,
			SameToolWindow:        8,
			StepCap:               500,
		},
		Scheduler: SchedulerConfig{
			PollInterval: Duration(30 * time.Second),
		},
		Goal: GoalConfig{
			MaxCheckpoints:        15,
			MaxCheckpointAttempts: 3,
			MaxLLMCalls:           200,
			MaxCostUSD:            5.00,
			CheckpointTimeout:     Duration(10 * time.Minute),
		},
		Mind: MindConfig{
			WakeupInterval:      Duration(5 * time.Minute),
			WarmupInterval:      Duration(30 * time.Second),
			MaxBackoffInterval:  Duration(30 * time.Minute),
			DailyBudgetFraction: 0.10,
			DailyCostCapUSD:     1.00,
			CycleWallClockLimit: Duration(300 * time.Second),
		},
		Swarm: SwarmConfig{
			MaxConcurrentAgents: 3,
			MonitorInterval:     Duration(30 * time.Second),
			CleanupOnSuccess:    true,
		},
		Identity: IdentityConfig{
			FirstAwakening:      true,
			AutoEvolve:          true,
			ReflectionFrequency: 10,
			NatureFile:          "nature.md",
		},
		Knowledge: KnowledgeConfig{
			Dir:            "knowledge",
			MaxTokens:      1000,
			MinTokens:      50,
			EmbeddingModel: "nomic-embed-text",
		},
		Mailwatch: MailwatchConfig{
			PollInterval:   Duration(5 * time.Minute),
			SeenIDsPath:    "sessions-seen-emails.json",
			PersistSeenIDs: true,
			UnreadOnly:     true,
			PollLimit:      50,
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				GatewayAddr:    "ws://localhost:8080/ws",
				RequireMention: true,
			},
			Telegram: TelegramConfig{
				GatewayAddr:    "ws://localhost:8080/ws",
				RequireMention: true,
			},
		},
	}
}

// Snapshot returns a deep-enough copy of c for readers that should not
// observe in-progress hot-reload mutation (the mutex itself is never
// copied meaningfully since Config is usually handled via pointer).
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}

func (c *Config) replace(next *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway, c.Database, c.Sessions, c.Tools = next.Gateway, next.Database, next.Sessions, next.Tools
	c.Agent, c.Scheduler, c.Goal, c.Mind = next.Agent, next.Scheduler, next.Goal, next.Mind
	c.Swarm, c.Identity, c.Knowledge = next.Swarm, next.Identity, next.Knowledge
	c.Mailwatch, c.Channels = next.Mailwatch, next.Channels
}

func applyEnvSecrets(c *Config) {
	if v := os.Getenv("AGENTCORE_POSTGRES_DSN"); v != "" {
		c.Database.PostgresDSN = v
		c.Database.Driver = "postgres"
	}
	if v := os.Getenv("AGENTCORE_GATEWAY_TOKEN"); v != "" {
		c.Gateway.Token = v
	}
	if v := os.Getenv("AGENTCORE_DISCORD_TOKEN"); v != "" {
		c.Channels.Discord.Token = v
	}
	if v := os.Getenv("AGENTCORE_TELEGRAM_TOKEN"); v != "" {
		c.Channels.Telegram.Token = v
	}
}
