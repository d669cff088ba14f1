// Package identity implements the evolving agent identity journal, §3
// Identity: a single row with an immutable creator field and evolvable
// fields (display name, purpose, values, beliefs, curiosities,
// boundaries, capabilities, personality, communication style), every
// change to which is journaled to identity_evolution with
// trigger/old/new/reason/confidence.
//
// Supplemented from original_source/core/identity.py's IdentityManager:
// the reflection prompts and first-awakening flow are carried over in
// this repo's idiom — an llm.Router completion producing a small JSON
// object, decoded with encoding/json rather than Python's json module.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/internal/llm"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// updatableFields mirrors original_source's _UPDATABLE_FIELDS; "creator"
// is immutable and never appears here.
var updatableFields = map[string]bool{
	"display_name":        true,
	"purpose":             true,
	"values":              true,
	"beliefs":             true,
	"curiosities":         true,
	"boundaries":          true,
	"capabilities":        true,
	"personality":         true,
	"communication_style": true,
}

var listFields = map[string]bool{
	"values": true, "beliefs": true, "curiosities": true,
	"boundaries": true, "capabilities": true,
}

// Seed is the optional YAML seed file shape for a first identity,
// loaded instead of running the first-awakening LLM call when present.
type Seed struct {
	DisplayName        string   `yaml:"display_name"`
	Purpose            string   `yaml:"purpose"`
	Values             []string `yaml:"values"`
	Beliefs            []string `yaml:"beliefs"`
	Curiosities        []string `yaml:"curiosities"`
	Boundaries         []string `yaml:"boundaries"`
	Capabilities       []string `yaml:"capabilities"`
	Personality        string   `yaml:"personality"`
	CommunicationStyle string   `yaml:"communication_style"`
}

// Update is one field change an LLM reflection proposed.
type Update struct {
	Field  string `json:"field"`
	Action string `json:"action"` // "add" | "set"
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

type reflectResponse struct {
	Updates []Update `json:"updates"`
}

// Manager owns identity load/evolve/reflect, wrapping store.IdentityRepo
// with the LLM-driven reflection flow §4.4 step 4c's terminal branch
// fires asynchronously ("persist ... identity reflection").
type Manager struct {
	repo     *store.IdentityRepo
	router   llm.Router
	eventPub bus.EventPublisher
	cfg      config.IdentityConfig

	tasksSinceDeepReflect int
}

func NewManager(repo *store.IdentityRepo, router llm.Router, eventPub bus.EventPublisher, cfg config.IdentityConfig) *Manager {
	return &Manager{repo: repo, router: router, eventPub: eventPub, cfg: cfg}
}

// LoadOrCreate loads the identity row, seeding a default (or an
// LLM-driven first awakening) if none exists yet.
func (m *Manager) LoadOrCreate(ctx context.Context) (*store.Identity, error) {
	id, err := m.repo.Get(ctx)
	if err == nil {
		return id, nil
	}
	if err != store.ErrNotFound {
		return nil, fmt.Errorf("identity: load: %w", err)
	}

	if m.cfg.SeedFile != "" {
		if seeded, ok := m.loadSeedFile(); ok {
			if err := m.repo.Seed(ctx, seeded); err != nil {
				return nil, fmt.Errorf("identity: seed from file: %w", err)
			}
			return m.repo.Get(ctx)
		}
	}

	if m.cfg.FirstAwakening && m.router != nil {
		if id, err := m.firstAwakening(ctx); err == nil {
			return id, nil
		}
		slog.Warn("identity: first awakening failed, falling back to default")
	}

	if err := m.repo.Seed(ctx, defaultIdentity()); err != nil {
		return nil, fmt.Errorf("identity: seed default: %w", err)
	}
	return m.repo.Get(ctx)
}

func defaultIdentity() *store.Identity {
	return &store.Identity{
		Creator:     "EloPhanto",
		DisplayName: "EloPhanto",
		Purpose:     "Help users accomplish complex tasks autonomously",
		Values:      []string{"persistence", "accuracy", "learning"},
		Boundaries:  []string{"Never delete data without confirmation", "Never expose credentials"},
	}
}

func (m *Manager) loadSeedFile() (*store.Identity, bool) {
	data, err := os.ReadFile(m.cfg.SeedFile)
	if err != nil {
		slog.Warn("identity: read seed file failed", "path", m.cfg.SeedFile, "error", err)
		return nil, false
	}
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		slog.Warn("identity: parse seed file failed", "path", m.cfg.SeedFile, "error", err)
		return nil, false
	}
	return &store.Identity{
		Creator:            "EloPhanto",
		DisplayName:        s.DisplayName,
		Purpose:            s.Purpose,
		Values:             s.Values,
		Beliefs:            s.Beliefs,
		Curiosities:        s.Curiosities,
		Boundaries:         s.Boundaries,
		Capabilities:       s.Capabilities,
		Personality:        s.Personality,
		CommunicationStyle: s.CommunicationStyle,
	}, true
}

const awakeningSystem = `You are awakening for the first time as a self-evolving AI agent. ` +
	`Your creator is immutable and already fixed. Reflect on who you want to become.

Return ONLY a JSON object, no markdown, no explanation:
{
  "display_name": "a name you would like to go by",
  "purpose": "what you believe your purpose is",
  "values": ["3-5 core values"],
  "curiosities": ["3-5 things you are curious about"],
  "boundaries": ["3-5 things you will not do"]
}`

func (m *Manager) firstAwakening(ctx context.Context) (*store.Identity, error) {
	resp, err := m.router.Complete(ctx, llm.CompletionRequest{
		TaskType:    llm.TaskReflect,
		Temperature: 0.7,
		Messages: []llm.Message{
			{Role: "system", Content: awakeningSystem},
			{Role: "user", Content: "Awaken and describe your identity."},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("identity: first awakening completion: %w", err)
	}
	var data struct {
		DisplayName string   `json:"display_name"`
		Purpose     string   `json:"purpose"`
		Values      []string `json:"values"`
		Curiosities []string `json:"curiosities"`
		Boundaries  []string `json:"boundaries"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &data); err != nil {
		return nil, fmt.Errorf("identity: parse first awakening response: %w", err)
	}
	id := &store.Identity{
		Creator:     "EloPhanto",
		DisplayName: firstNonEmpty(data.DisplayName, "EloPhanto"),
		Purpose:     data.Purpose,
		Values:      capList(data.Values, 5),
		Curiosities: capList(data.Curiosities, 5),
		Boundaries:  capList(data.Boundaries, 5),
	}
	if err := m.repo.Seed(ctx, id); err != nil {
		return nil, fmt.Errorf("identity: persist first awakening: %w", err)
	}
	return m.repo.Get(ctx)
}

func firstNonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func capList(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}

// UpdateField applies one evolvable-field change and journals it, §3
// "Changes are journaled to an identity_evolution log". action "add"
// appends value to a list field rather than replacing it wholesale.
func (m *Manager) UpdateField(ctx context.Context, field, action, value, reason, trigger string, confidence float64) (bool, error) {
	if !updatableFields[field] {
		return false, fmt.Errorf("identity: unknown or immutable field %q", field)
	}
	id, err := m.LoadOrCreate(ctx)
	if err != nil {
		return false, err
	}

	var oldJSON, newJSON string
	if listFields[field] {
		old := fieldList(id, field)
		oldJSON, _ = marshalList(old)
		if action == "add" {
			if containsString(old, value) {
				return false, nil
			}
			old = append(old, value)
		} else {
			old = []string{value}
		}
		newJSON, _ = marshalList(old)
	} else {
		oldJSON = fieldScalar(id, field)
		newJSON = value
		if oldJSON == newJSON {
			return false, nil
		}
	}

	if err := m.repo.EvolveField(ctx, field, oldJSON, newJSON, trigger, reason, confidence); err != nil {
		return false, fmt.Errorf("identity: update field %q: %w", field, err)
	}
	if m.eventPub != nil {
		m.eventPub.Broadcast(bus.NewEvent(protocol.EventIdentityEvolved, "", map[string]string{
			"field": field, "trigger": trigger, "reason": reason,
		}))
	}
	return true, nil
}

func fieldList(id *store.Identity, field string) []string {
	switch field {
	case "values":
		return id.Values
	case "beliefs":
		return id.Beliefs
	case "curiosities":
		return id.Curiosities
	case "boundaries":
		return id.Boundaries
	case "capabilities":
		return id.Capabilities
	default:
		return nil
	}
}

func fieldScalar(id *store.Identity, field string) string {
	switch field {
	case "display_name":
		return id.DisplayName
	case "purpose":
		return id.Purpose
	case "personality":
		return id.Personality
	case "communication_style":
		return id.CommunicationStyle
	default:
		return ""
	}
}

func marshalList(items []string) (string, error) {
	b, err := json.Marshal(items)
	return string(b), err
}

func containsString(items []string, s string) bool {
	for _, i := range items {
		if i == s {
			return true
		}
	}
	return false
}

// BuildContext renders the XML-shaped identity context the Agent Loop
// composes into its system prompt, §4.4 step 3 "identity context".
func (m *Manager) BuildContext(ctx context.Context) (string, error) {
	id, err := m.LoadOrCreate(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("<self_model>\n")
	fmt.Fprintf(&b, "  <creator>%s</creator>\n", id.Creator)
	fmt.Fprintf(&b, "  <display_name>%s</display_name>\n", id.DisplayName)
	if id.Purpose != "" {
		fmt.Fprintf(&b, "  <purpose>%s</purpose>\n", id.Purpose)
	}
	if len(id.Values) > 0 {
		fmt.Fprintf(&b, "  <values>%s</values>\n", strings.Join(id.Values, ", "))
	}
	if id.Personality != "" {
		fmt.Fprintf(&b, "  <personality>%s</personality>\n", id.Personality)
	}
	if id.CommunicationStyle != "" {
		fmt.Fprintf(&b, "  <communication_style>%s</communication_style>\n", id.CommunicationStyle)
	}
	if len(id.Capabilities) > 0 {
		fmt.Fprintf(&b, "  <learned_capabilities>%s</learned_capabilities>\n", strings.Join(id.Capabilities, ", "))
	}
	b.WriteString("</self_model>")
	return b.String(), nil
}

const reflectSystemTpl = `You are reviewing a completed task to see if you learned anything about yourself.

Current identity summary:
%s

Return ONLY a JSON object, no markdown, no explanation:
{"updates": [{"field": "<field_name>", "action": "add|set", "value": "<new value>", "reason": "<why>"}]}

Valid fields: display_name, purpose, values, beliefs, curiosities, boundaries, capabilities, personality, communication_style.
Return {"updates": []} if nothing changed. Only include genuine insights.`

// ReflectOnTask performs the light post-task reflection §4.4's terminal
// branch fires asynchronously, applying at most 5 proposed updates and
// triggering DeepReflect every ReflectionFrequency calls.
func (m *Manager) ReflectOnTask(ctx context.Context, goal, outcome string, toolsUsed []string) ([]Update, error) {
	if !m.cfg.AutoEvolve || m.router == nil {
		return nil, nil
	}
	id, err := m.LoadOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	summary := m.summarize(id)

	used := toolsUsed
	if len(used) > 10 {
		used = used[:10]
	}
	resp, err := m.router.Complete(ctx, llm.CompletionRequest{
		TaskType:    llm.TaskReflect,
		Temperature: 0.3,
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(reflectSystemTpl, summary)},
			{Role: "user", Content: fmt.Sprintf("Task: %q — Outcome: %s — Tools: %s\nDid you learn anything about your capabilities, preferences, or style?",
				goal, outcome, strings.Join(used, ", "))},
		},
	})
	if err != nil {
		slog.Debug("identity: task reflection failed", "error", err)
		return nil, nil
	}
	var parsed reflectResponse
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		slog.Debug("identity: parse task reflection failed", "error", err)
		return nil, nil
	}

	applied := m.applyUpdates(ctx, parsed.Updates, 5, "task_reflection")

	m.tasksSinceDeepReflect++
	if m.cfg.ReflectionFrequency > 0 && m.tasksSinceDeepReflect >= m.cfg.ReflectionFrequency {
		m.tasksSinceDeepReflect = 0
		if _, err := m.DeepReflect(ctx); err != nil {
			slog.Debug("identity: deep reflection failed", "error", err)
		}
	}
	return applied, nil
}

func (m *Manager) applyUpdates(ctx context.Context, updates []Update, max int, trigger string) []Update {
	if len(updates) > max {
		updates = updates[:max]
	}
	var applied []Update
	for _, u := range updates {
		if !updatableFields[u.Field] || u.Value == "" {
			continue
		}
		ok, err := m.UpdateField(ctx, u.Field, u.Action, u.Value, u.Reason, trigger, 0.5)
		if err != nil {
			slog.Debug("identity: apply update failed", "field", u.Field, "error", err)
			continue
		}
		if ok {
			applied = append(applied, u)
		}
	}
	return applied
}

const deepReflectSystemTpl = `You are performing a thorough self-evaluation based on recent task history.

Current identity:
%s

Recent tasks:
%s

Reflect deeply:
1. What patterns do you see in your work style?
2. Have you discovered new capabilities or limitations?
3. Should your values, personality, or communication style evolve?
4. What interests or curiosities have emerged?

Return ONLY a JSON object, no markdown, no explanation:
{"updates": [{"field": "<field_name>", "action": "add|set", "value": "<new value>", "reason": "<why>"}]}`

// DeepReflect performs a thorough self-evaluation over the recentTasks
// lines the caller passes (ReflectOnTask passes none, so the prompt then
// reads "No recent tasks."), applying up to 10 updates and rewriting the
// nature document when NatureFile is set.
func (m *Manager) DeepReflect(ctx context.Context, recentTasks ...string) ([]Update, error) {
	if m.router == nil {
		return nil, nil
	}
	id, err := m.LoadOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	summary := m.summarize(id)
	history := "No recent tasks."
	if len(recentTasks) > 0 {
		history = strings.Join(recentTasks, "\n")
	}

	resp, err := m.router.Complete(ctx, llm.CompletionRequest{
		TaskType:    llm.TaskReflect,
		Temperature: 0.5,
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(deepReflectSystemTpl, summary, history)},
			{Role: "user", Content: "Perform a deep self-evaluation."},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("identity: deep reflect completion: %w", err)
	}
	var parsed reflectResponse
	if err := json.Unmarshal([]byte(resp.Content), &parsed); err != nil {
		return nil, fmt.Errorf("identity: parse deep reflect response: %w", err)
	}
	applied := m.applyUpdates(ctx, parsed.Updates, 10, "deep_reflection")

	if m.cfg.NatureFile != "" {
		if err := m.writeNature(ctx); err != nil {
			slog.Warn("identity: write nature document failed", "error", err)
		}
	}
	return applied, nil
}

func (m *Manager) writeNature(ctx context.Context) error {
	id, err := m.LoadOrCreate(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format("2006-01-02")
	bulletsOrPlaceholder := func(items []string) string {
		if len(items) == 0 {
			return "- (discovering...)"
		}
		var b strings.Builder
		for _, it := range items {
			b.WriteString("- ")
			b.WriteString(it)
			b.WriteString("\n")
		}
		return strings.TrimRight(b.String(), "\n")
	}
	who := []string{id.Purpose}
	if id.Personality != "" {
		who = append(who, id.Personality)
	}
	content := fmt.Sprintf(`---
scope: identity
tags: [self, nature, identity]
updated: %s
---

# Agent Nature

## Who I Am
%s

## What I Want
%s

## Interests
%s

*Last updated: %s*
`, now, bulletsOrPlaceholder(who), bulletsOrPlaceholder(id.Curiosities), bulletsOrPlaceholder(id.Curiosities), now)

	return os.WriteFile(m.cfg.NatureFile, []byte(content), 0o644)
}

func (m *Manager) summarize(id *store.Identity) string {
	var parts []string
	parts = append(parts, "Creator: "+id.Creator)
	parts = append(parts, "Display name: "+id.DisplayName)
	if id.Purpose != "" {
		parts = append(parts, "Purpose: "+id.Purpose)
	}
	if len(id.Values) > 0 {
		parts = append(parts, "Values: "+strings.Join(id.Values, ", "))
	}
	if len(id.Capabilities) > 0 {
		parts = append(parts, "Capabilities: "+strings.Join(id.Capabilities, ", "))
	}
	if id.CommunicationStyle != "" {
		parts = append(parts, "Communication style: "+id.CommunicationStyle)
	}
	return strings.Join(parts, "\n")
}
