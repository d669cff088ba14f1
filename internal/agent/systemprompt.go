package agent

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// SystemPromptConfig carries every ingredient §4.4 step 3 lists for
// system-prompt composition. Grounded on
// vanducng-goclaw/internal/agent/loop_history.go's buildMessages, which
// assembles an equivalent prompt from tool names, skills summary,
// context files, and an extra-prompt string — generalized here to the
// spec's policy/knowledge/skills/goal/identity/current-goal ordering.
type SystemPromptConfig struct {
	ToolNames []string
	Knowledge []string
	Memory    []string
	Skills    []string
	Goal      *store.Goal
	Identity  *store.Identity
	TaskGoal  string
}

// BuildSystemPrompt composes the single system message that opens every
// Agent Loop run, in the order spec.md §4.4 step 3 names: policy/tool-
// use instructions, knowledge context, skills, goal context, identity
// context, current goal.
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var b strings.Builder

	b.WriteString(policyPreamble(cfg.ToolNames))

	if len(cfg.Knowledge) > 0 {
		b.WriteString("\n\n## Knowledge context\n")
		for _, k := range cfg.Knowledge {
			fmt.Fprintf(&b, "- %s\n", k)
		}
	}
	if len(cfg.Memory) > 0 {
		b.WriteString("\n## Relevant past tasks\n")
		for _, m := range cfg.Memory {
			fmt.Fprintf(&b, "- %s\n", m)
		}
	}

	if len(cfg.Skills) > 0 {
		b.WriteString("\n## Available skills\n")
		for _, s := range cfg.Skills {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	if cfg.Goal != nil {
		b.WriteString("\n## Active goal\n")
		fmt.Fprintf(&b, "%s (checkpoint %d/%d)\n%s\n", cfg.Goal.GoalText, cfg.Goal.CurrentCheckpoint, cfg.Goal.TotalCheckpoints, cfg.Goal.ContextSummary)
	}

	if cfg.Identity != nil {
		b.WriteString("\n## Identity\n")
		fmt.Fprintf(&b, "You are %s. Purpose: %s. Communication style: %s.\n",
			cfg.Identity.DisplayName, cfg.Identity.Purpose, cfg.Identity.CommunicationStyle)
	}

	b.WriteString("\n## Current goal\n")
	b.WriteString(cfg.TaskGoal)

	return b.String()
}

func policyPreamble(toolNames []string) string {
	var b strings.Builder
	b.WriteString("You are an autonomous task-executing agent. Work step by step, " +
		"call tools only when they advance the current goal, and stop calling tools " +
		"once you can answer directly.")
	if len(toolNames) > 0 {
		b.WriteString("\n\nAvailable tools: " + strings.Join(toolNames, ", "))
	}
	return b.String()
}
