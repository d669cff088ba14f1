package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/agentcore/internal/config"
)

// Decision is the outcome of the permission step, §4.3 step 5.
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionAsk
	DecisionDenyDisabled
)

// ApprovalFunc asks an external party (the Gateway, routed to the
// requesting client) whether a tool call should proceed. A nil callback
// means a required approval counts as denied, §4.3 step 5.
type ApprovalFunc func(ctx context.Context, toolName string, params map[string]interface{}) (bool, error)

// PolicyEngine evaluates the per-tool override / global-mode decision
// tree, §4.3 step 5. Adapted from vanducng-goclaw/internal/tools/policy.go's
// layered evaluate(), simplified from goclaw's allow/deny/group-profile
// pipeline to the spec's flat per-tool-override + global-mode model (the
// teacher's group/profile machinery governs *catalog filtering*, which
// this package doesn't need since every registered tool is catalog-visible
// unless globally disabled).
type PolicyEngine struct {
	cfg config.ToolsConfig
}

func NewPolicyEngine(cfg config.ToolsConfig) *PolicyEngine {
	return &PolicyEngine{cfg: cfg}
}

// IsDisabled reports whether name is in the global disabled list, §4.3
// step 2.
func (pe *PolicyEngine) IsDisabled(name string) bool {
	for _, d := range pe.cfg.Disabled {
		if d == name {
			return true
		}
	}
	return false
}

// Decide runs §4.3 step 5's decision tree for one tool call.
func (pe *PolicyEngine) Decide(t Tool, params map[string]interface{}) Decision {
	if override, ok := pe.cfg.Override[t.Name()]; ok {
		switch override {
		case "auto":
			return DecisionAllow
		case "ask":
			return DecisionAsk
		}
	}

	if t.PermissionLevel() == PermissionSafe {
		return DecisionAllow
	}
	if pe.cfg.Mode == "full_auto" {
		return DecisionAllow
	}
	if pe.cfg.Mode == "smart_auto" {
		if sc, ok := t.(SafeCommandPredicate); ok && sc.IsSafeCommand(params) {
			return DecisionAllow
		}
	}
	return DecisionAsk
}

// Resolve turns a Decision plus an optional approval callback into a
// final allow/deny verdict, invoking the callback for DecisionAsk.
func (pe *PolicyEngine) Resolve(ctx context.Context, decision Decision, approve ApprovalFunc, toolName string, params map[string]interface{}) (bool, error) {
	switch decision {
	case DecisionAllow:
		return true, nil
	case DecisionDenyDisabled:
		return false, nil
	case DecisionAsk:
		if approve == nil {
			slog.Info("tool call requires approval but no callback registered, denying", "tool", toolName)
			return false, nil
		}
		ok, err := approve(ctx, toolName, params)
		if err != nil {
			return false, fmt.Errorf("tools: approval callback: %w", err)
		}
		return ok, nil
	default:
		return false, nil
	}
}
