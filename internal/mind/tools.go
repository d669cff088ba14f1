package mind

import (
	"context"

	"github.com/nextlevelbuilder/agentcore/internal/tools"
)

type setNextWakeupArgs struct {
	Seconds int `json:"seconds" jsonschema:"required,description=Seconds until the next wakeup cycle"`
}

// SetNextWakeupTool lets the mind's own completions reschedule its next
// wakeup, §4.8 "set_next_wakeup(seconds) mutates the interval".
type SetNextWakeupTool struct {
	mind *Mind
}

func NewSetNextWakeupTool(m *Mind) *SetNextWakeupTool { return &SetNextWakeupTool{mind: m} }

func (t *SetNextWakeupTool) Name() string { return "set_next_wakeup" }
func (t *SetNextWakeupTool) Description() string {
	return "Set the number of seconds until the mind's next autonomous wakeup."
}
func (t *SetNextWakeupTool) PermissionLevel() tools.PermissionLevel { return tools.PermissionSafe }
func (t *SetNextWakeupTool) InputSchema() map[string]interface{} {
	return tools.SchemaFor[setNextWakeupArgs]()
}
func (t *SetNextWakeupTool) ValidateInput(params map[string]interface{}) error {
	var args setNextWakeupArgs
	return tools.DecodeArgs(params, &args)
}

func (t *SetNextWakeupTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var args setNextWakeupArgs
	if err := tools.DecodeArgs(params, &args); err != nil {
		return nil, err
	}
	t.mind.setNextWakeup(args.Seconds)
	return map[string]interface{}{"next_wakeup_seconds": args.Seconds}, nil
}

type updateScratchpadArgs struct {
	Content string `json:"content" jsonschema:"required,description=Full replacement scratchpad content"`
}

// UpdateScratchpadTool rewrites the mind's persisted scratchpad, §4.8
// "update_scratchpad(content) rewrites the persisted scratchpad".
type UpdateScratchpadTool struct {
	mind *Mind
}

func NewUpdateScratchpadTool(m *Mind) *UpdateScratchpadTool { return &UpdateScratchpadTool{mind: m} }

func (t *UpdateScratchpadTool) Name() string { return "update_scratchpad" }
func (t *UpdateScratchpadTool) Description() string {
	return "Replace the mind's persisted scratchpad with new content."
}
func (t *UpdateScratchpadTool) PermissionLevel() tools.PermissionLevel { return tools.PermissionSafe }
func (t *UpdateScratchpadTool) InputSchema() map[string]interface{} {
	return tools.SchemaFor[updateScratchpadArgs]()
}
func (t *UpdateScratchpadTool) ValidateInput(params map[string]interface{}) error {
	var args updateScratchpadArgs
	return tools.DecodeArgs(params, &args)
}

func (t *UpdateScratchpadTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var args updateScratchpadArgs
	if err := tools.DecodeArgs(params, &args); err != nil {
		return nil, err
	}
	if err := t.mind.updateScratchpad(ctx, args.Content); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true}, nil
}
