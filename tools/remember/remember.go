// Package remember lets the agent maintain the user's persistent memory.
package remember

import (
	"context"
	"encoding/json"

	"github.com/stewardhq/steward"
)

// Tool edits one field of the user's memory JSON. Omitting value removes
// the field. The protected subtree is host-managed and rejected here.
type Tool struct {
	memory   *steward.Memory
	username string
}

// New creates a memory tool bound to username.
func New(memory *steward.Memory, username string) *Tool {
	return &Tool{memory: memory, username: username}
}

func (t *Tool) Definitions() []steward.ToolDefinition {
	return []steward.ToolDefinition{{
		Name:        "manage_memory",
		Description: "Update your persistent memory about the user. Set a field to a value, or omit value to remove the field. Keep entries short and factual.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"field":{"type":"string","description":"Memory field to set or remove"},"value":{"type":"string","description":"New value; omit to remove the field"}},"required":["field"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (steward.ToolResult, error) {
	var params struct {
		Field string  `json:"field"`
		Value *string `json:"value"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return steward.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Field == "" {
		return steward.ToolResult{Error: "field is required"}, nil
	}

	updated, err := t.memory.Edit(ctx, t.username, params.Field, params.Value)
	if err != nil {
		return steward.ToolResult{Error: err.Error()}, nil
	}
	return steward.ToolResult{Content: "Memory updated:\n" + updated}, nil
}

var _ steward.Tool = (*Tool)(nil)
