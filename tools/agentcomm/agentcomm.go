// Package agentcomm lets the senior agent spawn helper agents and exchange
// messages with them.
package agentcomm

import (
	"context"
	"encoding/json"

	"github.com/stewardhq/steward"
)

// Tool exposes spawn_agent and send_to_agent over a session's helper
// fabric. Failures (duplicate name, limit reached, unknown agent) are
// reported as tool content so the model can react, not as errors.
type Tool struct {
	helpers *steward.Helpers
}

// New creates the tool over helpers.
func New(helpers *steward.Helpers) *Tool {
	return &Tool{helpers: helpers}
}

func (t *Tool) Definitions() []steward.ToolDefinition {
	return []steward.ToolDefinition{
		{
			Name:        "spawn_agent",
			Description: "Spawn a helper agent to work a task on its own. Give it a short name, what to do, and the context it needs.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string","description":"Short unique agent name"},"details":{"type":"string","description":"What the agent should do"},"context":{"type":"string","description":"Background the agent needs"}},"required":["name","details"]}`),
		},
		{
			Name:        "send_to_agent",
			Description: "Send a message to a helper agent you spawned and wait for its reply.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string","description":"Agent name"},"message":{"type":"string","description":"Message for the agent"}},"required":["name","message"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (steward.ToolResult, error) {
	switch name {
	case "spawn_agent":
		var params struct {
			Name    string `json:"name"`
			Details string `json:"details"`
			Context string `json:"context"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return steward.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
		if params.Name == "" {
			return steward.ToolResult{Error: "name is required"}, nil
		}
		return steward.ToolResult{Content: t.helpers.Spawn(params.Name, params.Details, params.Context)}, nil

	case "send_to_agent":
		var params struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return steward.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
		if params.Name == "" || params.Message == "" {
			return steward.ToolResult{Error: "name and message are required"}, nil
		}
		return steward.ToolResult{Content: t.helpers.Send(ctx, params.Name, params.Message, false)}, nil

	default:
		return steward.ToolResult{Error: "unknown tool: " + name}, nil
	}
}

var _ steward.Tool = (*Tool)(nil)
