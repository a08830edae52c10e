package openaicompat

import (
	"encoding/json"

	"github.com/stewardhq/steward"
)

// BuildBody converts steward ChatMessages and a model name into an
// OpenAI-format ChatRequest. System messages are kept in the messages array
// as role:"system". Options configure generation parameters.
func BuildBody(messages []steward.ChatMessage, tools []steward.ToolDefinition, model string, opts ...Option) ChatRequest {
	var msgs []Message

	for _, m := range messages {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			// Assistant message with tool calls.
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msgs = append(msgs, Message{
				Role:      "assistant",
				Content:   m.Content,
				ToolCalls: tcs,
			})

		case m.Role == "tool":
			// Tool result message. Name carries the tool (or helper agent,
			// or notification) identity; Ollama reads it, OpenAI-style
			// servers fall back to tool_call_id.
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				Name:       m.Name,
				ToolCallID: m.Name,
			})

		default:
			msgs = append(msgs, Message{
				Role:    m.Role,
				Content: m.Content,
			})
		}
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}

	if len(tools) > 0 {
		req.Tools = BuildToolDefs(tools)
	}

	for _, opt := range opts {
		opt(&req)
	}

	return req
}

// BuildToolDefs converts steward ToolDefinitions to OpenAI tool format.
func BuildToolDefs(tools []steward.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
