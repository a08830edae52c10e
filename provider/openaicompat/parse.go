package openaicompat

import (
	"encoding/json"

	"github.com/stewardhq/steward"
)

// ParseResponse converts an OpenAI-format ChatResponse to a steward
// ChatResponse. It extracts content, tool calls, and usage from choices[0].
func ParseResponse(resp ChatResponse) (steward.ChatResponse, error) {
	var out steward.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = steward.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to steward ToolCalls.
// The API returns function.arguments as a JSON string; we parse it into
// json.RawMessage. Invalid argument JSON falls back to an empty object.
func ParseToolCalls(tcs []ToolCallRequest) []steward.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]steward.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, steward.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
