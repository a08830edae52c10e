package steward

import (
	"context"
	"encoding/json"
)

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolRegistry holds all registered tools and dispatches execution.
type ToolRegistry struct {
	tools []Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	return &ToolRegistry{tools: tools}
}

// Add registers a tool.
func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
}

// AllDefinitions returns tool definitions from all registered tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Has reports whether any registered tool declares name.
func (r *ToolRegistry) Has(name string) bool {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return true
			}
		}
	}
	return false
}

// Execute dispatches a tool call by name.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return t.Execute(ctx, name, NormalizeArgs(name, args))
			}
		}
	}
	return ToolResult{Error: "unknown tool: " + name}, nil
}

// NormalizeArgs repairs argument payloads some models emit. A payload
// double-wrapped as {"name": ..., "arguments": {...}} is unwrapped; a
// non-object payload degrades to an empty object so handlers see valid
// input instead of a decode error.
func NormalizeArgs(name string, args json.RawMessage) json.RawMessage {
	empty := json.RawMessage(`{}`)
	if len(args) == 0 {
		return empty
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(args, &m); err != nil {
		return empty
	}

	wrapped, hasArgs := m["arguments"]
	if !hasArgs {
		return args
	}
	var wrappedName string
	if raw, ok := m["name"]; !ok || json.Unmarshal(raw, &wrappedName) != nil || wrappedName != name {
		return args
	}

	var inner map[string]json.RawMessage
	if err := json.Unmarshal(wrapped, &inner); err != nil {
		return empty
	}
	return wrapped
}
