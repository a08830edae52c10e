package steward

import "encoding/json"

// --- Domain types (database records) ---

type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Memory    string `json:"memory"`
	CreatedAt int64  `json:"created_at"`
}

type Session struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

// SessionInfo is a session summary returned by list_sessions_info:
// the session name plus a short snippet of its most recent message.
type SessionInfo struct {
	Name        string `json:"name"`
	LastMessage string `json:"last_message"`
}

type StoredMessage struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role"` // "system", "user", "assistant", "tool"
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

type Document struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	Path       string `json:"path"`
	Name       string `json:"name"`
	UploadedAt int64  `json:"uploaded_at"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role      string     `json:"role"` // "system", "user", "assistant", "tool"
	Content   string     `json:"content"`
	Name      string     `json:"name,omitempty"` // display name on tool messages
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type ChatRequest struct {
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	// Think requests extended reasoning from backends that support it.
	Think bool `json:"think,omitempty"`
	// NumCtx requests a context window size (Ollama-style backends).
	NumCtx int `json:"num_ctx,omitempty"`
}

type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

// ToolMessage builds a tool-role message carrying a handler's output.
// name is the display name recorded alongside the result ("notification"
// and helper names reuse the same shape).
func ToolMessage(name, content string) ChatMessage {
	return ChatMessage{Role: "tool", Name: name, Content: content}
}
