package steward

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response. When req.Tools
	// is non-empty the response may contain tool calls.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams text tokens into ch, then returns the final
	// response with usage stats. ch is closed when streaming completes.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "ollama").
	Name() string
}
