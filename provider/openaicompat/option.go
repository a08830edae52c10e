package openaicompat

// Option configures an OpenAI-compatible chat request.
type Option func(*ChatRequest)

// WithTemperature sets the sampling temperature (0.0-2.0).
func WithTemperature(t float64) Option {
	return func(r *ChatRequest) { r.Temperature = &t }
}

// WithTopP sets nucleus sampling top-p (0.0-1.0).
func WithTopP(p float64) Option {
	return func(r *ChatRequest) { r.TopP = &p }
}

// WithMaxTokens sets the maximum number of output tokens.
func WithMaxTokens(n int) Option {
	return func(r *ChatRequest) { r.MaxTokens = n }
}

// WithStop sets one or more stop sequences.
func WithStop(s ...string) Option {
	return func(r *ChatRequest) { r.Stop = s }
}

// WithNumCtx sets the context window size via the Ollama options block.
// Servers that are not Ollama ignore it.
func WithNumCtx(n int) Option {
	return func(r *ChatRequest) {
		if r.Options == nil {
			r.Options = map[string]any{}
		}
		r.Options["num_ctx"] = n
	}
}

// WithKeepAlive controls how long Ollama keeps the model loaded after the
// request. -1 pins the model in memory indefinitely.
func WithKeepAlive(v any) Option {
	return func(r *ChatRequest) { r.KeepAlive = v }
}

// WithThink requests extended reasoning (Ollama thinking models).
func WithThink(v bool) Option {
	return func(r *ChatRequest) { r.Think = v }
}
