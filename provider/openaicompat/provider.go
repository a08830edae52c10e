package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/stewardhq/steward"
)

// Provider implements steward.Provider for any OpenAI-compatible API.
// It uses the shared helpers in this package (BuildBody, StreamSSE,
// ParseResponse) to handle body building, streaming, and response parsing.
//
// Works with Ollama, vLLM, LM Studio, OpenAI, OpenRouter, Groq, and any
// other server that implements the OpenAI chat completions API. Against
// Ollama the request carries num_ctx, think, and keep_alive extensions.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
}

// ProviderOption configures a Provider instance.
type ProviderOption func(*Provider)

// WithName sets the provider name returned by Name() (default "openai").
// Use this to distinguish providers in logs and observability.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or proxies).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithOptions appends request-level options (temperature, num_ctx, etc.)
// that are applied to every request made by this provider.
func WithOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "http://localhost:11434/v1",
// "https://api.openai.com/v1"). The /chat/completions path is appended
// automatically. apiKey may be empty for local runtimes.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// requestOpts returns the provider's base options with per-request settings
// appended. Per-request settings win because options apply in order.
func (p *Provider) requestOpts(req steward.ChatRequest) []Option {
	opts := make([]Option, len(p.opts), len(p.opts)+2)
	copy(opts, p.opts)
	if req.NumCtx > 0 {
		opts = append(opts, WithNumCtx(req.NumCtx))
	}
	if req.Think {
		opts = append(opts, WithThink(true))
	}
	return opts
}

// Chat sends a non-streaming chat request and returns the complete response.
// When req.Tools is non-empty, the response may contain ToolCalls.
func (p *Provider) Chat(ctx context.Context, req steward.ChatRequest) (steward.ChatResponse, error) {
	body := BuildBody(req.Messages, req.Tools, p.model, p.requestOpts(req)...)
	return p.doRequest(ctx, body)
}

// ChatStream streams text deltas into ch, then returns the final accumulated
// response. ch is closed when streaming completes (via StreamSSE) or on error.
func (p *Provider) ChatStream(ctx context.Context, req steward.ChatRequest, ch chan<- string) (steward.ChatResponse, error) {
	body := BuildBody(req.Messages, req.Tools, p.model, p.requestOpts(req)...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return steward.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return steward.ChatResponse{}, p.httpErr(resp)
	}

	// StreamSSE closes ch when done.
	return StreamSSE(ctx, resp.Body, ch)
}

// doRequest sends a non-streaming request and parses the response.
func (p *Provider) doRequest(ctx context.Context, body ChatRequest) (steward.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return steward.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return steward.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return steward.ChatResponse{}, &steward.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}

	return ParseResponse(chatResp)
}

// sendHTTP marshals the request body and sends it to the chat completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &steward.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &steward.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry middleware.
// Parses the Retry-After header when present (429/503 responses).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &steward.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: steward.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ steward.Provider = (*Provider)(nil)
