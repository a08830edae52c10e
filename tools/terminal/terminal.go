// Package terminal exposes the sandbox shell as an agent tool.
package terminal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stewardhq/steward"
	"github.com/stewardhq/steward/sandbox"
)

// Runner is the slice of sandbox.Box the tool needs.
type Runner interface {
	Execute(ctx context.Context, opts sandbox.ExecOptions) (string, error)
	Shell(ctx context.Context) (*sandbox.Shell, error)
}

// InputRequester forwards an interactive prompt to the user and blocks for
// the answer. steward.ChatSession implements it.
type InputRequester interface {
	RequestUserInput(ctx context.Context, prompt string) (string, error)
}

// Tool runs commands in the user's sandbox. Commands without stdin_data go
// through the persistent shell, so interactive prompts can be answered
// (by the user when an InputRequester is wired, otherwise by the default
// responder). Commands with stdin_data run as one-shot execs with the data
// piped in.
type Tool struct {
	runner Runner
	input  InputRequester // nil falls back to sandbox.DefaultResponder
}

// New creates a terminal tool over runner. input may be nil.
func New(runner Runner, input InputRequester) *Tool {
	return &Tool{runner: runner, input: input}
}

func (t *Tool) Definitions() []steward.ToolDefinition {
	return []steward.ToolDefinition{{
		Name:        "execute_terminal",
		Description: "Execute a shell command in your Linux VM. The VM persists between commands. Uploaded files are in /data; drop files into /return to send them to the user. Use stdin_data to pipe input into the command.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"stdin_data":{"type":"string","description":"Data piped to the command's stdin"},"timeout":{"type":"integer","description":"Timeout in seconds"}},"required":["command"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (steward.ToolResult, error) {
	var params struct {
		Command   string `json:"command"`
		StdinData string `json:"stdin_data"`
		Timeout   int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return steward.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Command == "" {
		return steward.ToolResult{Error: "command is required"}, nil
	}

	timeout := time.Duration(params.Timeout) * time.Second

	if params.StdinData != "" {
		out, err := t.runner.Execute(ctx, sandbox.ExecOptions{
			Command: params.Command,
			Stdin:   params.StdinData,
			Timeout: timeout,
		})
		if err != nil {
			return steward.ToolResult{Error: "Error: " + err.Error()}, nil
		}
		return steward.ToolResult{Content: out}, nil
	}

	sh, err := t.runner.Shell(ctx)
	if err != nil {
		return steward.ToolResult{Error: "Error: " + err.Error()}, nil
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := sh.Run(runCtx, params.Command, nil, t.responder())
	if err != nil {
		if out != "" {
			return steward.ToolResult{Content: out, Error: "Error: " + err.Error()}, nil
		}
		return steward.ToolResult{Error: "Error: " + err.Error()}, nil
	}
	if out == "" {
		out = "(no output)"
	}
	return steward.ToolResult{Content: out}, nil
}

func (t *Tool) responder() sandbox.PromptResponder {
	if t.input == nil {
		return sandbox.DefaultResponder
	}
	return func(ctx context.Context, prompt string) (string, error) {
		return t.input.RequestUserInput(ctx, prompt)
	}
}

var _ steward.Tool = (*Tool)(nil)
