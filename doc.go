// Package steward is an autonomous conversational-agent runtime.
//
// A user talks to a senior LLM agent; the agent completes tasks by running
// shell commands inside a per-user sandboxed container, spawning short-lived
// helper agents that work in parallel, and surfacing notifications and
// returned files back into the conversation.
//
// # Quick Start
//
// Create a session backed by an OpenAI-compatible LLM and a sandbox:
//
//	provider := openaicompat.NewProvider("", cfg.ModelName, cfg.LLMHost)
//	st := sqlite.New(cfg.DatabasePath)
//
//	sess, err := steward.NewSession(ctx, "alice", "main", provider, st,
//		steward.WithNotificationSource(box, 5*time.Second),
//		steward.WithHelperAgents(4, helperPrompt),
//	)
//	sess.AddTool(terminal.New(box, sess))
//
//	events := make(chan steward.Event, 16)
//	go sess.Chat(ctx, "build me a report", nil, events)
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider]: LLM backend (chat, tool calling, streaming)
//   - [Store]: conversation persistence (users, sessions, messages, memory)
//   - [Tool]: pluggable capability for LLM function calling
//   - [NotificationSource]: out-of-band items surfaced from a sandbox
//   - [Tracer]: span creation for session and tool operations
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs including Ollama).
// Storage: store/sqlite (local), store/postgres (multi-instance deployments).
// Sandbox: sandbox (Docker-backed driver, persistent PTY shell, refcounted
// registry, return watcher). Tools: tools/terminal, tools/agentcomm,
// tools/remember.
//
// See the cmd/steward directory for the WebSocket server binary.
package steward
