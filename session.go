package steward

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Session states. Transitions are serialized by the session lock.
const (
	StateIdle         = "idle"
	StateGenerating   = "generating"
	StateAwaitingTool = "awaiting_tool"
)

// DefaultToolPlaceholder is the in-memory stand-in for a tool result while
// the tool is still running. It is never persisted.
const DefaultToolPlaceholder = "Awaiting tool response..."

// DefaultMaxToolCallDepth caps nested tool calls in one turn.
const DefaultMaxToolCallDepth = 15

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// ReturnedFile is a file drained from a sandbox return queue.
type ReturnedFile struct {
	Name string
	Data []byte
}

// NotificationSource drains out-of-band items produced inside a sandbox.
// sandbox.Box implements it.
type NotificationSource interface {
	FetchNotifications() ([]string, error)
	FetchReturnedFiles() ([]ReturnedFile, error)
}

// activeTool is the single in-flight tool handle of a session. Exactly one
// waiter may claim the result; the losing waiter must not append it.
type activeTool struct {
	name    string // display name recorded on the tool message
	done    chan struct{}
	result  string // valid once done is closed
	claimed atomic.Bool
}

func (t *activeTool) claim() bool { return t.claimed.CompareAndSwap(false, true) }

type promptJob struct {
	prompt string
	emit   func(Event)
	done   chan struct{}
}

type askResult struct {
	resp ChatResponse
	err  error
}

// toolStep is the outcome of processing one tool call.
type toolStep struct {
	next      *ChatResponse // assistant reply issued after the tool result
	lost      bool          // another waiter claimed the tool result
	yielded   bool          // a queued prompt takes over the running tool
	cancelled bool
}

// SessionOption configures a ChatSession.
type SessionOption func(*ChatSession)

// WithSystemPrompt sets the base system prompt. The user's memory JSON is
// inlined beneath it on every request when a Memory is configured.
func WithSystemPrompt(p string) SessionOption {
	return func(s *ChatSession) { s.systemPrompt = p }
}

// WithTools registers the session's tool handlers.
func WithTools(tools ...Tool) SessionOption {
	return func(s *ChatSession) {
		for _, t := range tools {
			s.tools.Add(t)
		}
	}
}

// WithThink requests extended reasoning from the provider on every turn.
func WithThink(v bool) SessionOption {
	return func(s *ChatSession) { s.think = v }
}

// WithNumCtx sets the context window requested from the provider.
func WithNumCtx(n int) SessionOption {
	return func(s *ChatSession) { s.numCtx = n }
}

// WithMaxToolCallDepth caps nested tool calls per turn (default 15).
func WithMaxToolCallDepth(n int) SessionOption {
	return func(s *ChatSession) { s.maxDepth = n }
}

// WithToolPlaceholder overrides the in-memory placeholder content used
// while a tool result is pending.
func WithToolPlaceholder(content string) SessionOption {
	return func(s *ChatSession) { s.placeholder = content }
}

// WithMemory attaches the per-user memory manager; its JSON blob is inlined
// into the system prompt on every request.
func WithMemory(m *Memory) SessionOption {
	return func(s *ChatSession) { s.memory = m }
}

// WithNotificationSource attaches a sandbox to poll for notifications and
// returned files. Watch must be called to start the poller.
func WithNotificationSource(src NotificationSource, interval time.Duration) SessionOption {
	return func(s *ChatSession) {
		s.notifySrc = src
		s.pollInterval = interval
	}
}

// WithHelperAgents enables the helper-agent fabric: spawn_agent creates up
// to max ephemeral sub-sessions whose system prompts are rendered from
// promptTemplate (placeholders {name}, {details}, {context}).
func WithHelperAgents(max int, promptTemplate string) SessionOption {
	return func(s *ChatSession) { s.helpers = newHelpers(s, max, promptTemplate) }
}

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *ChatSession) { s.logger = l }
}

// WithTracer sets a Tracer for per-turn and per-tool spans.
func WithTracer(t Tracer) SessionOption {
	return func(s *ChatSession) { s.tracer = t }
}

// ChatSession orchestrates one conversation: it owns the message log, the
// FIFO prompt inbox, the state flags, and the helper fabric. A single
// worker goroutine pumps the inbox; within a turn, tool execution and the
// speculative follow-up LLM request run concurrently and whichever finishes
// first dictates the path.
type ChatSession struct {
	user     User
	sess     Session
	provider Provider
	store    Store
	tools    *ToolRegistry
	memory   *Memory
	helpers  *Helpers

	systemPrompt string
	placeholder  string
	maxDepth     int
	numCtx       int
	persist      bool

	logger *slog.Logger
	tracer Tracer

	thinkMu sync.Mutex
	think   bool

	// session lock: guards state and active.
	mu     sync.Mutex
	state  string
	active *activeTool

	// message log mirror; guarded by msgMu.
	msgMu    sync.Mutex
	messages []ChatMessage

	// FIFO prompt inbox pumped by a single on-demand worker.
	queueMu  sync.Mutex
	queue    []promptJob
	pumping  bool
	promptCh chan struct{} // signals a prompt arriving mid-tool

	// pending out-of-band tool messages, delivered at idle points.
	pendingMu sync.Mutex
	pending   []ChatMessage

	// stdin plumbing for interactive tools.
	emitMu    sync.Mutex
	curEmit   func(Event)
	inputVals chan string

	sinkMu sync.Mutex
	sink   chan<- Event

	notifySrc    NotificationSource
	pollInterval time.Duration

	// lifeCtx bounds LLM requests and tool handlers; Close cancels it.
	lifeCtx context.Context
	stop    context.CancelFunc
}

// NewSession upserts the user and session rows, loads history, and returns
// a session ready to accept prompts.
func NewSession(ctx context.Context, username, session string, provider Provider, store Store, opts ...SessionOption) (*ChatSession, error) {
	s := newSessionShell(provider, store, opts...)
	s.persist = true

	user, err := store.GetOrCreateUser(ctx, username)
	if err != nil {
		return nil, err
	}
	sess, err := store.GetOrCreateSession(ctx, username, session)
	if err != nil {
		return nil, err
	}
	s.user = user
	s.sess = sess

	rows, err := store.Messages(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	s.messages = decodeHistory(rows)
	return s, nil
}

// newSessionShell builds a session without touching the store. Helper
// agents use it directly with persist left false: their message logs are
// in-memory only.
func newSessionShell(provider Provider, store Store, opts ...SessionOption) *ChatSession {
	lifeCtx, stop := context.WithCancel(context.Background())
	s := &ChatSession{
		provider:    provider,
		store:       store,
		tools:       NewToolRegistry(),
		placeholder: DefaultToolPlaceholder,
		maxDepth:    DefaultMaxToolCallDepth,
		state:       StateIdle,
		logger:      nopLogger,
		inputVals:   make(chan string, 4),
		promptCh:    make(chan struct{}, 1),
		lifeCtx:     lifeCtx,
		stop:        stop,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// decodeHistory reconstructs the in-memory log from stored rows. Assistant
// rows may hold JSON-encoded tool calls (either a bare list or an object
// with content and tool_calls); anything else is plain text. System rows
// are skipped: the system prompt is rebuilt per request.
func decodeHistory(rows []StoredMessage) []ChatMessage {
	var msgs []ChatMessage
	for _, row := range rows {
		switch row.Role {
		case "system":
			continue
		case "assistant":
			msgs = append(msgs, decodeAssistantRow(row.Content))
		case "user":
			msgs = append(msgs, UserMessage(row.Content))
		default:
			msgs = append(msgs, ChatMessage{Role: "tool", Content: row.Content})
		}
	}
	return msgs
}

func decodeAssistantRow(content string) ChatMessage {
	var calls []ToolCall
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 {
		return ChatMessage{Role: "assistant", ToolCalls: calls}
	}
	var obj struct {
		Content   string     `json:"content"`
		ToolCalls []ToolCall `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(content), &obj); err == nil && (obj.Content != "" || len(obj.ToolCalls) > 0) {
		return ChatMessage{Role: "assistant", Content: obj.Content, ToolCalls: obj.ToolCalls}
	}
	return AssistantMessage(content)
}

// User returns the owning user record.
func (s *ChatSession) User() User { return s.user }

// SessionName returns the session name.
func (s *ChatSession) SessionName() string { return s.sess.Name }

// State returns the current state: idle, generating, or awaiting_tool.
func (s *ChatSession) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Think reports whether extended reasoning is requested from the provider.
func (s *ChatSession) Think() bool {
	s.thinkMu.Lock()
	defer s.thinkMu.Unlock()
	return s.think
}

// SetThink toggles extended reasoning for subsequent turns.
func (s *ChatSession) SetThink(v bool) {
	s.thinkMu.Lock()
	s.think = v
	s.thinkMu.Unlock()
}

// Helpers returns the helper-agent fabric, or nil when not enabled.
func (s *ChatSession) Helpers() *Helpers { return s.helpers }

// AddTool registers an additional tool handler.
func (s *ChatSession) AddTool(t Tool) { s.tools.Add(t) }

// SetEventSink directs out-of-band events (notification turns, returned
// files) to ch. Events emitted mid-turn go to the Chat caller's channel
// instead.
func (s *ChatSession) SetEventSink(ch chan<- Event) {
	s.sinkMu.Lock()
	s.sink = ch
	s.sinkMu.Unlock()
}

// Close cancels the worker and any outstanding LLM or tool task, stops all
// helper agents, and resets the state to idle. In-flight tool output is
// discarded.
func (s *ChatSession) Close() {
	s.stop()
	if s.helpers != nil {
		s.helpers.destroyAll()
	}
	s.mu.Lock()
	s.state = StateIdle
	s.active = nil
	s.mu.Unlock()
}

// Chat enqueues prompt on the session inbox and streams the turn's events
// into ch. ch is closed when the turn completes, even when the caller's
// ctx is cancelled first. extra metadata, when present, is JSON-embedded
// beneath the stored prompt.
//
// A prompt arriving while a tool is running takes the interleaved path: it
// is appended immediately and a fresh LLM request races the running tool.
func (s *ChatSession) Chat(ctx context.Context, prompt string, extra map[string]string, ch chan<- Event) error {
	if len(extra) > 0 {
		if meta, err := json.Marshal(extra); err == nil {
			prompt = prompt + "\n\n" + string(meta)
		}
	}

	job := promptJob{
		prompt: prompt,
		done:   make(chan struct{}),
	}
	job.emit = func(ev Event) {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}

	s.enqueue(job)

	// Closing ch is tied to turn completion, not to this select: a caller
	// that cancels and keeps ranging over ch must still unblock.
	go func() {
		<-job.done
		close(ch)
	}()

	select {
	case <-job.done:
		return nil
	case <-ctx.Done():
		// The worker keeps running the turn; only the stream detaches.
		return ctx.Err()
	}
}

// enqueue pushes a job and starts the pump if it is not running. A running
// turn blocked on a tool sees the signal and yields the tool to this job.
func (s *ChatSession) enqueue(job promptJob) {
	s.queueMu.Lock()
	s.queue = append(s.queue, job)
	if !s.pumping {
		s.pumping = true
		go s.pump()
	}
	s.queueMu.Unlock()

	select {
	case s.promptCh <- struct{}{}:
	default:
	}
}

// pump drains the prompt inbox sequentially, then exits.
func (s *ChatSession) pump() {
	for {
		s.queueMu.Lock()
		if len(s.queue) == 0 {
			s.pumping = false
			s.queueMu.Unlock()
			return
		}
		job := s.queue[0]
		s.queue = s.queue[1:]
		s.queueMu.Unlock()

		s.runTurn(job)
		close(job.done)
	}
}

// promptQueueEmpty reports whether no prompts are waiting.
func (s *ChatSession) promptQueueEmpty() bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.queue) == 0 && !s.pumping
}

// runTurn processes one prompt end to end.
func (s *ChatSession) runTurn(job promptJob) {
	ctx := s.lifeCtx
	s.setEmit(job.emit)
	defer s.setEmit(nil)

	// Drop a stale arrival signal; only prompts arriving after this point
	// should interrupt a tool wait.
	select {
	case <-s.promptCh:
	default:
	}

	var span Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "session.turn",
			StringAttr("user", s.user.Username),
			StringAttr("session", s.sess.Name))
		defer span.End()
	}

	s.mu.Lock()
	if s.state == StateAwaitingTool && s.active != nil {
		act := s.active
		s.mu.Unlock()
		s.chatDuringTool(ctx, job, act)
		return
	}
	s.state = StateGenerating
	s.mu.Unlock()

	if s.helpers != nil {
		s.helpers.deliverReplies(ctx)
	}

	s.append(ctx, UserMessage(job.prompt))

	resp, err := s.ask(ctx)
	if err != nil {
		s.failTurn(job.emit, span, err)
		return
	}
	s.appendAssistant(ctx, resp)

	s.handleToolCalls(ctx, job.emit, resp, 0)
	s.afterTurn(ctx, job.emit)
}

// afterTurn runs the idle-point housekeeping: helper replies first, then
// pending notifications (which may trigger one more LLM turn).
func (s *ChatSession) afterTurn(ctx context.Context, emit func(Event)) {
	if s.helpers != nil {
		s.helpers.deliverReplies(ctx)
	}
	s.flushPending(ctx, emit)
}

func (s *ChatSession) failTurn(emit func(Event), span Span, err error) {
	if span != nil {
		span.Error(err)
	}
	s.logger.Error("turn failed", "user", s.user.Username, "session", s.sess.Name, "error", err)
	emit(Event{Type: EventError, Content: err.Error()})
	s.setState(StateIdle)
}

// ask issues one LLM request over the current log, prepended by the system
// prompt with the user's memory inlined.
func (s *ChatSession) ask(ctx context.Context) (ChatResponse, error) {
	req := ChatRequest{
		Messages: s.requestMessages(ctx),
		Tools:    s.tools.AllDefinitions(),
		Think:    s.Think(),
		NumCtx:   s.numCtx,
	}
	return s.provider.Chat(ctx, req)
}

// requestMessages snapshots the log with the system prompt prepended.
func (s *ChatSession) requestMessages(ctx context.Context) []ChatMessage {
	sys := s.systemPrompt
	if s.memory != nil {
		if mem, err := s.memory.Get(ctx, s.user.Username); err == nil && mem != "" {
			sys += "\n\n## User memory\n" + mem
		}
	}

	s.msgMu.Lock()
	defer s.msgMu.Unlock()
	out := make([]ChatMessage, 0, len(s.messages)+1)
	if sys != "" {
		out = append(out, SystemMessage(sys))
	}
	out = append(out, s.messages...)
	return out
}

// handleToolCalls drives the tool loop for one assistant response.
// depth counts processed tool calls; the loop exits at maxDepth with the
// last assistant reply as final text.
func (s *ChatSession) handleToolCalls(ctx context.Context, emit func(Event), resp ChatResponse, depth int) {
	// Assistant content is surfaced even when tool calls are present so
	// narration is not lost.
	if resp.Content != "" {
		emit(TextEvent(resp.Content))
	}

	for depth < s.maxDepth && len(resp.ToolCalls) > 0 {
		calls := resp.ToolCalls
		resp.ToolCalls = nil
		for _, call := range calls {
			step := s.processToolCall(ctx, emit, call)
			if step.cancelled {
				s.setState(StateIdle)
				return
			}
			if step.lost || step.yielded {
				// Another waiter owns the turn now.
				return
			}
			if step.next != nil {
				resp = *step.next
			}
			depth++
			if depth >= s.maxDepth {
				break
			}
		}
	}

	s.setState(StateIdle)
}

// processToolCall launches one tool concurrently with a speculative
// follow-up LLM request and resolves whichever finishes first.
func (s *ChatSession) processToolCall(ctx context.Context, emit func(Event), call ToolCall) toolStep {
	display := s.displayName(call)

	if !s.tools.Has(call.Name) {
		s.logger.Warn("unsupported tool call", "tool", call.Name)
		result := "Unsupported tool: " + call.Name
		s.append(ctx, ToolMessage(display, result))
		emit(Event{Type: EventToolCallResult, Name: display, Content: result})
		return toolStep{}
	}

	emit(Event{Type: EventToolCallStart, Name: call.Name, Args: call.Args})

	act := &activeTool{name: display, done: make(chan struct{})}
	go s.runTool(ctx, act, call)

	// Placeholder is in-memory only; the real tool message replaces it.
	s.appendLocal(ToolMessage(display, s.placeholder))

	followCtx, cancelFollow := context.WithCancel(ctx)
	followCh := make(chan askResult, 1)
	go func() {
		resp, err := s.ask(followCtx)
		followCh <- askResult{resp, err}
	}()

	s.mu.Lock()
	s.state = StateAwaitingTool
	s.active = act
	s.mu.Unlock()

	return s.awaitToolAndFollowup(ctx, emit, act, followCh, cancelFollow)
}

// runTool executes the handler and captures any failure into the result
// string; tool errors never escape the tool-result message.
func (s *ChatSession) runTool(ctx context.Context, act *activeTool, call ToolCall) {
	defer close(act.done)

	var span Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "tool.execute", StringAttr("tool", call.Name))
		defer span.End()
	}

	res, err := s.tools.Execute(ctx, call.Name, call.Args)
	switch {
	case err != nil:
		if span != nil {
			span.Error(err)
		}
		act.result = "Error: " + err.Error()
	case res.Error != "":
		act.result = res.Error
	default:
		act.result = res.Content
	}
}

// awaitToolAndFollowup races the tool against the follow-up LLM request.
// Tool first: the follow-up is cancelled and a fresh request is issued over
// the real result. Follow-up first: its interim narration is appended, then
// the tool is awaited. Exactly one waiter claims the tool result.
func (s *ChatSession) awaitToolAndFollowup(ctx context.Context, emit func(Event), act *activeTool, followCh chan askResult, cancelFollow context.CancelFunc) toolStep {
	select {
	case <-ctx.Done():
		cancelFollow()
		return toolStep{cancelled: true}

	case <-s.promptCh:
		// A new prompt arrived; leave the tool running and hand it over.
		cancelFollow()
		return toolStep{yielded: true}

	case <-act.done:
		cancelFollow()
		if !act.claim() {
			return toolStep{lost: true}
		}
		return s.consumeToolResult(ctx, emit, act)

	case f := <-followCh:
		if f.err != nil {
			// Interim narration failed; the tool result still drives the turn.
			s.logger.Warn("follow-up request failed", "error", f.err)
		} else {
			s.appendAssistant(ctx, f.resp)
			if f.resp.Content != "" {
				emit(TextEvent(f.resp.Content))
			}
		}

		select {
		case <-ctx.Done():
			return toolStep{cancelled: true}
		case <-s.promptCh:
			return toolStep{yielded: true}
		case <-act.done:
		}
		if !act.claim() {
			return toolStep{lost: true}
		}
		return s.consumeToolResult(ctx, emit, act)
	}
}

// consumeToolResult swaps the placeholder for the real tool message,
// returns to generating, and issues the post-tool LLM request.
func (s *ChatSession) consumeToolResult(ctx context.Context, emit func(Event), act *activeTool) toolStep {
	s.removePlaceholder()
	s.append(ctx, ToolMessage(act.name, act.result))

	s.mu.Lock()
	s.state = StateGenerating
	s.active = nil
	s.mu.Unlock()

	emit(Event{Type: EventToolCallResult, Name: act.name, Content: act.result})

	resp, err := s.ask(ctx)
	if err != nil {
		s.logger.Error("post-tool request failed", "error", err)
		emit(Event{Type: EventError, Content: err.Error()})
		return toolStep{cancelled: true}
	}
	s.appendAssistant(ctx, resp)
	if resp.Content != "" {
		emit(TextEvent(resp.Content))
	}
	return toolStep{next: &resp}
}

// chatDuringTool handles a prompt that arrived while a tool was running:
// the prompt is appended immediately and a fresh LLM request races the
// still-running tool, with the placeholder still present in the log.
func (s *ChatSession) chatDuringTool(ctx context.Context, job promptJob, act *activeTool) {
	s.append(ctx, UserMessage(job.prompt))

	followCtx, cancelFollow := context.WithCancel(ctx)
	followCh := make(chan askResult, 1)
	go func() {
		resp, err := s.ask(followCtx)
		followCh <- askResult{resp, err}
	}()

	step := s.awaitToolAndFollowup(ctx, job.emit, act, followCh, cancelFollow)
	switch {
	case step.cancelled:
		s.setState(StateIdle)
	case step.lost, step.yielded:
		// Either the launching turn claimed the result and continues the
		// loop, or the next queued prompt inherits the running tool.
	case step.next != nil:
		// Content was already emitted by consumeToolResult.
		rest := *step.next
		rest.Content = ""
		s.handleToolCalls(ctx, job.emit, rest, 0)
		s.afterTurn(ctx, job.emit)
	default:
		s.setState(StateIdle)
	}
}

// continueStream runs one more LLM turn over the current log without a new
// user prompt. Used to react to injected tool-role messages (notifications,
// helper traffic). No-op unless the session is idle.
func (s *ChatSession) continueStream(ctx context.Context, emit func(Event)) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = StateGenerating
	s.mu.Unlock()

	s.setEmit(emit)
	defer s.setEmit(nil)

	resp, err := s.ask(ctx)
	if err != nil {
		s.failTurn(emit, nil, err)
		return
	}
	s.appendAssistant(ctx, resp)
	s.handleToolCalls(ctx, emit, resp, 0)
}

// --- pending notification queue ---

// PostPending queues an out-of-band tool-role message for delivery at the
// next idle point. If the session is idle with an empty inbox, delivery
// happens immediately on a fresh goroutine.
func (s *ChatSession) PostPending(msg ChatMessage) {
	s.pendingMu.Lock()
	s.pending = append(s.pending, msg)
	s.pendingMu.Unlock()

	if s.State() == StateIdle && s.promptQueueEmpty() {
		go s.flushPending(s.lifeCtx, s.emitToSink)
	}
}

// flushPending appends queued notification messages and, when any were
// present, runs one continuation turn so the model can react.
func (s *ChatSession) flushPending(ctx context.Context, emit func(Event)) {
	s.pendingMu.Lock()
	msgs := s.pending
	s.pending = nil
	s.pendingMu.Unlock()
	if len(msgs) == 0 {
		return
	}

	for _, m := range msgs {
		s.append(ctx, m)
		emit(Event{Type: EventNotification, Name: m.Name, Content: m.Content})
	}
	s.continueStream(ctx, emit)
}

// Watch polls the attached sandbox for notifications and returned files
// until ctx is cancelled. Items are queued as tool-role messages and
// delivered only while the session is idle with an empty inbox.
func (s *ChatSession) Watch(ctx context.Context) {
	if s.notifySrc == nil {
		return
	}
	interval := s.pollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.lifeCtx.Done():
			return
		case <-ticker.C:
			s.drainSandbox()
		}
	}
}

// drainSandbox pulls queued notifications and returned files into the
// pending queue. Errors are logged and swallowed; the poll loop never dies.
func (s *ChatSession) drainSandbox() {
	notes, err := s.notifySrc.FetchNotifications()
	if err != nil {
		s.logger.Error("fetch notifications failed", "error", err)
	}
	for _, n := range notes {
		s.PostPending(ToolMessage("notification", n))
	}

	files, err := s.notifySrc.FetchReturnedFiles()
	if err != nil {
		s.logger.Error("fetch returned files failed", "error", err)
	}
	for _, f := range files {
		s.PostReturnedFile(f.Name, f.Data)
	}
}

// PostReturnedFile surfaces one file the agent handed back: the client sees
// it as an event right away and the model sees it as a pending tool message
// at the next idle point. Callers outside the poll loop (a return-dir
// watcher) use this to push files as they appear.
func (s *ChatSession) PostReturnedFile(name string, data []byte) {
	s.emitToSink(ReturnedFileEvent(name, data))
	payload, err := json.Marshal(map[string]string{
		"returned_file": name,
		"data":          base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return
	}
	s.PostPending(ToolMessage("returned_file", string(payload)))
}

// --- stdin plumbing ---

// RequestUserInput surfaces a shell prompt to the client and blocks until
// ProvideUserInput supplies a value or ctx is cancelled.
func (s *ChatSession) RequestUserInput(ctx context.Context, prompt string) (string, error) {
	s.emitCurrent(StdinRequestEvent(prompt))
	select {
	case v := <-s.inputVals:
		return v, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.lifeCtx.Done():
		return "", s.lifeCtx.Err()
	}
}

// ProvideUserInput answers the oldest outstanding input request.
func (s *ChatSession) ProvideUserInput(value string) {
	select {
	case s.inputVals <- value:
	default:
	}
}

func (s *ChatSession) setEmit(emit func(Event)) {
	s.emitMu.Lock()
	s.curEmit = emit
	s.emitMu.Unlock()
}

// emitCurrent routes an event to the in-flight turn's stream, falling back
// to the out-of-band sink.
func (s *ChatSession) emitCurrent(ev Event) {
	s.emitMu.Lock()
	emit := s.curEmit
	s.emitMu.Unlock()
	if emit != nil {
		emit(ev)
		return
	}
	s.emitToSink(ev)
}

// emitToSink sends an event to the out-of-band sink, dropping it when no
// sink is attached or it is full.
func (s *ChatSession) emitToSink(ev Event) {
	s.sinkMu.Lock()
	sink := s.sink
	s.sinkMu.Unlock()
	if sink == nil {
		return
	}
	select {
	case sink <- ev:
	default:
		s.logger.Warn("event sink full, dropping event", "type", ev.Type)
	}
}

// --- message log maintenance ---

func (s *ChatSession) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// append records msg in memory and, for persistent sessions, in the store.
func (s *ChatSession) append(ctx context.Context, msg ChatMessage) {
	s.appendLocal(msg)
	if !s.persist {
		return
	}
	if err := s.store.AppendMessage(ctx, s.sess.ID, msg.Role, msg.Content); err != nil {
		s.logger.Error("append message failed", "role", msg.Role, "error", err)
	}
}

// appendAssistant records an assistant reply; replies carrying tool calls
// are persisted as JSON so history reloads reconstruct them.
func (s *ChatSession) appendAssistant(ctx context.Context, resp ChatResponse) {
	msg := ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
	s.appendLocal(msg)
	if !s.persist {
		return
	}
	content := resp.Content
	if len(resp.ToolCalls) > 0 {
		encoded, err := json.Marshal(map[string]any{
			"content":    resp.Content,
			"tool_calls": resp.ToolCalls,
		})
		if err == nil {
			content = string(encoded)
		}
	}
	if err := s.store.AppendMessage(ctx, s.sess.ID, "assistant", content); err != nil {
		s.logger.Error("append assistant message failed", "error", err)
	}
}

func (s *ChatSession) appendLocal(msg ChatMessage) {
	s.msgMu.Lock()
	s.messages = append(s.messages, msg)
	s.msgMu.Unlock()
}

// removePlaceholder deletes the single in-memory placeholder tool message.
func (s *ChatSession) removePlaceholder() {
	s.msgMu.Lock()
	defer s.msgMu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.Role == "tool" && m.Content == s.placeholder {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

// placeholderCount reports in-memory placeholders; used by tests to pin
// the exactly-one-inside-the-race-window invariant.
func (s *ChatSession) placeholderCount() int {
	s.msgMu.Lock()
	defer s.msgMu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.Role == "tool" && m.Content == s.placeholder {
			n++
		}
	}
	return n
}

// displayName maps a tool call to the name recorded on its result message:
// send_to_agent results are named after the target helper.
func (s *ChatSession) displayName(call ToolCall) string {
	if call.Name != "send_to_agent" {
		return call.Name
	}
	var args struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(call.Args, &args); err == nil && args.Name != "" {
		return args.Name
	}
	return call.Name
}
