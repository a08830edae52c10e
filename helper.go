package steward

import (
	"context"
	"strings"
	"sync"
)

// DefaultMaxHelperAgents caps helper agents per session.
const DefaultMaxHelperAgents = 4

// Helpers is a session's fabric of ephemeral helper agents. Each helper is
// a non-persistent ChatSession with its own worker goroutine; messages from
// the parent arrive as tool-role messages named "senior", and replies flow
// back either directly (as the send tool's result) or through the parent
// reply queue, delivered at the parent's next idle point.
type Helpers struct {
	parent   *ChatSession
	max      int
	template string

	toolsMu sync.Mutex
	tools   []Tool

	mu     sync.Mutex
	agents map[string]*helperAgent

	replyMu sync.Mutex
	replies []helperReply
}

type helperReply struct {
	from string
	text string
}

type helperJob struct {
	message string
	enqueue bool
	reply   chan string
}

type helperAgent struct {
	name string
	sess *ChatSession
	jobs chan helperJob
	quit chan struct{}
}

func newHelpers(parent *ChatSession, max int, template string) *Helpers {
	if max <= 0 {
		max = DefaultMaxHelperAgents
	}
	return &Helpers{
		parent:   parent,
		max:      max,
		template: template,
		agents:   map[string]*helperAgent{},
	}
}

// SetTools sets the tool handlers every helper session is created with.
func (h *Helpers) SetTools(tools ...Tool) {
	h.toolsMu.Lock()
	h.tools = tools
	h.toolsMu.Unlock()
}

// Names returns the live helper names.
func (h *Helpers) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.agents))
	for name := range h.agents {
		names = append(names, name)
	}
	return names
}

// Spawn creates a helper named name with a system prompt rendered from the
// template ({name}, {details}, {context} placeholders). The returned string
// is the tool-facing result; spawn failures are reported there, not as
// errors.
func (h *Helpers) Spawn(name, details, taskContext string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.agents[name]; ok {
		return "Agent " + name + " already exists"
	}
	if len(h.agents) >= h.max {
		return "Agent limit reached"
	}

	prompt := strings.NewReplacer(
		"{name}", name,
		"{details}", details,
		"{context}", taskContext,
	).Replace(h.template)

	h.toolsMu.Lock()
	tools := append([]Tool(nil), h.tools...)
	h.toolsMu.Unlock()

	sess := newSessionShell(h.parent.provider, h.parent.store,
		WithSystemPrompt(prompt),
		WithNumCtx(h.parent.numCtx),
		WithMaxToolCallDepth(h.parent.maxDepth),
		WithTools(tools...),
		WithLogger(h.parent.logger.With("helper", name)),
	)
	sess.user = h.parent.user
	sess.sess = Session{Name: h.parent.sess.Name + "/" + name}

	a := &helperAgent{
		name: name,
		sess: sess,
		jobs: make(chan helperJob, 16),
		quit: make(chan struct{}),
	}
	h.agents[name] = a
	go a.run(h)

	h.parent.logger.Info("helper spawned", "name", name)
	return "Spawned " + name
}

// Send routes message to the named helper and blocks for its reply. With
// enqueue set, a non-blank reply is also pushed onto the parent reply queue
// for idle-point delivery. Unknown helpers report a tool-facing message.
func (h *Helpers) Send(ctx context.Context, name, message string, enqueue bool) string {
	h.mu.Lock()
	a, ok := h.agents[name]
	h.mu.Unlock()
	if !ok {
		return "Agent " + name + " not found"
	}

	job := helperJob{message: message, enqueue: enqueue, reply: make(chan string, 1)}
	select {
	case a.jobs <- job:
	case <-ctx.Done():
		return "Error: " + ctx.Err().Error()
	case <-a.quit:
		return "Agent " + name + " not found"
	}

	select {
	case reply := <-job.reply:
		return reply
	case <-ctx.Done():
		return "Error: " + ctx.Err().Error()
	}
}

// destroyAll stops every helper worker and discards their logs.
func (h *Helpers) destroyAll() {
	h.mu.Lock()
	agents := h.agents
	h.agents = map[string]*helperAgent{}
	h.mu.Unlock()

	for _, a := range agents {
		close(a.quit)
		a.sess.Close()
	}
}

func (h *Helpers) pushReply(from, text string) {
	h.replyMu.Lock()
	h.replies = append(h.replies, helperReply{from: from, text: text})
	h.replyMu.Unlock()
}

// deliverReplies appends queued helper replies to the parent log as
// tool-role messages named after the sending helper. Returns how many were
// delivered.
func (h *Helpers) deliverReplies(ctx context.Context) int {
	h.replyMu.Lock()
	replies := h.replies
	h.replies = nil
	h.replyMu.Unlock()

	for _, r := range replies {
		h.parent.append(ctx, ToolMessage(r.from, r.text))
	}
	return len(replies)
}

// maybeReact delivers queued replies and, when the parent is idle with an
// empty inbox, runs one continuation turn so it can act on them.
func (h *Helpers) maybeReact() {
	h.replyMu.Lock()
	n := len(h.replies)
	h.replyMu.Unlock()
	if n == 0 {
		return
	}
	if h.parent.State() != StateIdle || !h.parent.promptQueueEmpty() {
		return
	}
	ctx := h.parent.lifeCtx
	h.deliverReplies(ctx)
	h.parent.continueStream(ctx, h.parent.emitToSink)
}

// run is the helper worker: it drains the job queue sequentially and, once
// drained, nudges the parent to act on any queued replies.
func (a *helperAgent) run(h *Helpers) {
	for {
		select {
		case <-a.quit:
			return
		case job := <-a.jobs:
			reply := a.handle(job.message)
			job.reply <- reply
			if job.enqueue && strings.TrimSpace(reply) != "" {
				h.pushReply(a.name, reply)
			}
			if len(a.jobs) == 0 {
				h.maybeReact()
			}
		}
	}
}

// handle runs one exchange: the parent's message lands in the helper log as
// a tool-role message named "senior", then the helper takes a full turn.
// The reply is the turn's text parts joined by newlines.
func (a *helperAgent) handle(message string) string {
	a.sess.appendLocal(ToolMessage("senior", message))

	var parts []string
	a.sess.continueStream(a.sess.lifeCtx, func(ev Event) {
		switch ev.Type {
		case EventText:
			if ev.Content != "" {
				parts = append(parts, ev.Content)
			}
		case EventError:
			parts = append(parts, "Error: "+ev.Content)
		}
	})
	return strings.Join(parts, "\n")
}
