// Package server is the websocket gateway: one connection per client, a
// JSON command protocol in, and a mixed stream of raw agent text and JSON
// result frames out. Sessions are shared across connections through a
// reference-counted hub so a prompt sent from a second client interleaves
// into the same running conversation.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stewardhq/steward"
	"github.com/stewardhq/steward/sandbox"
	"github.com/stewardhq/steward/tools/agentcomm"
	"github.com/stewardhq/steward/tools/remember"
	"github.com/stewardhq/steward/tools/terminal"
)

// Config holds the agent-facing settings the server wires into sessions.
type Config struct {
	SystemPrompt     string
	MiniAgentPrompt  string
	NumCtx           int
	MaxToolCallDepth int
	MaxMiniAgents    int
	ToolPlaceholder  string
	Think            bool
	PollInterval     time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTracer sets the tracer attached to every session.
func WithTracer(t steward.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithToolWrapper wraps every tool registered on new sessions, typically
// with instrumentation.
func WithToolWrapper(wrap func(steward.Tool) steward.Tool) Option {
	return func(s *Server) { s.wrapTool = wrap }
}

// Server routes websocket commands to sessions and sandboxes.
type Server struct {
	cfg      Config
	provider steward.Provider
	store    steward.Store
	memory   *steward.Memory
	registry *sandbox.Registry
	logger   *slog.Logger
	tracer   steward.Tracer
	wrapTool func(steward.Tool) steward.Tool

	upgrader websocket.Upgrader

	mu      sync.Mutex
	entries map[hubKey]*sessionEntry
}

// New builds a Server over its collaborators.
func New(provider steward.Provider, store steward.Store, memory *steward.Memory, registry *sandbox.Registry, cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		store:    store,
		memory:   memory,
		registry: registry,
		logger:   slog.Default(),
		entries:  map[hubKey]*sessionEntry{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway fronts local clients and trusted tooling.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("server: upgrade failed", "error", err)
		return
	}
	c := &wsConn{server: s, ws: ws, logger: s.logger}
	c.run(r.Context())
}

// ListenAndServe serves the gateway on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

type hubKey struct {
	user    string
	session string
}

// sessionEntry is one live session shared by its connections.
type sessionEntry struct {
	key  hubKey
	sess *steward.ChatSession
	box  *sandbox.Box

	refs   int
	cancel context.CancelFunc // stops the watcher and sink pump

	sink chan steward.Event

	subsMu sync.Mutex
	subs   map[*wsConn]struct{}
}

// acquire returns the shared entry for (user, session), creating the
// session, its sandbox, and its tools on first use. team enables the
// helper-agent fabric; it only takes effect at creation.
func (s *Server) acquire(ctx context.Context, conn *wsConn, user, session string, team bool) (*sessionEntry, error) {
	key := hubKey{user, session}

	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		e.refs++
		s.mu.Unlock()
		e.subscribe(conn)
		return e, nil
	}
	s.mu.Unlock()

	e, err := s.createEntry(ctx, key, team)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.entries[key]; ok {
		// Lost a creation race; keep the winner.
		s.mu.Unlock()
		e.teardown(ctx, s)
		existing.refs++
		existing.subscribe(conn)
		return existing, nil
	}
	e.refs = 1
	s.entries[key] = e
	s.mu.Unlock()

	e.subscribe(conn)
	return e, nil
}

func (s *Server) createEntry(ctx context.Context, key hubKey, team bool) (*sessionEntry, error) {
	box, err := s.registry.Acquire(ctx, key.user, key.session)
	if err != nil {
		return nil, err
	}

	opts := []steward.SessionOption{
		steward.WithSystemPrompt(s.cfg.SystemPrompt),
		steward.WithNumCtx(s.cfg.NumCtx),
		steward.WithMaxToolCallDepth(s.cfg.MaxToolCallDepth),
		steward.WithToolPlaceholder(s.cfg.ToolPlaceholder),
		steward.WithThink(s.cfg.Think),
		steward.WithMemory(s.memory),
		steward.WithNotificationSource(box, s.cfg.PollInterval),
		steward.WithLogger(s.logger.With("user", key.user, "session", key.session)),
	}
	if s.tracer != nil {
		opts = append(opts, steward.WithTracer(s.tracer))
	}
	if team {
		opts = append(opts, steward.WithHelperAgents(s.cfg.MaxMiniAgents, s.cfg.MiniAgentPrompt))
	}

	sess, err := steward.NewSession(ctx, key.user, key.session, s.provider, s.store, opts...)
	if err != nil {
		s.registry.Release(ctx, key.user, key.session)
		return nil, err
	}

	wrap := s.wrapTool
	if wrap == nil {
		wrap = func(t steward.Tool) steward.Tool { return t }
	}

	// Tool wiring happens after NewSession because the terminal tool
	// routes interactive prompts back through the session.
	sess.AddTool(wrap(terminal.New(box, sess)))
	sess.AddTool(wrap(remember.New(s.memory, key.user)))
	if h := sess.Helpers(); h != nil {
		// Helper agents get their own terminal handle with the default
		// prompt responder; they never reach the user for input.
		h.SetTools(wrap(terminal.New(box, nil)))
		sess.AddTool(wrap(agentcomm.New(h)))
	}

	e := &sessionEntry{
		key:  key,
		sess: sess,
		box:  box,
		sink: make(chan steward.Event, 64),
		subs: map[*wsConn]struct{}{},
	}
	sess.SetEventSink(e.sink)

	watchCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go sess.Watch(watchCtx)
	// Returned files ride inotify so they reach the client as soon as the
	// agent drops them, instead of waiting out a poll tick.
	rw := box.NewReturnWatcher(s.cfg.PollInterval, func(name string, data []byte) error {
		sess.PostReturnedFile(name, data)
		return nil
	})
	go rw.Run(watchCtx)
	go e.pump(watchCtx)

	return e, nil
}

// release drops one reference; the last one tears the session down.
func (s *Server) release(ctx context.Context, conn *wsConn, e *sessionEntry) {
	e.unsubscribe(conn)

	s.mu.Lock()
	e.refs--
	last := e.refs <= 0
	if last {
		delete(s.entries, e.key)
	}
	s.mu.Unlock()

	if last {
		e.teardown(ctx, s)
	}
}

// drop removes the entry unconditionally (used after reset_history so the
// next command reloads a clean session).
func (s *Server) drop(ctx context.Context, e *sessionEntry) {
	s.mu.Lock()
	delete(s.entries, e.key)
	s.mu.Unlock()
	e.teardown(ctx, s)
}

func (e *sessionEntry) teardown(ctx context.Context, s *Server) {
	if e.cancel != nil {
		e.cancel()
	}
	e.sess.Close()
	s.registry.Release(ctx, e.key.user, e.key.session)
}

func (e *sessionEntry) subscribe(c *wsConn) {
	e.subsMu.Lock()
	e.subs[c] = struct{}{}
	e.subsMu.Unlock()
}

func (e *sessionEntry) unsubscribe(c *wsConn) {
	e.subsMu.Lock()
	delete(e.subs, c)
	e.subsMu.Unlock()
}

// pump fans out-of-band session events (notification turns, returned
// files) out to every subscribed connection.
func (e *sessionEntry) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.sink:
			e.subsMu.Lock()
			for c := range e.subs {
				c.writeEvent(ev)
			}
			e.subsMu.Unlock()
		}
	}
}
