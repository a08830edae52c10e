package steward

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// fakeProvider routes every request through fn. Tests script turn-by-turn
// behavior by switching on the request's trailing message.
type fakeProvider struct {
	fn func(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return p.fn(ctx, req)
}

func (p *fakeProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	defer close(ch)
	resp, err := p.fn(ctx, req)
	if resp.Content != "" {
		ch <- resp.Content
	}
	return resp, err
}

// lastMessage returns the trailing message of a request, or a zero value.
func lastMessage(req ChatRequest) ChatMessage {
	if len(req.Messages) == 0 {
		return ChatMessage{}
	}
	return req.Messages[len(req.Messages)-1]
}

// funcTool adapts a function into a Tool.
type funcTool struct {
	defs []ToolDefinition
	fn   func(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

func (t *funcTool) Definitions() []ToolDefinition { return t.defs }

func (t *funcTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	return t.fn(ctx, name, args)
}

func simpleTool(name string, fn func(ctx context.Context, args json.RawMessage) (ToolResult, error)) *funcTool {
	return &funcTool{
		defs: []ToolDefinition{{Name: name, Description: name, Parameters: json.RawMessage(`{}`)}},
		fn: func(ctx context.Context, _ string, args json.RawMessage) (ToolResult, error) {
			return fn(ctx, args)
		},
	}
}

// memStore is an in-memory Store for tests.
type memStore struct {
	mu       sync.Mutex
	users    map[string]User
	sessions map[string]Session // key user/name
	messages map[string][]StoredMessage
	docs     map[string][]Document
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]User{},
		sessions: map[string]Session{},
		messages: map[string][]StoredMessage{},
		docs:     map[string][]Document{},
	}
}

func (s *memStore) Init(ctx context.Context) error { return nil }
func (s *memStore) Close() error                   { return nil }

func (s *memStore) GetOrCreateUser(ctx context.Context, username string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[username]; ok {
		return u, nil
	}
	u := User{ID: NewID(), Username: username, CreatedAt: NowUnix()}
	s.users[username] = u
	return u, nil
}

func (s *memStore) UserMemory(ctx context.Context, username string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[username].Memory, nil
}

func (s *memStore) SetUserMemory(ctx context.Context, username, memory string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		u = User{ID: NewID(), Username: username, CreatedAt: NowUnix()}
	}
	u.Memory = memory
	s.users[username] = u
	return nil
}

func (s *memStore) GetOrCreateSession(ctx context.Context, username, name string) (Session, error) {
	u, err := s.GetOrCreateUser(ctx, username)
	if err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := username + "/" + name
	if sess, ok := s.sessions[key]; ok {
		return sess, nil
	}
	sess := Session{ID: NewID(), UserID: u.ID, Name: name, CreatedAt: NowUnix()}
	s.sessions[key] = sess
	return sess, nil
}

func (s *memStore) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[sessionID] = append(s.messages[sessionID], StoredMessage{
		ID: NewID(), SessionID: sessionID, Role: role, Content: content, CreatedAt: NowUnix(),
	})
	return nil
}

func (s *memStore) Messages(ctx context.Context, sessionID string) ([]StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StoredMessage(nil), s.messages[sessionID]...), nil
}

func (s *memStore) ResetHistory(ctx context.Context, username, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := username + "/" + session
	if sess, ok := s.sessions[key]; ok {
		delete(s.messages, sess.ID)
		delete(s.sessions, key)
	}
	return nil
}

func (s *memStore) AddDocument(ctx context.Context, username, path, name string) (Document, error) {
	u, err := s.GetOrCreateUser(ctx, username)
	if err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := Document{ID: NewID(), UserID: u.ID, Path: path, Name: name, UploadedAt: NowUnix()}
	s.docs[username] = append(s.docs[username], d)
	return d, nil
}

func (s *memStore) Documents(ctx context.Context, username string) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Document(nil), s.docs[username]...), nil
}

func (s *memStore) ListSessions(ctx context.Context, username string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, sess := range s.sessions {
		if u, ok := s.users[username]; ok && sess.UserID == u.ID {
			names = append(names, sess.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *memStore) ListSessionsInfo(ctx context.Context, username string) ([]SessionInfo, error) {
	names, err := s.ListSessions(ctx, username)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var infos []SessionInfo
	for _, name := range names {
		sess := s.sessions[username+"/"+name]
		info := SessionInfo{Name: name}
		if msgs := s.messages[sess.ID]; len(msgs) > 0 {
			info.LastMessage = msgs[len(msgs)-1].Content
		}
		infos = append(infos, info)
	}
	return infos, nil
}

var _ Store = (*memStore)(nil)
var _ Provider = (*fakeProvider)(nil)
var _ Tool = (*funcTool)(nil)
