package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateUserIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u1, err := s.GetOrCreateUser(ctx, "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	u2, err := s.GetOrCreateUser(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u1.ID != u2.ID {
		t.Errorf("expected same user id, got %s and %s", u1.ID, u2.ID)
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.GetOrCreateSession(ctx, "alice", "main")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	for _, m := range []struct{ role, content string }{
		{"user", "hello"},
		{"assistant", "hi there"},
		{"tool", "ok"},
	} {
		if err := s.AppendMessage(ctx, sess.ID, m.role, m.content); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := s.Messages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[2].Content != "ok" {
		t.Errorf("order not preserved: %q ... %q", msgs[0].Content, msgs[2].Content)
	}
}

func TestUserMemory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mem, err := s.UserMemory(ctx, "nobody")
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if mem != "" {
		t.Errorf("expected empty memory for unknown user, got %q", mem)
	}

	if err := s.SetUserMemory(ctx, "alice", `{"facts":{}}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	mem, err = s.UserMemory(ctx, "alice")
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if mem != `{"facts":{}}` {
		t.Errorf("unexpected memory %q", mem)
	}
}

func TestResetHistoryCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.GetOrCreateSession(ctx, "alice", "main")
	s.GetOrCreateSession(ctx, "alice", "side")
	s.AppendMessage(ctx, a.ID, "user", "hello")

	if err := s.ResetHistory(ctx, "alice", "main"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	names, err := s.ListSessions(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 1 || names[0] != "side" {
		t.Errorf("expected [side], got %v", names)
	}
	msgs, _ := s.Messages(ctx, a.ID)
	if len(msgs) != 0 {
		t.Errorf("expected no messages after reset, got %d", len(msgs))
	}

	// Last session gone removes the user row too.
	if err := s.ResetHistory(ctx, "alice", "side"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	mem, _ := s.UserMemory(ctx, "alice")
	if mem != "" {
		t.Errorf("expected user row gone, memory %q", mem)
	}

	// Unknown session is a no-op.
	if err := s.ResetHistory(ctx, "alice", "missing"); err != nil {
		t.Errorf("reset unknown: %v", err)
	}
}

func TestListSessionsInfo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _ := s.GetOrCreateSession(ctx, "alice", "main")
	s.AppendMessage(ctx, sess.ID, "user", "first")
	s.AppendMessage(ctx, sess.ID, "assistant", "latest reply")
	s.GetOrCreateSession(ctx, "alice", "empty")

	infos, err := s.ListSessionsInfo(ctx, "alice")
	if err != nil {
		t.Fatalf("list info: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(infos))
	}
	if infos[0].Name != "main" || infos[0].LastMessage != "latest reply" {
		t.Errorf("unexpected info %+v", infos[0])
	}
	if infos[1].LastMessage != "" {
		t.Errorf("expected empty snippet for empty session, got %q", infos[1].LastMessage)
	}
}

func TestDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc, err := s.AddDocument(ctx, "alice", "/data/report.pdf", "report.pdf")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if doc.Name != "report.pdf" {
		t.Errorf("unexpected doc %+v", doc)
	}

	docs, err := s.Documents(ctx, "alice")
	if err != nil {
		t.Fatalf("documents: %v", err)
	}
	if len(docs) != 1 || docs[0].Path != "/data/report.pdf" {
		t.Errorf("unexpected docs %+v", docs)
	}
}
