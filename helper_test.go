package steward

import (
	"context"
	"strings"
	"testing"
	"time"
)

const helperTemplate = "You are helper {name}. Task: {details}. Context: {context}."

// helperProvider answers differently for the parent session and for helper
// sessions, keyed off the system prompt.
func helperProvider() *fakeProvider {
	return &fakeProvider{fn: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		if len(req.Messages) > 0 && req.Messages[0].Role == "system" {
			sys := req.Messages[0].Content
			if strings.Contains(sys, "You are helper") {
				return ChatResponse{Content: "pong"}, nil
			}
		}
		return ChatResponse{Content: "thanks"}, nil
	}}
}

func newHelperSession(t *testing.T, max int) *ChatSession {
	t.Helper()
	sess, err := NewSession(context.Background(), "alice", "main", helperProvider(), newMemStore(),
		WithSystemPrompt("You are the boss."),
		WithHelperAgents(max, helperTemplate))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sess.Close)
	return sess
}

func TestHelperSpawnLimits(t *testing.T) {
	sess := newHelperSession(t, 2)
	h := sess.Helpers()

	if got := h.Spawn("worker", "sort files", "home dir"); got != "Spawned worker" {
		t.Errorf("Spawn = %q", got)
	}
	if got := h.Spawn("worker", "x", "y"); got != "Agent worker already exists" {
		t.Errorf("duplicate Spawn = %q", got)
	}
	if got := h.Spawn("scout", "x", "y"); got != "Spawned scout" {
		t.Errorf("Spawn = %q", got)
	}
	if got := h.Spawn("extra", "x", "y"); got != "Agent limit reached" {
		t.Errorf("over-limit Spawn = %q", got)
	}

	names := h.Names()
	if len(names) != 2 {
		t.Errorf("Names = %v, want 2 helpers", names)
	}
}

func TestHelperTemplateRendering(t *testing.T) {
	sess := newHelperSession(t, 1)
	h := sess.Helpers()
	h.Spawn("worker", "sort files", "home dir")

	h.mu.Lock()
	a := h.agents["worker"]
	h.mu.Unlock()
	want := "You are helper worker. Task: sort files. Context: home dir."
	if a.sess.systemPrompt != want {
		t.Errorf("prompt = %q, want %q", a.sess.systemPrompt, want)
	}
	if a.sess.persist {
		t.Error("helper session must not persist its log")
	}
}

func TestHelperSendRoundTrip(t *testing.T) {
	sess := newHelperSession(t, 1)
	h := sess.Helpers()
	h.Spawn("worker", "answer pings", "")

	if got := h.Send(context.Background(), "worker", "ping", false); got != "pong" {
		t.Errorf("Send = %q, want pong", got)
	}
	if got := h.Send(context.Background(), "ghost", "ping", false); got != "Agent ghost not found" {
		t.Errorf("Send to unknown = %q", got)
	}
}

func TestHelperEnqueuedReplyReachesParent(t *testing.T) {
	sess := newHelperSession(t, 1)
	h := sess.Helpers()
	h.Spawn("worker", "answer pings", "")

	sink := make(chan Event, 8)
	sess.SetEventSink(sink)

	if got := h.Send(context.Background(), "worker", "ping", true); got != "pong" {
		t.Fatalf("Send = %q, want pong", got)
	}

	// The worker delivers the reply at the parent's idle point and the
	// parent reacts with one continuation turn.
	select {
	case ev := <-sink:
		if ev.Type != EventText || ev.Content != "thanks" {
			t.Errorf("sink event = %+v, want parent reaction", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("parent never reacted to the helper reply")
	}

	sess.msgMu.Lock()
	defer sess.msgMu.Unlock()
	found := false
	for _, m := range sess.messages {
		if m.Role == "tool" && m.Name == "worker" && m.Content == "pong" {
			found = true
		}
	}
	if !found {
		t.Error("helper reply missing from the parent log")
	}
}

func TestHelpersDestroyedOnClose(t *testing.T) {
	sess := newHelperSession(t, 1)
	h := sess.Helpers()
	h.Spawn("worker", "x", "y")

	sess.Close()

	if names := h.Names(); len(names) != 0 {
		t.Errorf("Names after Close = %v, want none", names)
	}
	if got := h.Send(context.Background(), "worker", "ping", false); got != "Agent worker not found" {
		t.Errorf("Send after Close = %q", got)
	}
}
