package steward

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func collectEvents(ch chan Event) []Event {
	var evs []Event
	for ev := range ch {
		evs = append(evs, ev)
	}
	return evs
}

func TestChatPlainTurn(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{fn: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		return ChatResponse{Content: "hello back"}, nil
	}}

	sess, err := NewSession(context.Background(), "alice", "main", provider, store)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	ch := make(chan Event, 16)
	if err := sess.Chat(context.Background(), "hello", nil, ch); err != nil {
		t.Fatal(err)
	}

	evs := collectEvents(ch)
	if len(evs) != 1 || evs[0].Type != EventText || evs[0].Content != "hello back" {
		t.Fatalf("events = %+v, want single text event", evs)
	}
	if got := sess.State(); got != StateIdle {
		t.Errorf("state = %q, want idle", got)
	}

	rows, _ := store.Messages(context.Background(), sess.sess.ID)
	if len(rows) != 2 || rows[0].Role != "user" || rows[1].Role != "assistant" {
		t.Fatalf("stored rows = %+v, want user+assistant", rows)
	}
}

func TestChatExtraMetadata(t *testing.T) {
	store := newMemStore()
	var prompt atomic.Value
	provider := &fakeProvider{fn: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		prompt.Store(lastMessage(req).Content)
		return ChatResponse{Content: "ok"}, nil
	}}

	sess, err := NewSession(context.Background(), "alice", "main", provider, store)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	ch := make(chan Event, 16)
	if err := sess.Chat(context.Background(), "hi", map[string]string{"source": "cli"}, ch); err != nil {
		t.Fatal(err)
	}
	collectEvents(ch)

	got, _ := prompt.Load().(string)
	if !strings.Contains(got, "hi\n\n") || !strings.Contains(got, `{"source":"cli"}`) {
		t.Errorf("prompt = %q, want metadata appended as JSON", got)
	}
}

func TestChatCallerCancelStillClosesChannel(t *testing.T) {
	store := newMemStore()
	gate := make(chan struct{})
	provider := &fakeProvider{fn: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		<-gate
		return ChatResponse{Content: "late answer"}, nil
	}}

	sess, err := NewSession(context.Background(), "alice", "main", provider, store)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan Event, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Chat(ctx, "hello", nil, ch) }()

	cancel()
	if err := <-errCh; err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// The turn finishes on its own schedule; a reader still ranging over
	// ch must unblock when it does.
	close(gate)
	drained := make(chan struct{})
	go func() {
		for range ch {
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("event channel never closed after the turn completed")
	}
}

func TestToolRoundTrip(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{fn: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		last := lastMessage(req)
		switch {
		case last.Role == "user":
			return ChatResponse{
				Content:   "checking",
				ToolCalls: []ToolCall{{Name: "calc", Args: json.RawMessage(`{"expr":"6*7"}`)}},
			}, nil
		case last.Role == "tool" && last.Content == DefaultToolPlaceholder:
			// Speculative follow-up; let the tool win the race.
			<-ctx.Done()
			return ChatResponse{}, ctx.Err()
		default:
			return ChatResponse{Content: "the answer is 42"}, nil
		}
	}}
	calc := simpleTool("calc", func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
		return ToolResult{Content: "42"}, nil
	})

	sess, err := NewSession(context.Background(), "alice", "main", provider, store, WithTools(calc))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	ch := make(chan Event, 16)
	if err := sess.Chat(context.Background(), "what is 6*7?", nil, ch); err != nil {
		t.Fatal(err)
	}
	evs := collectEvents(ch)

	wantTypes := []EventType{EventText, EventToolCallStart, EventToolCallResult, EventText}
	if len(evs) != len(wantTypes) {
		t.Fatalf("got %d events %+v, want %d", len(evs), evs, len(wantTypes))
	}
	for i, want := range wantTypes {
		if evs[i].Type != want {
			t.Errorf("event[%d].Type = %q, want %q", i, evs[i].Type, want)
		}
	}
	if evs[2].Content != "42" || evs[2].Name != "calc" {
		t.Errorf("tool result event = %+v, want 42 from calc", evs[2])
	}

	if n := sess.placeholderCount(); n != 0 {
		t.Errorf("placeholderCount = %d, want 0", n)
	}
	if got := sess.State(); got != StateIdle {
		t.Errorf("state = %q, want idle", got)
	}

	rows, _ := store.Messages(context.Background(), sess.sess.ID)
	if len(rows) != 4 {
		t.Fatalf("stored %d rows %+v, want 4", len(rows), rows)
	}
	if !strings.Contains(rows[1].Content, "tool_calls") {
		t.Errorf("assistant row = %q, want encoded tool calls", rows[1].Content)
	}
	if rows[2].Role != "tool" || rows[2].Content != "42" {
		t.Errorf("tool row = %+v, want real result, never the placeholder", rows[2])
	}
}

func TestFollowupNarrationBeforeToolResult(t *testing.T) {
	store := newMemStore()
	gate := make(chan struct{})
	provider := &fakeProvider{fn: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		last := lastMessage(req)
		switch {
		case last.Role == "user":
			return ChatResponse{ToolCalls: []ToolCall{{Name: "slow", Args: json.RawMessage(`{}`)}}}, nil
		case last.Role == "tool" && last.Content == DefaultToolPlaceholder:
			return ChatResponse{Content: "still working on it"}, nil
		default:
			return ChatResponse{Content: "done: 42"}, nil
		}
	}}
	slow := simpleTool("slow", func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
		select {
		case <-gate:
			return ToolResult{Content: "42"}, nil
		case <-ctx.Done():
			return ToolResult{}, ctx.Err()
		}
	})

	sess, err := NewSession(context.Background(), "alice", "main", provider, store, WithTools(slow))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	ch := make(chan Event)
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Chat(context.Background(), "run it", nil, ch) }()

	ev := <-ch
	if ev.Type != EventToolCallStart || ev.Name != "slow" {
		t.Fatalf("first event = %+v, want tool-call-start", ev)
	}
	ev = <-ch
	if ev.Type != EventText || ev.Content != "still working on it" {
		t.Fatalf("second event = %+v, want interim narration", ev)
	}

	close(gate)

	ev = <-ch
	if ev.Type != EventToolCallResult || ev.Content != "42" {
		t.Fatalf("third event = %+v, want tool result", ev)
	}
	ev = <-ch
	if ev.Type != EventText || ev.Content != "done: 42" {
		t.Fatalf("fourth event = %+v, want final reply", ev)
	}

	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	if n := sess.placeholderCount(); n != 0 {
		t.Errorf("placeholderCount = %d, want 0", n)
	}
	if got := sess.State(); got != StateIdle {
		t.Errorf("state = %q, want idle", got)
	}
}

func TestUnknownToolCall(t *testing.T) {
	store := newMemStore()
	var calls atomic.Int32
	provider := &fakeProvider{fn: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		calls.Add(1)
		return ChatResponse{ToolCalls: []ToolCall{{Name: "nope", Args: json.RawMessage(`{}`)}}}, nil
	}}

	sess, err := NewSession(context.Background(), "alice", "main", provider, store)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	ch := make(chan Event, 16)
	if err := sess.Chat(context.Background(), "do something", nil, ch); err != nil {
		t.Fatal(err)
	}
	evs := collectEvents(ch)

	if len(evs) != 1 || evs[0].Type != EventToolCallResult {
		t.Fatalf("events = %+v, want one tool-call-result", evs)
	}
	if evs[0].Content != "Unsupported tool: nope" {
		t.Errorf("result = %q, want unsupported-tool message", evs[0].Content)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("provider called %d times, want 1", n)
	}
	if got := sess.State(); got != StateIdle {
		t.Errorf("state = %q, want idle", got)
	}
}

func TestToolCallDepthCap(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{fn: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		last := lastMessage(req)
		if last.Role == "tool" && last.Content == DefaultToolPlaceholder {
			<-ctx.Done()
			return ChatResponse{}, ctx.Err()
		}
		// Always ask for another tool call; the depth cap must stop us.
		return ChatResponse{ToolCalls: []ToolCall{{Name: "loop", Args: json.RawMessage(`{}`)}}}, nil
	}}
	var execs atomic.Int32
	loop := simpleTool("loop", func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
		execs.Add(1)
		return ToolResult{Content: "ok"}, nil
	})

	sess, err := NewSession(context.Background(), "alice", "main", provider, store,
		WithTools(loop), WithMaxToolCallDepth(2))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	ch := make(chan Event, 64)
	if err := sess.Chat(context.Background(), "go", nil, ch); err != nil {
		t.Fatal(err)
	}
	collectEvents(ch)

	if n := execs.Load(); n != 2 {
		t.Errorf("tool executed %d times, want 2", n)
	}
	if got := sess.State(); got != StateIdle {
		t.Errorf("state = %q, want idle", got)
	}
}

func TestPromptDuringToolTakesOver(t *testing.T) {
	store := newMemStore()
	gate := make(chan struct{})
	started := make(chan struct{})
	provider := &fakeProvider{fn: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		last := lastMessage(req)
		switch {
		case last.Role == "user" && last.Content == "first":
			return ChatResponse{ToolCalls: []ToolCall{{Name: "slow", Args: json.RawMessage(`{}`)}}}, nil
		case last.Role == "user" && last.Content == "second":
			return ChatResponse{Content: "on it"}, nil
		case last.Role == "tool" && last.Content == DefaultToolPlaceholder:
			<-ctx.Done()
			return ChatResponse{}, ctx.Err()
		default:
			return ChatResponse{Content: "done"}, nil
		}
	}}
	slow := simpleTool("slow", func(ctx context.Context, args json.RawMessage) (ToolResult, error) {
		close(started)
		select {
		case <-gate:
			return ToolResult{Content: "42"}, nil
		case <-ctx.Done():
			return ToolResult{}, ctx.Err()
		}
	})

	sess, err := NewSession(context.Background(), "alice", "main", provider, store, WithTools(slow))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	ch1 := make(chan Event, 16)
	err1 := make(chan error, 1)
	go func() { err1 <- sess.Chat(context.Background(), "first", nil, ch1) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}

	ch2 := make(chan Event)
	err2 := make(chan error, 1)
	go func() { err2 <- sess.Chat(context.Background(), "second", nil, ch2) }()

	ev := <-ch2
	if ev.Type != EventText || ev.Content != "on it" {
		t.Fatalf("first event on second stream = %+v, want narration", ev)
	}

	close(gate)

	ev = <-ch2
	if ev.Type != EventToolCallResult || ev.Content != "42" {
		t.Fatalf("event = %+v, want the inherited tool result", ev)
	}
	ev = <-ch2
	if ev.Type != EventText || ev.Content != "done" {
		t.Fatalf("event = %+v, want final reply", ev)
	}

	if err := <-err2; err != nil {
		t.Fatal(err)
	}
	if err := <-err1; err != nil {
		t.Fatal(err)
	}
	collectEvents(ch2)
	collectEvents(ch1)

	if n := sess.placeholderCount(); n != 0 {
		t.Errorf("placeholderCount = %d, want 0", n)
	}
	if got := sess.State(); got != StateIdle {
		t.Errorf("state = %q, want idle", got)
	}
}

func TestPendingNotificationTriggersTurn(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{fn: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		return ChatResponse{Content: "noted"}, nil
	}}

	sess, err := NewSession(context.Background(), "alice", "main", provider, store)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	sink := make(chan Event, 8)
	sess.SetEventSink(sink)

	sess.PostPending(ToolMessage("notification", "build finished"))

	var got []Event
	deadline := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sink:
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out, events so far: %+v", got)
		}
	}

	if got[0].Type != EventNotification || got[0].Content != "build finished" {
		t.Errorf("event[0] = %+v, want the notification", got[0])
	}
	if got[1].Type != EventText || got[1].Content != "noted" {
		t.Errorf("event[1] = %+v, want the continuation reply", got[1])
	}
}

func TestPostReturnedFileReachesSinkAndModel(t *testing.T) {
	store := newMemStore()
	var saw atomic.Value
	provider := &fakeProvider{fn: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		saw.Store(lastMessage(req).Content)
		return ChatResponse{Content: "got it"}, nil
	}}

	sess, err := NewSession(context.Background(), "alice", "main", provider, store)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	sink := make(chan Event, 8)
	sess.SetEventSink(sink)

	sess.PostReturnedFile("report.pdf", []byte("binary"))

	// Expected order: the returned-file event, the queued tool message
	// surfacing as a notification, then the continuation reply.
	var got []Event
	deadline := time.After(5 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-sink:
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out, events so far: %+v", got)
		}
	}

	if got[0].Type != EventReturnedFile || got[0].Name != "report.pdf" || string(got[0].Data) != "binary" {
		t.Errorf("event[0] = %+v, want the returned file", got[0])
	}
	if got[2].Type != EventText || got[2].Content != "got it" {
		t.Errorf("event[2] = %+v, want the continuation reply", got[2])
	}
	content, _ := saw.Load().(string)
	if !strings.Contains(content, "report.pdf") || !strings.Contains(content, base64.StdEncoding.EncodeToString([]byte("binary"))) {
		t.Errorf("model message = %q, want name and base64 payload", content)
	}
}

func TestDecodeHistory(t *testing.T) {
	rows := []StoredMessage{
		{Role: "system", Content: "ignored"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: `{"content":"checking","tool_calls":[{"name":"calc","args":{}}]}`},
		{Role: "tool", Content: "42"},
		{Role: "assistant", Content: "plain reply"},
	}

	msgs := decodeHistory(rows)
	if len(msgs) != 4 {
		t.Fatalf("decoded %d messages, want 4 (system skipped)", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hi" {
		t.Errorf("msg[0] = %+v", msgs[0])
	}
	if msgs[1].Content != "checking" || len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].Name != "calc" {
		t.Errorf("msg[1] = %+v, want decoded tool calls", msgs[1])
	}
	if msgs[2].Role != "tool" || msgs[2].Content != "42" {
		t.Errorf("msg[2] = %+v", msgs[2])
	}
	if msgs[3].Content != "plain reply" || len(msgs[3].ToolCalls) != 0 {
		t.Errorf("msg[3] = %+v", msgs[3])
	}
}

func TestRequestMessagesInlinesMemory(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{fn: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		return ChatResponse{Content: "ok"}, nil
	}}
	mem := NewMemory(store, 1024, `{"facts":{}}`)
	if _, err := mem.Set(context.Background(), "alice", `{"facts":{"likes":"go"}}`); err != nil {
		t.Fatal(err)
	}

	sess, err := NewSession(context.Background(), "alice", "main", provider, store,
		WithSystemPrompt("You are a helpful agent."), WithMemory(mem))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()

	msgs := sess.requestMessages(context.Background())
	if len(msgs) == 0 || msgs[0].Role != "system" {
		t.Fatalf("messages = %+v, want leading system prompt", msgs)
	}
	if !strings.Contains(msgs[0].Content, "## User memory") || !strings.Contains(msgs[0].Content, "likes") {
		t.Errorf("system prompt = %q, want memory inlined", msgs[0].Content)
	}
}
