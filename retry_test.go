package steward

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestWithRetryRecoversFromTransientErrors(t *testing.T) {
	var calls atomic.Int32
	inner := &fakeProvider{fn: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		if calls.Add(1) < 3 {
			return ChatResponse{}, &ErrHTTP{Status: 429, Body: "rate limited"}
		}
		return ChatResponse{Content: "ok"}, nil
	}}

	p := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))
	resp, err := p.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q", resp.Content)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	inner := &fakeProvider{fn: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		calls.Add(1)
		return ChatResponse{}, &ErrHTTP{Status: 503, Body: "unavailable"}
	}}

	p := WithRetry(inner, RetryMaxAttempts(2), RetryBaseDelay(time.Millisecond))
	if _, err := p.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("want error after exhausting attempts")
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestWithRetryDoesNotRetryPermanentErrors(t *testing.T) {
	var calls atomic.Int32
	inner := &fakeProvider{fn: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		calls.Add(1)
		return ChatResponse{}, &ErrHTTP{Status: 400, Body: "bad request"}
	}}

	p := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))
	if _, err := p.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("want error")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 400)", n)
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	err := &ErrHTTP{Status: 429, RetryAfter: time.Minute}
	if d := retryDelay(time.Millisecond, 0, err); d != time.Minute {
		t.Errorf("delay = %v, want the server's Retry-After", d)
	}

	// Without a Retry-After hint, exponential backoff applies.
	plain := &ErrHTTP{Status: 429}
	if d := retryDelay(time.Second, 1, plain); d < 2*time.Second {
		t.Errorf("delay = %v, want at least 2s backoff", d)
	}
}

func TestWithRetryStreamPassesThroughAfterTokens(t *testing.T) {
	var calls atomic.Int32
	inner := &fakeProvider{fn: func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		calls.Add(1)
		return ChatResponse{Content: "tok"}, &ErrHTTP{Status: 429}
	}}

	p := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))
	ch := make(chan string, 8)
	_, err := p.ChatStream(context.Background(), ChatRequest{}, ch)
	if err == nil {
		t.Fatal("want error")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1 (no retry once tokens flowed)", n)
	}
}
