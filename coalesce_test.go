package steward

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestCoalesceFlushOnNewline(t *testing.T) {
	in := make(chan string)
	out := make(chan string, 8)
	go Coalesce(context.Background(), in, out, time.Hour, 1024)

	in <- "hel"
	in <- "lo\n"

	select {
	case got := <-out:
		if got != "hello\n" {
			t.Errorf("chunk = %q, want fragments joined", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no flush on newline")
	}
	close(in)
}

func TestCoalesceFlushOnSize(t *testing.T) {
	in := make(chan string)
	out := make(chan string, 8)
	go Coalesce(context.Background(), in, out, time.Hour, 8)

	in <- "aaaa"
	in <- "bbbb"

	select {
	case got := <-out:
		if got != "aaaabbbb" {
			t.Errorf("chunk = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no flush at max size")
	}
	close(in)
}

func TestCoalesceFlushOnTick(t *testing.T) {
	in := make(chan string)
	out := make(chan string, 8)
	go Coalesce(context.Background(), in, out, 10*time.Millisecond, 1024)

	in <- "partial"

	select {
	case got := <-out:
		if got != "partial" {
			t.Errorf("chunk = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no flush on tick")
	}
	close(in)
}

func TestCoalesceDrainsOnClose(t *testing.T) {
	in := make(chan string, 4)
	out := make(chan string, 8)
	in <- "tail"
	close(in)

	Coalesce(context.Background(), in, out, time.Hour, 1024)

	var parts []string
	for s := range out {
		parts = append(parts, s)
	}
	if strings.Join(parts, "") != "tail" {
		t.Errorf("drained = %q, want trailing data flushed", parts)
	}
}
