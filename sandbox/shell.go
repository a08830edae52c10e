package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward"
)

// PromptResponder supplies the answer typed into an interactive prompt the
// shell surfaced mid-command.
type PromptResponder func(ctx context.Context, prompt string) (string, error)

// DefaultResponder answers yes/no prompts with "y" and everything else
// (press-enter, pagers) with an empty line.
func DefaultResponder(_ context.Context, prompt string) (string, error) {
	if isYesNoPrompt(prompt) {
		return "y", nil
	}
	return "", nil
}

// shellChunk is one unit from the reader goroutine: a completed line, or a
// partial line flagged as an interactive prompt.
type shellChunk struct {
	text   string
	prompt bool
}

// Shell is a persistent interactive bash session inside a container.
// Commands are serialized; each one is terminated by a unique sentinel echo
// so the transcript boundary is exact even with prompts in between.
type Shell struct {
	w         io.WriteCloser
	typeDelay time.Duration
	logger    *slog.Logger

	mu sync.Mutex // one command at a time

	chunks    chan shellChunk
	closed    chan struct{}
	closeOnce sync.Once
}

func newShell(w io.WriteCloser, r io.Reader, typeDelay time.Duration, logger *slog.Logger) *Shell {
	if typeDelay <= 0 {
		typeDelay = 50 * time.Millisecond
	}
	s := &Shell{
		w:         w,
		typeDelay: typeDelay,
		logger:    logger,
		chunks:    make(chan shellChunk, 256),
		closed:    make(chan struct{}),
	}
	go s.readLoop(r)
	return s
}

// readLoop consumes PTY output byte by byte. Lines are emitted on newline.
// A partial line is emitted as a prompt when it matches the unambiguous
// prompt forms, or when it matches the broad grammar and the stream has
// stalled on it. An ordinary line like "error: file not found" passes
// through a mid-line colon with more bytes already buffered, so checking
// the broad rules only on a stall keeps it intact.
func (s *Shell) readLoop(r io.Reader) {
	br := bufio.NewReader(r)
	var line strings.Builder
	for {
		c, err := br.ReadByte()
		if err != nil {
			if line.Len() > 0 {
				s.emit(shellChunk{text: line.String()})
			}
			s.Close()
			return
		}
		switch c {
		case '\r':
			// PTY line endings arrive as \r\n.
		case '\n':
			s.emit(shellChunk{text: line.String()})
			line.Reset()
		default:
			line.WriteByte(c)
			cur := line.String()
			if isImmediatePrompt(cur) || (br.Buffered() == 0 && IsInteractivePrompt(cur)) {
				s.emit(shellChunk{text: cur, prompt: true})
				line.Reset()
			}
		}
	}
}

func (s *Shell) emit(c shellChunk) {
	select {
	case s.chunks <- c:
	case <-s.closed:
	}
}

// Run executes command and returns its tail-limited transcript. onLine,
// when non-nil, receives each output line as it arrives. Interactive
// prompts are routed to respond and the answer is typed back into the PTY.
func (s *Shell) Run(ctx context.Context, command string, onLine func(string), respond PromptResponder) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if respond == nil {
		respond = DefaultResponder
	}

	sentinel := "__CMD_DONE_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "__"
	if _, err := fmt.Fprintf(s.w, "%s; echo %s\n", command, sentinel); err != nil {
		return "", err
	}

	var transcript strings.Builder
	appendLine := func(text string) {
		transcript.WriteString(text)
		transcript.WriteByte('\n')
		if onLine != nil {
			onLine(text)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return steward.LimitOutput(transcript.String(), 0), ctx.Err()
		case <-s.closed:
			// The reader emits everything before closing; drain what is
			// still buffered so tail output is not lost.
			for {
				select {
				case c := <-s.chunks:
					if strings.TrimSpace(c.text) == sentinel {
						return steward.LimitOutput(transcript.String(), 0), nil
					}
					if !strings.Contains(c.text, sentinel) {
						appendLine(c.text)
					}
				default:
					return steward.LimitOutput(transcript.String(), 0), io.EOF
				}
			}
		case c := <-s.chunks:
			switch {
			case c.prompt:
				appendLine(c.text)
				answer, err := respond(ctx, c.text)
				if err != nil {
					return steward.LimitOutput(transcript.String(), 0), err
				}
				if _, err := fmt.Fprintf(s.w, "%s\n", answer); err != nil {
					return steward.LimitOutput(transcript.String(), 0), err
				}
			case strings.TrimSpace(c.text) == sentinel:
				return steward.LimitOutput(transcript.String(), 0), nil
			case strings.Contains(c.text, sentinel):
				// The PTY echoes the command line itself; drop it.
			default:
				appendLine(c.text)
			}
		}
	}
}

// SendInput writes data directly to the PTY.
func (s *Shell) SendInput(data string) error {
	_, err := io.WriteString(s.w, data)
	return err
}

// SendKeys types data one character at a time with a delay between
// keystrokes, for programs that buffer per-key input.
func (s *Shell) SendKeys(ctx context.Context, data string, delay time.Duration) error {
	if delay <= 0 {
		delay = s.typeDelay
	}
	for _, c := range data {
		if _, err := io.WriteString(s.w, string(c)); err != nil {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close shuts the PTY connection down. Safe to call more than once.
func (s *Shell) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.w.Close()
	})
}

// IsInteractivePrompt reports whether line looks like a program waiting for
// keyboard input. Matching is case-insensitive over the trimmed line:
//
//   - ends with "(y/n)", "[y/n]", or "yes/no?"
//   - ends with "?"
//   - ends with ">" and mentions "enter"
//   - ends with ":" and either mentions "password" or carries no "//"
//     (which would indicate a URL, not a prompt)
func IsInteractivePrompt(line string) bool {
	l := strings.ToLower(strings.TrimSpace(line))
	if l == "" {
		return false
	}
	switch {
	case strings.HasSuffix(l, "(y/n)"), strings.HasSuffix(l, "[y/n]"), strings.HasSuffix(l, "yes/no?"):
		return true
	case strings.HasSuffix(l, "?"):
		return true
	case strings.HasSuffix(l, ">") && strings.Contains(l, "enter"):
		return true
	case strings.HasSuffix(l, ":") && (strings.Contains(l, "password") || !strings.Contains(l, "//")):
		return true
	}
	return false
}

// isImmediatePrompt holds the unambiguous subset of the prompt grammar,
// safe to match on every byte: confirmation suffixes, a trailing question
// mark, and password prompts. The bare ":" rule is excluded because it
// fires on any partial line with a mid-line colon.
func isImmediatePrompt(line string) bool {
	l := strings.ToLower(strings.TrimSpace(line))
	if l == "" {
		return false
	}
	switch {
	case strings.HasSuffix(l, "(y/n)"), strings.HasSuffix(l, "[y/n]"), strings.HasSuffix(l, "yes/no?"):
		return true
	case strings.HasSuffix(l, "?"):
		return true
	case strings.HasSuffix(l, ":") && strings.Contains(l, "password"):
		return true
	}
	return false
}

// isYesNoPrompt reports whether prompt asks for confirmation.
func isYesNoPrompt(prompt string) bool {
	l := strings.ToLower(strings.TrimSpace(prompt))
	return strings.HasSuffix(l, "(y/n)") || strings.HasSuffix(l, "[y/n]") || strings.HasSuffix(l, "yes/no?")
}
