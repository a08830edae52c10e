package steward

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration // parsed from the Retry-After header; 0 if absent
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value: either delay seconds
// ("120") or an HTTP date. Returns 0 for empty or unparseable values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ErrSandboxUnavailable reports a container that failed to start or an exec
// facility that failed catastrophically.
type ErrSandboxUnavailable struct {
	Name string
	Err  error
}

func (e *ErrSandboxUnavailable) Error() string {
	return fmt.Sprintf("sandbox %s unavailable: %v", e.Name, e.Err)
}

func (e *ErrSandboxUnavailable) Unwrap() error { return e.Err }

// ErrCopyFailed reports a failed file transfer into or out of a sandbox,
// including a post-copy verification miss.
type ErrCopyFailed struct {
	Src string
	Dst string
	Err error
}

func (e *ErrCopyFailed) Error() string {
	return fmt.Sprintf("copy %s -> %s: %v", e.Src, e.Dst, e.Err)
}

func (e *ErrCopyFailed) Unwrap() error { return e.Err }

// ErrBadRequest reports an unknown wire command or malformed arguments.
type ErrBadRequest struct {
	Message string
}

func (e *ErrBadRequest) Error() string { return e.Message }
