package steward

import (
	"context"
	"strings"
	"time"
)

// Coalesce batches small string fragments from in into larger writes on
// out. A batch is flushed when it contains a newline, reaches maxSize, or
// interval elapses with data pending. out is closed after in closes and
// the final batch is flushed. Used to keep terminal streaming from turning
// every byte into a frame.
func Coalesce(ctx context.Context, in <-chan string, out chan<- string, interval time.Duration, maxSize int) {
	defer close(out)

	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if maxSize <= 0 {
		maxSize = 1024
	}

	var buf strings.Builder
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	flush := func() bool {
		if buf.Len() == 0 {
			return true
		}
		select {
		case out <- buf.String():
			buf.Reset()
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !flush() {
				return
			}
		case s, ok := <-in:
			if !ok {
				flush()
				return
			}
			buf.WriteString(s)
			if buf.Len() >= maxSize || strings.Contains(s, "\n") {
				if !flush() {
					return
				}
			}
		}
	}
}
