package sandbox

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReturnWatcher pushes files out of a return directory as they appear.
// It prefers inotify events and degrades to polling when the watch cannot
// be established (e.g. network filesystems). Each file is moved to the
// processed directory, read, deleted, and handed to the callback.
type ReturnWatcher struct {
	dir       string
	processed string
	interval  time.Duration
	callback  func(name string, data []byte) error
	logger    *slog.Logger
}

// NewReturnWatcher builds a watcher over dir. interval is the polling
// fallback period (and the periodic sweep even when inotify works, so
// files written before the watch started are not missed).
func NewReturnWatcher(dir, processed string, interval time.Duration, callback func(name string, data []byte) error, logger *slog.Logger) *ReturnWatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &ReturnWatcher{
		dir:       dir,
		processed: processed,
		interval:  interval,
		callback:  callback,
		logger:    logger,
	}
}

// Run watches until ctx is cancelled. Callback errors are logged and
// swallowed; the watch never dies on a bad file.
func (w *ReturnWatcher) Run(ctx context.Context) {
	_ = os.MkdirAll(w.dir, 0o755)

	fw, err := fsnotify.NewWatcher()
	if err == nil {
		err = fw.Add(w.dir)
	}
	if err != nil {
		w.logger.Warn("return watcher: inotify unavailable, polling", "dir", w.dir, "error", err)
		w.poll(ctx)
		return
	}
	defer fw.Close()

	// Pick up anything already there.
	w.sweep()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				w.poll(ctx)
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.sweep()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				w.poll(ctx)
				return
			}
			w.logger.Error("return watcher: watch error", "error", err)
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *ReturnWatcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep processes the queue in name order.
func (w *ReturnWatcher) sweep() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Error("return watcher: read dir failed", "dir", w.dir, "error", err)
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		w.process(name)
	}
}

func (w *ReturnWatcher) process(name string) {
	src := filepath.Join(w.dir, name)
	dst := filepath.Join(w.processed, name)

	if err := os.MkdirAll(w.processed, 0o755); err != nil {
		w.logger.Error("return watcher: mkdir failed", "dir", w.processed, "error", err)
		return
	}
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			// Another drainer claimed the file first.
			return
		}
		w.logger.Error("return watcher: move failed", "file", name, "error", err)
		return
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		w.logger.Error("return watcher: read failed", "file", name, "error", err)
		return
	}
	_ = os.Remove(dst)

	if err := w.callback(name, data); err != nil {
		w.logger.Error("return watcher: callback failed", "file", name, "error", err)
	}
}
