package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for a burst of writes to settle.
const DefaultDebounce = 2 * time.Second

// Watcher triggers a callback when landing files appear or change.
// Events are debounced so that a file copied in several writes triggers once.
type Watcher struct {
	dir      string
	debounce time.Duration
	fsw      *fsnotify.Watcher
}

// NewWatcher watches dir. A non-positive debounce uses DefaultDebounce.
func NewWatcher(dir string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	return &Watcher{dir: dir, debounce: debounce, fsw: fsw}, nil
}

// Run blocks until ctx is done, calling onChange after each settled burst of
// landing-file events. Callback errors are logged, not returned.
func (w *Watcher) Run(ctx context.Context, onChange func(context.Context) error) error {
	// Stop and Reset need no channel drain on go1.23+ timers.
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	slog.Info("[WATCH] Watching landing directory", "dir", w.dir, "debounce", w.debounce)
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !IsLandingFile(ev.Name) || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename)) {
				continue
			}
			slog.Debug("[WATCH] Event", "op", ev.Op.String(), "file", ev.Name)
			timer.Reset(w.debounce)

		case <-timer.C:
			if err := onChange(ctx); err != nil {
				slog.Error("[WATCH] Refresh failed", "error", err)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("[WATCH] Watcher error", "error", err)
		}
	}
}

// Close releases the underlying watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
