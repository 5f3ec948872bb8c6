package retrieve

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/OFFIS-RIT/chatkg/pkg/logger"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the store as soon as its file changes on disk instead of
// waiting for the next query. The parent directory is watched because
// atomic writes replace the file by rename. Watch returns once the watcher
// is registered; it stops when ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	target := filepath.Clean(e.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				e.invalidate()
				if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					logger.Warn("[Retrieve] graph data removed", "path", target)
					continue
				}
				if _, err := e.Store(ctx); err != nil {
					logger.Error("[Retrieve] reload after change failed", "path", target, "err", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("[Retrieve] watcher error", "err", err)
			}
		}
	}()

	logger.Debug("[Retrieve] watching graph data", "path", target)
	return nil
}
