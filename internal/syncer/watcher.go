package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// watcherDebounceInterval is how often the watcher checks for pending
	// filesystem events, batching rapid editor writes into one trigger.
	watcherDebounceInterval = 500 * time.Millisecond

	// watcherSettleDelay is how long a write must sit quiet before it
	// fires a trigger. Editors often write a file several times in a row.
	watcherSettleDelay = 300 * time.Millisecond
)

// triggerer is the one scheduler entry point the watcher uses.
type triggerer interface {
	Trigger() bool
}

// Watcher monitors the desired-state file and triggers a sync cycle
// when it changes. The parent directory is watched rather than the file
// itself, so atomic save-via-rename (the common editor pattern) is
// still observed.
type Watcher struct {
	path      string
	scheduler triggerer
	logger    *slog.Logger
}

// NewWatcher creates a watcher for the desired file.
func NewWatcher(path string, scheduler triggerer, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:      path,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Watch blocks until the context is cancelled, firing a scheduler
// trigger whenever the desired file settles after a change.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	w.logger.Info("desired file watcher started", slog.String("path", w.path))

	var pendingSince time.Time

	ticker := time.NewTicker(watcherDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				pendingSince = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if pendingSince.IsZero() || time.Since(pendingSince) < watcherSettleDelay {
				continue
			}

			pendingSince = time.Time{}

			if w.scheduler.Trigger() {
				w.logger.Info("desired file changed, sync triggered")
			} else {
				w.logger.Debug("desired file changed, sync already queued")
			}
		}
	}
}
