package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// changeDebounce coalesces the burst of writes one transaction makes to the
// database and its WAL.
const changeDebounce = 100 * time.Millisecond

// WatchChanges calls onChange after the database file at path, or its WAL,
// is written by any process, until ctx is cancelled. Bursts are coalesced.
// The signal is advisory: it may fire for writes that queued nothing and may
// miss writes on filesystems without change notification, so callers must
// keep polling.
func WatchChanges(ctx context.Context, path string, onChange func(), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("store: creating watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("store: watching %s: %w", dir, err)
	}

	names := map[string]bool{
		path:              true,
		path + "-wal":     true,
		path + "-journal": true,
	}

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !names[filepath.Clean(ev.Name)] || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(changeDebounce)
			} else {
				timer.Reset(changeDebounce)
			}

			timerCh = timer.C

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("queue watcher error", slog.String("error", watchErr.Error()))

		case <-timerCh:
			timerCh = nil

			logger.Debug("queue database changed", slog.String("path", path))
			onChange()
		}
	}
}
