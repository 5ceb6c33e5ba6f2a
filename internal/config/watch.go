package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 250 * time.Millisecond

// Reloader rebuilds a Config from its file. Load is the production value.
type Reloader func(path string) (*Config, error)

// Watch reloads the holder's config file whenever it changes on disk, until
// ctx is cancelled. The parent directory is watched so editors that replace
// the file by rename are still seen. A reload that fails to parse or
// validate is logged and the previous config stays in effect. onChange, if
// non-nil, runs after every successful reload.
func Watch(ctx context.Context, h *Holder, reload Reloader, onChange func(*Config), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if reload == nil {
		reload = Load
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	defer watcher.Close()

	path := filepath.Clean(h.Path())
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watching %s: %w", filepath.Dir(path), err)
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

			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}

			timerCh = timer.C

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", watchErr.Error()))

		case <-timerCh:
			timerCh = nil

			cfg, err := reload(path)
			if err != nil {
				logger.Warn("config reload rejected, keeping previous config",
					slog.String("path", path), slog.String("error", err.Error()))

				continue
			}

			rev := h.Update(cfg)
			logger.Info("config reloaded", slog.String("path", path), slog.Uint64("revision", rev))

			if onChange != nil {
				onChange(cfg)
			}
		}
	}
}
