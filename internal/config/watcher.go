package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/fleetguard/internal/model"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands every
// valid new config to OnReload. Invalid edits are logged and skipped, so the
// running config stays in effect.
type Watcher struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration
	onReload func(model.Config)
}

func NewWatcher(path string, logger *slog.Logger, onReload func(model.Config)) *Watcher {
	return &Watcher{
		path:     path,
		logger:   logger.With("component", "config_watcher"),
		debounce: defaultDebounce,
		onReload: onReload,
	}
}

// Run watches until ctx is done. The directory is watched rather than the
// file because editors and AtomicWriteRaw replace the file by rename.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	name := filepath.Clean(w.path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)

		case <-fire:
			fire = nil
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Error("config reload rejected", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("config reloaded", "path", w.path)
			w.onReload(cfg)
		}
	}
}
