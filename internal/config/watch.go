package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	appLog "calwatch/internal/log"
)

// DefaultWatchDebounce collapses the burst of events editors produce on save.
const DefaultWatchDebounce = 500 * time.Millisecond

// Watch reloads the config file whenever it changes and hands the new,
// validated config to onChange. Invalid configs are logged and skipped.
//
// The parent directory is watched rather than the file itself so that
// atomic replace-on-save (rename over the old file) keeps being observed.
// Watch blocks until ctx is canceled.
func Watch(ctx context.Context, path string, debounce time.Duration, onChange func(*Config)) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			appLog.Error("config watcher error", err, "path", target)

		case <-fire:
			cfg, err := LoadExisting(target)
			if err != nil {
				appLog.Error("config reload failed", err, "path", target)
				continue
			}
			if err := cfg.Validate(); err != nil {
				appLog.Error("config reload rejected", err, "path", target)
				continue
			}
			appLog.Info("config reloaded", "path", target, "sources", len(cfg.Sources))
			onChange(cfg)
		}
	}
}
