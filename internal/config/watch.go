package config

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/meawoppl/claude-code-portal-sub000/internal/logging"
)

// Watch watches the global config file for changes and invokes onReload
// with a freshly-loaded Config after each debounced change. It blocks
// until ctx is cancelled. Used by the backend to pick up changes to the
// tunables (pending-queue limits, heartbeat timeout, etc.) without a
// restart.
func Watch(ctx context.Context, directory string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	globalDir := GetPaths().Config
	if err := watcher.Add(globalDir); err != nil {
		return err
	}

	const debounce = 200 * time.Millisecond
	var timer *time.Timer
	reload := func() {
		cfg, err := Load(directory)
		if err != nil {
			logging.Warn().Err(err).Msg("config reload failed")
			return
		}
		onReload(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn().Err(err).Msg("config watcher error")
		}
	}
}
