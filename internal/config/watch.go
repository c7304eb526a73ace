package config

import (
	"context"
	"fmt"
	"path/filepath"

	"humanbrowse/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads path whenever it is written or replaced and hands valid
// configurations to onChange. Invalid files are logged and ignored. Watch
// blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer w.Close()

	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	// Watch the directory so atomic replaces by editors are seen.
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

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
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(target)
			if err != nil {
				logging.ConfigWarn("reload %s: %v", target, err)
				continue
			}
			if err := cfg.Validate(); err != nil {
				logging.ConfigWarn("reload %s rejected: %v", target, err)
				continue
			}
			logging.Config("reloaded %s", target)
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logging.ConfigWarn("config watcher: %v", err)
		}
	}
}
