package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cordum/hookbridge/core/infra/logging"
)

const watchDebounce = 100 * time.Millisecond

// Watch reloads the bridge config at path whenever the file changes and
// passes each successfully parsed version to onChange. Invalid edits are
// logged and skipped so the running config stays in force. Watch blocks
// until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*BridgeConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so the directory is watched.
	dir := filepath.Dir(path)
	target := filepath.Clean(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	debounce := time.NewTimer(watchDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(watchDebounce)
		case <-debounce.C:
			cfg, err := LoadBridgeConfig(path)
			if err != nil {
				logging.Warn("config", "ignoring invalid config change", "path", path, "error", err)
				continue
			}
			logging.Info("config", "config reloaded", "path", path)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("config", "watcher error", "error", err)
		}
	}
}
