package config

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// StartFSWatcher watches configPath for write/create events using fsnotify
// and triggers the same reload path as the ticker-based StartWatcher,
// satisfying spec.md §6's watch_configuration option with event-driven
// reload instead of polling. Grounded on
// linkerd-linkerd2/pkg/credswatcher's watcher-loop shape (watch the event
// and error channels, select against ctx.Done()).
func (rc *ReloadableConfig) StartFSWatcher(ctx context.Context) error {
	if rc.configPath == "" {
		rc.logger.Warn("Configuration fs watch disabled: no config file specified")
		close(rc.doneCh)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		close(rc.doneCh)
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(rc.configPath); err != nil {
		close(rc.doneCh)
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	rc.logger.Info("Starting configuration fs watcher", "path", rc.configPath)
	defer close(rc.doneCh)

	for {
		select {
		case <-ctx.Done():
			rc.logger.Info("Configuration fs watcher stopped: context cancelled")
			return nil
		case <-rc.stopCh:
			rc.logger.Info("Configuration fs watcher stopped")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := rc.checkAndReload(); err != nil {
				rc.logger.Error("Failed to reload configuration", "error", err, "path", rc.configPath)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			rc.logger.Warn("fsnotify watcher error", "error", err)
		}
	}
}
