package config

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/blockdkit/blockdkit/internal/logger"
)

// WatchForChanges watches configPath and logs a restart-required warning
// on any write, since the pipeline composition is fixed at startup and
// does not hot-reload (per the wire front-end's fixed-composition
// design). Grounded on the fsnotify watch-loop shape in dittofs's
// `cmd/dittofs/commands/logs.go` followLogs, repurposed from tailing a
// log file to observing a config file.
func WatchForChanges(ctx context.Context, configPath string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					logger.Warn("config file changed on disk; restart blockdkitd to apply it", logger.Source(configPath))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", logger.Err(err))
			}
		}
	}()

	return nil
}
