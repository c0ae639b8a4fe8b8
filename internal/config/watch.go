package config

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/gjson"
)

// Watch monitors the config file and invokes onMode whenever the
// loadBalancingMode key changes on disk. Editors often replace files
// with rename+create, so the path is re-added after such events.
// Returns immediately when the config has no backing file.
func (c *Config) Watch(ctx context.Context, logger *slog.Logger, onMode func(mode string)) error {
	if c.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(c.path); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer func() { _ = watcher.Close() }()

		lastMode := c.LoadBalancingMode
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if event.Op&fsnotify.Rename != 0 {
					// Re-arm after atomic replace; the new inode needs its own watch.
					time.Sleep(50 * time.Millisecond)
					_ = watcher.Add(c.path)
				}

				mode := readModeFromFile(c.path)
				if mode == "" || mode == lastMode {
					continue
				}
				if !ValidMode(mode) {
					logger.Warn("ignoring invalid loadBalancingMode from config file",
						"mode", mode,
					)
					continue
				}
				lastMode = mode
				logger.Info("loadBalancingMode changed on disk", "mode", mode)
				onMode(mode)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return nil
}

func readModeFromFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return gjson.GetBytes(data, "loadBalancingMode").String()
}
