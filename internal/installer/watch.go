package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls fn with the current installed state, then again on every change,
// until ctx ends. The descriptor's directory must exist.
func (i *Installer) Watch(ctx context.Context, fn func(installed bool)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(i.rec.DescriptorPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %q: %w", dir, err)
	}

	last, err := i.IsInstalled()
	if err != nil {
		return err
	}
	fn(last)

	target := filepath.Clean(i.rec.DescriptorPath)
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
			now, err := i.IsInstalled()
			if err != nil {
				i.logger.Warn("stat descriptor", "error", err.Error())
				continue
			}
			if now != last {
				last = now
				fn(now)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if os.IsPermission(err) {
				return fmt.Errorf("watch %q: %w", dir, err)
			}
			i.logger.Warn("descriptor watch error", "error", err.Error())
		}
	}
}
