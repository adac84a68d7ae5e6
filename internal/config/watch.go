package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch observes the config file and calls onChange with the freshly loaded
// config whenever it is rewritten. Invalid intermediate states (editors often
// truncate-then-write) are skipped silently; only configs that pass Validate
// reach onChange. The watch ends when ctx is cancelled.
//
// The parent directory is watched rather than the file itself so the watch
// survives rename-replace saves.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	base := filepath.Base(path)

	go func() {
		defer watcher.Close()

		// Debounce: editors fire several events per save.
		var pending *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(200*time.Millisecond, func() {
					cfg, err := Load(path)
					if err != nil {
						log.Printf("CONFIG: reload skipped: %v", err)
						return
					}
					log.Printf("CONFIG: reloaded %s", path)
					onChange(cfg)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: watch error: %v", err)
			}
		}
	}()

	return nil
}
