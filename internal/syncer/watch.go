package syncer

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Triggerer is anything that can be asked to drain soon.
type Triggerer interface {
	Trigger()
}

// WatchFile calls t.Trigger whenever the file at path is written or
// replaced, for example when another process enqueues into a shared file
// queue. The parent directory is watched so atomic renames are seen. The
// returned channel is closed once the watcher has stopped after ctx is done.
func WatchFile(ctx context.Context, path string, t Triggerer, logger Logger) (<-chan struct{}, error) {
	target, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("syncer: watch %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("syncer: watch %s: %w", path, err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("syncer: watch %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					t.Trigger()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Printf("queue watcher error: %v", err)
				}
			}
		}
	}()
	return done, nil
}
