package store

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeWatcher turns filesystem writes to the store file into an event
// stream. It lets the signal bus react immediately to extension writes
// instead of waiting for the next poll tick; the polling loop stays as
// the fallback because rename-based writes can be missed under load.
type ChangeWatcher struct {
	storePath string
	logger    *zap.Logger
}

// NewChangeWatcher creates a watcher for the given store file.
func NewChangeWatcher(storePath string, logger *zap.Logger) *ChangeWatcher {
	return &ChangeWatcher{storePath: storePath, logger: logger}
}

// Watch returns a channel that receives an event whenever the store
// file changes. The channel is closed when ctx is canceled.
func (w *ChangeWatcher) Watch(ctx context.Context) (<-chan struct{}, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: the store is replaced via rename, so watching
	// the file itself would lose the watch after the first write.
	dir := filepath.Dir(w.storePath)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	events := make(chan struct{}, 1)

	go func() {
		defer fw.Close()
		defer close(events)

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Name != w.storePath {
					continue
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
					continue
				}
				// Coalesce: drop the event if one is already pending.
				select {
				case events <- struct{}{}:
				default:
				}

			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("store watcher error", zap.Error(err))
			}
		}
	}()

	return events, nil
}
