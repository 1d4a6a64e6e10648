package queue

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch emits the id of every job file created or replaced in the queue
// directory until ctx is done. Updates land by rename, so ids repeat for
// every state change; receivers are expected to re-check job state.
func (q *Queue) Watch(ctx context.Context) (<-chan string, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create queue watcher: %w", err)
	}
	if err := w.Add(q.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch queue dir: %w", err)
	}

	ids := make(chan string, 64)
	go func() {
		defer close(ids)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
					continue
				}
				id := jobIDFromFile(filepath.Base(ev.Name))
				if id == "" {
					continue
				}
				select {
				case ids <- id:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "queue watcher error", "error", err)
			}
		}
	}()
	return ids, nil
}
