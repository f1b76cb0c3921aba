package workspace

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"

	"metaboliq/internal/logging"
)

// Watch reports external writes into the workspace directory. The
// kernel is the only sanctioned writer while a run is active; anything
// else touching the directory gets logged so a corrupted run can be
// traced back to its cause. Blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(s.path); err != nil {
		return err
	}

	log := logging.Get(logging.CategoryWorkspace)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			// The database and its WAL sidecars churn constantly
			// under our own writes.
			if strings.Contains(ev.Name, "workspace.db") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Warnw("external write in workspace", "path", ev.Name, "op", ev.Op.String())
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Errorw("watcher error", "error", err)
		}
	}
}
