package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watcher re-applies a policy file to a Store whenever the file changes.
type Watcher struct {
	path  string
	store *Store
	log   *slog.Logger
	// reloaded, if set, receives the result of every reload attempt.
	reloaded func(error)
}

func NewWatcher(path string, store *Store, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{path: filepath.Clean(path), store: store, log: log.With("component", "policy_watcher")}
}

// Sync applies the file once.
func (w *Watcher) Sync(ctx context.Context) error {
	p, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	next, changed, err := w.store.Apply(ctx, p, "file:"+filepath.Base(w.path))
	if err != nil {
		return err
	}
	if changed {
		w.log.Info("policy file applied", "path", w.path, "version", next.Version)
	}
	return nil
}

// Run watches the file's directory until ctx is done. Editors often replace
// files by rename, so the directory is watched rather than the file.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch policy directory: %w", err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			err := w.Sync(ctx)
			if err != nil {
				w.log.Error("policy reload failed, keeping current version", "path", w.path, "error", err)
			}
			if w.reloaded != nil {
				w.reloaded(err)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("policy watcher error", "error", err)
		}
	}
}
