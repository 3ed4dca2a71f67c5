package library

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/xingzihai/listen-sync/internal/db"
)

// Watch keeps the catalog current with files added to or removed from the
// music directory out of band. It returns when ctx is done.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch music dir: %w", err)
	}
	l.log.Info("watching music dir", "dir", l.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			l.apply(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Warn("watcher error", "err", err)
		}
	}
}

func (l *Library) apply(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if !AllowedFile(name) {
		return
	}

	if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
		info, err := os.Stat(ev.Name)
		if err != nil || !info.Mode().IsRegular() {
			return
		}
		if err := l.catalog.UpsertTrack(trackFromInfo(info)); err != nil {
			l.log.Warn("index track failed", "name", name, "err", err)
			return
		}
		l.log.Debug("track indexed", "name", name)
	}
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		if err := l.catalog.DeleteTrack(name); err != nil && !errors.Is(err, db.ErrNotFound) {
			l.log.Warn("unindex track failed", "name", name, "err", err)
			return
		}
		l.log.Debug("track removed", "name", name)
	}
}
