package storage

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// RemovedFunc is called with the destination-relative name of a file that
// disappeared from a watched directory.
type RemovedFunc func(name string)

// Watch observes a local destination directory and reports files that are
// removed or renamed away until ctx is cancelled. Temporary files written by
// FS are ignored.
func Watch(ctx context.Context, dir string, logger *slog.Logger, onRemoved RemovedFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if err := w.Add(abs); err != nil {
		return err
	}
	logger.Info("watcher: started", slog.String("dir", abs))

	for {
		select {
		case <-ctx.Done():
			logger.Info("watcher: stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			rel, relErr := filepath.Rel(abs, ev.Name)
			if relErr != nil || strings.HasPrefix(filepath.Base(rel), ".") {
				continue
			}
			rel = filepath.ToSlash(rel)
			logger.Debug("watcher: artifact gone", slog.String("name", rel), slog.String("op", ev.Op.String()))
			if onRemoved != nil {
				onRemoved(rel)
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}
