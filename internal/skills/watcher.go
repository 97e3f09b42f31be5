package skills

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces editor save bursts into one reload.
const debounceWindow = 500 * time.Millisecond

// Watcher reloads the skill catalog when any skill root changes.
type Watcher struct {
	loader *Loader
	logger *slog.Logger
}

// NewWatcher creates a Watcher over the loader's roots.
func NewWatcher(loader *Loader, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{loader: loader, logger: logger}
}

// Start watches until ctx is cancelled. Roots that do not exist yet are
// skipped; callers re-run Start after creating them if live reload matters.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	watched := 0
	for _, dir := range []string{w.loader.bundledDir, w.loader.localDir, w.loader.workspaceDir} {
		if dir == "" {
			continue
		}
		if err := fsw.Add(dir); err == nil {
			watched++
		}
	}
	if watched == 0 {
		w.logger.Debug("skills watcher idle: no watchable roots")
		<-ctx.Done()
		return nil
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("skills watcher error", "error", err)
		case <-reload:
			if _, err := w.loader.Load(); err != nil {
				w.logger.Warn("skill reload failed", "error", err)
			} else {
				w.logger.Info("skill catalog reloaded", "count", len(w.loader.Catalog()))
			}
		}
	}
}
