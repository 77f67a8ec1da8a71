package router

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// watcher turns writes to tailed transcripts into poll nudges. It watches
// parent directories so transcripts that do not exist yet are covered.
type watcher struct {
	fw     *fsnotify.Watcher
	logger *slog.Logger

	mu    sync.Mutex
	paths map[string]struct{}
	dirs  map[string]int
}

func newWatcher(logger *slog.Logger) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &watcher{
		fw:     fw,
		logger: logger,
		paths:  make(map[string]struct{}),
		dirs:   make(map[string]int),
	}, nil
}

func (w *watcher) add(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.paths[path]; ok {
		return
	}
	dir := filepath.Dir(path)
	if w.dirs[dir] == 0 {
		if err := w.fw.Add(dir); err != nil {
			w.logger.Debug("watch failed", "dir", dir, "err", err)
			return
		}
	}
	w.paths[path] = struct{}{}
	w.dirs[dir]++
}

func (w *watcher) remove(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.paths[path]; !ok {
		return
	}
	delete(w.paths, path)
	dir := filepath.Dir(path)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		_ = w.fw.Remove(dir)
	}
}

func (w *watcher) watched(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.paths[path]
	return ok
}

func (w *watcher) run(ctx context.Context, nudge func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				if w.watched(filepath.Clean(ev.Name)) {
					nudge()
				}
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Debug("watcher error", "err", err)
		}
	}
}

func (w *watcher) close() {
	_ = w.fw.Close()
}

func (r *Router) watchPath(path string) {
	if w := r.watcher.Load(); w != nil {
		w.add(filepath.Clean(path))
	}
}

func (r *Router) unwatchPath(path string) {
	if w := r.watcher.Load(); w != nil {
		w.remove(filepath.Clean(path))
	}
}
