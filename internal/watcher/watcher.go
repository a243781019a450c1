// Package watcher monitors session workspaces for file changes and reports
// debounced change summaries.
package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// excludedDirs are directories too noisy to watch.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// ChangeCallback is called after a quiet period with the number of fs
// events observed since the last notification.
type ChangeCallback func(sessionID, workspacePath string, changeCount int)

// Watcher tracks one fsnotify watcher per session workspace.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*sessionWatcher
	callback ChangeCallback
}

type sessionWatcher struct {
	sessionID     string
	workspacePath string
	fsWatcher     *fsnotify.Watcher
	cancel        chan struct{}

	mu      sync.Mutex
	pending int
}

// New creates a Watcher delivering change summaries to callback.
func New(callback ChangeCallback) *Watcher {
	return &Watcher{
		watchers: make(map[string]*sessionWatcher),
		callback: callback,
	}
}

// Watch starts watching a session's workspace. A second Watch for the same
// session replaces the first.
func (w *Watcher) Watch(sessionID, workspacePath string) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	sw := &sessionWatcher{
		sessionID:     sessionID,
		workspacePath: workspacePath,
		fsWatcher:     fsW,
		cancel:        make(chan struct{}),
	}

	if err := addDirsRecursive(fsW, workspacePath); err != nil {
		fsW.Close()
		return err
	}

	w.mu.Lock()
	prev := w.watchers[sessionID]
	w.watchers[sessionID] = sw
	w.mu.Unlock()
	if prev != nil {
		close(prev.cancel)
		prev.fsWatcher.Close()
	}

	go w.watchLoop(sw)
	return nil
}

// Unwatch stops watching a session's workspace. Unknown sessions are a
// no-op.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(sw.cancel)
		sw.fsWatcher.Close()
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-sw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}

			// Newly created directories join the watch set.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					base := filepath.Base(event.Name)
					if !excludedDirs[base] && !isHidden(base) {
						sw.fsWatcher.Add(event.Name)
					}
				}
			}

			sw.mu.Lock()
			sw.pending++
			sw.mu.Unlock()

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				w.notify(sw)
			})

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Warn("workspace watcher error", "session_id", sw.sessionID, "error", err)
		}
	}
}

func (w *Watcher) notify(sw *sessionWatcher) {
	sw.mu.Lock()
	count := sw.pending
	sw.pending = 0
	sw.mu.Unlock()

	if count == 0 || w.callback == nil {
		return
	}
	w.callback(sw.sessionID, sw.workspacePath, count)
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify
// watcher, skipping excluded and hidden directories.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if excludedDirs[name] && path != dir {
			return filepath.SkipDir
		}
		if isHidden(name) && path != dir {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
