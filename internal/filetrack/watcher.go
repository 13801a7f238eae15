package filetrack

import (
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/werkstatt/internal/logger"
)

// Watcher marks tracked paths dirty from filesystem events so a scan can
// skip the stat for paths nothing has touched. It is an optimization
// only: paths it does not cover fall back to the mtime check.
type Watcher struct {
	mu       sync.Mutex
	fs       *fsnotify.Watcher
	watching map[string]bool
	dirty    map[string]bool
	done     chan struct{}
	closed   sync.Once
}

// NewWatcher starts a filesystem watcher and its event-draining goroutine.
func NewWatcher() (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fs:       fs,
		watching: make(map[string]bool),
		dirty:    make(map[string]bool),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.mu.Lock()
			w.dirty[ev.Name] = true
			// Rename/remove may invalidate the watch; force the stat path
			// until a later Record re-adds it.
			if ev.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				delete(w.watching, ev.Name)
			}
			w.mu.Unlock()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logger.Warn("filetrack: watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

// Add starts watching path. Failures are tolerated; the path simply stays
// on the stat-based slow path.
func (w *Watcher) Add(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watching[path] {
		return
	}
	if err := w.fs.Add(path); err != nil {
		logger.Debug("filetrack: watch %s failed: %v", path, err)
		return
	}
	w.watching[path] = true
}

// Watching reports whether path is actively covered by the watcher.
func (w *Watcher) Watching(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watching[path]
}

// DrainDirty returns the set of paths with events since the last drain
// and resets it.
func (w *Watcher) DrainDirty() map[string]bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	dirty := w.dirty
	w.dirty = make(map[string]bool)
	return dirty
}

// Close stops the watcher. Idempotent.
func (w *Watcher) Close() error {
	var err error
	w.closed.Do(func() {
		close(w.done)
		err = w.fs.Close()
	})
	return err
}
