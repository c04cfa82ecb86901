package alert

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher follows a published state file from another process and emits
// each new vector. The parent directory is watched because publishes
// replace the file by rename.
type Watcher struct {
	path      string
	fsWatcher *fsnotify.Watcher
	updates   chan State
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	last State
	seen bool
}

// NewWatcher starts watching path. If the file already exists its current
// vector is delivered first.
func NewWatcher(path string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{
		path:      path,
		fsWatcher: fsWatcher,
		updates:   make(chan State, 16),
		errors:    make(chan error, 4),
		done:      make(chan struct{}),
	}

	w.reload()
	go w.run()

	return w, nil
}

// Updates delivers vectors that differ from the previously delivered one.
func (w *Watcher) Updates() <-chan State {
	return w.updates
}

// Errors delivers watch and parse failures. Slow readers lose errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
	})
	return err
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				w.reload()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

func (w *Watcher) reload() {
	state, err := ReadStateFile(w.path)
	if err != nil {
		// The file may be mid-replace or not yet created.
		return
	}

	w.mu.Lock()
	if w.seen && w.last == state {
		w.mu.Unlock()
		return
	}
	w.last = state
	w.seen = true
	w.mu.Unlock()

	select {
	case w.updates <- state:
	case <-w.done:
	}
}

func (w *Watcher) reportError(err error) {
	select {
	case w.errors <- err:
	default:
	}
}
