package deploy

import (
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"elisa/internal/logging"
)

// watchDebounce coalesces bursts of writes into one refresh notification.
const watchDebounce = 250 * time.Millisecond

// Watcher reports source changes under a preview root so the deploy phase
// can announce refreshes.
type Watcher struct {
	root     string
	fsw      *fsnotify.Watcher
	onChange func(path string)

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
	closed  bool
}

// WatchPreview watches root and its subdirectories. onChange receives
// root-relative paths, debounced.
func WatchPreview(root string, onChange func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{root: root, fsw: fsw, onChange: onChange, pending: make(map[string]bool)}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if name := d.Name(); name == ".git" || name == "node_modules" || strings.HasPrefix(name, ".elisa") {
				return filepath.SkipDir
			}
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				// New directories must join the watch set.
				w.fsw.Add(ev.Name)
			}
			w.record(relPath(w.root, ev.Name))
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("preview watcher", "error", err)
		}
	}
}

func (w *Watcher) record(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending[path] = true
	if w.timer == nil {
		w.timer = time.AfterFunc(watchDebounce, w.flush)
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]bool)
	w.timer = nil
	closed := w.closed
	w.mu.Unlock()

	if closed || w.onChange == nil {
		return
	}
	for _, p := range paths {
		w.onChange(p)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return w.fsw.Close()
}
