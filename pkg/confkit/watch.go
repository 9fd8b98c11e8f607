package confkit

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Watcher reloads a config file when its modification time or size changes.
// Callers poll Load; a file that fails to parse keeps the last good value.
type Watcher[T any] struct {
	path   string
	loader func(string) (*T, error)

	mu      sync.Mutex
	modTime time.Time
	size    int64
	current *T
}

// NewWatcher loads path once and returns a watcher seeded with the result.
func NewWatcher[T any](path string, loader func(string) (*T, error)) (*Watcher[T], error) {
	w := &Watcher[T]{path: path, loader: loader}
	if _, _, err := w.Load(); err != nil {
		return nil, err
	}
	return w, nil
}

// Path returns the watched file.
func (w *Watcher[T]) Path() string { return w.path }

// Load returns the latest value and whether it changed since the previous
// call. On a parse error the previous value is returned with the error.
func (w *Watcher[T]) Load() (*T, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return w.current, false, fmt.Errorf("confkit: stat %s: %w", w.path, err)
	}
	if w.current != nil && info.ModTime().Equal(w.modTime) && info.Size() == w.size {
		return w.current, false, nil
	}
	v, err := w.loader(w.path)
	if err != nil {
		return w.current, false, err
	}
	w.current, w.modTime, w.size = v, info.ModTime(), info.Size()
	return v, true, nil
}
