package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the jifen section of the config file into a JifenStore whenever
// the file is written. Subscribers of the store observe the change exactly once.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	path     string
	store    *JifenStore
	debounce time.Duration
	onError  func(error)
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	closed   bool
}

// NewWatcher creates a watcher for path. onError may be nil.
func NewWatcher(path string, store *JifenStore, onError func(error)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Watcher{
		watcher:  fw,
		path:     filepath.Clean(path),
		store:    store,
		debounce: 200 * time.Millisecond, // editors often write in several steps
		onError:  onError,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. It is non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running || w.closed {
		return nil
	}
	// Watch the directory: atomic saves replace the file and drop a file-level watch.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.running = true
	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit. A watcher that was never
// started is just closed.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	if wasRunning {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.watcher.Close(); err != nil {
		w.onError(err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.onError(err)
		case <-pending:
			pending = nil
			if err := w.Reload(); err != nil {
				w.onError(err)
			}
		}
	}
}

// Reload re-reads the jifen section and publishes it to the store.
func (w *Watcher) Reload() error {
	next, err := LoadJifenSettings(w.path)
	if err != nil {
		return err
	}
	w.store.Replace(next)
	return nil
}

// LoadJifenSettings reads only the jifen section of path, applying defaults and env overrides.
func LoadJifenSettings(path string) (JifenSettings, error) {
	raw, err := readRaw(path)
	if err != nil {
		return JifenSettings{}, fmt.Errorf("parse %s: %w", path, err)
	}
	s := DefaultJifenSettings()
	if jf, ok := raw["jifen"].(map[string]any); ok {
		s = parseJifenSection(jf, s)
	}
	return applyJifenEnv(s), nil
}
