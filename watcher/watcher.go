// Package watcher watches a plugin directory and reports changed plugin
// binaries after a debounce window, driving hot reload.
package watcher

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/enclave-dev/enclave/logging/logger"
)

// DefaultDebounce collapses the burst of write events a compiler or
// copy produces into one notification.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reports settled changes to plugin shared objects in one
// directory. Deletions are not reported; a plugin removed on disk keeps
// running until stopped explicitly.
type Watcher struct {
	dir      string
	debounce time.Duration
	onChange func(path string)

	fw *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New watches dir and calls onChange with the changed file's path once
// writes to it have settled. A zero debounce uses DefaultDebounce.
func New(dir string, debounce time.Duration, onChange func(path string)) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("watcher: onChange must not be nil")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %v", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watcher: watch %s: %v", dir, err)
	}
	w := &Watcher{
		dir:      dir,
		debounce: debounce,
		onChange: onChange,
		fw:       fw,
		timers:   make(map[string]*time.Timer),
	}
	go w.loop()
	return w, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string { return w.dir }

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			if !isPluginFile(ev.Name) {
				continue
			}
			w.schedule(ev.Name)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logger.Warnf(nil, "watching %s: %v", w.dir, err)
		}
	}
}

func isPluginFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".so")
}

// schedule arms or rearms the per-file debounce timer.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			w.onChange(path)
		}
	})
}

// Close stops watching and cancels pending notifications.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
	return w.fw.Close()
}
