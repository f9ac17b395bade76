// Package watcher detects changes to the on-disk server-config file and
// emits a single debounced event per burst of writes, including atomic
// rename-based saves (editors that write a temp file then rename over the
// target never fire a Write event on the original inode).
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/1mcp-app/agent/pkg/logging"
)

// DefaultDebounce matches the interval the rest of the pipeline assumes
// between a save and the resulting reload.
const DefaultDebounce = 500 * time.Millisecond

// Event is emitted once per coalesced burst of changes to the watched file.
type Event struct {
	Path string
}

// Watcher watches the directory containing a single config file and emits
// a debounced Event whenever that file is created, written, or replaced by
// a rename.
type Watcher struct {
	mu sync.Mutex

	path       string
	dir        string
	debounce   time.Duration
	fsWatcher  *fsnotify.Watcher
	events     chan Event
	stopCh     chan struct{}
	running    bool
	pendingMu  sync.Mutex
	pendingSet bool
	timer      *time.Timer
}

// New creates a Watcher for the given config file path. debounce <= 0 uses
// DefaultDebounce.
func New(path string, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		path:     path,
		dir:      filepath.Dir(path),
		debounce: debounce,
		events:   make(chan Event, 1),
	}
}

// Events returns the channel Event values are delivered on. Consumers should
// read continuously; the channel has a buffer of 1, and a debounced emission
// that arrives while the previous one is still undrained is dropped, since
// the event already pending tells the reader to reload.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start begins watching. It returns once the watch is established; event
// delivery continues in the background until ctx is cancelled or Stop is
// called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := fsWatcher.Add(w.dir); err != nil {
		fsWatcher.Close()
		w.mu.Unlock()
		return err
	}

	w.fsWatcher = fsWatcher
	w.stopCh = make(chan struct{})
	w.running = true
	w.mu.Unlock()

	go w.loop(ctx)

	logging.Info("watcher", "watching %s for changes to %s", w.dir, filepath.Base(w.path))
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	target := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			return
		case <-w.stopCh:
			w.cancelPending()
			return
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0:
				w.scheduleEmit()
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			logging.Error("watcher", err, "filesystem watcher error")
		}
	}
}

func (w *Watcher) scheduleEmit() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	w.pendingSet = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.emit)
}

func (w *Watcher) emit() {
	w.pendingMu.Lock()
	if !w.pendingSet {
		w.pendingMu.Unlock()
		return
	}
	w.pendingSet = false
	w.pendingMu.Unlock()

	select {
	case w.events <- Event{Path: w.path}:
	default:
		// A previous emission hasn't been drained yet; drop and let the
		// reader pick up the latest config on its next load regardless.
		logging.Warn("watcher", "event channel full, dropping duplicate change notification for %s", w.path)
	}
}

func (w *Watcher) cancelPending() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.pendingSet = false
}

// Stop gracefully stops the watcher. Safe to call multiple times.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)

	var err error
	if w.fsWatcher != nil {
		err = w.fsWatcher.Close()
		w.fsWatcher = nil
	}
	logging.Info("watcher", "stopped watching %s", w.path)
	return err
}
