// Package watcher turns file-system notifications under the sessions tree
// into coalesced "this session log changed" callbacks.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/highbeam/session-relay/internal/sessionparser"
)

// Watcher monitors the sessions directory recursively, filters out
// anything that is not a session log, debounces bursts of writes, and
// hands each changed file to onChange.
type Watcher struct {
	root      string
	window    time.Duration
	onChange  func(sessionparser.SessionFile)
	log       zerolog.Logger
	fsw       *fsnotify.Watcher
	filter    *Filter
	debouncer *Debouncer
	ready     chan struct{}
}

// New creates a Watcher for root. onChange runs on the debouncer's timer
// goroutines and must be safe for concurrent use.
func New(root string, window time.Duration, onChange func(sessionparser.SessionFile), log zerolog.Logger) *Watcher {
	return &Watcher{
		root:     root,
		window:   window,
		onChange: onChange,
		log:      log,
		filter:   NewFilter(nil),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the initial watches are in place.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Start watches root until ctx is cancelled. Call Stop for ordered
// teardown.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w.fsw = fsw
	w.debouncer = NewDebouncer(w.window, w.emit)

	if err := os.MkdirAll(w.root, 0755); err != nil {
		w.log.Warn().Err(err).Str("dir", w.root).Msg("create sessions dir")
	}
	if err := w.addRecursive(w.root, false); err != nil {
		w.log.Warn().Err(err).Str("dir", w.root).Msg("walk sessions dir")
	}
	close(w.ready)
	w.log.Debug().Str("dir", w.root).Int("dirs", len(fsw.WatchList())).Msg("watching sessions")

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

// Stop closes fsnotify, then emits whatever the debouncer still holds so
// no already-written lines are left untailed.
func (w *Watcher) Stop() {
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
	if w.debouncer != nil {
		w.debouncer.Stop()
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || w.filter.ShouldIgnore(rel) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// Files may land in a new directory before the watch is added.
			_ = w.addRecursive(ev.Name, true)
			return
		}
	}

	eventType := mapEventType(ev.Op)
	if eventType == "" || !w.filter.Accept(rel) {
		return
	}
	w.debouncer.Feed(Event{Path: ev.Name, Type: eventType, Timestamp: time.Now()})
}

// addRecursive watches every directory under dir. With feed set, session
// files already present are fed to the debouncer.
func (w *Watcher) addRecursive(dir string, feed bool) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip inaccessible entries
		}
		rel, _ := filepath.Rel(w.root, path)
		if rel != "." && w.filter.ShouldIgnore(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				w.log.Warn().Err(err).Str("dir", path).Msg("watch dir")
			}
			return nil
		}
		if feed && w.filter.Accept(rel) {
			w.debouncer.Feed(Event{Path: path, Type: "create", Timestamp: time.Now()})
		}
		return nil
	})
}

func (w *Watcher) emit(e Event) {
	sf, err := sessionparser.NewSessionFile(w.root, e.Path)
	if err != nil {
		return
	}
	w.log.Debug().Str("file", sf.Key).Str("type", e.Type).Int("notifications", e.Count).Msg("session changed")
	w.onChange(sf)
}

// mapEventType keeps the operations that can add lines to a file.
func mapEventType(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "modify"
	default:
		return "" // remove, rename, chmod
	}
}
