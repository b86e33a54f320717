package lockfile

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Event is a single lockfile change notification delivered to a watcher.
type Event struct {
	// Record is the lockfile's content immediately after the change, or nil
	// if the file was removed (the session released or was reclaimed).
	Record *Record
}

// WatchHeartbeats notifies external, read-only callers (dashboard-style
// readers) of lockfile heartbeat and state changes without polling. It is
// file-backed rather than in-process, since a watcher typically lives in a
// different process than the session writing the lockfile. Errors reported
// by the underlying fsnotify watcher are ignored; the returned channel is
// closed only if fsnotify closes its own event or error channel. There is no
// cancellation handle because a watch is expected to live as long as its
// owning process does.
func WatchHeartbeats(lockPath string) (<-chan Event, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("lockfile: create watcher: %w", err)
	}

	dir := filepath.Dir(lockPath)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("lockfile: watch %s: %w", dir, err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer func() { _ = watcher.Close() }()

		l := &Lockfile{path: lockPath}
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != lockPath {
					continue
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					events <- Event{Record: nil}
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					record, err := l.Read()
					if err != nil {
						continue
					}
					events <- Event{Record: record}
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return events, nil
}
