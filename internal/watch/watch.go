// Copyright 2024 The UberFuzz Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package watch implements the per-slow-driver filesystem readiness
// sub-state (spec §4.5): a watch on a driver's working directory that
// arms a "ready" flag once stats.log has been observed to change twice.
package watch

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// statsLogName is the well-known filename whose modifications are
// significant; all other events in a watched directory are ignored.
const statsLogName = "stats.log"

// Entry is the per-slow-driver state tracked by the watcher. The
// invariant Ready == true => ModifiedCount >= 2 is maintained internally.
type Entry struct {
	FuzzerID      string
	ModifiedCount int
	Ready         bool
}

// Watcher owns a single fsnotify watcher multiplexed across every
// registered slow driver's working directory.
type Watcher struct {
	fsw     *fsnotify.Watcher
	entries map[string]*Entry // by fuzzer id
	dirs    map[string]string // watched dir (cleaned) -> fuzzer id
}

// New creates the underlying fsnotify watcher. Failure is a StartupError
// per spec §7.
func New() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsw:     fsw,
		entries: make(map[string]*Entry),
		dirs:    make(map[string]string),
	}, nil
}

// Register arms a watch on dir (a slow driver's working directory) for
// fuzzerID, initializing its Entry.
func (w *Watcher) Register(fuzzerID, dir string) error {
	clean := filepath.Clean(dir)
	if err := w.fsw.Add(clean); err != nil {
		return fmt.Errorf("watch: watching %s for %s: %w", dir, fuzzerID, err)
	}
	w.entries[fuzzerID] = &Entry{FuzzerID: fuzzerID}
	w.dirs[clean] = fuzzerID
	return nil
}

// Drain non-blockingly consumes every event currently queued, updating
// Entry.ModifiedCount/Ready per spec §4.5: the first observed modification
// of stats.log is the driver's own startup touch; only the second and
// later ones mean the driver has finished real work. A watcher read
// failure is fatal (spec §7).
func (w *Watcher) Drain() error {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch: reading fsnotify events: %w", err)
		default:
			return nil
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if filepath.Base(ev.Name) != statsLogName || !ev.Has(fsnotify.Write) {
		return
	}
	id, ok := w.dirs[filepath.Clean(filepath.Dir(ev.Name))]
	if !ok {
		return
	}
	entry := w.entries[id]
	entry.ModifiedCount++
	if entry.ModifiedCount > 1 {
		entry.Ready = true
	}
}

// Ready reports whether fuzzerID's Entry is currently ready for a
// deferred-batch dispatch.
func (w *Watcher) Ready(fuzzerID string) bool {
	e, ok := w.entries[fuzzerID]
	return ok && e.Ready
}

// ResetReady clears fuzzerID's ready flag after its batch has been
// dispatched, without touching ModifiedCount.
func (w *Watcher) ResetReady(fuzzerID string) {
	if e, ok := w.entries[fuzzerID]; ok {
		e.Ready = false
	}
}

// Entry returns a copy of fuzzerID's current state, for status reporting.
func (w *Watcher) Entry(fuzzerID string) (Entry, bool) {
	e, ok := w.entries[fuzzerID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// IDs returns every registered slow driver's fuzzer id.
func (w *Watcher) IDs() []string {
	ids := make([]string, 0, len(w.entries))
	for id := range w.entries {
		ids = append(ids, id)
	}
	return ids
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }
