// Package index implements the In-Memory Index: the authoritative query
// surface kept in sync with the Entry Store by the Scanner and Watcher.
//
// Concurrency discipline: a single sync.RWMutex guards the underlying map.
// Readers (queries) take a read lock only long enough to copy a snapshot
// slice via Snapshot; the rest of query evaluation runs lock-free against
// that private copy. Writers (Scanner, Watcher, serialized one at a time by
// internal/daemon) take the write lock for the duration of a single
// insert/remove. A query therefore holds the read lock only while its
// snapshot is copied, not for its whole evaluation; the snapshot is a full
// per-query copy rather than copy-on-write spine sharing, chosen for
// simplicity at the daemon's stated scale.
package index

import (
	"sync"

	"les/internal/entry"
)

// Index is a concurrent-safe collection of Entry records keyed by path.
type Index struct {
	mu      sync.RWMutex
	entries map[string]entry.Entry
}

// New returns an empty Index.
func New() *Index {
	return &Index{entries: make(map[string]entry.Entry)}
}

// InsertOrReplace adds e, replacing any existing entry for the same path.
func (idx *Index) InsertOrReplace(e entry.Entry) {
	idx.mu.Lock()
	idx.entries[e.Path] = e
	idx.mu.Unlock()
}

// Remove deletes the entry for path, if present.
func (idx *Index) Remove(path string) {
	idx.mu.Lock()
	delete(idx.entries, path)
	idx.mu.Unlock()
}

// RemovePrefix deletes every entry whose path equals dir or is nested under
// it (directory-boundary aware), used when a watched directory is deleted
// or renamed away. Returns the number of entries removed.
func (idx *Index) RemovePrefix(dir string) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	removed := 0
	for path, e := range idx.entries {
		if e.UnderRoot(dir) {
			delete(idx.entries, path)
			removed++
		}
	}
	return removed
}

// Get returns the entry for path, if present.
func (idx *Index) Get(path string) (entry.Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[path]
	return e, ok
}

// Len returns the number of entries currently held.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Snapshot copies every entry into a slice suitable for lock-free
// iteration by the Query Engine. The order of the returned slice is
// unspecified.
func (idx *Index) Snapshot() []entry.Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]entry.Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		out = append(out, e)
	}
	return out
}

// LoadFrom replaces the index's contents with every entry produced by
// scanAll, used at startup to rebuild the Index from the Store.
func (idx *Index) LoadFrom(scanAll func(func(entry.Entry) error) error) error {
	fresh := make(map[string]entry.Entry)
	err := scanAll(func(e entry.Entry) error {
		fresh[e.Path] = e
		return nil
	})
	if err != nil {
		return err
	}
	idx.mu.Lock()
	idx.entries = fresh
	idx.mu.Unlock()
	return nil
}

// Clear empties the index, used by --rebuild before a full rescan.
func (idx *Index) Clear() {
	idx.mu.Lock()
	idx.entries = make(map[string]entry.Entry)
	idx.mu.Unlock()
}
