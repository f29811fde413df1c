// Package watcher subscribes to filesystem change notifications under the
// configured roots and translates raw fsnotify events into index
// mutations, per spec.md §4.4.
//
// Grounded on the debounce-map pattern from
// other_examples/tchow-twistedxcom-agent-deck's fsnotify event loop: a
// per-path time.Timer collapses bursts of modify events into one
// stat-and-replace, gated by a mutex-guarded map instead of a rate
// limiter (the spec calls for coalescing, not throttling).
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"les/internal/entry"
	"les/internal/logging"
	"les/internal/scanner"
)

// ErrOverflow is logged (never returned to a caller) when the underlying
// notification queue overflows and a partial rescan is triggered.
var ErrOverflow = errors.New("watcher: event queue overflow")

// DebounceWindow collapses bursts of modify events on the same path into
// one stat-and-replace, per spec.md §4.4.
const DebounceWindow = 50 * time.Millisecond

// Mutation describes one index change derived from a raw fsnotify event.
// internal/daemon consumes these serially, applying Store then Index.
type Mutation struct {
	Op   MutationOp
	Path string
	// Entry is populated for Put mutations (create/modify); zero for
	// Delete mutations.
	Entry entry.Entry
}

type MutationOp int

const (
	OpPut MutationOp = iota
	OpDelete
	OpDeletePrefix
	// OpRescan asks the daemon to run a partial rescan of Path, used
	// when the notification queue overflows.
	OpRescan
)

// Watcher wraps an fsnotify.Watcher, recursively covering every directory
// under the configured roots (fsnotify itself is not recursive on Linux).
type Watcher struct {
	fsw      *fsnotify.Watcher
	roots    []string
	excludes []string
	logger   *logging.Logger

	mu         sync.Mutex
	watched    map[string]bool
	debounce   map[string]*time.Timer
	debounceWG sync.WaitGroup

	mutations chan Mutation
}

// New creates a Watcher and subscribes to every root and its
// subdirectories.
func New(roots, excludes []string, logger *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create: %w", err)
	}
	if logger == nil {
		logger = logging.Noop()
	}
	w := &Watcher{
		fsw:       fsw,
		roots:     roots,
		excludes:  excludes,
		logger:    logger,
		watched:   make(map[string]bool),
		debounce:  make(map[string]*time.Timer),
		mutations: make(chan Mutation, 1024),
	}
	for _, root := range roots {
		if err := w.addTree(root); err != nil {
			logger.LogWatchEvent("watch-add", root, err)
		}
	}
	return w, nil
}

// Mutations returns the channel of derived index mutations. The caller
// (internal/daemon) is the sole reader, applying them serially.
func (w *Watcher) Mutations() <-chan Mutation { return w.mutations }

// Run drains fsnotify's Events/Errors channels until ctx is canceled,
// translating events into Mutations per the table in spec.md §4.4.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.shutdownMutations()
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				w.shutdownMutations()
				return
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				w.shutdownMutations()
				return
			}
			w.handleError(err)
		}
	}
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if w.isExcluded(ev.Name) {
		return
	}

	switch {
	case ev.Op&fsnotify.Create != 0:
		w.onCreate(ctx, ev.Name)
	case ev.Op&fsnotify.Write != 0:
		w.onModifyDebounced(ev.Name)
	case ev.Op&fsnotify.Remove != 0:
		w.onDelete(ev.Name)
	case ev.Op&fsnotify.Rename != 0:
		// fsnotify reports the old name on rename-away; whether the new
		// name still falls under a watched root arrives as a separate
		// Create event for the destination path (this mirrors inotify's
		// IN_MOVED_FROM/IN_MOVED_TO pairing), so a Rename event alone is
		// always treated as delete(old) per spec.md §4.4's "rename out
		// of watched roots" row - the paired Create, if any, re-adds it.
		w.onDelete(ev.Name)
	}
}

// onCreate handles a fsnotify Create event. A new directory may already
// have children by the time the event is handled - a directory moved in
// from outside a watched root, or a "mkdir -p a/b && touch a/b/c" that
// completes before the watcher reacts - so a created directory is not just
// sub-watched, it is walked with the Scanner to populate entries for
// everything already inside it, per spec.md §4.4's create row.
func (w *Watcher) onCreate(ctx context.Context, path string) {
	info, err := os.Lstat(path)
	if err != nil {
		w.logger.LogWatchEvent("create", path, err)
		return
	}
	if info.IsDir() {
		if err := w.addTree(path); err != nil {
			w.logger.LogWatchEvent("create-subwatch", path, err)
		}
		w.emit(Mutation{Op: OpPut, Path: path, Entry: entry.Entry{
			Path: path, Kind: entry.KindDir, ModTime: info.ModTime().Unix(),
		}})
		if _, _, err := scanner.Scan(ctx, scanner.Config{
			Roots:    []string{path},
			Excludes: w.excludes,
			Logger:   w.logger,
		}, func(e entry.Entry) error {
			w.emit(Mutation{Op: OpPut, Path: e.Path, Entry: e})
			return nil
		}); err != nil {
			w.logger.LogWatchEvent("create-subtree-scan", path, err)
		}
		return
	}
	w.emit(Mutation{Op: OpPut, Path: path, Entry: entry.Entry{
		Path: path, Kind: entry.KindFile, Size: uint64(info.Size()), ModTime: info.ModTime().Unix(),
	}})
}

func (w *Watcher) onModifyDebounced(path string) {
	w.mu.Lock()
	if t, exists := w.debounce[path]; exists {
		if t.Stop() {
			w.debounceWG.Done()
		}
	}
	w.debounceWG.Add(1)
	w.debounce[path] = time.AfterFunc(DebounceWindow, func() {
		w.mu.Lock()
		delete(w.debounce, path)
		w.mu.Unlock()
		defer w.debounceWG.Done()
		w.applyModify(path)
	})
	w.mu.Unlock()
}

func (w *Watcher) applyModify(path string) {
	info, err := os.Lstat(path)
	if err != nil {
		// File may have been removed between the write event and the
		// debounce firing; treat as delete rather than logging an error.
		w.onDelete(path)
		return
	}
	if info.IsDir() {
		return
	}
	w.emit(Mutation{Op: OpPut, Path: path, Entry: entry.Entry{
		Path: path, Kind: entry.KindFile, Size: uint64(info.Size()), ModTime: info.ModTime().Unix(),
	}})
}

func (w *Watcher) onDelete(path string) {
	w.mu.Lock()
	wasDir := w.watched[path]
	delete(w.watched, path)
	w.mu.Unlock()

	if wasDir {
		_ = w.fsw.Remove(path)
		w.emit(Mutation{Op: OpDeletePrefix, Path: path})
		return
	}
	w.emit(Mutation{Op: OpDelete, Path: path})
}

func (w *Watcher) handleError(err error) {
	// fsnotify surfaces queue overflow as a plain error rather than a
	// typed sentinel on Linux (ENOSPC-style "too many open files" or a
	// dropped-event condition from the kernel's inotify queue); treat any
	// watcher-reported error as cause for a partial rescan of every root,
	// per spec.md §4.4's overflow handling.
	w.logger.LogWatchEvent("overflow", "", fmt.Errorf("%w: %w", ErrOverflow, err))
	for _, root := range w.roots {
		w.emit(Mutation{Op: OpRescan, Path: root})
	}
}

// addTree subscribes to dir and every non-excluded subdirectory beneath
// it, since fsnotify only watches the paths explicitly added.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			w.logger.LogWatchEvent("walk", path, err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.isExcluded(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.LogWatchEvent("add", path, err)
			return nil
		}
		w.mu.Lock()
		w.watched[path] = true
		w.mu.Unlock()
		return nil
	})
}

func (w *Watcher) isExcluded(path string) bool {
	for _, x := range w.excludes {
		if x != "" && strings.Contains(path, x) {
			return true
		}
	}
	return false
}

// emit delivers m to the mutations channel, blocking under backpressure
// rather than dropping it: spec.md §9 requires events arriving during a
// rebuild to be queued and applied afterward, never lost.
func (w *Watcher) emit(m Mutation) {
	w.mutations <- m
}

// shutdownMutations cancels pending debounce timers, waits for any
// already-firing debounce callback to finish (it may still call emit), and
// only then closes the mutations channel, so no send ever races a close.
func (w *Watcher) shutdownMutations() {
	w.mu.Lock()
	timers := w.debounce
	w.debounce = make(map[string]*time.Timer)
	w.mu.Unlock()

	for _, t := range timers {
		if t.Stop() {
			w.debounceWG.Done()
		}
	}
	w.debounceWG.Wait()
	close(w.mutations)
}
