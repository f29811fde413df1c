// Package scanner implements the recursive directory traversal that
// populates the Entry Store and In-Memory Index, per spec.md §4.3.
//
// Grounded on the teacher's indexer.BuildIndex/BuildPathIndex worker-pool
// shape, reworked from the teacher's fixed 5-worker channel+WaitGroup pool
// into an errgroup in the style of hupe1980-vecgo: every subdirectory walk
// and every file stat-and-emit runs on its own errgroup goroutine, and a
// semaphore of configurable weight bounds how many emit calls run at once.
package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"les/internal/entry"
	"les/internal/logging"
)

// DefaultWorkers is used when Config.Workers is zero.
const DefaultWorkers = 5

// EmitFunc receives one discovered entry. Implementations (Store+Index
// writers) must be safe to call from multiple goroutines concurrently, or
// Scanner must be configured with Workers=1.
type EmitFunc func(entry.Entry) error

// Config controls a single Scan invocation.
type Config struct {
	Roots    []string
	Excludes []string
	Workers  int
	Logger   *logging.Logger
}

// visitKey identifies a filesystem object by (device, inode) to break
// symlink loops.
type visitKey struct {
	dev, ino uint64
}

// walkState carries the values every recursive step needs, so per-call
// argument lists stay short.
type walkState struct {
	ctx      context.Context
	root     string
	excludes []string
	visited  map[visitKey]bool
	mu       *sync.Mutex
	sem      *semaphore.Weighted
	g        *errgroup.Group
	emit     EmitFunc
	logger   *logging.Logger

	countMu      sync.Mutex
	indexedCount int
	skippedCount int
}

func (w *walkState) bump(indexed, skipped int) {
	w.countMu.Lock()
	w.indexedCount += indexed
	w.skippedCount += skipped
	w.countMu.Unlock()
}

// Scan walks every root, invoking emit for each non-excluded file and
// directory found beneath it. The root path itself is not emitted — only
// scanning a root as a child of some other configured root indexes it — so
// a root passed only via Roots never appears as an entry of itself. Scan
// follows a symlink to a file only when its target resolves within the
// root being walked; a target under a different configured root is
// skipped, and symlinks to directories are not descended into. Scan is
// idempotent: running it twice on an unchanged tree invokes emit with
// identical entries.
func Scan(ctx context.Context, cfg Config, emit EmitFunc) (indexed int, skipped int, err error) {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Noop()
	}
	logger.LogScanStart(cfg.Roots)

	g, gctx := errgroup.WithContext(ctx)
	w := &walkState{
		ctx:      gctx,
		excludes: cfg.Excludes,
		visited:  make(map[visitKey]bool),
		mu:       &sync.Mutex{},
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		g:        g,
		emit:     emit,
		logger:   logger,
	}

	for _, r := range cfg.Roots {
		root := filepath.Clean(r)
		g.Go(func() error {
			return walkDir(w, root, root, false)
		})
	}

	waitErr := g.Wait()
	logger.LogScanDone(w.indexedCount, w.skippedCount, waitErr)
	return w.indexedCount, w.skippedCount, waitErr
}

// walkDir recursively processes dir (rooted at root, for exclusion and
// symlink-containment checks). When emitSelf is true it first emits dir as
// a directory entry; it then fans dir's file and subdirectory children out
// onto the worker pool. The top-level call for each configured root passes
// emitSelf=false so a root is indexed only when it is also a child of some
// other root, per the Scan doc comment.
func walkDir(w *walkState, root, dir string, emitSelf bool) error {
	if excluded(dir, w.excludes) {
		return nil
	}

	info, err := os.Lstat(dir)
	if err != nil {
		w.bump(0, 1)
		return nil
	}

	resolved, key, ok := resolveSymlink(dir, info, root)
	if !ok {
		w.bump(0, 1)
		return nil
	}
	if key != (visitKey{}) {
		w.mu.Lock()
		already := w.visited[key]
		w.visited[key] = true
		w.mu.Unlock()
		if already {
			return nil
		}
	}

	dirInfo, err := os.Stat(resolved)
	if err != nil || !dirInfo.IsDir() {
		w.bump(0, 1)
		return nil
	}

	if emitSelf {
		if err := w.sem.Acquire(w.ctx, 1); err != nil {
			return err
		}
		emitErr := w.emit(entry.Entry{
			Path:    dir,
			Kind:    entry.KindDir,
			Size:    0,
			ModTime: dirInfo.ModTime().Unix(),
		})
		w.sem.Release(1)
		if emitErr != nil {
			return fmt.Errorf("scanner: emit %q: %w", dir, emitErr)
		}
		w.bump(1, 0)
	}

	dirents, err := os.ReadDir(resolved)
	if err != nil {
		w.logger.LogWatchEvent("scan-readdir", dir, err)
		w.bump(0, 1)
		return nil
	}

	for _, dirent := range dirents {
		child := filepath.Join(dir, dirent.Name())
		if excluded(child, w.excludes) {
			continue
		}

		if dirent.IsDir() {
			w.g.Go(func() error {
				return walkDir(w, root, child, true)
			})
			continue
		}

		w.g.Go(func() error {
			return processFile(w, root, child)
		})
	}

	return nil
}

// processFile stats and emits a single file entry, honoring symlink
// containment and the semaphore bound.
func processFile(w *walkState, root, path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		w.bump(0, 1)
		return nil
	}

	_, _, ok := resolveSymlink(path, info, root)
	if !ok {
		w.bump(0, 1)
		return nil
	}

	statInfo, err := os.Stat(path)
	if err != nil {
		w.bump(0, 1)
		return nil
	}
	if statInfo.IsDir() {
		// A symlink whose target turned out to be a directory; walkDir
		// handles real directories, so treat this defensively as skipped
		// rather than emitting a duplicate directory entry.
		w.bump(0, 1)
		return nil
	}

	if err := w.sem.Acquire(w.ctx, 1); err != nil {
		return err
	}
	emitErr := w.emit(entry.Entry{
		Path:    path,
		Kind:    entry.KindFile,
		Size:    uint64(statInfo.Size()),
		ModTime: statInfo.ModTime().Unix(),
	})
	w.sem.Release(1)
	if emitErr != nil {
		return fmt.Errorf("scanner: emit %q: %w", path, emitErr)
	}
	w.bump(1, 0)
	return nil
}

func excluded(path string, excludes []string) bool {
	for _, x := range excludes {
		if x != "" && strings.Contains(path, x) {
			return true
		}
	}
	return false
}
