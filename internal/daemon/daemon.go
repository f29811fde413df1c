// Package daemon implements the Lifecycle Controller: startup sequencing,
// the single-writer serialization point shared by Scanner and Watcher,
// signal handling and graceful shutdown, per spec.md §4.7 and §5.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"les/internal/config"
	"les/internal/entry"
	"les/internal/index"
	"les/internal/logging"
	"les/internal/rpcserver"
	"les/internal/scanner"
	"les/internal/store"
	"les/internal/watcher"
)

// Daemon owns every long-lived resource: the Store, the Index, the
// Watcher, and the RPC listener. It is the sole issuer of Store/Index
// writes, applying each mutation as Store-then-Index per spec.md §4.1.
type Daemon struct {
	cfg    config.DaemonConfig
	logger *logging.Logger

	store *store.Store
	idx   *index.Index
	watch *watcher.Watcher
	rpc   *rpcserver.Server

	mutations chan mutation
	rebuildCh chan struct{}
}

// mutation is the daemon's internal writer-queue unit; it subsumes both
// scanner emissions and watcher mutations behind one serialization point.
type mutation struct {
	del       bool
	delPrefix bool
	path      string
	entry     entry.Entry
}

// Run executes the full startup sequence, blocks serving requests until
// ctx is canceled or a termination signal arrives, then shuts down
// gracefully. It returns a non-nil error only for fatal startup failures;
// a clean shutdown returns nil.
func Run(ctx context.Context, cfg config.DaemonConfig, logger *logging.Logger) error {
	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

func newDaemon(cfg config.DaemonConfig, logger *logging.Logger) (*Daemon, error) {
	if logger == nil {
		logger = logging.Noop()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create db directory: %w", err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: open store (hint: retry with --rebuild if corrupt): %w", err)
	}

	d := &Daemon{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		idx:       index.New(),
		mutations: make(chan mutation, 4096),
		rebuildCh: make(chan struct{}, 1),
	}
	return d, nil
}

func (d *Daemon) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.cfg.Rebuild {
		if err := d.store.Clear(); err != nil {
			return fmt.Errorf("daemon: clear store for rebuild: %w", err)
		}
		d.idx.Clear()
	} else {
		if err := d.idx.LoadFrom(d.store.ScanAll); err != nil {
			return fmt.Errorf("daemon: load index from store: %w", err)
		}
	}

	w, err := watcher.New(d.cfg.Roots, d.cfg.Excludes, d.logger.WithComponent("watcher"))
	if err != nil {
		return fmt.Errorf("daemon: start watcher: %w", err)
	}
	d.watch = w

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.watch.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.writerLoop(ctx)
	}()

	if d.cfg.Rebuild {
		if _, _, err := d.runScan(ctx); err != nil {
			d.logger.Error("initial scan failed", "error", err)
		}
	}

	// Watcher mutations are forwarded to the writer only after the rebuild
	// scan has finished; until then they wait in the watcher's bounded
	// channel, so they are applied after every scanned entry.
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.drainWatcherMutations(ctx)
	}()

	if err := os.Remove(d.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("could not remove stale socket", "error", err)
	}
	ln, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		cancel()
		wg.Wait()
		_ = d.store.Close()
		return fmt.Errorf("daemon: bind socket %s: %w", d.cfg.SocketPath, err)
	}
	if err := os.Chmod(d.cfg.SocketPath, 0o600); err != nil {
		d.logger.Warn("could not chmod socket", "error", err)
	}

	d.rpc = rpcserver.New(rpcserver.Deps{
		Index:          d.idx,
		GlobalExcludes: d.cfg.Excludes,
		TriggerRebuild: func() { d.requestRebuild(ctx) },
		Stats:          d.stats,
		Logger:         d.logger.WithComponent("rpc"),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	serveErrCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveErrCh <- d.rpc.Serve(ctx, ln)
	}()

	select {
	case <-sigCh:
		d.logger.Info("received termination signal, shutting down")
	case <-ctx.Done():
	case err := <-serveErrCh:
		if err != nil {
			d.logger.Error("rpc server stopped unexpectedly", "error", err)
		}
	}

	return d.shutdown(cancel, ln, &wg)
}

func (d *Daemon) shutdown(cancel context.CancelFunc, ln net.Listener, wg *sync.WaitGroup) error {
	grace := time.Duration(d.cfg.ShutdownGrace) * time.Second
	if grace <= 0 {
		grace = 5 * time.Second
	}

	_ = ln.Close()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		d.logger.Warn("shutdown grace period elapsed with goroutines still running")
	}

	if err := os.Remove(d.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("could not remove socket on shutdown", "error", err)
	}
	if err := d.store.Flush(); err != nil {
		d.logger.Warn("flush failed on shutdown", "error", err)
	}
	if err := d.store.Close(); err != nil {
		return fmt.Errorf("daemon: close store: %w", err)
	}
	if d.watch != nil {
		_ = d.watch.Close()
	}
	return nil
}

// writerLoop is the sole goroutine that mutates Store and Index,
// enforcing spec.md §4.1's "Store first, then Index on success" ordering
// and the single-writer discipline required by §5.
func (d *Daemon) writerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-d.mutations:
			if !ok {
				return
			}
			d.applyMutation(m)
		case <-d.rebuildCh:
			if err := d.store.Clear(); err != nil {
				d.logger.Error("rebuild: clear store failed", "error", err)
				continue
			}
			d.idx.Clear()
			if _, _, err := d.runScan(ctx); err != nil {
				d.logger.Error("rebuild scan failed", "error", err)
			}
		}
	}
}

func (d *Daemon) applyMutation(m mutation) {
	switch {
	case m.delPrefix:
		if err := d.deletePrefixFromStore(m.path); err != nil {
			d.logger.Warn("store delete-prefix failed, index left untouched", "path", m.path, "error", err)
			return
		}
		d.idx.RemovePrefix(m.path)
	case m.del:
		if err := d.store.Delete(m.path); err != nil {
			d.logger.Warn("store delete failed, index left untouched", "path", m.path, "error", err)
			return
		}
		d.idx.Remove(m.path)
	default:
		if err := d.store.Put(m.entry); err != nil {
			d.logger.Warn("store put failed, index left untouched", "path", m.path, "error", err)
			return
		}
		d.idx.InsertOrReplace(m.entry)
	}
}

// deletePrefixFromStore removes every store entry whose path has dir as a
// directory-boundary-aware prefix, mirroring index.RemovePrefix on the
// durable side so Store and Index never diverge for a directory deletion.
func (d *Daemon) deletePrefixFromStore(dir string) error {
	var toDelete []string
	err := d.store.ScanAll(func(e entry.Entry) error {
		if e.UnderRoot(dir) {
			toDelete = append(toDelete, e.Path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range toDelete {
		if err := d.store.Delete(p); err != nil {
			return err
		}
	}
	return nil
}

// drainWatcherMutations translates watcher.Mutation values into the
// daemon's internal mutation queue, and dispatches OpRescan to a partial
// rescan of the affected root outside the writer loop's own queue (the
// scan itself feeds the same queue through an emit callback that enqueues
// exactly as runScan's does).
func (d *Daemon) drainWatcherMutations(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-d.watch.Mutations():
			if !ok {
				return
			}
			switch m.Op {
			case watcher.OpPut:
				d.enqueue(mutation{entry: m.Entry, path: m.Path})
			case watcher.OpDelete:
				d.enqueue(mutation{del: true, path: m.Path})
			case watcher.OpDeletePrefix:
				d.enqueue(mutation{delPrefix: true, path: m.Path})
			case watcher.OpRescan:
				if _, _, err := scanner.Scan(ctx, scanner.Config{
					Roots:    []string{m.Path},
					Excludes: d.cfg.Excludes,
					Workers:  d.cfg.ScanWorkers,
					Logger:   d.logger,
				}, func(e entry.Entry) error {
					d.enqueue(mutation{entry: e, path: e.Path})
					return nil
				}); err != nil {
					d.logger.Error("partial rescan after overflow failed", "root", m.Path, "error", err)
				}
			}
		}
	}
}

// enqueue delivers m to the writer loop, blocking under backpressure so
// no mutation is ever silently dropped (see watcher.Watcher.emit for the
// same discipline on the watcher side of the queue).
func (d *Daemon) enqueue(m mutation) {
	d.mutations <- m
}

func (d *Daemon) runScan(ctx context.Context) (indexed, skipped int, err error) {
	return scanner.Scan(ctx, scanner.Config{
		Roots:    d.cfg.Roots,
		Excludes: d.cfg.Excludes,
		Workers:  d.cfg.ScanWorkers,
		Logger:   d.logger,
	}, func(e entry.Entry) error {
		d.enqueue(mutation{entry: e, path: e.Path})
		return nil
	})
}

func (d *Daemon) requestRebuild(ctx context.Context) {
	select {
	case d.rebuildCh <- struct{}{}:
	case <-ctx.Done():
	default:
		d.logger.Info("rebuild already scheduled")
	}
}

func (d *Daemon) stats() (count int, sizeBytes int64, err error) {
	count = d.idx.Len()
	_, sizeBytes, err = d.store.Stats()
	if err != nil {
		return 0, 0, err
	}
	return count, sizeBytes, nil
}

