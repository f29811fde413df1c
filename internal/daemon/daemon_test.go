package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"les/internal/config"
	"les/internal/logging"
	"les/internal/protocol"
	"les/internal/query"
)

func testConfig(t *testing.T, roots []string, rebuild bool) config.DaemonConfig {
	t.Helper()
	dir := t.TempDir()
	return config.DaemonConfig{
		Roots:         roots,
		DBPath:        filepath.Join(dir, "index.db"),
		SocketPath:    filepath.Join(dir, "les.sock"),
		Rebuild:       rebuild,
		ScanWorkers:   2,
		ShutdownGrace: 2,
	}
}

func query1(t *testing.T, sock string, q query.Query) protocol.Response {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.DialTimeout("unix", sock, 100*time.Millisecond)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.NoError(t, err, "dial")
	defer conn.Close()

	req := protocol.Request{Op: protocol.OpQuery, Query: q}
	b, _ := json.Marshal(req)
	b = append(b, '\n')
	_, err = conn.Write(b)
	require.NoError(t, err, "write")

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err, "read")

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(line, &resp))
	return resp
}

func TestDaemonScansAndServesQueries(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.log"), []byte("world"), 0o644))

	cfg := testConfig(t, []string{root}, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- Run(ctx, cfg, logging.Noop()) }()

	resp := query1(t, cfg.SocketPath, query.Query{Pattern: ".log"})
	require.True(t, resp.OK, "query failed: %+v", resp)
	require.Len(t, resp.Entries, 1)
	require.Equal(t, filepath.Join(root, "sub", "b.log"), resp.Entries[0].Path)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err, "Run returned error")
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down within grace period")
	}

	_, err := os.Stat(cfg.SocketPath)
	require.True(t, os.IsNotExist(err), "socket file should be removed on shutdown")
}

func TestDaemonPicksUpWatcherCreate(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, []string{root}, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = Run(ctx, cfg, logging.Noop()) }()

	// Wait for the socket to exist before proceeding.
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(cfg.SocketPath); err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	require.NoError(t, os.WriteFile(filepath.Join(root, "c.bin"), []byte("x"), 0o644))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp := query1(t, cfg.SocketPath, query.Query{Pattern: "c.bin"})
		if resp.OK && len(resp.Entries) == 1 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("watcher-created file did not appear in query results within deadline")
}

func TestDaemonReopensExistingStoreWithoutRescan(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))
	cfg := testConfig(t, []string{root}, true)

	ctx1, cancel1 := context.WithCancel(context.Background())
	go func() { _ = Run(ctx1, cfg, logging.Noop()) }()
	// let it scan and bind
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(cfg.SocketPath); err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	resp := query1(t, cfg.SocketPath, query.Query{})
	require.NotEmpty(t, resp.Entries, "expected entries after initial rebuild scan")
	cancel1()
	time.Sleep(200 * time.Millisecond)

	cfg2 := cfg
	cfg2.Rebuild = false
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go func() { _ = Run(ctx2, cfg2, logging.Noop()) }()

	resp2 := query1(t, cfg2.SocketPath, query.Query{})
	require.Len(t, resp2.Entries, len(resp.Entries), "reload from store should preserve entries")
}

func TestDaemonRPCRebuildPurgesDeletedFiles(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "stale.txt")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	cfg := testConfig(t, []string{root}, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = Run(ctx, cfg, logging.Noop()) }()

	for i := 0; i < 50; i++ {
		if _, err := os.Stat(cfg.SocketPath); err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	resp := query1(t, cfg.SocketPath, query.Query{Pattern: "stale.txt"})
	require.True(t, resp.OK)
	require.Len(t, resp.Entries, 1, "stale.txt should be indexed before deletion")

	require.NoError(t, os.Remove(stale))

	conn, err := net.DialTimeout("unix", cfg.SocketPath, 100*time.Millisecond)
	require.NoError(t, err)
	req := protocol.Request{Op: protocol.OpRebuild}
	b, _ := json.Marshal(req)
	b = append(b, '\n')
	_, err = conn.Write(b)
	require.NoError(t, err)
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	var rebuildResp protocol.Response
	require.NoError(t, json.Unmarshal(line, &rebuildResp))
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp = query1(t, cfg.SocketPath, query.Query{Pattern: "stale.txt"})
		if resp.OK && len(resp.Entries) == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("RPC rebuild did not purge the deleted file from the index")
}
