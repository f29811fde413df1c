package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"les/internal/entry"
	"les/internal/index"
	"les/internal/logging"
	"les/internal/protocol"
	"les/internal/query"
)

func startServer(t *testing.T, deps Deps) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "test.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err, "listen")
	srv := New(deps)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, ln) }()
	return sock
}

func roundTrip(t *testing.T, sock string, req protocol.Request) protocol.Response {
	t.Helper()
	conn, err := net.DialTimeout("unix", sock, time.Second)
	require.NoError(t, err, "dial")
	defer conn.Close()

	b, err := json.Marshal(req)
	require.NoError(t, err, "marshal")
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

func TestQueryOp(t *testing.T) {
	idx := index.New()
	idx.InsertOrReplace(entry.Entry{Path: "/a/hello.txt", Kind: entry.KindFile, Size: 5})
	idx.InsertOrReplace(entry.Entry{Path: "/a/other.txt", Kind: entry.KindFile, Size: 3})

	sock := startServer(t, Deps{Index: idx, Logger: logging.Noop()})
	resp := roundTrip(t, sock, protocol.Request{Op: protocol.OpQuery, Query: query.Query{Pattern: "hello"}})
	require.True(t, resp.OK, "expected ok response, got %+v", resp)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "/a/hello.txt", resp.Entries[0].Path)
}

func TestUnknownOp(t *testing.T) {
	sock := startServer(t, Deps{Index: index.New(), Logger: logging.Noop()})
	resp := roundTrip(t, sock, protocol.Request{Op: "bogus"})
	assert.False(t, resp.OK)
	assert.Equal(t, "unknown op", resp.Error)
}

func TestStatsOp(t *testing.T) {
	idx := index.New()
	idx.InsertOrReplace(entry.Entry{Path: "/a"})
	sock := startServer(t, Deps{
		Index:  idx,
		Logger: logging.Noop(),
		Stats: func() (int, int64, error) {
			return 42, 100, nil
		},
	})
	resp := roundTrip(t, sock, protocol.Request{Op: protocol.OpStats})
	require.True(t, resp.OK, "got %+v", resp)
	assert.Equal(t, 42, resp.Count)
	assert.Equal(t, int64(100), resp.SizeBytes)
}

func TestRebuildOpTriggersCallback(t *testing.T) {
	called := make(chan struct{}, 1)
	sock := startServer(t, Deps{
		Index:          index.New(),
		Logger:         logging.Noop(),
		TriggerRebuild: func() { called <- struct{}{} },
	})
	resp := roundTrip(t, sock, protocol.Request{Op: protocol.OpRebuild})
	require.True(t, resp.OK, "got %+v", resp)
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("expected TriggerRebuild to be called")
	}
}

func TestMalformedJSONClosesConnection(t *testing.T) {
	sock := startServer(t, Deps{Index: index.New(), Logger: logging.Noop()})
	conn, err := net.DialTimeout("unix", sock, time.Second)
	require.NoError(t, err, "dial")
	defer conn.Close()

	_, err = conn.Write([]byte("not json\n"))
	require.NoError(t, err, "write")

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err, "read")

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(line, &resp))
	require.False(t, resp.OK, "expected error response for malformed json, got %+v", resp)

	// The connection should be closed after the one error response.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = reader.ReadByte()
	assert.Error(t, err, "expected connection to be closed after malformed request")
}

func TestInvalidRegexReturnsQueryError(t *testing.T) {
	sock := startServer(t, Deps{Index: index.New(), Logger: logging.Noop()})
	resp := roundTrip(t, sock, protocol.Request{Op: protocol.OpQuery, Query: query.Query{Pattern: "(", Mode: query.ModeRegex}})
	assert.False(t, resp.OK, "expected error response for invalid regex")
}
