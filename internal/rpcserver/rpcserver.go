// Package rpcserver implements the RPC Server: it accepts connections on
// a local unix socket, reads newline-delimited JSON requests, dispatches
// to the Query Engine (and the daemon's rebuild/stats hooks), and writes
// newline-delimited JSON responses, per spec.md §4.6.
package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"les/internal/index"
	"les/internal/logging"
	"les/internal/protocol"
	"les/internal/query"
)

// maxLineBytes bounds a single request line, guarding against a
// pathological or malicious client sending an unbounded line.
const maxLineBytes = 8 * 1024 * 1024

// Deps are the daemon-owned collaborators the server dispatches into.
// Passed in rather than imported directly so rpcserver has no dependency
// on internal/daemon (the daemon depends on rpcserver, not vice versa).
type Deps struct {
	Index          *index.Index
	GlobalExcludes []string
	TriggerRebuild func()
	Stats          func() (count int, sizeBytes int64, err error)
	Logger         *logging.Logger
}

// Server serves the RPC protocol over an already-bound listener.
type Server struct {
	deps Deps
}

// New constructs a Server.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Noop()
	}
	return &Server{deps: deps}
}

// Serve accepts connections until ctx is canceled or the listener is
// closed, handling each connection in its own goroutine. It returns nil
// on a clean shutdown (listener closed because ctx was canceled).
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			select {
			case <-ctx.Done():
				return nil
			default:
				var netErr net.Error
				if errors.As(err, &netErr) && !netErr.Timeout() {
					return nil
				}
				return err
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	requestID := uuid.New().String()

	reader := bufio.NewReaderSize(conn, 64*1024)
	for {
		line, err := readLine(reader, maxLineBytes)
		if err != nil {
			return
		}
		if len(line) == 0 {
			continue
		}

		var req protocol.Request
		if jsonErr := json.Unmarshal(line, &req); jsonErr != nil {
			s.writeResponse(conn, protocol.Response{OK: false, Error: "malformed request: " + jsonErr.Error()})
			return
		}

		resp := s.dispatch(ctx, requestID, req)
		if err := s.writeResponse(conn, resp); err != nil {
			// Client disconnected mid-write; evaluation already
			// completed, so there is nothing further to abort per
			// spec.md §5's cancellation note.
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, requestID string, req protocol.Request) protocol.Response {
	logger := s.deps.Logger
	switch req.Op {
	case protocol.OpQuery:
		start := time.Now()
		snapshot := s.deps.Index.Snapshot()
		res, err := query.Evaluate(ctx, snapshot, req.Query, s.deps.GlobalExcludes)
		if err != nil {
			logger.LogQuery(requestID, 0, false, time.Since(start).String(), err)
			return protocol.Response{OK: false, Error: err.Error()}
		}
		logger.LogQuery(requestID, len(res.Entries), res.Truncated, time.Since(start).String(), nil)
		return protocol.Response{OK: true, Entries: res.Entries, Truncated: res.Truncated, Error: res.Error}

	case protocol.OpRebuild:
		if s.deps.TriggerRebuild != nil {
			s.deps.TriggerRebuild()
		}
		return protocol.Response{OK: true}

	case protocol.OpStats:
		count, size, err := s.deps.Stats()
		if err != nil {
			return protocol.Response{OK: false, Error: err.Error()}
		}
		return protocol.Response{OK: true, Count: count, SizeBytes: size}

	default:
		return protocol.Response{OK: false, Error: "unknown op"}
	}
}

func (s *Server) writeResponse(conn net.Conn, resp protocol.Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = conn.Write(b)
	return err
}

// readLine reads a single '\n'-terminated line, erroring if it exceeds
// max bytes before a newline is found.
func readLine(r *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > max {
			return nil, errors.New("rpcserver: request line too large")
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}
