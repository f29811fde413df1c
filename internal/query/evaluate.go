package query

import (
	"bytes"
	"context"
	"io"
	"os"
	"sort"
	"time"

	"les/internal/entry"
)

// DefaultContentDeadline bounds the optional content pass per spec.md §5.
const DefaultContentDeadline = 30 * time.Second

// contentReadChunk is the buffer size used to stream a candidate file
// while searching for the content substring, bounding memory use for
// arbitrarily large files.
const contentReadChunk = 64 * 1024

// Evaluate runs the five-stage pipeline of spec.md §4.5 against snapshot:
// pattern-matcher construction, per-entry filtering, optional content
// pass, sort, truncate.
func Evaluate(ctx context.Context, snapshot []entry.Entry, q Query, globalExcludes []string) (Result, error) {
	matches, err := NewMatcher(q.Pattern, q.Mode)
	if err != nil {
		return Result{}, err
	}

	survivors := make([]entry.Entry, 0, len(snapshot))
	for _, e := range snapshot {
		if !passesFilters(e, q, globalExcludes) {
			continue
		}
		if !matches(e.Path) {
			continue
		}
		survivors = append(survivors, e)
	}

	var softErr string
	if q.Content != "" {
		survivors, softErr = filterByContent(ctx, survivors, q.Content)
	}

	sort.Slice(survivors, func(i, j int) bool { return survivors[i].Path < survivors[j].Path })

	limit := q.EffectiveLimit()
	truncated := len(survivors) > limit || softErr != ""
	if len(survivors) > limit {
		survivors = survivors[:limit]
	}

	return Result{Entries: survivors, Truncated: truncated, Error: softErr}, nil
}

// filterByContent keeps only file entries whose raw bytes contain needle,
// opening each candidate read-only. Directories never match. Files that
// fail to open are skipped, not treated as an error. If the deadline
// elapses first, the second return value carries an explanatory message
// and the caller marks the result truncated.
func filterByContent(ctx context.Context, candidates []entry.Entry, needle string) ([]entry.Entry, string) {
	deadline := time.Now().Add(DefaultContentDeadline)
	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	out := make([]entry.Entry, 0, len(candidates))
	needleBytes := []byte(needle)

	for _, e := range candidates {
		select {
		case <-cctx.Done():
			return out, "content pass exceeded its deadline; results are partial"
		default:
		}
		if e.IsDir() {
			continue
		}
		if fileContains(e.Path, needleBytes) {
			out = append(out, e)
		}
	}
	return out, ""
}

// fileContains reports whether path's raw bytes contain needle, scanning
// in bounded chunks so files larger than memory don't get fully buffered.
// A chunk boundary that splits an occurrence of needle is handled by
// carrying over the last len(needle)-1 bytes into the next chunk.
func fileContains(path string, needle []byte) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	if len(needle) == 0 {
		return true
	}

	carry := make([]byte, 0, len(needle)-1)
	buf := make([]byte, contentReadChunk)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			window := append(carry, buf[:n]...)
			if bytes.Contains(window, needle) {
				return true
			}
			if len(window) > len(needle)-1 {
				carry = append(carry[:0], window[len(window)-(len(needle)-1):]...)
			} else {
				carry = append(carry[:0], window...)
			}
		}
		if err == io.EOF {
			return false
		}
		if err != nil {
			return false
		}
	}
}
