// Package store implements the durable Entry Store: a mapping from
// canonical path to file metadata, backed by an embedded ordered
// key-value store on disk (go.etcd.io/bbolt).
package store

import (
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"les/internal/entry"
)

var (
	// ErrNotFound is returned by Get when no entry exists for a path.
	ErrNotFound = errors.New("store: not found")
	// ErrCorrupt is returned by Open whenever bbolt fails to open the
	// file: a file that is not a valid bbolt database, but also any other
	// open failure such as a missing parent directory or a lock timeout.
	ErrCorrupt = errors.New("store: corrupt database")
)

var bucketName = []byte("entries")

// Store is the durable mapping from canonical path to Entry.
//
// A single Store is safe for concurrent Get/ScanAll from many goroutines
// concurrently with a single writer goroutine issuing Put/Delete; the
// writer-serialization discipline is enforced by the caller (see
// internal/daemon), not by Store itself.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Put durably writes e, keyed by e.Path. Durable once the call returns
// (bbolt commits and fsyncs the underlying transaction).
func (s *Store) Put(e entry.Entry) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(e.Path), e.Encode())
	})
	if err != nil {
		return fmt.Errorf("store: put %q: %w", e.Path, err)
	}
	return nil
}

// Delete removes the entry for path, if any. Deleting an absent key is not
// an error.
func (s *Store) Delete(path string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(path))
	})
	if err != nil {
		return fmt.Errorf("store: delete %q: %w", path, err)
	}
	return nil
}

// Get returns the entry stored for path, or ErrNotFound.
func (s *Store) Get(path string) (entry.Entry, error) {
	var e entry.Entry
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(path))
		if v == nil {
			return nil
		}
		found = true
		var derr error
		e, derr = entry.Decode(path, v)
		return derr
	})
	if err != nil {
		return entry.Entry{}, fmt.Errorf("store: get %q: %w", path, err)
	}
	if !found {
		return entry.Entry{}, ErrNotFound
	}
	return e, nil
}

// ScanAll invokes fn for every entry in the store, in key order. Iteration
// stops and returns fn's error if fn returns a non-nil error.
func (s *Store) ScanAll(fn func(entry.Entry) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			e, err := entry.Decode(string(k), v)
			if err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear removes every entry from the store, used by --rebuild.
func (s *Store) Clear() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(bucketName)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: clear: %w", err)
	}
	return nil
}

// Stats reports the number of entries and their total reported size.
func (s *Store) Stats() (count int, totalSize int64, err error) {
	err = s.ScanAll(func(e entry.Entry) error {
		count++
		totalSize += int64(e.Size)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("store: stats: %w", err)
	}
	return count, totalSize, nil
}

// Flush is a no-op sync point kept for interface parity with callers that
// batch writes logically (each Put/Delete is already durable on return);
// it exists so Scanner/Watcher code need not know that bbolt commits
// per-transaction.
func (s *Store) Flush() error { return nil }

// Close releases the underlying database file.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
