package index

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"les/internal/entry"
)

func TestInsertGetRemove(t *testing.T) {
	idx := New()
	e := entry.Entry{Path: "/a", Kind: entry.KindFile}
	idx.InsertOrReplace(e)
	got, ok := idx.Get(e.Path)
	require.True(t, ok)
	assert.Equal(t, e, got)

	idx.Remove(e.Path)
	_, ok = idx.Get(e.Path)
	assert.False(t, ok, "entry should be gone after Remove")
}

func TestRemovePrefix(t *testing.T) {
	idx := New()
	idx.InsertOrReplace(entry.Entry{Path: "/a", Kind: entry.KindDir})
	idx.InsertOrReplace(entry.Entry{Path: "/a/b.txt", Kind: entry.KindFile})
	idx.InsertOrReplace(entry.Entry{Path: "/a/c/d.txt", Kind: entry.KindFile})
	idx.InsertOrReplace(entry.Entry{Path: "/ab", Kind: entry.KindDir})

	removed := idx.RemovePrefix("/a")
	assert.Equal(t, 3, removed)

	_, ok := idx.Get("/ab")
	assert.True(t, ok, "/ab should survive RemovePrefix(\"/a\")")
	assert.Equal(t, 1, idx.Len())
}

func TestSnapshotIsACopy(t *testing.T) {
	idx := New()
	idx.InsertOrReplace(entry.Entry{Path: "/a"})
	snap := idx.Snapshot()
	idx.InsertOrReplace(entry.Entry{Path: "/b"})
	assert.Len(t, snap, 1, "snapshot should not observe writes after it was taken")
}

func TestLoadFrom(t *testing.T) {
	idx := New()
	idx.InsertOrReplace(entry.Entry{Path: "/stale"})
	src := []entry.Entry{{Path: "/a"}, {Path: "/b"}}
	err := idx.LoadFrom(func(fn func(entry.Entry) error) error {
		for _, e := range src {
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())

	_, ok := idx.Get("/stale")
	assert.False(t, ok, "LoadFrom should replace, not merge")
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	idx := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx.InsertOrReplace(entry.Entry{Path: "/x"})
			_ = idx.Snapshot()
			_ = idx.Len()
		}(i)
	}
	wg.Wait()
}
