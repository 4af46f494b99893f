package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testItem struct {
	Name  string
	Value int
}

func TestTypedStore_SetGetDelete(t *testing.T) {
	s := NewTypedStore[testItem]()

	s.Set("key1", testItem{Name: "alpha", Value: 42})

	got, ok := s.Get("key1")
	require.True(t, ok)
	assert.Equal(t, testItem{Name: "alpha", Value: 42}, got)

	_, ok = s.Get("missing")
	assert.False(t, ok)

	s.Delete("key1")
	_, ok = s.Get("key1")
	assert.False(t, ok)

	// Deleting an absent key must not panic.
	s.Delete("missing")
}

func TestTypedStore_Update(t *testing.T) {
	s := NewTypedStore[testItem]()
	s.Set("a", testItem{Name: "a", Value: 1})

	s.Update("a", func(cur testItem, found bool) (testItem, bool) {
		require.True(t, found)
		cur.Value++
		return cur, true
	})
	got, _ := s.Get("a")
	assert.Equal(t, 2, got.Value)

	// Declined update leaves the store untouched.
	s.Update("b", func(cur testItem, found bool) (testItem, bool) {
		assert.False(t, found)
		return cur, false
	})
	_, ok := s.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestTypedStore_SnapshotIsolation(t *testing.T) {
	s := NewTypedStore[testItem]()
	s.Set("a", testItem{Name: "a", Value: 1})
	s.Set("b", testItem{Name: "b", Value: 2})

	snap := s.Snapshot()
	require.Len(t, snap, 2)

	snap["a"] = testItem{Name: "mutated", Value: 999}
	snap["c"] = testItem{Name: "new", Value: 3}

	original, _ := s.Get("a")
	assert.Equal(t, testItem{Name: "a", Value: 1}, original)
	assert.Equal(t, 2, s.Len())
}

func TestTypedStore_Values(t *testing.T) {
	s := NewTypedStore[testItem]()
	for i, name := range []string{"a", "b", "c"} {
		s.Set(name, testItem{Name: name, Value: i})
	}

	vals := s.Values()
	require.Len(t, vals, 3)

	found := make(map[string]bool)
	for _, v := range vals {
		found[v.Name] = true
	}
	for _, name := range []string{"a", "b", "c"} {
		assert.True(t, found[name], "missing value %q", name)
	}
}

func TestTypedStore_ConcurrentReadWrite(t *testing.T) {
	s := NewTypedStore[testItem]()
	const goroutines = 100

	var wg sync.WaitGroup
	wg.Add(goroutines * 4)
	for i := 0; i < goroutines; i++ {
		key := fmt.Sprintf("key-%d", i)
		go func(i int) {
			defer wg.Done()
			s.Set(key, testItem{Name: key, Value: i})
		}(i)
		go func() {
			defer wg.Done()
			s.Get(key)
		}()
		go func() {
			defer wg.Done()
			_ = s.Snapshot()
		}()
		go func(i int) {
			defer wg.Done()
			s.Update(key, func(cur testItem, found bool) (testItem, bool) {
				cur.Value = i
				return cur, found
			})
		}(i)
	}
	wg.Wait()
}
