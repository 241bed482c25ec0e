package cache

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCache_Basic(t *testing.T) {
	c := New(Options{MaxSize: 3})

	c.Set("a", []byte("value_a"))
	c.Set("b", []byte("value_b"))
	c.Set("c", []byte("value_c"))

	assert.Equal(t, 3, c.Len())

	val, found := c.Get("a")
	require.True(t, found)
	assert.Equal(t, []byte("value_a"), val)

	_, err := c.Lookup("missing")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestLRUCache_Eviction(t *testing.T) {
	var evicted []string
	c := New(Options{MaxSize: 3, OnEvict: func(key string, _ []byte) { evicted = append(evicted, key) }})

	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))
	c.Set("c", []byte("3"))

	// a becomes most recently used, so b is evicted next
	c.Get("a")
	c.Set("d", []byte("4"))

	assert.Equal(t, 3, c.Len())
	assert.Equal(t, []string{"b"}, evicted)

	_, found := c.Get("b")
	assert.False(t, found)
	for _, k := range []string{"a", "c", "d"} {
		_, found := c.Get(k)
		assert.True(t, found, k)
	}
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestLRUCache_MaxBytes(t *testing.T) {
	c := New(Options{MaxBytes: 25})

	c.Set("a", bytes.Repeat([]byte("x"), 10))
	c.Set("b", bytes.Repeat([]byte("x"), 10))
	c.Set("c", bytes.Repeat([]byte("x"), 10))

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int64(20), c.Stats().CurrentBytes)
	_, found := c.Get("a")
	assert.False(t, found)

	c.Set("huge", bytes.Repeat([]byte("x"), 26))
	_, found = c.Get("huge")
	assert.False(t, found)
	assert.Equal(t, 2, c.Len())
}

func TestLRUCache_UpdateAndDelete(t *testing.T) {
	c := New(Options{MaxSize: 10})

	c.Set("a", []byte("value1"))
	c.Set("a", []byte("v2"))
	val, found := c.Get("a")
	require.True(t, found)
	assert.Equal(t, []byte("v2"), val)
	assert.Equal(t, int64(2), c.Stats().CurrentBytes)

	c.Set("b", []byte("bb"))
	c.Delete("a")
	c.Delete("a")
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(2), c.Stats().CurrentBytes)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestLRUCache_Stats(t *testing.T) {
	c := New(Options{})
	assert.Equal(t, 0.0, c.HitRate())

	c.Set("k", []byte("v"))
	c.Get("k")
	c.Get("nope")

	s := c.Stats()
	assert.Equal(t, int64(1), s.HitCount)
	assert.Equal(t, int64(1), s.MissCount)
	assert.Equal(t, 0.5, c.HitRate())
}

func TestLRUCache_SaveLoadKeepsOrder(t *testing.T) {
	c := New(Options{})
	c.Set("old", []byte("1"))
	c.Set("mid", []byte("2"))
	c.Set("new", []byte("3"))

	var buf bytes.Buffer
	require.NoError(t, c.Save(&buf))

	// the reload keeps two entries, so the oldest one goes
	c2 := New(Options{MaxSize: 2})
	require.NoError(t, c2.Load(&buf))
	assert.Equal(t, 2, c2.Len())
	_, found := c2.Get("old")
	assert.False(t, found)
	val, found := c2.Get("new")
	require.True(t, found)
	assert.Equal(t, []byte("3"), val)
}

func TestLRUCache_Files(t *testing.T) {
	path := filepath.Join(t.TempDir(), "responses.cache")

	c := New(Options{})
	require.NoError(t, LoadFromFile(c, path), "a missing file is an empty cache")
	assert.Equal(t, 0, c.Len())

	c.Set(Key([]byte(`{"arch":"ARM"}`)), []byte(`{"code":0}`))
	require.NoError(t, PersistToFile(c, path))

	c2 := New(Options{})
	require.NoError(t, LoadFromFile(c2, path))
	val, found := c2.Get(Key([]byte(`{"arch":"ARM"}`)))
	require.True(t, found)
	assert.Equal(t, []byte(`{"code":0}`), val)
}

func TestKey(t *testing.T) {
	h1 := Key([]byte("hello world"))
	assert.Equal(t, h1, Key([]byte("hello world")))
	assert.NotEqual(t, h1, Key([]byte("different")))
	assert.Len(t, h1, 64)
}
