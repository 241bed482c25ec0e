package dirty

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestTracker_Changed(t *testing.T) {
	path := writeFile(t, t.TempDir(), "task.json", `{"arch":"ARM"}`)
	tracker := New()

	changed, hash, err := tracker.Changed(path)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, hash, 64)

	tracker.Record(path, hash, Entry{Code: 0, Committed: 3})
	changed, again, err := tracker.Changed(path)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, hash, again)

	require.NoError(t, os.WriteFile(path, []byte(`{"arch":"metapc"}`), 0644))
	changed, _, err = tracker.Changed(path)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestTracker_ChangedNonExistent(t *testing.T) {
	_, _, err := New().Changed("/non/existent/task.json")
	assert.Error(t, err)
}

func TestTracker_Salt(t *testing.T) {
	path := writeFile(t, t.TempDir(), "task.json", "{}")

	a, err := New().Hash(path)
	require.NoError(t, err)
	b, err := New(WithSalt("policy=abort")).Hash(path)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestTracker_RecordLookupRemove(t *testing.T) {
	path := writeFile(t, t.TempDir(), "task.json", "{}")
	tracker := New()
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	tracker.now = func() time.Time { return fixed }

	tracker.Record(path, "h", Entry{Code: -6, Unresolved: 2})
	e, ok := tracker.Lookup(path)
	require.True(t, ok)
	assert.Equal(t, -6, e.Code)
	assert.Equal(t, 2, e.Unresolved)
	assert.Equal(t, fixed, e.ProcessedAt)
	assert.True(t, filepath.IsAbs(e.Path))
	assert.Equal(t, 1, tracker.Len())

	tracker.Remove(path)
	_, ok = tracker.Lookup(path)
	assert.False(t, ok)
	assert.Equal(t, 0, tracker.Len())
}

func TestTracker_Prune(t *testing.T) {
	dir := t.TempDir()
	kept := writeFile(t, dir, "kept.json", "{}")
	gone := writeFile(t, dir, "gone.json", "{}")

	tracker := New()
	tracker.Record(kept, "a", Entry{})
	tracker.Record(gone, "b", Entry{})
	require.NoError(t, os.Remove(gone))

	assert.Equal(t, 1, tracker.Prune())
	_, ok := tracker.Lookup(kept)
	assert.True(t, ok)
}

func TestTracker_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "task.json", "{}")
	cacheDir := filepath.Join(dir, "cache")

	tracker := New(WithCacheDir(cacheDir), WithCacheFile("state.json"), WithSalt("s1"))
	_, hash, err := tracker.Changed(path)
	require.NoError(t, err)
	tracker.Record(path, hash, Entry{Committed: 4})
	require.NoError(t, tracker.Save())
	assert.FileExists(t, filepath.Join(cacheDir, "state.json"))

	loaded := New(WithCacheDir(cacheDir), WithCacheFile("state.json"), WithSalt("s1"))
	require.NoError(t, loaded.Load())
	changed, _, err := loaded.Changed(path)
	require.NoError(t, err)
	assert.False(t, changed)
	e, ok := loaded.Lookup(path)
	require.True(t, ok)
	assert.Equal(t, 4, e.Committed)

	other := New(WithCacheDir(cacheDir), WithCacheFile("state.json"), WithSalt("s2"))
	require.NoError(t, other.Load())
	assert.Equal(t, 0, other.Len())
}

func TestTracker_LoadMissing(t *testing.T) {
	tracker := New(WithCacheDir(t.TempDir()))
	assert.NoError(t, tracker.Load())
	assert.Equal(t, 0, tracker.Len())
}

func TestTracker_LoadFromGarbage(t *testing.T) {
	err := New().LoadFrom(bytes.NewBufferString("not json"))
	assert.Error(t, err)
}
