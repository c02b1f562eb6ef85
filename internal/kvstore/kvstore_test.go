package kvstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStoreSetGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	_, ok := s.Get(KeyDeviceID)
	require.False(t, ok)

	require.NoError(t, s.Set(KeyDeviceID, "abc-123"))
	v, ok := s.Get(KeyDeviceID)
	require.True(t, ok)
	require.Equal(t, "abc-123", v)

	reopened, err := Open(dir)
	require.NoError(t, err)
	v, ok = reopened.Get(KeyDeviceID)
	require.True(t, ok)
	require.Equal(t, "abc-123", v)
}

func TestFileStoreSyncWritesViaTempRename(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set("k", "v"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Contains(t, names, "kvstore.json")
	for _, n := range names {
		require.NotContains(t, n, ".tmp")
	}
}

func TestFileStoreRemoveByPrefix(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.Set(TableLastSyncKey("todos"), "1000"))
	require.NoError(t, s.Set(TableLastSyncKey("notes"), "2000"))
	require.NoError(t, s.Set(KeyDeviceID, "dev"))

	require.NoError(t, s.Remove(tablesPrefix))

	_, ok := s.Get(TableLastSyncKey("todos"))
	require.False(t, ok)
	_, ok = s.Get(TableLastSyncKey("notes"))
	require.False(t, ok)
	v, ok := s.Get(KeyDeviceID)
	require.True(t, ok)
	require.Equal(t, "dev", v)
}

func TestOpenOnMissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	_, ok := s.Get(KeyDeviceID)
	require.False(t, ok)
}

func TestOpenCreatesConfigDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "kv")
	_, err := Open(dir)
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestEnsureDeviceIDGeneratesOnce(t *testing.T) {
	s := NewMemStore()

	id1, err := EnsureDeviceID(s)
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := EnsureDeviceID(s)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestTableLastSyncKey(t *testing.T) {
	require.Equal(t, "tables/todos/last_sync", TableLastSyncKey("todos"))
}

func TestMemStoreGetSetRemove(t *testing.T) {
	s := NewMemStore()

	_, ok := s.Get("a")
	require.False(t, ok)

	require.NoError(t, s.Set("a/1", "x"))
	require.NoError(t, s.Set("a/2", "y"))
	require.NoError(t, s.Set("b", "z"))

	v, ok := s.Get("a/1")
	require.True(t, ok)
	require.Equal(t, "x", v)

	require.NoError(t, s.Remove("a/"))
	_, ok = s.Get("a/1")
	require.False(t, ok)
	_, ok = s.Get("a/2")
	require.False(t, ok)
	v, ok = s.Get("b")
	require.True(t, ok)
	require.Equal(t, "z", v)

	require.NoError(t, s.Sync())
}

func TestNewSessionIDUnique(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}
