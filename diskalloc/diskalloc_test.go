package diskalloc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocWritesThroughMmap(t *testing.T) {
	dir := t.TempDir()
	a, err := New(filepath.Join(dir, "arena"), 4096)
	require.NoError(t, err)
	defer a.Close()

	b, err := a.Alloc(100, false)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(b.Bytes), 100)

	copy(b.Bytes, []byte("hello"))
	require.Equal(t, byte('h'), b.Bytes[0])

	require.NoError(t, a.Free(b))
}

func TestAllocDistinctFiles(t *testing.T) {
	dir := t.TempDir()
	a, err := New(filepath.Join(dir, "arena"), 4096)
	require.NoError(t, err)
	defer a.Close()

	b1, err := a.Alloc(10, false)
	require.NoError(t, err)
	b2, err := a.Alloc(10, false)
	require.NoError(t, err)
	require.NotEqual(t, b1.path, b2.path)
}

func TestCloseRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "arena")
	a, err := New(base, 4096)
	require.NoError(t, err)

	_, err = a.Alloc(10, false)
	require.NoError(t, err)

	require.NoError(t, a.Close())

	matches, err := filepath.Glob(base + "_*")
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestStatsReflectsFreeAndOpen(t *testing.T) {
	dir := t.TempDir()
	a, err := New(filepath.Join(dir, "arena"), 4096)
	require.NoError(t, err)
	defer a.Close()

	b1, err := a.Alloc(4096, false)
	require.NoError(t, err)
	_, err = a.Alloc(4096, false)
	require.NoError(t, err)
	require.NoError(t, a.Free(b1))

	stats := a.Stats()
	require.Equal(t, 2, stats.FilesCreated)
	require.Equal(t, 1, stats.FilesOpen)
	require.Equal(t, 1, stats.FilesFree)
}

func TestAllocReuseAfterFree(t *testing.T) {
	dir := t.TempDir()
	a, err := New(filepath.Join(dir, "arena"), 4096)
	require.NoError(t, err)
	defer a.Close()

	b1, err := a.Alloc(4096, false)
	require.NoError(t, err)
	path1 := b1.path
	require.NoError(t, a.Free(b1))

	b2, err := a.Alloc(4096, true)
	require.NoError(t, err)
	require.Equal(t, path1, b2.path, "same-size reuse should remap the freed file")
}
