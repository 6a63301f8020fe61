package filemap

import (
	"path/filepath"
	"testing"

	"accountsdb/accountfile"
	"accountsdb/errs"
	"accountsdb/pubkey"

	"github.com/stretchr/testify/require"
)

func newTestFile(t *testing.T, dir string, id accountfile.FileID, slot uint64) *accountfile.AccountFile {
	af, err := accountfile.Create(dir, id, slot, 1<<16)
	require.NoError(t, err)
	var k pubkey.Pubkey
	k[0] = byte(id)
	_, ok := af.AppendAccount(1, k, k, 1, 0, false, [32]byte{}, []byte("x"))
	require.True(t, ok)
	return af
}

func TestPublishGetRemove(t *testing.T) {
	dir := t.TempDir()
	m := New()
	af := newTestFile(t, dir, 1, 10)
	meta, err := af.Populate()
	require.NoError(t, err)

	require.NoError(t, m.Publish(1, af, meta, af.Len()))
	require.Equal(t, 1, m.Len())

	e, err := m.Get(1)
	require.NoError(t, err)
	e.WithReadLock(func(got *accountfile.AccountFile, gotMeta *accountfile.Metadata) {
		require.Equal(t, af, got)
		require.Equal(t, 1, gotMeta.NumberOfAccounts)
	})

	removed, ok := m.Remove(1)
	require.True(t, ok)
	require.Equal(t, e, removed)

	_, err = m.Get(1)
	require.ErrorIs(t, err, errs.ErrFileIDNotFound)
}

func TestPublishDuplicateFails(t *testing.T) {
	dir := t.TempDir()
	m := New()
	af := newTestFile(t, dir, 1, 10)
	meta, _ := af.Populate()
	require.NoError(t, m.Publish(1, af, meta, af.Len()))
	require.ErrorIs(t, m.Publish(1, af, meta, af.Len()), errs.ErrFileIDAlreadyPublished)
}

func TestStorePutLoadDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(filepath.Join(dir, "filemapmeta"))
	require.NoError(t, err)
	defer s.Close()

	row := Row{FileID: 5, Slot: 100, Length: 4096, AliveBytes: 3000, DeadBytes: 1000, HeaderChecksum: 0xdeadbeef}
	require.NoError(t, s.Put(row))

	rows, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, row, rows[0])

	require.NoError(t, s.Delete(5))
	rows, err = s.LoadAll()
	require.NoError(t, err)
	require.Empty(t, rows)
}
