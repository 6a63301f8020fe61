package accountindex

import (
	"path/filepath"
	"testing"

	"accountsdb/diskalloc"
	"accountsdb/errs"
	"accountsdb/pubkey"

	"github.com/stretchr/testify/require"
)

func k(b byte) pubkey.Pubkey {
	var p pubkey.Pubkey
	p[0] = b
	return p
}

func TestIndexRefAndGetLatest(t *testing.T) {
	idx, err := New(4, 8)
	require.NoError(t, err)

	arena, err := idx.AllocReferenceBlock(1, 4)
	require.NoError(t, err)
	key := k(5)
	r1, err := arena.Alloc(key, 1, InCache(0))
	require.NoError(t, err)
	idx.IndexRef(r1)

	arena2, err := idx.AllocReferenceBlock(2, 4)
	require.NoError(t, err)
	r2, err := arena2.Alloc(key, 2, InCache(0))
	require.NoError(t, err)
	idx.IndexRef(r2)

	latest, err := idx.GetLatest(key)
	require.NoError(t, err)
	require.Equal(t, uint64(2), latest.Slot)
}

func TestGetLatestMissing(t *testing.T) {
	idx, err := New(4, 8)
	require.NoError(t, err)
	_, err = idx.GetLatest(k(99))
	require.ErrorIs(t, err, errs.ErrPubkeyNotInIndex)
}

func TestIndexRefIfNotDuplicateSlotRejectsDuplicate(t *testing.T) {
	idx, err := New(4, 8)
	require.NoError(t, err)
	arena, err := idx.AllocReferenceBlock(1, 4)
	require.NoError(t, err)
	key := k(7)

	r1, err := arena.Alloc(key, 1, InCache(0))
	require.NoError(t, err)
	require.True(t, idx.IndexRefIfNotDuplicateSlot(r1))

	r2, err := arena.Alloc(key, 1, InCache(1))
	require.NoError(t, err)
	require.False(t, idx.IndexRefIfNotDuplicateSlot(r2))
}

func TestRemoveReferenceUnlinksHeadAndTail(t *testing.T) {
	idx, err := New(4, 8)
	require.NoError(t, err)
	key := k(3)

	a1, _ := idx.AllocReferenceBlock(1, 4)
	a2, _ := idx.AllocReferenceBlock(2, 4)
	r1, _ := a1.Alloc(key, 1, InCache(0))
	r2, _ := a2.Alloc(key, 2, InCache(0))
	idx.IndexRef(r2)
	idx.IndexRef(r1)

	require.True(t, idx.RemoveReference(key, 2))
	latest, err := idx.GetLatest(key)
	require.NoError(t, err)
	require.Equal(t, uint64(1), latest.Slot)

	require.True(t, idx.RemoveReference(key, 1))
	_, ok := idx.GetReference(key)
	require.False(t, ok)
}

func TestArenaAllocExhaustion(t *testing.T) {
	arena := NewArena(1, 1)
	_, err := arena.Alloc(k(1), 1, InCache(0))
	require.NoError(t, err)
	_, err = arena.Alloc(k(2), 1, InCache(1))
	require.Error(t, err)
}

func TestDiskBackedArenaRoundTripsAndFrees(t *testing.T) {
	disk, err := diskalloc.New(filepath.Join(t.TempDir(), "idx"), 0)
	require.NoError(t, err)
	defer disk.Close()

	idx, err := NewWithDiskAllocator(4, 8, disk)
	require.NoError(t, err)

	key := k(5)
	arena, err := idx.AllocReferenceBlock(1, 4)
	require.NoError(t, err)
	ref, err := arena.Alloc(key, 1, InCache(7))
	require.NoError(t, err)
	idx.IndexRef(ref)

	latest, err := idx.GetLatest(key)
	require.NoError(t, err)
	require.Equal(t, uint64(1), latest.Slot)
	require.Equal(t, InCache(7), latest.Location)

	require.Equal(t, 1, disk.Stats().FilesOpen)
	require.True(t, idx.RemoveReference(key, 1))
	idx.FreeReferenceBlock(1)
	require.Equal(t, 0, disk.Stats().FilesOpen)
}

func TestNewWithDiskAllocatorRejectsNilAllocator(t *testing.T) {
	_, err := NewWithDiskAllocator(4, 8, nil)
	require.Error(t, err)
}

func TestStatsReportsPerBinCountsAndLoadFactor(t *testing.T) {
	idx, err := New(4, 8)
	require.NoError(t, err)
	stats := idx.Stats()
	require.Len(t, stats, 4)
	for _, s := range stats {
		require.Zero(t, s.Len)
		require.Zero(t, s.LoadFactor)
		require.Positive(t, s.Cap)
	}

	arena, err := idx.AllocReferenceBlock(1, 4)
	require.NoError(t, err)
	key := k(3)
	ref, err := arena.Alloc(key, 1, InCache(0))
	require.NoError(t, err)
	idx.IndexRef(ref)

	stats = idx.Stats()
	total := 0
	for _, s := range stats {
		total += s.Len
	}
	require.Equal(t, 1, total)
}

func TestSnapshotBinSeesAllChains(t *testing.T) {
	idx, err := New(4, 8)
	require.NoError(t, err)
	var bins []uint32
	for i := 0; i < 10; i++ {
		key := k(byte(i))
		a, err := idx.AllocReferenceBlock(uint64(i), 4)
		require.NoError(t, err)
		r, err := a.Alloc(key, uint64(i), InCache(0))
		require.NoError(t, err)
		idx.IndexRef(r)
		bins = append(bins, pubkey.BinIndex(key, idx.NumberOfBins()))
	}
	total := 0
	for i := 0; i < int(idx.NumberOfBins()); i++ {
		total += len(idx.SnapshotBin(i))
	}
	require.Equal(t, 10, total)
}
