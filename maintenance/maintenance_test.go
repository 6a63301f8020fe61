package maintenance

import (
	"testing"
	"time"

	"accountsdb/accountcache"
	"accountsdb/accountindex"
	"accountsdb/config"
	"accountsdb/filemap"
	"accountsdb/metrics"
	"accountsdb/pubkey"

	"github.com/stretchr/testify/require"
)

func key(b byte) pubkey.Pubkey {
	var p pubkey.Pubkey
	p[0] = b
	return p
}

func newTestLoop(t *testing.T) (*Loop, *accountcache.Cache, *accountindex.Index, *filemap.Map) {
	cache := accountcache.New()
	idx, err := accountindex.New(4, 8)
	require.NoError(t, err)
	files := filemap.New()
	cfg := config.MaintenanceConfig{
		TickInterval:              time.Second,
		MaxFlushSlotsPerIteration: 8,
		ShrinkThresholdPercent:    10,
	}
	l := New(cfg, cache, idx, files, nil, t.TempDir(), metrics.NewRegistry())
	return l, cache, idx, files
}

// commit mimics the engine's putBatch: allocate an arena, index the
// refs as InCache, then hand the batch to the cache.
func commit(t *testing.T, idx *accountindex.Index, cache *accountcache.Cache, slot uint64, keys []pubkey.Pubkey, accounts []accountcache.Account) {
	arena, err := idx.AllocReferenceBlock(slot, len(keys))
	require.NoError(t, err)
	for i, k := range keys {
		ref, err := arena.Alloc(k, slot, accountindex.InCache(i))
		require.NoError(t, err)
		idx.IndexRef(ref)
	}
	cache.PutBatch(slot, keys, accounts)
}

func TestFlushMovesAccountsFromCacheToFile(t *testing.T) {
	l, cache, idx, files := newTestLoop(t)
	k1, k2 := key(1), key(2)
	commit(t, idx, cache, 1, []pubkey.Pubkey{k1, k2}, []accountcache.Account{
		{Lamports: 10, Data: []byte("a")},
		{Lamports: 20, Data: []byte("b")},
	})

	require.NoError(t, l.SetRootedSlot(1))
	require.NoError(t, l.RunOnce())

	require.False(t, cache.Contains(1))
	require.Equal(t, 1, files.Len())

	ref, err := idx.GetLatest(k1)
	require.NoError(t, err)
	require.Equal(t, accountindex.LocationInFile, ref.Location.Kind)
}

func TestCleanMarksSupersededNodeDeadAndShrinks(t *testing.T) {
	l, cache, idx, files := newTestLoop(t)
	k1, k2 := key(1), key(2)
	commit(t, idx, cache, 1, []pubkey.Pubkey{k1, k2}, []accountcache.Account{
		{Lamports: 10, Data: []byte("a")},
		{Lamports: 20, Data: []byte("b")},
	})
	require.NoError(t, l.SetRootedSlot(1))
	require.NoError(t, l.RunOnce())
	require.Equal(t, 1, files.Len())

	// Slot 2 supersedes k1 only.
	commit(t, idx, cache, 2, []pubkey.Pubkey{k1}, []accountcache.Account{
		{Lamports: 99, Data: []byte("aa")},
	})
	require.NoError(t, l.SetRootedSlot(2))
	require.NoError(t, l.RunOnce())

	// k1's slot-1 node should be gone; its slot-2 node should remain.
	_, ok := idx.GetSlotReference(k1, 1)
	require.False(t, ok)
	latest, err := idx.GetLatest(k1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), latest.Slot)

	// k2 is untouched.
	latest2, err := idx.GetLatest(k2)
	require.NoError(t, err)
	require.Equal(t, uint64(1), latest2.Slot)

	// File 0 (slot 1) should have been shrunk down to just k2 and the
	// old file deleted, leaving exactly 2 live files (shrunk slot-1
	// file + slot-2 file).
	require.Equal(t, 2, files.Len())
}

func TestZeroLamportRootedNodeIsMarkedDead(t *testing.T) {
	l, cache, idx, files := newTestLoop(t)
	k1 := key(3)
	commit(t, idx, cache, 1, []pubkey.Pubkey{k1}, []accountcache.Account{{Lamports: 0, Data: nil}})
	require.NoError(t, l.SetRootedSlot(1))
	require.NoError(t, l.RunOnce())

	_, ok := idx.GetReference(k1)
	require.False(t, ok, "zero-lamport rooted account should have been cleaned away")
	require.Equal(t, 0, files.Len(), "the only record in the file died, so it should have been deleted")
}

func TestFlushRespectsMaxFlushSlotsPerIteration(t *testing.T) {
	l, cache, idx, files := newTestLoop(t)
	l.cfg.MaxFlushSlotsPerIteration = 1
	for s := uint64(1); s <= 3; s++ {
		commit(t, idx, cache, s, []pubkey.Pubkey{key(byte(s))}, []accountcache.Account{{Lamports: 1}})
	}
	require.NoError(t, l.SetRootedSlot(3))
	require.NoError(t, l.RunOnce())
	require.Equal(t, 1, files.Len())
	require.Equal(t, 2, cache.Len())
}
