package accountsdb

import (
	"os"
	"testing"

	"accountsdb/accountcache"
	"accountsdb/config"
	"accountsdb/pubkey"

	"github.com/stretchr/testify/require"
)

func key(b byte) pubkey.Pubkey {
	var p pubkey.Pubkey
	p[0] = b
	return p
}

func newTestEngine(t *testing.T) *Engine {
	dir := t.TempDir()
	cfg := config.DefaultConfig(dir)
	cfg.Index.NumberOfIndexShards = 4
	cfg.Maintenance.ShrinkThresholdPercent = 10
	cfg.Persist.FileMapMetaDir = dir + "/filemap_meta"
	cfg.Persist.SaveIndex = false
	cfg.Index.UseDiskIndex = false
	cfg.Index.HotCacheSize = 16

	require.NoError(t, os.MkdirAll(dir+"/accounts", 0o755))
	e, err := Open(cfg, dir+"/accounts")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestPutBatchThenGetAccountFromCache(t *testing.T) {
	e := newTestEngine(t)
	k1 := key(1)
	require.NoError(t, e.PutBatch(1, []pubkey.Pubkey{k1}, []accountcache.Account{
		{Lamports: 42, Data: []byte("hello")},
	}))

	acc, slot, err := e.GetAccount(k1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), slot)
	require.Equal(t, uint64(42), acc.Lamports)
	require.Equal(t, []byte("hello"), acc.Data)
}

func TestGetAccountMissingReturnsNotFound(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.GetAccount(key(9))
	require.Error(t, err)
}

func TestGetAccountAfterMaintenanceReadsFromFile(t *testing.T) {
	e := newTestEngine(t)
	k1 := key(1)
	require.NoError(t, e.PutBatch(1, []pubkey.Pubkey{k1}, []accountcache.Account{
		{Lamports: 7, Data: []byte("x")},
	}))
	require.NoError(t, e.SetRootedSlot(1))
	require.NoError(t, e.RunMaintenanceOnce())

	acc, slot, err := e.GetAccount(k1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), slot)
	require.Equal(t, uint64(7), acc.Lamports)

	stats := e.Stats()
	require.Equal(t, 1, stats.OpenFiles)
	require.Equal(t, 0, stats.CachedSlots)
}

func TestHotCacheServesRepeatReadsAfterFlush(t *testing.T) {
	e := newTestEngine(t)
	k1 := key(2)
	require.NoError(t, e.PutBatch(1, []pubkey.Pubkey{k1}, []accountcache.Account{
		{Lamports: 99, Data: []byte("cached")},
	}))
	require.NoError(t, e.SetRootedSlot(1))
	require.NoError(t, e.RunMaintenanceOnce())

	first, _, err := e.GetAccount(k1)
	require.NoError(t, err)
	second, _, err := e.GetAccount(k1)
	require.NoError(t, err)
	require.Equal(t, first.Lamports, second.Lamports)
}

func TestPurgeSlotRemovesUncommittedWrite(t *testing.T) {
	e := newTestEngine(t)
	k1 := key(3)
	require.NoError(t, e.PutBatch(5, []pubkey.Pubkey{k1}, []accountcache.Account{{Lamports: 1}}))
	require.NoError(t, e.PurgeSlot(5, []pubkey.Pubkey{k1}))

	_, _, err := e.GetAccount(k1)
	require.Error(t, err)
}

func TestPurgeSlotUncachedIsInvariantViolation(t *testing.T) {
	e := newTestEngine(t)
	require.Error(t, e.PurgeSlot(123, nil))
}

func TestStatsReportsBinOccupancy(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.PutBatch(1, []pubkey.Pubkey{key(1), key(2)}, []accountcache.Account{
		{Lamports: 1}, {Lamports: 2},
	}))

	stats := e.Stats()
	require.Equal(t, uint32(4), stats.NumberOfBins)
	require.Equal(t, 4, stats.BinOccupancy.NumBins)
	require.GreaterOrEqual(t, stats.BinOccupancy.Max, 1)
	require.LessOrEqual(t, stats.BinOccupancy.Min, stats.BinOccupancy.Max)

	snap := stats.Metrics
	_, ok := snap.Gauges["index_bin_max"]
	require.True(t, ok)
}

func TestUseDiskIndexBacksArenaOnDiskAndFreesOnPurge(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig(dir)
	cfg.Index.NumberOfIndexShards = 4
	cfg.Persist.FileMapMetaDir = dir + "/filemap_meta"
	cfg.Index.UseDiskIndex = true
	cfg.Index.HotCacheSize = 0
	require.NoError(t, os.MkdirAll(dir+"/accounts", 0o755))

	e, err := Open(cfg, dir+"/accounts")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	k1 := key(4)
	require.NoError(t, e.PutBatch(9, []pubkey.Pubkey{k1}, []accountcache.Account{
		{Lamports: 55, Data: []byte("disk-backed")},
	}))

	acc, slot, err := e.GetAccount(k1)
	require.NoError(t, err)
	require.Equal(t, uint64(9), slot)
	require.Equal(t, uint64(55), acc.Lamports)

	require.NoError(t, e.PurgeSlot(9, []pubkey.Pubkey{k1}))
	_, _, err = e.GetAccount(k1)
	require.Error(t, err)
}
