package snapshotgen

import (
	"os"
	"path/filepath"
	"testing"

	"accountsdb/accountsdb"
	"accountsdb/accountcache"
	"accountsdb/config"
	"accountsdb/pubkey"
	"accountsdb/snapshotload"

	"github.com/stretchr/testify/require"
)

func key(b byte) pubkey.Pubkey {
	var p pubkey.Pubkey
	p[0] = b
	return p
}

func newTestEngine(t *testing.T) *accountsdb.Engine {
	dir := t.TempDir()
	cfg := config.DefaultConfig(dir)
	cfg.Index.NumberOfIndexShards = 4
	cfg.Maintenance.ShrinkThresholdPercent = 10
	cfg.Persist.FileMapMetaDir = dir + "/filemap_meta"

	require.NoError(t, os.MkdirAll(dir+"/accounts", 0o755))
	e, err := accountsdb.Open(cfg, dir+"/accounts")
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestGenerateProducesLoadableSnapshot(t *testing.T) {
	e := newTestEngine(t)
	k1, k2 := key(1), key(2)

	require.NoError(t, e.PutBatch(1, []pubkey.Pubkey{k1, k2}, []accountcache.Account{
		{Lamports: 10, Data: []byte("a")},
		{Lamports: 20, Data: []byte("bb")},
	}))
	require.NoError(t, e.SetRootedSlot(1))
	require.NoError(t, e.RunMaintenanceOnce())
	require.Equal(t, 1, e.Stats().OpenFiles)

	outDir := filepath.Join(t.TempDir(), "snap-1")
	manifestPath, err := Generate(e, 1, outDir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(outDir, "manifest.bin"), manifestPath)

	entries, err := os.ReadDir(filepath.Join(outDir, "accounts"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	manifest, err := snapshotload.ReadManifest(manifestPath)
	require.NoError(t, err)
	require.Len(t, manifest.Files, 1)
	require.Equal(t, uint64(30), manifest.Capitalization)

	loadDir := t.TempDir()
	require.NoError(t, os.Rename(filepath.Join(outDir, "accounts"), filepath.Join(loadDir, "accounts")))
	cfg := config.SnapshotConfig{NumThreadsSnapshotLoad: 1, AccountsPerFileEstimate: 8}
	res, err := snapshotload.Load(cfg, 4, loadDir, manifest)
	require.NoError(t, err)
	require.Equal(t, 1, res.Files.Len())
}

func TestGenerateExcludesFilesAboveRootSlot(t *testing.T) {
	e := newTestEngine(t)
	k1, k2 := key(1), key(2)

	require.NoError(t, e.PutBatch(1, []pubkey.Pubkey{k1}, []accountcache.Account{{Lamports: 1}}))
	require.NoError(t, e.PutBatch(2, []pubkey.Pubkey{k2}, []accountcache.Account{{Lamports: 2}}))
	require.NoError(t, e.SetRootedSlot(2))
	require.NoError(t, e.RunMaintenanceOnce())
	require.Equal(t, 2, e.Stats().OpenFiles)

	outDir := filepath.Join(t.TempDir(), "snap-1")
	manifestPath, err := Generate(e, 1, outDir)
	require.NoError(t, err)

	manifest, err := snapshotload.ReadManifest(manifestPath)
	require.NoError(t, err)
	require.Len(t, manifest.Files, 1)
	require.Equal(t, uint64(1), manifest.Files[0].Slot)
	require.Equal(t, uint64(1), manifest.Capitalization)
}
