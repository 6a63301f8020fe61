package snapshotload

import (
	"os"
	"path/filepath"
	"testing"

	"accountsdb/accountfile"
	"accountsdb/config"
	"accountsdb/merkle"
	"accountsdb/pubkey"

	"github.com/stretchr/testify/require"
)

func key(b byte) pubkey.Pubkey {
	var p pubkey.Pubkey
	p[0] = b
	return p
}

func writeAccountFile(t *testing.T, accountsDir string, slot uint64, id uint64, keys []pubkey.Pubkey, lamports []uint64) {
	total := int64(0)
	for range keys {
		total += int64(accountfile.PaddedRecordSize(0))
	}
	af, err := accountfile.Create(accountsDir, accountfile.FileID(id), slot, total)
	require.NoError(t, err)
	for i, k := range keys {
		hash := accountfile.HashAccount(lamports[i], 0, nil, pubkey.Pubkey{}, k, false)
		_, ok := af.AppendAccount(uint64(i), k, pubkey.Pubkey{}, lamports[i], 0, false, hash, nil)
		require.True(t, ok)
	}
	require.NoError(t, af.Close())
}

func TestLoadPlanMergeAndValidateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	accountsDir := filepath.Join(dir, "accounts")
	require.NoError(t, os.MkdirAll(accountsDir, 0o755))

	k1, k2, k3 := key(1), key(2), key(3)
	writeAccountFile(t, accountsDir, 1, 0, []pubkey.Pubkey{k1, k2}, []uint64{10, 20})
	writeAccountFile(t, accountsDir, 2, 1, []pubkey.Pubkey{k3}, []uint64{5})

	manifest := Manifest{
		Files: []FileRef{{Slot: 1, FileID: 0}, {Slot: 2, FileID: 1}},
	}
	cfg := config.SnapshotConfig{
		NumThreadsSnapshotLoad:   2,
		NumThreadsSnapshotUnpack: 1,
		AccountsPerFileEstimate:  8,
		SnapshotMetadataOnly:     true,
	}

	res1, err := Load(cfg, 4, dir, manifest)
	require.NoError(t, err)
	require.Equal(t, 2, res1.Files.Len())

	resolve := fileResolver{files: res1.Files}
	numBins := int(res1.Index.NumberOfBins())
	leaves := make([][][32]byte, numBins)
	var cap_ uint64
	for bin := 0; bin < numBins; bin++ {
		summary, err := merkle.FullBinSummary(res1.Index.SnapshotBin(bin), 0, false, resolve)
		require.NoError(t, err)
		leaves[bin] = summary.Leaves
		cap_ += summary.Capitalization
	}
	require.Equal(t, uint64(35), cap_)

	manifest.AccountsHash = merkle.RootOfBins(leaves)
	manifest.Capitalization = cap_
	cfg.SnapshotMetadataOnly = false

	res2, err := Load(cfg, 4, dir, manifest)
	require.NoError(t, err)
	require.Equal(t, 2, res2.Files.Len())
}

func TestLoadFailsValidationOnWrongManifestHash(t *testing.T) {
	dir := t.TempDir()
	accountsDir := filepath.Join(dir, "accounts")
	require.NoError(t, os.MkdirAll(accountsDir, 0o755))
	writeAccountFile(t, accountsDir, 1, 0, []pubkey.Pubkey{key(1)}, []uint64{1})

	manifest := Manifest{Files: []FileRef{{Slot: 1, FileID: 0}}}
	cfg := config.SnapshotConfig{NumThreadsSnapshotLoad: 1, AccountsPerFileEstimate: 8}

	_, err := Load(cfg, 4, dir, manifest)
	require.Error(t, err)
}

func TestPlanRejectsManifestEntryMissingOnDisk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "accounts"), 0o755))
	_, err := Plan(dir, Manifest{Files: []FileRef{{Slot: 99, FileID: 0}}})
	require.Error(t, err)
}
