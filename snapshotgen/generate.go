// Package snapshotgen implements the snapshot generation contract spec
// section 2 row 9 says the engine must expose to an outer
// snapshot-writer: given a rooted slot, stage every account file at or
// below it, compute the Merkle account hash the same way load-time
// validation does, and write a manifest a later Load call can check
// against. Generating a full snapshot-writer pipeline (scheduling,
// upload, retention) is out of scope; this package only produces the
// directory and manifest the writer hands off.
package snapshotgen

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"accountsdb/accountsdb"
	"accountsdb/accountfile"
	"accountsdb/accountindex"
	"accountsdb/errs"
	"accountsdb/filemap"
	"accountsdb/logx"
	"accountsdb/merkle"
	"accountsdb/snapshotload"

	pkgerrors "github.com/pkg/errors"
)

var log = logx.New("snapshotgen")

// fileResolver reads lamports/hash for Merkle hashing straight out of
// the engine's live file map. It is an invariant violation for
// Generate's rootSlot-bounded selection to land on an InCache node: a
// slot being snapshotted must already be flushed (spec 4.8's flush
// step always runs ahead of any slot becoming eligible here).
type fileResolver struct {
	files *filemap.Map
}

func (r fileResolver) Lamports(ref *accountindex.AccountRef) (uint64, error) {
	rec, err := r.read(ref)
	if err != nil {
		return 0, err
	}
	return rec.Lamports, nil
}

func (r fileResolver) Hash(ref *accountindex.AccountRef) ([32]byte, error) {
	rec, err := r.read(ref)
	if err != nil {
		return [32]byte{}, err
	}
	return rec.Hash, nil
}

func (r fileResolver) read(ref *accountindex.AccountRef) (accountfile.Record, error) {
	if ref.Location.Kind != accountindex.LocationInFile {
		return accountfile.Record{}, pkgerrors.WithStack(fmt.Errorf("snapshotgen: %w: slot %d not flushed", errs.ErrInvalidRecord, ref.Slot))
	}
	entry, err := r.files.Get(accountfile.FileID(ref.Location.FileID))
	if err != nil {
		return accountfile.Record{}, err
	}
	var rec accountfile.Record
	var readErr error
	entry.WithReadLock(func(af *accountfile.AccountFile, _ *accountfile.Metadata) {
		rec, readErr = af.ReadAccount(ref.Location.Offset)
	})
	return rec, readErr
}

// Generate implements SPEC_FULL's snapshotgen contract: walk e's file
// map for every file at or below rootSlot, stage it under outDir's
// accounts/ directory, compute the full-mode Merkle root and
// capitalization over those slots, write the manifest, then atomically
// rename the staging directory into place. It returns the path to the
// written manifest.
func Generate(e *accountsdb.Engine, rootSlot uint64, outDir string) (string, error) {
	files := e.Files()
	idx := e.Index()

	var refs []snapshotload.FileRef
	for _, id := range files.IDs() {
		entry, err := files.Get(id)
		if err != nil {
			continue
		}
		var slot uint64
		var length int64
		entry.WithReadLock(func(af *accountfile.AccountFile, _ *accountfile.Metadata) {
			slot = af.Slot
			length = af.Len()
		})
		if slot > rootSlot {
			continue
		}
		refs = append(refs, snapshotload.FileRef{Slot: slot, FileID: uint64(id), Length: length})
	}
	log.Info("staging %d account file(s) at or below slot %d", len(refs), rootSlot)

	staging, err := os.MkdirTemp(filepath.Dir(outDir), ".snapshotgen-*")
	if err != nil {
		return "", fmt.Errorf("snapshotgen: create staging dir: %w", err)
	}
	accountsDir := filepath.Join(staging, "accounts")
	if err := os.MkdirAll(accountsDir, 0o755); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("snapshotgen: create %s: %w", accountsDir, err)
	}

	hardlink := e.Config().Snapshot.HardlinkAccountFiles
	for _, fr := range refs {
		src := filepath.Join(e.Dir(), fmt.Sprintf("%d.%d", fr.Slot, fr.FileID))
		dst := filepath.Join(accountsDir, fmt.Sprintf("%d.%d", fr.Slot, fr.FileID))
		if err := stageFile(src, dst, hardlink); err != nil {
			os.RemoveAll(staging)
			return "", err
		}
	}

	resolve := fileResolver{files: files}
	numBins := int(idx.NumberOfBins())
	leaves := make([][][32]byte, numBins)
	var capitalization uint64
	for bin := 0; bin < numBins; bin++ {
		summary, err := merkle.FullBinSummary(idx.SnapshotBin(bin), rootSlot, true, resolve)
		if err != nil {
			os.RemoveAll(staging)
			return "", fmt.Errorf("snapshotgen: hash bin %d: %w", bin, err)
		}
		leaves[bin] = summary.Leaves
		capitalization += summary.Capitalization
	}

	manifest := snapshotload.Manifest{
		Files:          refs,
		AccountsHash:   merkle.RootOfBins(leaves),
		Capitalization: capitalization,
	}
	manifestPath := filepath.Join(staging, "manifest.bin")
	if err := snapshotload.WriteManifest(manifestPath, manifest); err != nil {
		os.RemoveAll(staging)
		return "", err
	}

	if err := os.Rename(staging, outDir); err != nil {
		os.RemoveAll(staging)
		return "", fmt.Errorf("snapshotgen: publish %s: %w", outDir, err)
	}
	log.Info("published snapshot at %s (root=%d, accounts_hash=%x, capitalization=%d)", outDir, rootSlot, manifest.AccountsHash, capitalization)

	return filepath.Join(outDir, "manifest.bin"), nil
}

// stageFile puts src's bytes at dst, hardlinking when asked and
// falling back to a byte copy when the link fails (e.g. outDir is on a
// different filesystem than the source accounts directory).
func stageFile(src, dst string, hardlink bool) error {
	if hardlink {
		if err := os.Link(src, dst); err == nil {
			return nil
		}
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("snapshotgen: open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("snapshotgen: create %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("snapshotgen: copy %s: %w", src, err)
	}
	return out.Close()
}
