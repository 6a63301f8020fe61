package snapshotload

import (
	"accountsdb/accountfile"
	"accountsdb/accountindex"
	"accountsdb/errs"
	"accountsdb/filemap"
	"accountsdb/merkle"

	pkgerrors "github.com/pkg/errors"
)

// fileResolver adapts a filemap.Map into merkle.Resolver, reading
// lamports/hash out of whichever file a version node currently lives
// in (spec 4.7.1 assumes every resolved node is InFile by the time
// validation runs — the merged index at this point contains only
// file-backed locations, since snapshot load never populates the
// cache).
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
		return accountfile.Record{}, pkgerrors.WithStack(errs.ErrInvalidRecord)
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

// Validate computes the full-mode Merkle account hash and
// capitalization over idx (spec 4.7.1) and compares them against the
// manifest, additionally validating the incremental hash/
// capitalization when the manifest carries one.
func Validate(idx *accountindex.Index, files *filemap.Map, manifest Manifest) error {
	resolve := fileResolver{files: files}
	numBins := int(idx.NumberOfBins())

	fullLeaves := make([][][32]byte, numBins)
	var fullCap uint64
	for bin := 0; bin < numBins; bin++ {
		summary, err := merkle.FullBinSummary(idx.SnapshotBin(bin), 0, false, resolve)
		if err != nil {
			return err
		}
		fullLeaves[bin] = summary.Leaves
		fullCap += summary.Capitalization
	}

	if merkle.RootOfBins(fullLeaves) != manifest.AccountsHash {
		return pkgerrors.WithStack(errs.ErrIncorrectAccountsHash)
	}
	if fullCap != manifest.Capitalization {
		return pkgerrors.WithStack(errs.ErrIncorrectTotalLamports)
	}

	if !manifest.Incremental {
		return nil
	}

	incLeaves := make([][][32]byte, numBins)
	var incCap uint64
	for bin := 0; bin < numBins; bin++ {
		summary, err := merkle.IncrementalBinSummary(idx.SnapshotBin(bin), manifest.IncrementalMinSlot, resolve)
		if err != nil {
			return err
		}
		incLeaves[bin] = summary.Leaves
		incCap += summary.Capitalization
	}
	if merkle.RootOfBins(incLeaves) != manifest.IncrementalHash {
		return pkgerrors.WithStack(errs.ErrIncorrectIncrementalHash)
	}
	if incCap != manifest.IncrementalCapitalization {
		return pkgerrors.WithStack(errs.ErrIncorrectIncrementalLamports)
	}
	return nil
}
