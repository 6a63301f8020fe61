package accountfile

import (
	"fmt"
	"os"
	"sync/atomic"
	"syscall"

	"accountsdb/errs"
	"accountsdb/pubkey"

	pkgerrors "github.com/pkg/errors"
)

// FileID identifies one AccountFile within a slot's storage (spec 4.2,
// 4.6). While shrink replaces a slot's file, the slot briefly has two:
// the compacted file and the original queued for delete.
type FileID uint64

// AccountFile is one memory-mapped, append-only batch of account
// records written for a single slot. New records are appended by
// AppendAccount until the file is sealed (spec 4.2): once a slot is
// rooted and flushed its AccountFile is never appended to again, only
// read, cleaned, shrunk or deleted wholesale.
type AccountFile struct {
	ID   FileID
	Slot uint64

	path string
	file *os.File
	data []byte // mmap'd region, length == capacity

	// appendOffset is the byte offset one past the last written record.
	// Accessed atomically so a writer appending can race a concurrent
	// reader computing remaining space without a lock (spec 4.2).
	appendOffset int64
	capacity     int64
}

// Create allocates a new, empty AccountFile of capacity bytes backing
// slot, memory-mapped read/write. The callers (flush and shrink) pass
// the exact sum of the padded sizes of the records they will append;
// accountfile itself does not guess a size.
func Create(dir string, id FileID, slot uint64, capacity int64) (*AccountFile, error) {
	path := fmt.Sprintf("%s/%d.%d", dir, slot, uint64(id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("accountfile: create %s: %w", path, err)
	}
	if err := f.Truncate(capacity); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("accountfile: truncate %s: %w", path, err)
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(capacity), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("accountfile: mmap %s: %w", path, err)
	}
	return &AccountFile{
		ID: id, Slot: slot, path: path, file: f, data: data, capacity: capacity,
	}, nil
}

// Open memory-maps an existing, already-written AccountFile for
// reading. The file is mapped read-only: a slot's file is only ever
// appended to before it is rooted, and Open is for files that have
// already been flushed (spec 4.2). declaredLength is the caller's
// expected on-disk size (a manifest entry's length, or a persisted
// file-map row's length); Open fails if the actual file is shorter,
// catching truncated/corrupted files before anything tries to read
// past the real data (spec 4.2, spec 7 class 3). Pass 0 when no
// declared length is available to skip the check. Len of the opened
// file is declaredLength when one is given, otherwise the file's size.
func Open(path string, id FileID, slot uint64, declaredLength int64) (*AccountFile, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("accountfile: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("accountfile: stat %s: %w", path, err)
	}
	size := info.Size()
	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("accountfile: %s: %w", path, errs.ErrAccountFileEmpty)
	}
	if declaredLength > 0 && size < declaredLength {
		f.Close()
		return nil, pkgerrors.WithStack(fmt.Errorf("accountfile: %s: %w: have %d, want %d", path, errs.ErrInvalidAccountFileLength, size, declaredLength))
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("accountfile: mmap %s: %w", path, err)
	}
	af := &AccountFile{
		ID: id, Slot: slot, path: path, file: f, data: data, capacity: size,
	}
	af.appendOffset = size
	if declaredLength > 0 {
		af.appendOffset = declaredLength
	}
	return af, nil
}

// Path returns the backing file's path.
func (af *AccountFile) Path() string { return af.path }

// Len returns the number of bytes currently written (the append
// cursor), distinct from Capacity.
func (af *AccountFile) Len() int64 { return atomic.LoadInt64(&af.appendOffset) }

// Capacity returns the mapped region's total size.
func (af *AccountFile) Capacity() int64 { return af.capacity }

// Remaining reports how many bytes are free past the append cursor.
func (af *AccountFile) Remaining() int64 { return af.capacity - af.Len() }

// AppendAccount writes one record at the current append cursor,
// advancing it, and returns the record's offset. If the record does not
// fit in the remaining capacity it writes nothing and returns ok=false;
// the maintenance flush and shrink paths treat that as an error.
func (af *AccountFile) AppendAccount(writeVersion uint64, key, owner pubkey.Pubkey, lamports, rentEpoch uint64, executable bool, hash [32]byte, data []byte) (offset int64, ok bool) {
	need := int64(PaddedRecordSize(len(data)))
	cur := atomic.LoadInt64(&af.appendOffset)
	if cur+need > af.capacity {
		return 0, false
	}
	// Single-writer-per-file invariant (spec 4.5: one flush goroutine
	// owns an AccountFile while it is open for append), so a plain
	// load/compute/store is sufficient here; AppendAccount is never
	// called concurrently on the same file.
	encodeRecord(af.data[cur:cur+need], writeVersion, key, owner, lamports, rentEpoch, executable, hash, data)
	atomic.StoreInt64(&af.appendOffset, cur+need)
	return cur, true
}

// ReadAccount decodes the record at offset. The returned Record's
// slices alias the mmap'd file and are valid until Close/Unmap.
func (af *AccountFile) ReadAccount(offset int64) (Record, error) {
	return decodeRecord(af.data[:af.Len()], int(offset))
}

// Iterator walks every record, alive or dead, from the start of the file in
// storage order, used by snapshot generation, cleaning and shrink
// (spec 4.2, 4.8).
type Iterator struct {
	af     *AccountFile
	offset int64
	limit  int64
	cur    Record
	err    error
}

// NewIterator returns an Iterator over every record currently written.
func (af *AccountFile) NewIterator() *Iterator {
	return &Iterator{af: af, limit: af.Len()}
}

// Next advances the iterator and reports whether a record was
// produced. Call Record to retrieve it, Err after Next returns false
// to distinguish end-of-file from a decode error.
func (it *Iterator) Next() bool {
	if it.err != nil || it.offset >= it.limit {
		return false
	}
	rec, err := decodeRecord(it.af.data[:it.limit], int(it.offset))
	if err != nil {
		it.err = err
		return false
	}
	it.cur = rec
	it.offset += int64(rec.PaddedLen)
	return true
}

// Record returns the record produced by the most recent Next call.
func (it *Iterator) Record() Record { return it.cur }

// Err reports a decode error encountered while iterating, if any.
func (it *Iterator) Err() error { return it.err }

// Validate walks the entire file, per spec 4.7.3 ("verify file length
// matches the sum of record lengths"), returning the number of records
// found and an error on the first malformed record or length mismatch.
func (af *AccountFile) Validate() (count int, err error) {
	it := af.NewIterator()
	for it.Next() {
		count++
	}
	if it.Err() != nil {
		return count, it.Err()
	}
	if it.offset != it.limit {
		return count, pkgerrors.WithStack(errRecordOutOfRange)
	}
	return count, nil
}

// Close unmaps the file and closes the descriptor. It does not remove
// the backing file; deletion is the maintenance loop's job (spec 4.8).
func (af *AccountFile) Close() error {
	if af.data == nil {
		return nil
	}
	err := syscall.Munmap(af.data)
	af.data = nil
	if cerr := af.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Remove closes and deletes the backing file.
func (af *AccountFile) Remove() error {
	if err := af.Close(); err != nil {
		return err
	}
	return os.Remove(af.path)
}
