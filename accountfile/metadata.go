package accountfile

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
	pkgerrors "github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
)

// Metadata holds the counters spec 3 attaches to every account file:
// alive_bytes, dead_bytes, number_of_accounts, plus an alive-record
// bitset (one bit per record, in storage order) that clean flips off
// record by record instead of re-scanning the whole file each tick.
type Metadata struct {
	mu sync.Mutex

	NumberOfAccounts int
	AliveBytes       int64
	DeadBytes        int64

	alive *bitset.BitSet
	// offsetOf maps a record's byte offset to its ordinal index in
	// alive, so MarkDead can be called with the InFile{offset} value
	// callers already have.
	offsetOf map[int64]uint

	// headerChecksum is a murmur3 fingerprint over every record's
	// static header region, computed once by Populate. VerifyChecksum
	// recomputes it and compares, catching silent corruption that
	// leaves every individual record structurally well-formed (spec
	// 4.2's per-record checks can't catch a header that was corrupted
	// consistently, e.g. by a bad disk sector rewrite).
	headerChecksum uint64
}

// Populate performs the one-pass scan spec 4.2's populateMetadata
// describes: fill number_of_accounts and alive_bytes (dead_bytes
// starts at zero, since nothing has been cleaned yet) and build the
// alive-record bitset and header checksum.
func (af *AccountFile) Populate() (*Metadata, error) {
	m := &Metadata{
		alive:    bitset.New(0),
		offsetOf: make(map[int64]uint),
	}
	hasher := murmur3.New64()

	it := af.NewIterator()
	var idx uint
	for it.Next() {
		rec := it.Record()
		m.AliveBytes += int64(rec.PaddedLen)
		m.NumberOfAccounts++
		m.offsetOf[int64(rec.Offset)] = idx
		m.alive.Set(idx)
		idx++

		var hdr [8]byte
		putUint64(hdr[:], rec.WriteVersion)
		hasher.Write(hdr[:])
		putUint64(hdr[:], rec.DataLen)
		hasher.Write(hdr[:])
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	m.headerChecksum = hasher.Sum64()
	return m, nil
}

func putUint64(dst []byte, v uint64) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (8 * i))
	}
}

// MarkDead flips the alive bit for the record at byteOffset and moves
// its padded size from AliveBytes to DeadBytes, per spec 4.8's clean
// step. It is a no-op if byteOffset is unknown.
func (m *Metadata) MarkDead(byteOffset int64, paddedLen int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.offsetOf[byteOffset]
	if !ok || !m.alive.Test(idx) {
		return
	}
	m.alive.Clear(idx)
	m.AliveBytes -= paddedLen
	m.DeadBytes += paddedLen
}

// IsAliveAt reports whether the record at byteOffset is still marked
// alive, used by shrink to decide which records to carry into the
// compacted file.
func (m *Metadata) IsAliveAt(byteOffset int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.offsetOf[byteOffset]
	if !ok {
		return false
	}
	return m.alive.Test(idx)
}

// DeadPercent returns dead_bytes*100/length, the figure the shrink
// threshold check in spec 4.8 compares against
// ACCOUNT_FILE_SHRINK_THRESHOLD.
func (m *Metadata) DeadPercent(length int64) int {
	if length == 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.DeadBytes * 100 / length)
}

// IsFullyDead reports whether every record in the file has been marked
// dead (spec 4.8: "if the file becomes 100% dead, enqueue into
// delete").
func (m *Metadata) IsFullyDead() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive.None()
}

// HeaderChecksum returns the fingerprint Populate computed.
func (m *Metadata) HeaderChecksum() uint64 {
	return m.headerChecksum
}

// VerifyChecksum recomputes the header checksum over af's current
// contents and compares it against expected, surfacing a mismatch as a
// corruption error distinct from the structural checks in Validate.
func (af *AccountFile) VerifyChecksum(expected uint64) error {
	m, err := af.Populate()
	if err != nil {
		return err
	}
	if m.headerChecksum != expected {
		return pkgerrors.WithStack(errRecordOutOfRange)
	}
	return nil
}
