// Package accountfile implements the on-disk AppendVec codec of spec
// section 4.2/6: a memory-mapped, append-only batch of account records
// for one slot, addressed by byte offset, immutable once flushed.
package accountfile

import (
	"encoding/binary"

	"accountsdb/pubkey"

	pkgerrors "github.com/pkg/errors"
)

// MaxPermittedDataLength bounds a single account's data payload; the
// upstream cluster enforces the same ceiling on account size.
const MaxPermittedDataLength = 10 * 1024 * 1024

// staticRecordSize is the size, in bytes, of every fixed-width field
// that precedes the variable-length data payload: write_version(8) +
// data_len(8) + pubkey(32) + owner(32) + lamports(8) + rent_epoch(8) +
// executable(1, padded to 8) + hash(32).
const staticRecordSize = 8 + 8 + 32 + 32 + 8 + 8 + 8 + 32

// Record is a decoded view into one account record. Pubkey/Owner/Hash
// are copied out as fixed-size arrays; Data is a slice into the
// memory-mapped file — reading it is free, but it is only valid while
// the AccountFile stays mapped.
type Record struct {
	WriteVersion uint64
	DataLen      uint64
	Pubkey       pubkey.Pubkey
	Owner        pubkey.Pubkey
	Lamports     uint64
	RentEpoch    uint64
	Executable   bool
	Hash         [32]byte
	Data         []byte

	// Offset is the byte offset of this record's header from the file
	// start — the value InFile{offset} addresses (spec 6).
	Offset int
	// PaddedLen is align_up(staticRecordSize+DataLen, 8), the number of
	// bytes this record occupies including trailing zero padding.
	PaddedLen int
}

// AlignUp8 rounds n up to the next multiple of 8, the record/file
// alignment spec 3/6 requires.
func AlignUp8(n int) int {
	return (n + 7) &^ 7
}

// PaddedRecordSize returns the on-disk footprint of an account with the
// given data length, used both when sizing a new flush file and when
// validating an existing one.
func PaddedRecordSize(dataLen int) int {
	return AlignUp8(staticRecordSize + dataLen)
}

// encodeRecord writes one record's bytes into dst[0:PaddedRecordSize],
// zero-padding the tail. dst must be at least PaddedRecordSize(len(data))
// bytes.
func encodeRecord(dst []byte, writeVersion uint64, key, owner pubkey.Pubkey, lamports, rentEpoch uint64, executable bool, hash [32]byte, data []byte) int {
	le := binary.LittleEndian
	off := 0
	le.PutUint64(dst[off:], writeVersion)
	off += 8
	le.PutUint64(dst[off:], uint64(len(data)))
	off += 8
	copy(dst[off:], key[:])
	off += 32
	copy(dst[off:], owner[:])
	off += 32
	le.PutUint64(dst[off:], lamports)
	off += 8
	le.PutUint64(dst[off:], rentEpoch)
	off += 8
	if executable {
		dst[off] = 1
	} else {
		dst[off] = 0
	}
	for i := 1; i < 8; i++ {
		dst[off+i] = 0
	}
	off += 8
	copy(dst[off:], hash[:])
	off += 32
	copy(dst[off:], data)
	off += len(data)

	total := PaddedRecordSize(len(data))
	for ; off < total; off++ {
		dst[off] = 0
	}
	return total
}

// decodeRecord parses one record starting at offset within buf. It
// returns an error if the header does not fit, or if the record's
// declared data_len would run past buf or exceed
// MaxPermittedDataLength.
func decodeRecord(buf []byte, offset int) (Record, error) {
	if offset < 0 || offset+staticRecordSize > len(buf) {
		return Record{}, pkgerrors.WithStack(errRecordOutOfRange)
	}
	le := binary.LittleEndian
	r := Record{Offset: offset}
	p := offset
	r.WriteVersion = le.Uint64(buf[p:])
	p += 8
	r.DataLen = le.Uint64(buf[p:])
	p += 8
	if r.DataLen > MaxPermittedDataLength {
		return Record{}, pkgerrors.WithStack(errDataTooLong)
	}
	copy(r.Pubkey[:], buf[p:p+32])
	p += 32
	copy(r.Owner[:], buf[p:p+32])
	p += 32
	r.Lamports = le.Uint64(buf[p:])
	p += 8
	r.RentEpoch = le.Uint64(buf[p:])
	p += 8
	r.Executable = buf[p] != 0
	p += 8
	copy(r.Hash[:], buf[p:p+32])
	p += 32

	dataLen := int(r.DataLen)
	if p+dataLen > len(buf) {
		return Record{}, pkgerrors.WithStack(errRecordOutOfRange)
	}
	r.Data = buf[p : p+dataLen]
	r.PaddedLen = PaddedRecordSize(dataLen)
	if offset+r.PaddedLen > len(buf) {
		return Record{}, pkgerrors.WithStack(errRecordOutOfRange)
	}
	return r, nil
}
