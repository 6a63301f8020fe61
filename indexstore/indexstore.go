// Package indexstore persists a flattened copy of the account index to
// Badger (spec 6's save_index/fastload options). It stores only
// `(pubkey, slot, location)` tuples — never account data — keyed by bin
// so a load can restore one bin's chains at a time. accountsdb.Open
// opens a Store when save_index is set but never calls SaveBin or
// LoadBin: its fastload path reopens account files only and does not
// rebuild the index.
package indexstore

import (
	"encoding/binary"
	"fmt"

	"accountsdb/accountindex"
	"accountsdb/pubkey"

	"github.com/dgraph-io/badger/v4"
)

// LocationRow is the persisted form of accountindex.Location: flat
// enough to round-trip through a byte slice without pulling in the
// accountfile package's FileID type.
type LocationRow struct {
	InCache    bool
	FileID     uint64
	Offset     int64
	CacheIndex int
}

// Entry is one persisted version node.
type Entry struct {
	Pubkey   pubkey.Pubkey
	Slot     uint64
	Location LocationRow
}

// Store wraps a Badger instance keyed by `<bin:4><pubkey:32><slot:8>`,
// which naturally sorts entries by bin then pubkey, whatever order
// accountindex.SnapshotBin hands them over in (it uses the bin map's
// storage order).
type Store struct {
	db *badger.DB
}

// Open opens (creating if absent) the Badger database at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("indexstore: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a Badger instance with no backing files, used by
// tests and by `snapshot_metadata_only` callers that want the store's
// interface without its durability.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("indexstore: open in-memory: %w", err)
	}
	return &Store{db: db}, nil
}

func entryKey(bin uint32, key pubkey.Pubkey, slot uint64) []byte {
	buf := make([]byte, 4+32+8)
	binary.BigEndian.PutUint32(buf[0:4], bin)
	copy(buf[4:36], key[:])
	binary.BigEndian.PutUint64(buf[36:44], slot)
	return buf
}

func encodeLocation(loc LocationRow) []byte {
	buf := make([]byte, 25)
	if loc.InCache {
		buf[0] = 1
		binary.BigEndian.PutUint64(buf[1:9], uint64(loc.CacheIndex))
	} else {
		buf[0] = 0
		binary.BigEndian.PutUint64(buf[1:9], loc.FileID)
		binary.BigEndian.PutUint64(buf[9:17], uint64(loc.Offset))
	}
	return buf
}

func decodeLocation(buf []byte) LocationRow {
	if buf[0] == 1 {
		return LocationRow{InCache: true, CacheIndex: int(binary.BigEndian.Uint64(buf[1:9]))}
	}
	return LocationRow{
		FileID: binary.BigEndian.Uint64(buf[1:9]),
		Offset: int64(binary.BigEndian.Uint64(buf[9:17])),
	}
}

// SaveBin persists every chain node currently in one bin. Only InFile
// locations are persisted — an InCache node belongs to an un-flushed
// slot and is gone by the time the process restarts, so there is
// nothing useful to reload for it (spec 3's cache/file-map mutual
// exclusion invariant).
func (s *Store) SaveBin(binIndex int, heads []accountindex.BinChainHead) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, h := range heads {
		for n := h.Head; n != nil; n = n.Next {
			if n.Location.Kind != accountindex.LocationInFile {
				continue
			}
			row := LocationRow{FileID: uint64(n.Location.FileID), Offset: n.Location.Offset}
			if err := wb.Set(entryKey(uint32(binIndex), n.Pubkey, n.Slot), encodeLocation(row)); err != nil {
				return err
			}
		}
	}
	return wb.Flush()
}

// LoadBin returns every persisted entry for binIndex, in key order
// (pubkey, then slot).
func (s *Store) LoadBin(binIndex int) ([]Entry, error) {
	var out []Entry
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(binIndex))

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			k := item.KeyCopy(nil)
			var e Entry
			copy(e.Pubkey[:], k[4:36])
			e.Slot = binary.BigEndian.Uint64(k[36:44])
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			e.Location = decodeLocation(v)
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Close closes the underlying Badger database.
func (s *Store) Close() error {
	return s.db.Close()
}
