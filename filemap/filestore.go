package filemap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"accountsdb/accountfile"

	"github.com/cockroachdb/pebble"
)

// Store durably persists the file-map's header metadata — `{file_id ->
// slot, length, alive_bytes, dead_bytes, header_checksum}` — so a
// restart with fastload enabled knows which account files to reopen
// and with what length (SPEC_FULL §B). It deliberately stores
// only the small header row per file, never account data.
type Store struct {
	db *pebble.DB
}

// Row is one persisted file-map header entry.
type Row struct {
	FileID         accountfile.FileID
	Slot           uint64
	Length         int64
	AliveBytes     int64
	DeadBytes      int64
	HeaderChecksum uint64
}

// OpenStore opens (creating if absent) the pebble instance backing the
// file-map metadata store at dir.
func OpenStore(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("filemap: open metadata store %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func rowKey(id accountfile.FileID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

// Put persists (or overwrites) row. Called once per flush and once
// per shrink/swap.
func (s *Store) Put(row Row) error {
	var buf [48]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(row.FileID))
	binary.BigEndian.PutUint64(buf[8:16], row.Slot)
	binary.BigEndian.PutUint64(buf[16:24], uint64(row.Length))
	binary.BigEndian.PutUint64(buf[24:32], uint64(row.AliveBytes))
	binary.BigEndian.PutUint64(buf[32:40], uint64(row.DeadBytes))
	binary.BigEndian.PutUint64(buf[40:48], row.HeaderChecksum)
	return s.db.Set(rowKey(row.FileID), buf[:], pebble.Sync)
}

// Delete removes a persisted row, called from the maintenance loop's
// delete step once the file itself is unlinked.
func (s *Store) Delete(id accountfile.FileID) error {
	return s.db.Delete(rowKey(id), pebble.Sync)
}

// LoadAll returns every persisted row, used at fastload startup to
// list the account files to reopen and repopulate a Map from.
func (s *Store) LoadAll() ([]Row, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Row
	for valid := iter.First(); valid; valid = iter.Next() {
		v := iter.Value()
		if len(v) != 48 {
			return nil, errors.New("filemap: corrupt metadata row")
		}
		out = append(out, Row{
			FileID:         accountfile.FileID(binary.BigEndian.Uint64(v[0:8])),
			Slot:           binary.BigEndian.Uint64(v[8:16]),
			Length:         int64(binary.BigEndian.Uint64(v[16:24])),
			AliveBytes:     int64(binary.BigEndian.Uint64(v[24:32])),
			DeadBytes:      int64(binary.BigEndian.Uint64(v[32:40])),
			HeaderChecksum: binary.BigEndian.Uint64(v[40:48]),
		})
	}
	return out, iter.Error()
}

// Close closes the underlying pebble database.
func (s *Store) Close() error {
	return s.db.Close()
}
