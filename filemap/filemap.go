// Package filemap implements the file-id to AccountFile registry of
// spec section 4.6. Readers take the map's read lock briefly to find
// an entry, then rely on a per-entry lock for the duration of their
// access; delete takes the per-entry write lock while deinitializing
// the file, excluding concurrent readers for the duration of the
// munmap.
package filemap

import (
	"sync"

	"accountsdb/accountfile"
	"accountsdb/errs"
)

// Entry wraps one AccountFile with the per-file lock spec 4.6
// describes and the liveness metadata from accountfile.Populate.
type Entry struct {
	mu   sync.RWMutex
	file *accountfile.AccountFile
	meta *accountfile.Metadata

	// Length is the declared on-disk size at the time this entry was
	// published — spec 3's invariant alive_bytes+dead_bytes <= length
	// is checked against this, not against Capacity (which may be
	// larger due to page-rounding).
	Length int64
}

// WithReadLock runs f with the entry's read lock held, passing the
// live AccountFile and Metadata. Returns ErrFileIDNotFound-shaped
// behaviour is the caller's job: by the time a caller holds an Entry
// pointer, the lock ensures it won't be torn out from under it mid-call.
func (e *Entry) WithReadLock(f func(*accountfile.AccountFile, *accountfile.Metadata)) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f(e.file, e.meta)
}

// WithWriteLock runs f with the entry's write lock held, passing the
// live AccountFile and Metadata. Used only when deinitializing a file
// (spec 4.8 delete step): the write lock excludes every concurrent
// WithReadLock caller for the duration of the munmap, so a reader can
// never observe a torn-down AccountFile mid-read.
func (e *Entry) WithWriteLock(f func(*accountfile.AccountFile, *accountfile.Metadata)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f(e.file, e.meta)
}

// Map is `Map<FileId, AccountFile>` guarded by a top-level read/write
// lock plus the per-entry locks above (spec 4.6).
type Map struct {
	mu      sync.RWMutex
	entries map[accountfile.FileID]*Entry
}

// New returns an empty file map.
func New() *Map {
	return &Map{entries: make(map[accountfile.FileID]*Entry)}
}

// Publish inserts a newly-flushed or newly-loaded file. It is an
// invariant violation to publish a file id that is already present.
func (m *Map) Publish(id accountfile.FileID, af *accountfile.AccountFile, meta *accountfile.Metadata, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[id]; exists {
		return errs.ErrFileIDAlreadyPublished
	}
	m.entries[id] = &Entry{file: af, meta: meta, Length: length}
	return nil
}

// Get returns the entry for id, or ErrFileIDNotFound. A caller that
// observes this error after previously resolving a reference to id
// raced with delete and should retry through the index's version
// chain rather than treat it as fatal (spec 4.8).
func (m *Map) Get(id accountfile.FileID) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, errs.ErrFileIDNotFound
	}
	return e, nil
}

// Remove deletes id from the map and returns the entry it held, for
// the caller (delete step, spec 4.8 step 5) to close/munmap/unlink
// outside the map's own lock.
func (m *Map) Remove(id accountfile.FileID) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	delete(m.entries, id)
	return e, true
}

// Ids returns every file id currently registered, in no particular
// order. Used by the maintenance loop to build its unclean/shrink scan
// lists and by snapshot generation to enumerate files to write out.
func (m *Map) IDs() []accountfile.FileID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]accountfile.FileID, 0, len(m.entries))
	for id := range m.entries {
		out = append(out, id)
	}
	return out
}

// Len reports the number of registered files.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
