// Package diskalloc implements the disk-memory allocator of spec section
// 4.1: a reusable allocator whose backing store is a sequence of files
// named <path>_<N>, used to place the account index and per-slot
// reference arenas on disk when they do not fit comfortably in process
// memory. Growth ("resize") is unsupported by design (spec 4.1, 9):
// callers that need a bigger block allocate a new one and migrate.
package diskalloc

import (
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/bits-and-blooms/bitset"
)

// Block is one allocation: a byte slice backed by an mmap'd file. The
// slice is valid until Free is called.
type Block struct {
	Bytes []byte

	file *os.File
	path string
	size int
}

// Allocator hands out page-aligned mmap'd blocks and removes their
// backing files on Close. It is safe for concurrent Alloc/Free from
// multiple goroutines; a single mutex guards the file counter and the
// free-list bitset (spec 4.1: "thread-safe for alloc/free via a single
// mutex guarding the file counter").
type Allocator struct {
	mu       sync.Mutex
	pathBase string
	pageSize int
	nextID   uint64
	open     map[uint64]*Block
	// freeByLen buckets freed-but-not-yet-reused blocks by their exact
	// byte size, letting shrink's alloc-then-immediately-free churn
	// reuse a hole instead of growing nextID unboundedly (SPEC_FULL B.4).
	freeByLen map[int][]uint64
	// freeSet tracks, by file id, which allocated files are currently
	// freed-but-not-removed; Stats reports its population count without
	// walking freeByLen.
	freeSet *bitset.BitSet
}

// Stats summarizes the allocator's current file population.
type Stats struct {
	FilesCreated int
	FilesOpen    int
	FilesFree    int
}

// New creates an allocator that will name its backing files
// <pathBase>_0, <pathBase>_1, .... pageSize of 0 uses the OS page size.
func New(pathBase string, pageSize int) (*Allocator, error) {
	if pageSize <= 0 {
		pageSize = os.Getpagesize()
	}
	if err := os.MkdirAll(parentDir(pathBase), 0o755); err != nil {
		return nil, fmt.Errorf("diskalloc: create parent dir: %w", err)
	}
	return &Allocator{
		pathBase:  pathBase,
		pageSize:  pageSize,
		open:      make(map[uint64]*Block),
		freeByLen: make(map[int][]uint64),
		freeSet:   bitset.New(64),
	}, nil
}

// Stats reports the allocator's current file population.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		FilesCreated: int(a.nextID),
		FilesOpen:    len(a.open),
		FilesFree:    int(a.freeSet.Count()),
	}
}

func parentDir(pathBase string) string {
	i := len(pathBase) - 1
	for i >= 0 && pathBase[i] != '/' {
		i--
	}
	if i < 0 {
		return "."
	}
	return pathBase[:i]
}

func (a *Allocator) alignUp(size int) int {
	p := a.pageSize
	return (size + p - 1) / p * p
}

// Alloc returns a zero-filled block of at least size bytes, mmap'd
// read/write. allowReuse lets the caller accept a previously-freed hole
// of the exact aligned size instead of creating a new file; the account
// index's disk-backed arenas set it for every allocation (spec 9,
// SPEC_FULL B.4).
func (a *Allocator) Alloc(size int, allowReuse bool) (*Block, error) {
	if size <= 0 {
		return nil, fmt.Errorf("diskalloc: size must be positive, got %d", size)
	}
	aligned := a.alignUp(size)

	a.mu.Lock()
	if allowReuse {
		if ids := a.freeByLen[aligned]; len(ids) > 0 {
			id := ids[len(ids)-1]
			a.freeByLen[aligned] = ids[:len(ids)-1]
			a.freeSet.Clear(uint(id))
			a.mu.Unlock()
			return a.open2(id, aligned)
		}
	}
	id := a.nextID
	a.nextID++
	a.mu.Unlock()

	return a.create(id, aligned)
}

func (a *Allocator) create(id uint64, aligned int) (*Block, error) {
	path := fmt.Sprintf("%s_%d", a.pathBase, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diskalloc: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(aligned)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("diskalloc: truncate %s: %w", path, err)
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, aligned, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("diskalloc: mmap %s: %w", path, err)
	}
	b := &Block{Bytes: data, file: f, path: path, size: aligned}
	a.mu.Lock()
	a.open[id] = b
	a.mu.Unlock()
	return b, nil
}

// open2 reopens a file that was allocated, munmapped (Free), but not
// removed, so a reuse candidate can be remapped without recreating it.
func (a *Allocator) open2(id uint64, aligned int) (*Block, error) {
	path := fmt.Sprintf("%s_%d", a.pathBase, id)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		// The file is gone (e.g. allocator was restarted); fall back to
		// a fresh block under a new id rather than failing the caller.
		return a.create(a.allocID(), aligned)
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, aligned, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("diskalloc: remap %s: %w", path, err)
	}
	for i := range data {
		data[i] = 0
	}
	b := &Block{Bytes: data, file: f, path: path, size: aligned}
	a.mu.Lock()
	a.open[id] = b
	a.mu.Unlock()
	return b, nil
}

func (a *Allocator) allocID() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	return id
}

// Free unmaps the block. The backing file is left on disk (so a
// same-sized allocation may reuse it through Alloc(..., true)) until
// Close tears the allocator down entirely.
func (a *Allocator) Free(b *Block) error {
	if b == nil || b.file == nil {
		return nil
	}
	if err := syscall.Munmap(b.Bytes); err != nil {
		return fmt.Errorf("diskalloc: munmap %s: %w", b.path, err)
	}
	if err := b.file.Close(); err != nil {
		return fmt.Errorf("diskalloc: close %s: %w", b.path, err)
	}
	var id uint64
	if _, err := fmt.Sscanf(b.path, a.pathBase+"_%d", &id); err == nil {
		a.mu.Lock()
		delete(a.open, id)
		a.freeByLen[b.size] = append(a.freeByLen[b.size], id)
		a.freeSet.Set(uint(id))
		a.mu.Unlock()
	}
	b.Bytes, b.file = nil, nil
	return nil
}

// Close unmaps every still-open block and removes every backing file
// the allocator ever created, freed or not. Resize is unsupported by
// design, so there is no partial-teardown state to worry about.
func (a *Allocator) Close() error {
	a.mu.Lock()
	open := a.open
	a.open = make(map[uint64]*Block)
	nextID := a.nextID
	a.mu.Unlock()

	var firstErr error
	for _, b := range open {
		if err := syscall.Munmap(b.Bytes); err != nil && firstErr == nil {
			firstErr = err
		}
		b.file.Close()
	}
	for id := uint64(0); id < nextID; id++ {
		os.Remove(fmt.Sprintf("%s_%d", a.pathBase, id))
	}
	return firstErr
}
