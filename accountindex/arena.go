package accountindex

import (
	"fmt"
	"unsafe"

	"accountsdb/diskalloc"
	"accountsdb/pubkey"
)

// Arena is the per-slot reference block of spec 3: a contiguous
// allocation of AccountRef nodes for one slot. Pointers returned by
// Alloc are stable until the arena is dropped — callers only
// discard an Arena wholesale, on purge or shrink-rebuild (spec 4.4,
// 4.8), never free individual nodes.
type Arena struct {
	Slot  uint64
	nodes []AccountRef
	used  int

	disk  *diskalloc.Allocator
	block *diskalloc.Block
}

// NewArena allocates a slot's arena on the Go heap, with room for
// capacity nodes.
func NewArena(slot uint64, capacity int) *Arena {
	return &Arena{Slot: slot, nodes: make([]AccountRef, capacity)}
}

// newDiskArena allocates a slot's arena inside a diskalloc block
// instead of the Go heap (spec 4.1's use_disk_index path). nodes is an
// unsafe.Slice view over the block's mmap'd bytes rather than a made
// slice; AccountRef's only pointer field (Next) then always points
// either at another node in the same off-heap block or at a node in
// another arena's off-heap block, never at a Go-heap object, so the GC
// has nothing to trace into the block for — the lifetime of every node
// is exactly the arena's, governed by Free, same as the existing "unlink
// from every bin chain before the owning arena is freed" rule already
// requires for heap arenas.
func newDiskArena(slot uint64, capacity int, disk *diskalloc.Allocator) (*Arena, error) {
	size := capacity * int(unsafe.Sizeof(AccountRef{}))
	if size <= 0 {
		size = 1
	}
	block, err := disk.Alloc(size, true)
	if err != nil {
		return nil, fmt.Errorf("accountindex: disk arena for slot %d: %w", slot, err)
	}
	nodes := unsafe.Slice((*AccountRef)(unsafe.Pointer(&block.Bytes[0])), capacity)
	return &Arena{Slot: slot, nodes: nodes, disk: disk, block: block}, nil
}

// Free releases the arena's backing storage. Heap arenas have nothing
// to do here — the last bin-chain reference to a node going away is
// enough for the Go GC to reclaim it. Disk arenas must explicitly
// unmap and release their block; callers must have already unlinked
// every node per the package doc before calling this.
func (a *Arena) Free() error {
	if a.disk == nil {
		return nil
	}
	return a.disk.Free(a.block)
}

// Cap reports the arena's total node capacity.
func (a *Arena) Cap() int { return len(a.nodes) }

// Len reports how many nodes have been allocated so far.
func (a *Arena) Len() int { return a.used }

// Alloc reserves the next node in the arena, populates its fixed
// fields, and returns a stable pointer to it. It returns a plain error
// when the arena is exhausted; snapshot load's per-worker parse stage
// (spec 4.7 step 3) wraps that with errs.ErrOutOfReferenceMemory.
func (a *Arena) Alloc(key pubkey.Pubkey, slot uint64, loc Location) (*AccountRef, error) {
	if a.used >= len(a.nodes) {
		return nil, fmt.Errorf("accountindex: arena for slot %d exhausted at capacity %d", a.Slot, len(a.nodes))
	}
	n := &a.nodes[a.used]
	a.used++
	n.Pubkey = key
	n.Slot = slot
	n.Location = loc
	n.Next = nil
	return n, nil
}
