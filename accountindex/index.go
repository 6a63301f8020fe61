package accountindex

import (
	"fmt"
	"sync"

	"accountsdb/diskalloc"
	"accountsdb/errs"
	"accountsdb/logx"
	"accountsdb/pubkey"
	"accountsdb/swissmap"
)

var log = logx.New("accountindex")

// bin pairs one bin's swissmap with its own lock, so concurrent access
// to different bins never contends (spec 4.4, 5: "bin maps in the
// index are independently lockable").
type bin struct {
	mu  sync.RWMutex
	ref *swissmap.Map[*AccountRef]
}

// Index is the fixed array of number_of_bins key→ref maps plus the
// owning set of per-slot arenas (spec 4.4).
type Index struct {
	bins         []*bin
	numberOfBins uint32

	// disk is non-nil when use_disk_index is set; every arena this
	// index allocates through AllocReferenceBlock then lives in a
	// diskalloc block rather than on the Go heap. Bins themselves stay
	// heap-resident regardless — swissmap.Map grows by reallocating and
	// rehashing into a bigger table, and bin control/state bytes are a
	// small fraction of total reference memory next to the AccountRef
	// nodes the arenas hold, so disk-backing the arenas is where
	// use_disk_index's "don't keep all reference memory resident" goal
	// is actually won.
	disk *diskalloc.Allocator

	arenaMu sync.Mutex
	arenas  map[uint64]*Arena
}

// New builds an index with numberOfBins bins; numberOfBins must be a
// power of two (spec 3). Arenas it allocates live on the Go heap.
func New(numberOfBins uint32, estimatedBinSize int) (*Index, error) {
	return newIndex(numberOfBins, estimatedBinSize, nil)
}

// NewWithDiskAllocator is New, except every arena the index allocates
// through AllocReferenceBlock is backed by a block from disk instead of
// a made Go slice (spec 4.1's use_disk_index path).
func NewWithDiskAllocator(numberOfBins uint32, estimatedBinSize int, disk *diskalloc.Allocator) (*Index, error) {
	if disk == nil {
		return nil, fmt.Errorf("accountindex: NewWithDiskAllocator requires a non-nil allocator")
	}
	return newIndex(numberOfBins, estimatedBinSize, disk)
}

func newIndex(numberOfBins uint32, estimatedBinSize int, disk *diskalloc.Allocator) (*Index, error) {
	if !pubkey.IsPowerOfTwo(numberOfBins) {
		return nil, fmt.Errorf("accountindex: number of bins %d is not a power of two", numberOfBins)
	}
	idx := &Index{
		bins:         make([]*bin, numberOfBins),
		numberOfBins: numberOfBins,
		disk:         disk,
		arenas:       make(map[uint64]*Arena),
	}
	for i := range idx.bins {
		idx.bins[i] = &bin{ref: swissmap.New[*AccountRef](estimatedBinSize)}
	}
	return idx, nil
}

func (idx *Index) binFor(key pubkey.Pubkey) *bin {
	return idx.bins[pubkey.BinIndex(key, idx.numberOfBins)]
}

// NumberOfBins returns the configured bin count.
func (idx *Index) NumberOfBins() uint32 { return idx.numberOfBins }

// AllocReferenceBlock allocates a fresh per-slot arena of capacity n
// and records it as owned by the index (spec 4.4). It is an invariant
// violation to allocate a second arena for a slot that already has
// one without freeing the first.
func (idx *Index) AllocReferenceBlock(slot uint64, n int) (*Arena, error) {
	idx.arenaMu.Lock()
	defer idx.arenaMu.Unlock()
	if _, exists := idx.arenas[slot]; exists {
		return nil, fmt.Errorf("accountindex: slot %d already has a reference arena", slot)
	}
	var a *Arena
	if idx.disk != nil {
		var err error
		a, err = newDiskArena(slot, n, idx.disk)
		if err != nil {
			return nil, err
		}
	} else {
		a = NewArena(slot, n)
	}
	idx.arenas[slot] = a
	return a, nil
}

// AdoptArena registers an already-built arena (one built independently
// by a snapshot-load worker, spec 4.7 step 3) as owned by idx, without
// allocating a fresh one. It is the merge stage's arena hand-off (spec
// 4.7 step 4: "per-slot arenas transfer ownership from workers to the
// merged engine").
func (idx *Index) AdoptArena(a *Arena) error {
	idx.arenaMu.Lock()
	defer idx.arenaMu.Unlock()
	if _, exists := idx.arenas[a.Slot]; exists {
		return fmt.Errorf("accountindex: slot %d already has a reference arena", a.Slot)
	}
	idx.arenas[a.Slot] = a
	return nil
}

// FreeReferenceBlock drops the index's ownership of slot's arena. The
// caller must have already unlinked every node the arena holds from
// every bin chain (purge) or replaced it with a rebuilt arena (shrink)
// before calling this — freeing while bin chains still reference it
// violates spec 3's "no version node is referenced after its arena is
// freed" invariant. Any error releasing a disk-backed arena's block is
// logged, not returned: the caller (maintenance's delete step) has
// already committed to dropping the slot and has nothing useful to do
// with the error besides report it.
func (idx *Index) FreeReferenceBlock(slot uint64) {
	idx.arenaMu.Lock()
	a, ok := idx.arenas[slot]
	delete(idx.arenas, slot)
	idx.arenaMu.Unlock()
	if ok {
		if err := a.Free(); err != nil {
			log.Warn("free reference block for slot %d: %v", slot, err)
		}
	}
}

// TakeArenas drains and returns every arena idx currently owns,
// transferring ownership to the caller — the snapshot-load merge
// stage's hand-off from a worker index to the merged engine (spec 4.7
// step 4: "workers deinit only their bin maps, not their arenas").
func (idx *Index) TakeArenas() map[uint64]*Arena {
	idx.arenaMu.Lock()
	defer idx.arenaMu.Unlock()
	out := idx.arenas
	idx.arenas = make(map[uint64]*Arena)
	return out
}

// ArenaForSlot returns the arena currently owned for slot, if any.
func (idx *Index) ArenaForSlot(slot uint64) (*Arena, bool) {
	idx.arenaMu.Lock()
	defer idx.arenaMu.Unlock()
	a, ok := idx.arenas[slot]
	return a, ok
}

// IndexRef prepends ref to the chain for ref.Pubkey, creating the chain
// if absent (spec 4.4). The caller guarantees ref.Slot does not already
// appear in that chain.
func (idx *Index) IndexRef(ref *AccountRef) {
	b := idx.binFor(ref.Pubkey)
	h := ref.Pubkey.Fast()
	b.mu.Lock()
	defer b.mu.Unlock()
	head, existed := b.ref.GetOrPut(h, ref.Pubkey, nil)
	if !existed || *head == nil {
		*head = ref
		return
	}
	ref.Next = *head
	*head = ref
}

// IndexRefIfNotDuplicateSlot is IndexRef's tolerant sibling, used
// during parallel snapshot parse (spec 4.7 step 3) where the same
// (pubkey, slot) pair may arrive from more than one file.
func (idx *Index) IndexRefIfNotDuplicateSlot(ref *AccountRef) bool {
	b := idx.binFor(ref.Pubkey)
	h := ref.Pubkey.Fast()
	b.mu.Lock()
	defer b.mu.Unlock()
	head, existed := b.ref.GetOrPut(h, ref.Pubkey, nil)
	if !existed || *head == nil {
		*head = ref
		return true
	}
	for n := *head; n != nil; n = n.Next {
		if n.Slot == ref.Slot {
			return false
		}
	}
	ref.Next = *head
	*head = ref
	return true
}

// GetReference returns the chain head for pubkey, or false if absent.
func (idx *Index) GetReference(key pubkey.Pubkey) (*AccountRef, bool) {
	b := idx.binFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	head, ok := b.ref.Lookup(key.Fast(), key)
	if !ok || head == nil {
		return nil, false
	}
	return head, true
}

// GetSlotReference linearly walks pubkey's chain for the node with
// Slot == slot (spec 4.4).
func (idx *Index) GetSlotReference(key pubkey.Pubkey, slot uint64) (*AccountRef, bool) {
	head, ok := idx.GetReference(key)
	if !ok {
		return nil, false
	}
	for n := head; n != nil; n = n.Next {
		if n.Slot == slot {
			return n, true
		}
	}
	return nil, false
}

// GetLatest returns pubkey's greatest-slot node, unbounded — the
// primitive spec 4.9's getAccount uses.
func (idx *Index) GetLatest(key pubkey.Pubkey) (*AccountRef, error) {
	head, ok := idx.GetReference(key)
	if !ok {
		return nil, errs.ErrPubkeyNotInIndex
	}
	best := SlotBoundedMax(head, 0, false, 0, false)
	if best == nil {
		return nil, errs.ErrPubkeyNotInIndex
	}
	return best, nil
}

// UpdateLocation atomically rewrites the location of (pubkey, slot)'s
// node, under the bin's write lock — the mechanism spec 5 relies on to
// make a flush's InCache -> InFile transition appear atomic to readers
// ("locations are updated under the index's locks before the cache
// entry is dropped").
func (idx *Index) UpdateLocation(key pubkey.Pubkey, slot uint64, newLoc Location) bool {
	b := idx.binFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	head, ok := b.ref.Lookup(key.Fast(), key)
	if !ok {
		return false
	}
	for n := head; n != nil; n = n.Next {
		if n.Slot == slot {
			n.Location = newLoc
			return true
		}
	}
	return false
}

// ReplaceNode swaps the chain node for (pubkey, slot) with
// replacement, preserving the surrounding chain — the index-update
// half of shrink's arena rebuild (spec 4.8 step 4: "if a chain node
// for the affected slot is the chain head, point the bin's entry to
// the new node; otherwise walk predecessors to re-link the new node").
// replacement.Next is set to the old node's Next.
func (idx *Index) ReplaceNode(key pubkey.Pubkey, slot uint64, replacement *AccountRef) bool {
	b := idx.binFor(key)
	h := key.Fast()
	b.mu.Lock()
	defer b.mu.Unlock()

	head, ok := b.ref.Lookup(h, key)
	if !ok {
		return false
	}
	if head.Slot == slot {
		replacement.Next = head.Next
		ptr, _ := b.ref.GetOrPut(h, key, nil)
		*ptr = replacement
		return true
	}
	prev := head
	for n := head.Next; n != nil; n = n.Next {
		if n.Slot == slot {
			replacement.Next = n.Next
			prev.Next = replacement
			return true
		}
		prev = n
	}
	return false
}

// ReplaceArena swaps the index's ownership record for slot to a
// freshly built arena, used once shrink has finished re-linking every
// node out of the old arena (spec 4.8 step 4). The old arena is
// returned so the caller can drop its last reference.
func (idx *Index) ReplaceArena(slot uint64, next *Arena) *Arena {
	idx.arenaMu.Lock()
	defer idx.arenaMu.Unlock()
	old := idx.arenas[slot]
	idx.arenas[slot] = next
	return old
}

// RemoveReference unlinks and drops the node for (pubkey, slot). If the
// chain becomes empty, the bin entry itself is removed (spec 4.4).
func (idx *Index) RemoveReference(key pubkey.Pubkey, slot uint64) bool {
	b := idx.binFor(key)
	h := key.Fast()
	b.mu.Lock()
	defer b.mu.Unlock()

	headPtr, ok := b.ref.Lookup(h, key)
	if !ok || headPtr == nil {
		return false
	}
	if headPtr.Slot == slot {
		next := headPtr.Next
		if next == nil {
			b.ref.Remove(h, key)
		} else {
			ptr, _ := b.ref.GetOrPut(h, key, nil)
			*ptr = next
		}
		return true
	}
	prev := headPtr
	for n := headPtr.Next; n != nil; n = n.Next {
		if n.Slot == slot {
			prev.Next = n.Next
			return true
		}
		prev = n
	}
	return false
}

// BinStats reports one bin's occupancy at the moment Stats was called.
type BinStats struct {
	Len        int
	Cap        int
	LoadFactor float64
}

// Stats reports per-bin entry counts and the SIMD map's load factor
// (SPEC_FULL C.3), used by the engine's metrics registry to flag a
// poor choice of number_of_index_shards. Each bin is locked only long
// enough to copy its three numbers out, so this never blocks a writer
// for longer than any other single-bin operation would.
func (idx *Index) Stats() []BinStats {
	out := make([]BinStats, len(idx.bins))
	for i, b := range idx.bins {
		b.mu.RLock()
		out[i] = BinStats{Len: b.ref.Len(), Cap: b.ref.Cap(), LoadFactor: b.ref.LoadFactor()}
		b.mu.RUnlock()
	}
	return out
}

// BinChainHead pairs a chain's key with its head node, as returned by
// SnapshotBin.
type BinChainHead struct {
	Pubkey pubkey.Pubkey
	Head   *AccountRef
}

// SnapshotBin returns every chain head currently in binIndex. Callers
// (snapshot merge, full-hash computation) use this to fan work out
// across bins in parallel without holding the bin lock for the
// duration of their own processing (spec 4.7 step 4, 4.7.1).
func (idx *Index) SnapshotBin(binIndex int) []BinChainHead {
	b := idx.bins[binIndex]
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]BinChainHead, 0, b.ref.Len())
	b.ref.ForEach(func(k pubkey.Pubkey, head *AccountRef) {
		out = append(out, BinChainHead{Pubkey: k, Head: head})
	})
	return out
}
