// Package maintenance implements the flush/clean/shrink/delete loop of
// spec section 4.8, run by a single dedicated worker goroutine so that
// clean, shrink and delete never race each other for a given file.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"accountsdb/accountcache"
	"accountsdb/accountfile"
	"accountsdb/accountindex"
	"accountsdb/config"
	"accountsdb/filemap"
	"accountsdb/logx"
	"accountsdb/metrics"

	"github.com/RoaringBitmap/roaring"
	"github.com/dustin/go-humanize"
)

var log = logx.New("maintenance")

// Loop drives the four-step maintenance cycle over a shared cache,
// index and file-map. A single Loop must own a given triple — running
// two concurrently over the same state would violate spec 4.8's
// "clean/shrink/delete never run concurrently with each other for a
// given file" requirement.
type Loop struct {
	cfg   config.MaintenanceConfig
	cache *accountcache.Cache
	index *accountindex.Index
	files *filemap.Map
	store *filemap.Store // optional; nil disables metadata persistence
	dir   string

	rootedSlot atomic.Uint64
	nextFileID atomic.Uint64

	unclean *roaring.Bitmap
	shrink  *roaring.Bitmap
	delete  *roaring.Bitmap

	// directDelete marks file ids queued for delete whose slot's arena
	// should be freed once the file is removed — true for a file that
	// went 100% dead without ever being shrunk. A file queued for
	// delete as the tail end of a successful shrink must NOT free the
	// arena here: shrinkFile already handed the slot's arena ownership
	// to the rebuilt file via Index.ReplaceArena.
	directDelete map[uint32]struct{}

	metrics *metrics.Registry
}

// New constructs a Loop. dir is where new and rebuilt account files
// are written.
func New(cfg config.MaintenanceConfig, cache *accountcache.Cache, index *accountindex.Index, files *filemap.Map, store *filemap.Store, dir string, reg *metrics.Registry) *Loop {
	return &Loop{
		cfg: cfg, cache: cache, index: index, files: files, store: store, dir: dir,
		unclean: roaring.New(), shrink: roaring.New(), delete: roaring.New(),
		directDelete: make(map[uint32]struct{}),
		metrics:      reg,
	}
}

// SetRootedSlot publishes a new largest-rooted-slot value. It is an
// invariant violation for this to decrease (spec 3).
func (l *Loop) SetRootedSlot(slot uint64) error {
	for {
		cur := l.rootedSlot.Load()
		if slot < cur {
			return fmt.Errorf("maintenance: rooted slot must not decrease (have %d, got %d)", cur, slot)
		}
		if l.rootedSlot.CompareAndSwap(cur, slot) {
			return nil
		}
	}
}

// RootedSlot returns the largest rooted slot observed so far.
func (l *Loop) RootedSlot() uint64 { return l.rootedSlot.Load() }

func (l *Loop) allocFileID() accountfile.FileID {
	return accountfile.FileID(l.nextFileID.Add(1) - 1)
}

// Run ticks RunOnce on cfg.TickInterval until ctx is cancelled, per
// spec 5's "atomic exit flag observed between stages" cancellation
// model. Errors are logged, not fatal to the loop — the next tick
// simply retries, mirroring the teacher's write-queue watchdog
// goroutine.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.RunOnce(); err != nil {
				log.Error("maintenance iteration failed: %v", err)
			}
		}
	}
}

// RunOnce executes one iteration of the loop: select-flushable, flush,
// clean (if anything flushed), shrink, delete — the exact order spec
// 4.8 specifies.
func (l *Loop) RunOnce() error {
	flushed, err := l.flushStep()
	if err != nil {
		return err
	}
	if len(flushed) > 0 {
		if err := l.cleanStep(); err != nil {
			return err
		}
	}
	if err := l.shrinkStep(); err != nil {
		return err
	}
	return l.deleteStep()
}

// flushStep is spec 4.8 step 1+2: select up to MaxFlushSlotsPerIteration
// cached slots at or below the rooted slot, and flush each wholesale.
func (l *Loop) flushStep() ([]uint64, error) {
	rooted := l.rootedSlot.Load()
	candidates := l.cache.CachedSlots()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	var selected []uint64
	for _, s := range candidates {
		if s <= rooted {
			selected = append(selected, s)
		}
		if len(selected) >= l.cfg.MaxFlushSlotsPerIteration {
			break
		}
	}

	for _, slot := range selected {
		if err := l.flushSlot(slot); err != nil {
			return selected, err
		}
	}
	if len(selected) > 0 {
		log.Info("flushed %d slot(s) up to rooted slot %d", len(selected), rooted)
	}
	return selected, nil
}

func (l *Loop) flushSlot(slot uint64) error {
	keys, accounts, ok := l.cache.FlushSlot(slot)
	if !ok {
		return nil
	}

	total := int64(0)
	for _, a := range accounts {
		total += int64(accountfile.PaddedRecordSize(len(a.Data)))
	}
	if total == 0 {
		return nil
	}

	id := l.allocFileID()
	af, err := accountfile.Create(l.dir, id, slot, total)
	if err != nil {
		return fmt.Errorf("maintenance: flush slot %d: %w", slot, err)
	}

	for i, key := range keys {
		acc := accounts[i]
		hash := accountfile.HashAccount(acc.Lamports, acc.RentEpoch, acc.Data, acc.Owner, key, acc.Executable)
		off, ok := af.AppendAccount(uint64(i), key, acc.Owner, acc.Lamports, acc.RentEpoch, acc.Executable, hash, acc.Data)
		if !ok {
			return fmt.Errorf("maintenance: flush slot %d: account file undersized", slot)
		}
		if !l.index.UpdateLocation(key, slot, accountindex.InFile(accountindex.FileID(id), off)) {
			return fmt.Errorf("maintenance: flush slot %d: pubkey missing from index", slot)
		}
	}

	meta, err := af.Populate()
	if err != nil {
		return fmt.Errorf("maintenance: flush slot %d: %w", slot, err)
	}
	if err := l.files.Publish(id, af, meta, af.Len()); err != nil {
		return err
	}
	if l.store != nil {
		_ = l.store.Put(filemap.Row{FileID: id, Slot: slot, Length: af.Len(), AliveBytes: meta.AliveBytes, HeaderChecksum: meta.HeaderChecksum()})
	}
	l.unclean.Add(uint32(id))
	l.metrics.Inc("maintenance.flushed_bytes", uint64(total))
	log.Debug("flushed slot %d into file %d (%s)", slot, id, humanize.Bytes(uint64(total)))
	return nil
}
