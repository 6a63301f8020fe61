package snapshotload

import (
	"fmt"
	"sync"

	"accountsdb/accountfile"
	"accountsdb/accountindex"
	"accountsdb/filemap"
)

// Merge folds every worker's independently-built index and file map
// into idx and files (spec 4.7 step 4): for each bin, in parallel
// across bins, every worker's chain nodes for that bin are relinked
// into the merged index via IndexRef; file maps are merged
// single-threaded; per-slot arenas transfer ownership from workers to
// the merged index without being rebuilt.
func Merge(idx *accountindex.Index, files *filemap.Map, workers []WorkerResult) error {
	numBins := int(idx.NumberOfBins())
	var wg sync.WaitGroup
	for bin := 0; bin < numBins; bin++ {
		bin := bin
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, w := range workers {
				for _, head := range w.Index.SnapshotBin(bin) {
					for n := head.Head; n != nil; {
						next := n.Next
						n.Next = nil
						idx.IndexRef(n)
						n = next
					}
				}
			}
		}()
	}
	wg.Wait()

	// File maps are merged single-threaded (spec 4.7 step 4): each
	// worker's AccountFile+Metadata pair is handed straight to the
	// merged map under its original id, not rebuilt.
	for wi, w := range workers {
		for _, id := range w.Files.IDs() {
			entry, err := w.Files.Get(id)
			if err != nil {
				continue
			}
			var publishErr error
			length := entry.Length
			entry.WithReadLock(func(af *accountfile.AccountFile, meta *accountfile.Metadata) {
				publishErr = files.Publish(id, af, meta, length)
			})
			if publishErr != nil {
				return fmt.Errorf("snapshotload: merge file %d from worker %d: %w", id, wi, publishErr)
			}
		}
	}

	// Arenas transfer ownership from each worker to the merged index
	// (spec 4.7 step 4: "workers deinit only their bin maps, not their
	// arenas").
	for wi, w := range workers {
		for slot, arena := range w.Index.TakeArenas() {
			if err := idx.AdoptArena(arena); err != nil {
				return fmt.Errorf("snapshotload: merge arena for slot %d from worker %d: %w", slot, wi, err)
			}
		}
	}

	return nil
}
