package maintenance

import (
	"fmt"

	"accountsdb/accountfile"
	"accountsdb/accountindex"
	"accountsdb/filemap"
)

// shrinkStep is spec 4.8 step 4: for each queued file, rebuild it
// compactly from its still-alive records, publish the compacted file
// under a fresh id, relink every surviving chain node to point at it,
// and delete the original.
func (l *Loop) shrinkStep() error {
	ids := l.shrink.ToArray()
	l.shrink.Clear()
	for _, raw := range ids {
		if err := l.shrinkFile(accountfile.FileID(raw)); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) shrinkFile(id accountfile.FileID) error {
	old, err := l.files.Get(id)
	if err != nil {
		return nil // already gone
	}

	type alive struct {
		rec accountfile.Record
	}
	var aliveRecs []alive
	var slot uint64
	var oldTotalLen int64
	old.WithReadLock(func(af *accountfile.AccountFile, meta *accountfile.Metadata) {
		slot = af.Slot
		oldTotalLen = af.Len()
		it := af.NewIterator()
		for it.Next() {
			rec := it.Record()
			if meta.IsAliveAt(rec.Offset) {
				aliveRecs = append(aliveRecs, alive{rec: rec})
			}
		}
	})
	_ = oldTotalLen
	if len(aliveRecs) == 0 {
		l.delete.Add(uint32(id))
		l.directDelete[uint32(id)] = struct{}{}
		return nil
	}

	total := int64(0)
	for _, a := range aliveRecs {
		total += int64(a.rec.PaddedLen)
	}

	newID := l.allocFileID()
	newFile, err := accountfile.Create(l.dir, newID, slot, total)
	if err != nil {
		return fmt.Errorf("maintenance: shrink file %d: %w", id, err)
	}
	newArena := accountindex.NewArena(slot, len(aliveRecs))

	for _, a := range aliveRecs {
		rec := a.rec
		off, ok := newFile.AppendAccount(rec.WriteVersion, rec.Pubkey, rec.Owner, rec.Lamports, rec.RentEpoch, rec.Executable, rec.Hash, rec.Data)
		if !ok {
			return fmt.Errorf("maintenance: shrink file %d: compacted file undersized", id)
		}
		node, err := newArena.Alloc(rec.Pubkey, slot, accountindex.InFile(accountindex.FileID(newID), off))
		if err != nil {
			return fmt.Errorf("maintenance: shrink file %d: %w", id, err)
		}
		if !l.index.ReplaceNode(rec.Pubkey, slot, node) {
			return fmt.Errorf("maintenance: shrink file %d: pubkey %s missing from index", id, rec.Pubkey)
		}
	}

	meta, err := newFile.Populate()
	if err != nil {
		return fmt.Errorf("maintenance: shrink file %d: %w", id, err)
	}
	if err := l.files.Publish(newID, newFile, meta, newFile.Len()); err != nil {
		return err
	}
	if l.store != nil {
		_ = l.store.Put(filemap.Row{FileID: newID, Slot: slot, Length: newFile.Len(), AliveBytes: meta.AliveBytes, HeaderChecksum: meta.HeaderChecksum()})
	}
	if oldArena := l.index.ReplaceArena(slot, newArena); oldArena != nil {
		if err := oldArena.Free(); err != nil {
			return fmt.Errorf("maintenance: shrink file %d: free old arena: %w", id, err)
		}
	}
	l.delete.Add(uint32(id))
	log.Info("shrank file %d into file %d (%d alive records)", id, newID, len(aliveRecs))
	return nil
}

// deleteStep is spec 4.8 step 5: remove each queued file from the
// file-map, close and unmap it, unlink it from disk, and, for a file
// marked in directDelete, drop its per-slot arena.
func (l *Loop) deleteStep() error {
	ids := l.delete.ToArray()
	l.delete.Clear()
	for _, raw := range ids {
		id := accountfile.FileID(raw)
		_, wasDirect := l.directDelete[raw]
		delete(l.directDelete, raw)

		entry, ok := l.files.Remove(id)
		if !ok {
			continue
		}
		var slot uint64
		var removeErr error
		entry.WithWriteLock(func(af *accountfile.AccountFile, _ *accountfile.Metadata) {
			slot = af.Slot
			removeErr = af.Remove()
		})
		if removeErr != nil {
			return fmt.Errorf("maintenance: delete file %d: %w", id, removeErr)
		}
		if l.store != nil {
			_ = l.store.Delete(id)
		}
		if wasDirect {
			l.index.FreeReferenceBlock(slot)
		}
		log.Debug("deleted file %d (slot %d)", id, slot)
	}
	return nil
}
