package maintenance

import (
	"accountsdb/accountfile"
	"accountsdb/accountindex"
	"accountsdb/filemap"
	"accountsdb/pubkey"
)

// cleanStep is spec 4.8 step 3: for every file enqueued as unclean
// since the last flush pass, walk each of its records' full version
// chains, mark superseded and zero-lamport-dead nodes dead, and queue
// every file that lost records (the cleaned file and any older file
// holding a superseded version) for shrink or delete depending on how
// much of it died.
func (l *Loop) cleanStep() error {
	ids := l.unclean.ToArray()
	l.unclean.Clear()
	rooted := l.rootedSlot.Load()

	for _, raw := range ids {
		id := accountfile.FileID(raw)
		entry, err := l.files.Get(id)
		if err != nil {
			continue // raced with a delete; nothing left to clean
		}
		if err := l.cleanFile(id, entry, rooted); err != nil {
			return err
		}
	}
	return nil
}

// cleanFile walks every record stored in id and, for each distinct
// pubkey encountered, determines which of its version nodes are
// "old" (superseded by a later rooted slot) or "zero-lamport-dead"
// (the live rooted node has no lamports), removes those nodes from
// the index, and accounts their padded size as dead on whichever file
// holds them.
func (l *Loop) cleanFile(id accountfile.FileID, entry *filemap.Entry, rooted uint64) error {
	var length int64
	var keys []pubkey.Pubkey
	seen := make(map[pubkey.Pubkey]bool)
	var iterErr error

	entry.WithReadLock(func(af *accountfile.AccountFile, _ *accountfile.Metadata) {
		length = af.Len()
		it := af.NewIterator()
		for it.Next() {
			k := it.Record().Pubkey
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
		iterErr = it.Err()
	})
	if iterErr != nil {
		return iterErr
	}

	for _, key := range keys {
		if err := l.cleanPubkey(key, rooted); err != nil {
			return err
		}
	}

	l.enqueueByDeadRatio(id, length)
	return nil
}

func (l *Loop) cleanPubkey(key pubkey.Pubkey, rooted uint64) error {
	head, ok := l.index.GetReference(key)
	if !ok {
		return nil
	}

	var greatest *accountindex.AccountRef
	var rootedNodes []*accountindex.AccountRef
	for n := head; n != nil; n = n.Next {
		if n.Slot > rooted {
			continue
		}
		rootedNodes = append(rootedNodes, n)
		if greatest == nil || n.Slot > greatest.Slot {
			greatest = n
		}
	}
	if greatest == nil {
		return nil
	}

	dead := make([]*accountindex.AccountRef, 0, len(rootedNodes))
	for _, n := range rootedNodes {
		if n.Slot < greatest.Slot {
			dead = append(dead, n)
		}
	}

	lamports, err := l.lamportsOf(greatest)
	if err != nil {
		return err
	}
	if lamports == 0 {
		dead = append(dead, greatest)
	}

	for _, n := range dead {
		l.markNodeDead(key, n)
	}
	return nil
}

func (l *Loop) markNodeDead(key pubkey.Pubkey, n *accountindex.AccountRef) {
	if n.Location.Kind == accountindex.LocationInFile {
		if rec, entry, err := l.readRecord(n); err == nil {
			entry.WithReadLock(func(_ *accountfile.AccountFile, meta *accountfile.Metadata) {
				meta.MarkDead(n.Location.Offset, int64(rec.PaddedLen))
			})
			l.enqueueByDeadRatio(accountfile.FileID(n.Location.FileID), entry.Length)
		}
	}
	l.index.RemoveReference(key, n.Slot)
}

func (l *Loop) lamportsOf(n *accountindex.AccountRef) (uint64, error) {
	if n.Location.Kind != accountindex.LocationInFile {
		return 0, nil
	}
	rec, _, err := l.readRecord(n)
	if err != nil {
		return 0, err
	}
	return rec.Lamports, nil
}

func (l *Loop) readRecord(n *accountindex.AccountRef) (accountfile.Record, *filemap.Entry, error) {
	entry, err := l.files.Get(accountfile.FileID(n.Location.FileID))
	if err != nil {
		return accountfile.Record{}, nil, err
	}
	var rec accountfile.Record
	var readErr error
	entry.WithReadLock(func(af *accountfile.AccountFile, _ *accountfile.Metadata) {
		rec, readErr = af.ReadAccount(n.Location.Offset)
	})
	return rec, entry, readErr
}

// enqueueByDeadRatio implements the shrink/delete enqueue decision at
// the end of spec 4.8 step 3.
func (l *Loop) enqueueByDeadRatio(id accountfile.FileID, length int64) {
	entry, err := l.files.Get(id)
	if err != nil {
		return
	}
	var fullyDead bool
	var deadPercent int
	entry.WithReadLock(func(_ *accountfile.AccountFile, meta *accountfile.Metadata) {
		fullyDead = meta.IsFullyDead()
		deadPercent = meta.DeadPercent(length)
	})
	switch {
	case fullyDead:
		l.delete.Add(uint32(id))
		l.directDelete[uint32(id)] = struct{}{}
	case deadPercent >= l.cfg.ShrinkThresholdPercent:
		l.shrink.Add(uint32(id))
	}
}
