package accountsdb

import (
	"fmt"

	"accountsdb/accountcache"
	"accountsdb/accountfile"
	"accountsdb/accountindex"
	"accountsdb/errs"
	"accountsdb/pubkey"
)

// PutBatch commits a whole slot's worth of writes at once (spec 4.5):
// allocate the slot's reference arena, index every key as InCache, then
// hand the batch to the cache. It returns an error if slot already owns
// an arena, mirroring the teacher's putBatch contract that writers must
// purge before re-committing a slot (spec 4.5, 4.8).
func (e *Engine) PutBatch(slot uint64, keys []pubkey.Pubkey, accounts []accountcache.Account) error {
	if len(keys) != len(accounts) {
		return fmt.Errorf("accountsdb: PutBatch: %d keys but %d accounts", len(keys), len(accounts))
	}
	arena, err := e.index.AllocReferenceBlock(slot, len(keys))
	if err != nil {
		return err
	}
	for i, key := range keys {
		ref, err := arena.Alloc(key, slot, accountindex.InCache(i))
		if err != nil {
			return err
		}
		e.index.IndexRef(ref)
	}
	e.cache.PutBatch(slot, keys, accounts)
	if e.hot != nil {
		for _, key := range keys {
			e.hot.Remove(key) // a new write invalidates any cached read, spec 4.9
		}
	}
	return nil
}

// PurgeSlot discards a slot's uncommitted writes wholesale: removes
// every key's InCache node from the index and frees the slot's arena.
// It is an invariant violation to purge a slot that was never cached
// (spec 7 class 5) — callers purge to roll back a forked/dead slot
// before it is ever flushed.
func (e *Engine) PurgeSlot(slot uint64, keys []pubkey.Pubkey) error {
	if !e.cache.Contains(slot) {
		return errs.ErrPurgeUncachedSlot
	}
	e.cache.FlushSlot(slot) // discard the batch; we only needed the keys
	for _, key := range keys {
		e.index.RemoveReference(key, slot)
		if e.hot != nil {
			e.hot.Remove(key)
		}
	}
	e.index.FreeReferenceBlock(slot)
	return nil
}

// GetAccount is spec 4.9's getAccount: find the chain head, select the
// greatest-slot node, resolve InCache by cloning from the cache batch
// or InFile by copying the record out of its file. It retries once
// through the chain on ErrFileIDNotFound (SPEC_FULL C.2): that error
// means a concurrent delete raced the lookup, and the chain may since
// have advanced to a different file for the same or a superseding
// slot, which is a transient condition, not a hard miss.
func (e *Engine) GetAccount(key pubkey.Pubkey) (accountcache.Account, uint64, error) {
	if e.hot != nil {
		if v, ok := e.hot.Get(key); ok {
			cached := v.(cachedAccount)
			return cached.account.Clone(), cached.slot, nil
		}
	}
	acc, slot, err := e.getAccountOnce(key)
	if err == errs.ErrFileIDNotFound {
		acc, slot, err = e.getAccountOnce(key)
	}
	if err != nil {
		return accountcache.Account{}, 0, err
	}
	if e.hot != nil {
		e.hot.Add(key, cachedAccount{account: acc, slot: slot})
	}
	return acc, slot, nil
}

type cachedAccount struct {
	account accountcache.Account
	slot    uint64
}

func (e *Engine) getAccountOnce(key pubkey.Pubkey) (accountcache.Account, uint64, error) {
	ref, err := e.index.GetLatest(key)
	if err != nil {
		return accountcache.Account{}, 0, err
	}
	switch ref.Location.Kind {
	case accountindex.LocationInCache:
		acc, ok := e.cache.Get(ref.Slot, ref.Location.CacheIndex)
		if !ok {
			return accountcache.Account{}, 0, errs.ErrSlotNotFound
		}
		return acc, ref.Slot, nil
	default:
		entry, err := e.files.Get(accountfile.FileID(ref.Location.FileID))
		if err != nil {
			return accountcache.Account{}, 0, err
		}
		var rec accountfile.Record
		var readErr error
		entry.WithReadLock(func(af *accountfile.AccountFile, _ *accountfile.Metadata) {
			rec, readErr = af.ReadAccount(ref.Location.Offset)
		})
		if readErr != nil {
			return accountcache.Account{}, 0, readErr
		}
		return accountcache.Account{
			Lamports: rec.Lamports, Data: append([]byte(nil), rec.Data...), Owner: rec.Owner,
			Executable: rec.Executable, RentEpoch: rec.RentEpoch,
		}, ref.Slot, nil
	}
}

// BinaryDecodable is implemented by the system's account-data payload
// types, analogous to the upstream runtime's bincode-decoded account
// structs (spec 4.9's getTypeFromAccount<T>).
type BinaryDecodable interface {
	UnmarshalBinary([]byte) error
}

// GetTypeFromAccount is spec 4.9's getTypeFromAccount<T>: GetAccount
// followed by deserializing its data with the caller-supplied codec.
func (e *Engine) GetTypeFromAccount(key pubkey.Pubkey, out BinaryDecodable) error {
	acc, _, err := e.GetAccount(key)
	if err != nil {
		return err
	}
	return out.UnmarshalBinary(acc.Data)
}
