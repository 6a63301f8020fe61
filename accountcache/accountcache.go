// Package accountcache implements the write-back account cache of
// spec section 4.5: a map of not-yet-flushed slots to the batch of
// accounts committed for that slot.
package accountcache

import (
	"fmt"
	"sync"

	"accountsdb/pubkey"
)

// Account is the value type spec section 3 defines: lamports, owner,
// executable, rent epoch and the opaque data payload.
type Account struct {
	Lamports   uint64
	Data       []byte
	Owner      pubkey.Pubkey
	Executable bool
	RentEpoch  uint64
}

// Clone deep-copies an account, used when a reader resolves an
// InCache location and must not alias the cache's backing slice (spec
// 4.9: "InCache -> clone from the cache batch").
func (a Account) Clone() Account {
	data := make([]byte, len(a.Data))
	copy(data, a.Data)
	a.Data = data
	return a
}

// batch is one slot's committed accounts, indexed in parallel: Keys[i]
// corresponds to Accounts[i], and InCache{i} locations point at this
// index.
type batch struct {
	Keys     []pubkey.Pubkey
	Accounts []Account
}

// Cache is `Map<Slot, (Vec<Pubkey>, Vec<Account>)>` guarded by a single
// read/write lock, per spec 4.5.
type Cache struct {
	mu     sync.RWMutex
	byslot map[uint64]*batch
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{byslot: make(map[uint64]*batch)}
}

// PutBatch inserts the whole batch for slot. It panics if slot is
// already cached — per spec 4.5, writers must purge (flush or discard)
// a slot before re-committing it.
func (c *Cache) PutBatch(slot uint64, keys []pubkey.Pubkey, accounts []Account) {
	if len(keys) != len(accounts) {
		panic(fmt.Sprintf("accountcache: putBatch(%d): %d keys but %d accounts", slot, len(keys), len(accounts)))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byslot[slot]; exists {
		panic(fmt.Sprintf("accountcache: putBatch called twice for slot %d without a purge", slot))
	}
	c.byslot[slot] = &batch{Keys: keys, Accounts: accounts}
}

// Get resolves InCache{slot, index}'s account, cloned so the caller
// cannot mutate cache-owned memory.
func (c *Cache) Get(slot uint64, index int) (Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.byslot[slot]
	if !ok || index < 0 || index >= len(b.Accounts) {
		return Account{}, false
	}
	return b.Accounts[index].Clone(), true
}

// Contains reports whether slot currently has a cached, unflushed
// batch.
func (c *Cache) Contains(slot uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byslot[slot]
	return ok
}

// FlushSlot atomically removes and returns slot's batch, or false if
// the slot was not cached (spec 4.5).
func (c *Cache) FlushSlot(slot uint64) ([]pubkey.Pubkey, []Account, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.byslot[slot]
	if !ok {
		return nil, nil, false
	}
	delete(c.byslot, slot)
	return b.Keys, b.Accounts, true
}

// CachedSlots returns every slot currently held in the cache, in no
// particular order — the maintenance loop's flush-selection step (spec
// 4.8) filters this against the current rooted slot.
func (c *Cache) CachedSlots() []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]uint64, 0, len(c.byslot))
	for s := range c.byslot {
		out = append(out, s)
	}
	return out
}

// Len returns the number of slots currently cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byslot)
}
