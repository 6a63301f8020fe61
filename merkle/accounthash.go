package merkle

import (
	"sort"

	"accountsdb/accountindex"
	"accountsdb/pubkey"

	"golang.org/x/crypto/blake2b"
)

// Resolver looks up the account data a chain node addresses, so this
// package can stay independent of accountcache/filemap. The engine
// supplies an implementation that dispatches on ref.Location.Kind.
type Resolver interface {
	Lamports(ref *accountindex.AccountRef) (uint64, error)
	Hash(ref *accountindex.AccountRef) ([32]byte, error)
}

// BinSummary is one bin's contribution to a full or incremental hash
// pass: its sorted leaf hashes and the lamports they sum to.
type BinSummary struct {
	Leaves         [][32]byte
	Capitalization uint64
}

// sumEntry pairs a pubkey with the chain node selected for it, kept
// together only long enough to sort by pubkey before hashing.
type sumEntry struct {
	key pubkey.Pubkey
	ref *accountindex.AccountRef
}

// FullBinSummary implements spec 4.7.1's full-hash mode for one bin:
// for each pubkey, pick the version node with the greatest slot
// <= maxSlot, skip zero-lamport accounts, collect the account hash.
func FullBinSummary(chains []accountindex.BinChainHead, maxSlot uint64, hasMaxSlot bool, r Resolver) (BinSummary, error) {
	var entries []sumEntry
	for _, c := range chains {
		best := accountindex.SlotBoundedMax(c.Head, 0, false, maxSlot, hasMaxSlot)
		if best == nil {
			continue
		}
		lamports, err := r.Lamports(best)
		if err != nil {
			return BinSummary{}, err
		}
		if lamports == 0 {
			continue
		}
		entries = append(entries, sumEntry{key: c.Pubkey, ref: best})
	}
	return summarize(entries, r)
}

// IncrementalBinSummary implements spec 4.7.1's incremental mode: pick
// the greatest slot node strictly greater than minSlot; zero-lamport
// accounts contribute blake2b(pubkey) instead of being skipped.
func IncrementalBinSummary(chains []accountindex.BinChainHead, minSlot uint64, r Resolver) (BinSummary, error) {
	var sum BinSummary
	var leaves []leafWithKey
	for _, c := range chains {
		best := accountindex.SlotBoundedMax(c.Head, minSlot, true, 0, false)
		if best == nil {
			continue
		}
		lamports, err := r.Lamports(best)
		if err != nil {
			return BinSummary{}, err
		}
		sum.Capitalization += lamports
		var h [32]byte
		if lamports == 0 {
			h = blake2b.Sum256(c.Pubkey[:])
		} else {
			h, err = r.Hash(best)
			if err != nil {
				return BinSummary{}, err
			}
		}
		leaves = append(leaves, leafWithKey{key: c.Pubkey, hash: h})
	}
	sort.Slice(leaves, func(i, j int) bool { return pubkey.Less(leaves[i].key, leaves[j].key) })
	sum.Leaves = make([][32]byte, len(leaves))
	for i, l := range leaves {
		sum.Leaves[i] = l.hash
	}
	return sum, nil
}

type leafWithKey struct {
	key  pubkey.Pubkey
	hash [32]byte
}

func summarize(entries []sumEntry, r Resolver) (BinSummary, error) {
	sort.Slice(entries, func(i, j int) bool { return pubkey.Less(entries[i].key, entries[j].key) })
	var sum BinSummary
	sum.Leaves = make([][32]byte, len(entries))
	for i, e := range entries {
		h, err := r.Hash(e.ref)
		if err != nil {
			return BinSummary{}, err
		}
		sum.Leaves[i] = h
		lamports, err := r.Lamports(e.ref)
		if err != nil {
			return BinSummary{}, err
		}
		sum.Capitalization += lamports
	}
	return sum, nil
}
