// Package accountindex implements the key-to-reference index of spec
// section 4.4: one open-addressed map per bin, each bin guarding a
// forest of singly-linked version chains, plus the per-slot reference
// arenas those chains are allocated from.
package accountindex

import "accountsdb/pubkey"

// FileID identifies an AccountFile (mirrors accountfile.FileID without
// importing that package, to keep accountindex free of a dependency on
// the file codec).
type FileID uint64

// LocationKind discriminates the two places a version node's data can
// live (spec 3).
type LocationKind uint8

const (
	LocationInFile LocationKind = iota
	LocationInCache
)

// Location is the two-case sum type `{ InFile, InCache }` from spec 3,
// represented as a tagged struct rather than an interface so that
// AccountRef stays a fixed-size, arena-friendly value type.
type Location struct {
	Kind LocationKind

	// Valid when Kind == LocationInFile.
	FileID FileID
	Offset int64

	// Valid when Kind == LocationInCache: the account's position within
	// its slot's cached batch.
	CacheIndex int
}

func InFile(id FileID, offset int64) Location {
	return Location{Kind: LocationInFile, FileID: id, Offset: offset}
}

func InCache(index int) Location {
	return Location{Kind: LocationInCache, CacheIndex: index}
}

// AccountRef is one version node (spec 3): `{ pubkey, slot, location,
// next }`. It lives inside a per-slot Arena; Next points to another
// node in the same or a different slot's arena, forming the version
// chain for Pubkey.
type AccountRef struct {
	Pubkey   pubkey.Pubkey
	Slot     uint64
	Location Location
	Next     *AccountRef
}

// SlotBoundedMax walks chain starting at head and returns the node with
// the greatest Slot satisfying minSlot < node.Slot <= maxSlot, per spec
// 4.4. Either bound may be disabled by passing hasMin/hasMax false.
func SlotBoundedMax(head *AccountRef, minSlot uint64, hasMin bool, maxSlot uint64, hasMax bool) *AccountRef {
	var best *AccountRef
	for n := head; n != nil; n = n.Next {
		if hasMin && n.Slot <= minSlot {
			continue
		}
		if hasMax && n.Slot > maxSlot {
			continue
		}
		if best == nil || n.Slot > best.Slot {
			best = n
		}
	}
	return best
}
