// Package merkle builds the fanout-16 Merkle tree spec section 4.7.1
// uses to validate a loaded snapshot's account hash against the
// manifest, and to compute capitalization and incremental variants of
// the same check.
package merkle

import "golang.org/x/crypto/blake2b"

// Fanout is MERKLE_FANOUT from spec 4.7.1: each internal node hashes
// up to 16 children together.
const Fanout = 16

// Root computes the Merkle root over leaves, fanning out 16 children
// per internal node. An empty leaf set hashes to the all-zero root.
func Root(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return [32]byte{}
	}
	level := leaves
	for len(level) > 1 {
		level = reduceLevel(level)
	}
	return level[0]
}

func reduceLevel(level [][32]byte) [][32]byte {
	next := make([][32]byte, 0, (len(level)+Fanout-1)/Fanout)
	for i := 0; i < len(level); i += Fanout {
		end := i + Fanout
		if end > len(level) {
			end = len(level)
		}
		next = append(next, hashChildren(level[i:end]))
	}
	return next
}

func hashChildren(children [][32]byte) [32]byte {
	h, _ := blake2b.New256(nil)
	for _, c := range children {
		h.Write(c[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// RootOfBins computes the overall account hash spec 4.7.1 describes:
// "the root of the per-bin vectors (in bin-index order)". Each bin's
// leaves (already lexicographically sorted by pubkey) are concatenated
// in bin-index order into a single ordered leaf list, and one
// fanout-16 tree is built over that list.
func RootOfBins(perBinLeaves [][][32]byte) [32]byte {
	total := 0
	for _, b := range perBinLeaves {
		total += len(b)
	}
	leaves := make([][32]byte, 0, total)
	for _, b := range perBinLeaves {
		leaves = append(leaves, b...)
	}
	return Root(leaves)
}
