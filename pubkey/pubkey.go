// Package pubkey defines the 32-byte account identifier used throughout
// the storage engine and the handful of derived values (fast hash, bin
// index) that the index and the hash table build on top of it.
package pubkey

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"math/bits"

	"github.com/dchest/siphash"
)

// Len is the byte length of a Pubkey.
const Len = 32

// Pubkey is an opaque account identifier. Equality is byte-wise.
type Pubkey [Len]byte

// String renders the pubkey as lowercase hex, mainly for logs and tests.
func (p Pubkey) String() string {
	return hex.EncodeToString(p[:])
}

// IsZero reports whether every byte of the key is zero.
func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

// Less orders pubkeys lexicographically, used when sorting a bin's
// entries before Merkle hashing (spec 4.7.1).
func Less(a, b Pubkey) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// hashK0/hashK1 form a process-wide random SipHash key, generated once at
// startup so a hostile snapshot cannot pick pubkeys that collide the hash
// table's group selection and control bytes on purpose. Bin assignment
// (BinIndex) does not use this hash.
var hashK0, hashK1 = mustRandomKey()

func mustRandomKey() (uint64, uint64) {
	var seed [16]byte
	if _, err := rand.Read(seed[:]); err != nil {
		// crypto/rand failing means the OS entropy source is broken;
		// nothing downstream of the index would be trustworthy either.
		panic("pubkey: failed to seed hash key: " + err.Error())
	}
	return binary.LittleEndian.Uint64(seed[0:8]), binary.LittleEndian.Uint64(seed[8:16])
}

// Fast returns a 64-bit SipHash-2-4 digest of the key, used to derive
// the open addressed map's group selector and H7 control byte (spec
// 4.3). Index bins are chosen from the raw leading bytes by BinIndex.
func (p Pubkey) Fast() uint64 {
	return siphash.Hash(hashK0, hashK1, p[:])
}

// SetHashKeyForTest pins the process hash key to a fixed value so tests
// can assert on exact probe sequences. Not for production use.
func SetHashKeyForTest(k0, k1 uint64) {
	hashK0, hashK1 = k0, k1
}

// BinIndex returns the shard/bin index for p given numberOfBins, which must
// be a power of two no greater than 1<<24 (spec 3). The bin is derived from
// the leading three bytes: bin = (p[0]<<16 | p[1]<<8 | p[2]) >> shift, where
// 2^(24-shift) = numberOfBins.
func BinIndex(p Pubkey, numberOfBins uint32) uint32 {
	shift := 24 - bits.TrailingZeros32(numberOfBins)
	top := uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2])
	return top >> uint(shift)
}

// IsPowerOfTwo reports whether n is a power of two, used to validate
// number_of_index_shards at engine startup.
func IsPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}
