package accountfile

import (
	"encoding/binary"

	"accountsdb/pubkey"

	"golang.org/x/crypto/blake2b"
)

// HashAccount computes the per-account hash stored alongside each
// record and fed into the per-bin Merkle tree (spec 4.7.1). The input
// order — lamports, rent_epoch, data, owner, executable, pubkey —
// mirrors the upstream cluster's account-hash preimage.
func HashAccount(lamports, rentEpoch uint64, data []byte, owner, key pubkey.Pubkey, executable bool) [32]byte {
	h, _ := blake2b.New256(nil)
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], lamports)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], rentEpoch)
	h.Write(buf[:])
	h.Write(data)
	h.Write(owner[:])
	if executable {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(key[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
