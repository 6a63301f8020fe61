package merkle

import (
	"testing"

	"accountsdb/accountindex"
	"accountsdb/pubkey"

	"github.com/stretchr/testify/require"
)

func TestRootEmpty(t *testing.T) {
	require.Equal(t, [32]byte{}, Root(nil))
}

func TestRootDeterministicAndOrderSensitive(t *testing.T) {
	a := [32]byte{1}
	b := [32]byte{2}
	r1 := Root([][32]byte{a, b})
	r2 := Root([][32]byte{a, b})
	r3 := Root([][32]byte{b, a})
	require.Equal(t, r1, r2)
	require.NotEqual(t, r1, r3)
}

func TestRootOfBinsMatchesFlattenedRoot(t *testing.T) {
	bins := [][][32]byte{
		{{1}, {2}},
		{{3}},
		{},
		{{4}, {5}, {6}},
	}
	got := RootOfBins(bins)
	want := Root([][32]byte{{1}, {2}, {3}, {4}, {5}, {6}})
	require.Equal(t, want, got)
}

func TestRootHandlesMoreThanOneFanoutLevel(t *testing.T) {
	leaves := make([][32]byte, 40)
	for i := range leaves {
		leaves[i][0] = byte(i)
	}
	root := Root(leaves)
	require.NotEqual(t, [32]byte{}, root)
}

type fakeResolver struct {
	lamports map[pubkey.Pubkey]uint64
	hashes   map[pubkey.Pubkey][32]byte
}

func (f *fakeResolver) Lamports(ref *accountindex.AccountRef) (uint64, error) {
	return f.lamports[ref.Pubkey], nil
}

func (f *fakeResolver) Hash(ref *accountindex.AccountRef) ([32]byte, error) {
	return f.hashes[ref.Pubkey], nil
}

func key(b byte) pubkey.Pubkey {
	var p pubkey.Pubkey
	p[0] = b
	return p
}

func TestFullBinSummarySkipsZeroLamports(t *testing.T) {
	k1, k2 := key(1), key(2)
	r := &fakeResolver{
		lamports: map[pubkey.Pubkey]uint64{k1: 100, k2: 0},
		hashes:   map[pubkey.Pubkey][32]byte{k1: {9}, k2: {8}},
	}
	chains := []accountindex.BinChainHead{
		{Pubkey: k1, Head: &accountindex.AccountRef{Pubkey: k1, Slot: 5}},
		{Pubkey: k2, Head: &accountindex.AccountRef{Pubkey: k2, Slot: 5}},
	}
	sum, err := FullBinSummary(chains, 0, false, r)
	require.NoError(t, err)
	require.Len(t, sum.Leaves, 1)
	require.Equal(t, [32]byte{9}, sum.Leaves[0])
	require.EqualValues(t, 100, sum.Capitalization)
}

func TestIncrementalBinSummaryIncludesZeroLamportContribution(t *testing.T) {
	k1 := key(3)
	r := &fakeResolver{
		lamports: map[pubkey.Pubkey]uint64{k1: 0},
		hashes:   map[pubkey.Pubkey][32]byte{},
	}
	chains := []accountindex.BinChainHead{
		{Pubkey: k1, Head: &accountindex.AccountRef{Pubkey: k1, Slot: 10}},
	}
	sum, err := IncrementalBinSummary(chains, 5, r)
	require.NoError(t, err)
	require.Len(t, sum.Leaves, 1)
	require.NotEqual(t, [32]byte{}, sum.Leaves[0])
	require.EqualValues(t, 0, sum.Capitalization)
}
