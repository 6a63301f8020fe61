package accountcache

import (
	"testing"

	"accountsdb/pubkey"

	"github.com/stretchr/testify/require"
)

func key(b byte) pubkey.Pubkey {
	var p pubkey.Pubkey
	p[0] = b
	return p
}

func TestPutBatchThenFlushSlot(t *testing.T) {
	c := New()
	keys := []pubkey.Pubkey{key(1), key(2)}
	accounts := []Account{{Lamports: 10}, {Lamports: 20}}
	c.PutBatch(5, keys, accounts)

	require.True(t, c.Contains(5))
	a, ok := c.Get(5, 1)
	require.True(t, ok)
	require.EqualValues(t, 20, a.Lamports)

	gotKeys, gotAccounts, ok := c.FlushSlot(5)
	require.True(t, ok)
	require.Equal(t, keys, gotKeys)
	require.Equal(t, accounts, gotAccounts)
	require.False(t, c.Contains(5))
}

func TestPutBatchTwiceSameSlotPanics(t *testing.T) {
	c := New()
	c.PutBatch(1, []pubkey.Pubkey{key(1)}, []Account{{Lamports: 1}})
	require.Panics(t, func() {
		c.PutBatch(1, []pubkey.Pubkey{key(2)}, []Account{{Lamports: 2}})
	})
}

func TestFlushSlotNotCached(t *testing.T) {
	c := New()
	_, _, ok := c.FlushSlot(42)
	require.False(t, ok)
}

func TestCloneDoesNotAliasCache(t *testing.T) {
	c := New()
	c.PutBatch(1, []pubkey.Pubkey{key(1)}, []Account{{Data: []byte("x")}})
	a, ok := c.Get(1, 0)
	require.True(t, ok)
	a.Data[0] = 'y'

	again, _ := c.Get(1, 0)
	require.Equal(t, byte('x'), again.Data[0])
}

func TestCachedSlots(t *testing.T) {
	c := New()
	c.PutBatch(1, nil, nil)
	c.PutBatch(2, nil, nil)
	require.ElementsMatch(t, []uint64{1, 2}, c.CachedSlots())
	require.Equal(t, 2, c.Len())
}
