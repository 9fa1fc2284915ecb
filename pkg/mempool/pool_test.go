package mempool

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/duoprime/dbft/pkg/block"
)

type testTx struct {
	hash      common.Hash
	fee       uint64
	conflicts []common.Hash
}

func (tx *testTx) Hash() common.Hash        { return tx.hash }
func (tx *testTx) Conflicts() []common.Hash { return tx.conflicts }
func (tx *testTx) FeePerByte() uint64       { return tx.fee }

func newTestTx(seed byte, fee uint64) *testTx {
	var h common.Hash
	h[31] = seed
	return &testTx{hash: h, fee: fee}
}

func TestAddOrdersByFeeDescending(t *testing.T) {
	p := New(10)
	low := newTestTx(1, 10)
	high := newTestTx(2, 50)
	mid := newTestTx(3, 30)

	require.NoError(t, p.Add(low))
	require.NoError(t, p.Add(high))
	require.NoError(t, p.Add(mid))

	got := p.GetVerifiedTransactions()
	require.Equal(t, []block.Transaction{high, mid, low}, got)
}

func TestAddBreaksFeeTiesByHashAscending(t *testing.T) {
	p := New(10)
	a := newTestTx(1, 10) // smaller hash
	b := newTestTx(2, 10) // larger hash

	require.NoError(t, p.Add(b))
	require.NoError(t, p.Add(a))

	got := p.GetVerifiedTransactions()
	require.Equal(t, []block.Transaction{a, b}, got)
}

func TestAddRejectsDuplicate(t *testing.T) {
	p := New(10)
	tx := newTestTx(1, 10)
	require.NoError(t, p.Add(tx))
	require.ErrorIs(t, p.Add(tx), ErrDup)
}

func TestAddEvictsLowerFeeConflict(t *testing.T) {
	p := New(10)
	var conflictHash common.Hash
	conflictHash[31] = 9

	old := &testTx{hash: conflictHash, fee: 5}
	require.NoError(t, p.Add(old))

	replacement := newTestTx(1, 20)
	replacement.conflicts = []common.Hash{conflictHash}
	require.NoError(t, p.Add(replacement))

	require.False(t, p.ContainsKey(conflictHash))
	require.True(t, p.ContainsKey(replacement.Hash()))
}

func TestAddRejectsLowerFeeAgainstConflict(t *testing.T) {
	p := New(10)
	var conflictHash common.Hash
	conflictHash[31] = 9

	strong := &testTx{hash: conflictHash, fee: 50}
	require.NoError(t, p.Add(strong))

	weak := newTestTx(1, 5)
	weak.conflicts = []common.Hash{conflictHash}
	require.ErrorIs(t, p.Add(weak), ErrConflict)
	require.True(t, p.ContainsKey(conflictHash))
}

func TestAddEvictsLeastPrioritizedAtCapacity(t *testing.T) {
	p := New(2)
	require.NoError(t, p.Add(newTestTx(1, 10)))
	require.NoError(t, p.Add(newTestTx(2, 20)))

	require.ErrorIs(t, p.Add(newTestTx(3, 1)), ErrOOM)

	require.NoError(t, p.Add(newTestTx(4, 30)))
	require.Equal(t, 2, p.Count())
	got := p.GetVerifiedTransactions()
	require.Equal(t, uint64(30), got[0].FeePerByte())
	require.Equal(t, uint64(20), got[1].FeePerByte())
}

func TestRemoveStaleDropsRejected(t *testing.T) {
	p := New(10)
	keep := newTestTx(1, 10)
	drop := newTestTx(2, 20)
	require.NoError(t, p.Add(keep))
	require.NoError(t, p.Add(drop))

	p.RemoveStale(func(tx block.Transaction) bool { return tx.Hash() == keep.Hash() })

	require.Equal(t, 1, p.Count())
	require.True(t, p.ContainsKey(keep.Hash()))
	require.False(t, p.ContainsKey(drop.Hash()))
}

func TestCloseRejectsFurtherAdds(t *testing.T) {
	p := New(10)
	require.NoError(t, p.Add(newTestTx(1, 10)))

	p.Close()

	require.ErrorIs(t, p.Add(newTestTx(2, 20)), ErrClosed)
	require.Equal(t, 1, p.Count())
}

func TestTryGetValue(t *testing.T) {
	p := New(10)
	tx := newTestTx(1, 10)
	require.NoError(t, p.Add(tx))

	got, ok := p.TryGetValue(tx.Hash())
	require.True(t, ok)
	require.Equal(t, tx, got)

	_, ok = p.TryGetValue(common.Hash{})
	require.False(t, ok)
}
