package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/astram-project/astram-node/consensus"
)

const testChainID = uint32(8888)

// fundedView seeds n spendable outputs of value each, owned by key.
func fundedView(key testKey, n int, value uint64) (fakeUtxoView, []consensus.OutPoint) {
	view := make(fakeUtxoView, n)
	ops := make([]consensus.OutPoint, n)
	for i := 0; i < n; i++ {
		op := consensus.OutPoint{Txid: consensus.Hash256{0xf0, byte(i), byte(i >> 8)}, Index: 0}
		view[op] = consensus.UtxoEntry{Value: value, Recipient: key.addr, BlockHeight: 1}
		ops[i] = op
	}
	return view, ops
}

func TestMempoolAdmitAndSnapshotOrder(t *testing.T) {
	key := newTestKey(t)
	view, ops := fundedView(key, 3, 10*consensus.BaseUnitsPerASRM)
	mp := NewMempool(testLogger(), MempoolLimits{MaxCount: 10, MaxBytes: 1 << 20})
	now := time.Unix(consensus.GenesisTimestamp, 0)

	low := signedSpend(t, key, ops[0], 10*consensus.BaseUnitsPerASRM, consensus.MinRelayFee(200), testChainID)
	mid := signedSpend(t, key, ops[1], 10*consensus.BaseUnitsPerASRM, 2*consensus.MinRelayFee(200), testChainID)
	high := signedSpend(t, key, ops[2], 10*consensus.BaseUnitsPerASRM, 4*consensus.MinRelayFee(200), testChainID)

	require.NoError(t, mp.Admit(low, view, 200, testChainID, now))
	require.NoError(t, mp.Admit(high, view, 200, testChainID, now))
	require.NoError(t, mp.Admit(mid, view, 200, testChainID, now))
	require.Equal(t, 3, mp.Count())

	snap := mp.SnapshotByFeeRate()
	require.Len(t, snap, 3)
	require.Equal(t, high.Txid(), snap[0].Txid)
	require.Equal(t, mid.Txid(), snap[1].Txid)
	require.Equal(t, low.Txid(), snap[2].Txid)
}

func TestMempoolEvictsLowestFeeRateWhenFull(t *testing.T) {
	key := newTestKey(t)
	view, ops := fundedView(key, 4, 10*consensus.BaseUnitsPerASRM)
	mp := NewMempool(testLogger(), MempoolLimits{MaxCount: 3, MaxBytes: 1 << 20})
	now := time.Unix(consensus.GenesisTimestamp, 0)

	baseFee := consensus.MinRelayFee(200)
	victim := signedSpend(t, key, ops[0], 10*consensus.BaseUnitsPerASRM, baseFee, testChainID)
	require.NoError(t, mp.Admit(victim, view, 200, testChainID, now))
	for i := 1; i < 3; i++ {
		tx := signedSpend(t, key, ops[i], 10*consensus.BaseUnitsPerASRM, 2*baseFee, testChainID)
		require.NoError(t, mp.Admit(tx, view, 200, testChainID, now))
	}
	require.Equal(t, 3, mp.Count())

	// A better-paying transaction displaces the lowest-rate entry; the
	// count cap still holds afterwards.
	better := signedSpend(t, key, ops[3], 10*consensus.BaseUnitsPerASRM, 3*baseFee, testChainID)
	require.NoError(t, mp.Admit(better, view, 200, testChainID, now))
	require.Equal(t, 3, mp.Count())
	require.False(t, mp.Contains(victim.Txid()), "lowest fee-rate entry should be evicted")
	require.True(t, mp.Contains(better.Txid()))
}

func TestMempoolRejectsWhenIncomingWouldBeLowest(t *testing.T) {
	key := newTestKey(t)
	view, ops := fundedView(key, 4, 10*consensus.BaseUnitsPerASRM)
	mp := NewMempool(testLogger(), MempoolLimits{MaxCount: 3, MaxBytes: 1 << 20})
	now := time.Unix(consensus.GenesisTimestamp, 0)

	for i := 0; i < 3; i++ {
		tx := signedSpend(t, key, ops[i], 10*consensus.BaseUnitsPerASRM, 2*consensus.MinRelayFee(200), testChainID)
		require.NoError(t, mp.Admit(tx, view, 200, testChainID, now))
	}
	cheap := signedSpend(t, key, ops[3], 10*consensus.BaseUnitsPerASRM, consensus.MinRelayFee(200), testChainID)
	err := mp.Admit(cheap, view, 200, testChainID, now)
	require.Error(t, err)
	code, ok := consensus.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, consensus.ErrInsufficientFee, code)
	require.Equal(t, 3, mp.Count())
}

func TestMempoolFirstSeenWinsOnConflict(t *testing.T) {
	key := newTestKey(t)
	view, ops := fundedView(key, 1, 10*consensus.BaseUnitsPerASRM)
	mp := NewMempool(testLogger(), MempoolLimits{MaxCount: 10, MaxBytes: 1 << 20})
	now := time.Unix(consensus.GenesisTimestamp, 0)

	first := signedSpend(t, key, ops[0], 10*consensus.BaseUnitsPerASRM, consensus.MinRelayFee(200), testChainID)
	require.NoError(t, mp.Admit(first, view, 200, testChainID, now))

	// Same outpoint, higher fee: still rejected, RBF is not supported.
	double := signedSpend(t, key, ops[0], 10*consensus.BaseUnitsPerASRM, 10*consensus.MinRelayFee(200), testChainID)
	err := mp.Admit(double, view, 200, testChainID, now)
	require.Error(t, err)
	code, _ := consensus.CodeOf(err)
	require.Equal(t, consensus.ErrDuplicateInput, code)
	require.True(t, mp.Contains(first.Txid()))
}

func TestMempoolChainedSpendResolvesParentOutput(t *testing.T) {
	key := newTestKey(t)
	view, ops := fundedView(key, 1, 10*consensus.BaseUnitsPerASRM)
	mp := NewMempool(testLogger(), MempoolLimits{MaxCount: 10, MaxBytes: 1 << 20})
	now := time.Unix(consensus.GenesisTimestamp, 0)

	parent := signedSpend(t, key, ops[0], 10*consensus.BaseUnitsPerASRM, consensus.MinRelayFee(200), testChainID)
	require.NoError(t, mp.Admit(parent, view, 200, testChainID, now))

	childPrev := consensus.OutPoint{Txid: parent.Txid(), Index: 0}
	child := signedSpend(t, key, childPrev, parent.Outputs[0].Value, consensus.MinRelayFee(200), testChainID)
	require.NoError(t, mp.Admit(child, view, 200, testChainID, now))
	require.Equal(t, 2, mp.Count())
}

func TestMempoolExpiresOldEntries(t *testing.T) {
	key := newTestKey(t)
	view, ops := fundedView(key, 2, 10*consensus.BaseUnitsPerASRM)
	mp := NewMempool(testLogger(), MempoolLimits{MaxCount: 10, MaxBytes: 1 << 20})
	t0 := time.Unix(consensus.GenesisTimestamp, 0)

	old := signedSpend(t, key, ops[0], 10*consensus.BaseUnitsPerASRM, consensus.MinRelayFee(200), testChainID)
	require.NoError(t, mp.Admit(old, view, 200, testChainID, t0))

	// The next admission a day later sweeps the expired entry.
	fresh := signedSpend(t, key, ops[1], 10*consensus.BaseUnitsPerASRM, consensus.MinRelayFee(200), testChainID)
	require.NoError(t, mp.Admit(fresh, view, 200, testChainID, t0.Add(MempoolEntryTTL+time.Hour)))
	require.False(t, mp.Contains(old.Txid()))
	require.True(t, mp.Contains(fresh.Txid()))
}

func TestMempoolRemoveConfirmedDropsConflicts(t *testing.T) {
	key := newTestKey(t)
	view, ops := fundedView(key, 2, 10*consensus.BaseUnitsPerASRM)
	mp := NewMempool(testLogger(), MempoolLimits{MaxCount: 10, MaxBytes: 1 << 20})
	now := time.Unix(consensus.GenesisTimestamp, 0)

	inPool := signedSpend(t, key, ops[0], 10*consensus.BaseUnitsPerASRM, consensus.MinRelayFee(200), testChainID)
	require.NoError(t, mp.Admit(inPool, view, 200, testChainID, now))
	other := signedSpend(t, key, ops[1], 10*consensus.BaseUnitsPerASRM, consensus.MinRelayFee(200), testChainID)
	require.NoError(t, mp.Admit(other, view, 200, testChainID, now))

	// A block confirms a different transaction spending ops[0]: the pooled
	// spender is a conflict and must go; the unrelated entry stays.
	confirmed := signedSpend(t, key, ops[0], 10*consensus.BaseUnitsPerASRM, 2*consensus.MinRelayFee(200), testChainID)
	block := &consensus.Block{
		Header: consensus.BlockHeader{Version: 1},
		Txs:    []*consensus.Transaction{coinbaseTx(5, consensus.BlockSubsidy(5), key.addr), confirmed},
	}
	mp.RemoveConfirmed(block)
	require.False(t, mp.Contains(inPool.Txid()))
	require.True(t, mp.Contains(other.Txid()))
}

func TestFeeRateLessCrossMultiplies(t *testing.T) {
	a := &MempoolEntry{Fee: 100, Size: 100} // 1.0/byte
	b := &MempoolEntry{Fee: 300, Size: 200} // 1.5/byte
	require.True(t, feeRateLess(a, b))
	require.False(t, feeRateLess(b, a))

	// Huge base-unit fees must not overflow the comparison.
	x := &MempoolEntry{Fee: 8 * consensus.BaseUnitsPerASRM, Size: 100_000}
	y := &MempoolEntry{Fee: 8 * consensus.BaseUnitsPerASRM, Size: 99_999}
	require.True(t, feeRateLess(x, y))
}
