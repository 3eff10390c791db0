package node

import (
	"math/bits"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/astram-project/astram-node/consensus"
)

// Default mempool resource caps. Tests shrink these through MempoolLimits;
// the running node always uses the defaults.
const (
	DefaultMempoolMaxCount = 10_000
	DefaultMempoolMaxBytes = 300 << 20
	MempoolEntryTTL        = 24 * time.Hour
)

// MempoolLimits bounds the mempool's memory footprint.
type MempoolLimits struct {
	MaxCount int
	MaxBytes int64
}

func DefaultMempoolLimits() MempoolLimits {
	return MempoolLimits{MaxCount: DefaultMempoolMaxCount, MaxBytes: DefaultMempoolMaxBytes}
}

// MempoolEntry is one admitted transaction plus the admission-time facts the
// priority index and eviction policy need.
type MempoolEntry struct {
	Tx    *consensus.Transaction
	Txid  consensus.Hash256
	Fee   uint64
	Size  int
	Added time.Time
}

// feeRateLess reports whether a's fee rate (fee/size) is strictly lower
// than b's, by cross-multiplying in 128 bits so huge base-unit fees never
// overflow or lose precision to floats.
func feeRateLess(a, b *MempoolEntry) bool {
	ahi, alo := bits.Mul64(a.Fee, uint64(b.Size))
	bhi, blo := bits.Mul64(b.Fee, uint64(a.Size))
	if ahi != bhi {
		return ahi < bhi
	}
	return alo < blo
}

// Mempool stores admitted non-coinbase transactions indexed by txid with a
// fee-rate priority order. All mutations are serialized by the chain-writer
// actor; the internal mutex exists for the snapshot readers (miner, RPC).
//
// Double spends against an already admitted transaction are rejected:
// first-seen wins, replace-by-fee is not supported.
type Mempool struct {
	mu      sync.RWMutex
	log     zerolog.Logger
	limits  MempoolLimits
	entries map[consensus.Hash256]*MempoolEntry
	spends  map[consensus.OutPoint]consensus.Hash256 // input -> spender txid
	bytes   int64
}

func NewMempool(log zerolog.Logger, limits MempoolLimits) *Mempool {
	if limits.MaxCount <= 0 {
		limits.MaxCount = DefaultMempoolMaxCount
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = DefaultMempoolMaxBytes
	}
	return &Mempool{
		log:     ComponentLogger(log, "mempool"),
		limits:  limits,
		entries: make(map[consensus.Hash256]*MempoolEntry),
		spends:  make(map[consensus.OutPoint]consensus.Hash256),
	}
}

// mempoolView resolves outpoints against the chain UTXO set plus the
// unspent outputs of already admitted transactions, so chained unconfirmed
// spends validate. Callers hold mp.mu.
type mempoolView struct {
	base consensus.UtxoView
	mp   *Mempool
	next uint64 // height the transaction would confirm at
}

func (v mempoolView) GetUTXO(op consensus.OutPoint) (*consensus.UtxoEntry, bool) {
	if e, ok := v.base.GetUTXO(op); ok {
		return e, ok
	}
	parent, ok := v.mp.entries[op.Txid]
	if !ok || op.Index >= uint32(len(parent.Tx.Outputs)) {
		return nil, false
	}
	if _, spent := v.mp.spends[op]; spent {
		return nil, false
	}
	out := parent.Tx.Outputs[op.Index]
	return &consensus.UtxoEntry{Value: out.Value, Recipient: out.Recipient, BlockHeight: v.next}, true
}

// Admit runs the full admission pipeline for tx: stateless validation,
// first-seen conflict detection, input resolution against the tip UTXO set
// plus admitted ancestors, signature and fee checks, then capacity
// enforcement. nextHeight is the height the transaction would confirm at
// (tip height + 1).
func (m *Mempool) Admit(tx *consensus.Transaction, base consensus.UtxoView, nextHeight uint64, chainID uint32, now time.Time) error {
	if tx.IsCoinbase() {
		return &consensus.ConsensusError{Code: consensus.ErrInvalidCoinbase, Msg: "coinbase is not relayable"}
	}
	if err := consensus.ValidateTxStateless(tx); err != nil {
		return err
	}
	txid := tx.Txid()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.entries[txid]; dup {
		return &consensus.ConsensusError{Code: consensus.ErrDuplicateInput, Msg: "transaction already in mempool"}
	}
	for _, in := range tx.Inputs {
		if spender, conflict := m.spends[in.Prev]; conflict && spender != txid {
			return &consensus.ConsensusError{Code: consensus.ErrDuplicateInput, Msg: "conflicts with admitted transaction"}
		}
	}

	fee, err := consensus.ValidateTxAgainstUTXO(tx, mempoolView{base: base, mp: m, next: nextHeight}, nextHeight, chainID)
	if err != nil {
		return err
	}

	entry := &MempoolEntry{Tx: tx, Txid: txid, Fee: fee, Size: tx.SizeBytes(), Added: now}
	m.expireLocked(now)

	// If admitting would exceed a cap, evict from the low-rate end; an
	// incoming transaction that would itself be the lowest rate in a full
	// pool is rejected instead of thrashing an existing entry.
	for len(m.entries) >= m.limits.MaxCount || m.bytes+int64(entry.Size) > m.limits.MaxBytes {
		lowest := m.lowestRateLocked()
		if lowest == nil {
			return &consensus.ConsensusError{Code: consensus.ErrTooLong, Msg: "transaction exceeds mempool byte limit"}
		}
		if !feeRateLess(lowest, entry) {
			return &consensus.ConsensusError{Code: consensus.ErrInsufficientFee, Msg: "fee rate below mempool floor"}
		}
		m.removeLocked(lowest.Txid)
	}

	m.entries[txid] = entry
	for _, in := range tx.Inputs {
		m.spends[in.Prev] = txid
	}
	m.bytes += int64(entry.Size)
	setMempoolGauges(len(m.entries), m.bytes)
	return nil
}

func (m *Mempool) lowestRateLocked() *MempoolEntry {
	var lowest *MempoolEntry
	for _, e := range m.entries {
		if lowest == nil || feeRateLess(e, lowest) {
			lowest = e
		}
	}
	return lowest
}

func (m *Mempool) expireLocked(now time.Time) {
	for txid, e := range m.entries {
		if now.Sub(e.Added) > MempoolEntryTTL {
			m.removeLocked(txid)
		}
	}
}

func (m *Mempool) removeLocked(txid consensus.Hash256) {
	e, ok := m.entries[txid]
	if !ok {
		return
	}
	delete(m.entries, txid)
	for _, in := range e.Tx.Inputs {
		if m.spends[in.Prev] == txid {
			delete(m.spends, in.Prev)
		}
	}
	m.bytes -= int64(e.Size)
}

// RemoveConfirmed drops every transaction included in a newly connected
// block, plus any admitted transaction that conflicts with one (spends an
// input the block consumed).
func (m *Mempool) RemoveConfirmed(block *consensus.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range block.Txs {
		m.removeLocked(tx.Txid())
		if tx.IsCoinbase() {
			continue
		}
		for _, in := range tx.Inputs {
			if spender, ok := m.spends[in.Prev]; ok {
				m.removeLocked(spender)
			}
		}
	}
	setMempoolGauges(len(m.entries), m.bytes)
}

// Remove drops a single transaction if present.
func (m *Mempool) Remove(txid consensus.Hash256) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(txid)
	setMempoolGauges(len(m.entries), m.bytes)
}

// Contains reports whether txid is currently admitted.
func (m *Mempool) Contains(txid consensus.Hash256) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[txid]
	return ok
}

// Get returns the admitted transaction for txid, if present.
func (m *Mempool) Get(txid consensus.Hash256) (*consensus.Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[txid]
	if !ok {
		return nil, false
	}
	return e.Tx, true
}

// SnapshotByFeeRate returns a copy of the current entries ordered by fee
// rate descending, ties broken by earlier admission. The miner consumes
// this for template building; the slice is private to the caller.
func (m *Mempool) SnapshotByFeeRate() []*MempoolEntry {
	m.mu.RLock()
	out := make([]*MempoolEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if feeRateLess(out[i], out[j]) {
			return false
		}
		if feeRateLess(out[j], out[i]) {
			return true
		}
		return out[i].Added.Before(out[j].Added)
	})
	return out
}

// Count and Bytes expose the capacity counters to the status surface.
func (m *Mempool) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Mempool) Bytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}

// Limits returns the configured caps.
func (m *Mempool) Limits() MempoolLimits { return m.limits }
