package node

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/rs/zerolog"

	"github.com/astram-project/astram-node/consensus"
)

// MinerConfig tunes the mining driver.
type MinerConfig struct {
	Backend string // "cpu" | "cuda"
	Threads int
	Address consensus.Address

	// BatchSize bounds preemption latency: running batches observe a
	// cancelled epoch only at batch boundaries and inner check intervals.
	BatchSize uint64

	// Debounce coalesces mempool updates so a burst of incoming
	// transactions rebuilds the template once, not per transaction.
	Debounce time.Duration

	MaxBlockBytes int
	MaxTxPerBlock int
}

func DefaultMinerConfig(addr consensus.Address) MinerConfig {
	return MinerConfig{
		Backend:       "cpu",
		Address:       addr,
		BatchSize:     1 << 20,
		Debounce:      500 * time.Millisecond,
		MaxBlockBytes: 900_000,
		MaxTxPerBlock: 2_000,
	}
}

// Miner drives a SearchBackend against a live template: it is the single
// producer of templates and scheduler of nonce ranges. On every tip change
// or debounced mempool update it bumps the template epoch, cancelling the
// in-flight search.
type Miner struct {
	log     zerolog.Logger
	cs      *ChainState
	backend SearchBackend
	cfg     MinerConfig

	// epoch counts template generations; exported through Epoch for the
	// status surface and tests.
	epoch atomic.Uint64

	// tkr drives the mempool-update debounce window; NewMiner creates it
	// with ticker.New(cfg.Debounce).
	tkr ticker.Ticker
}

func NewMiner(log zerolog.Logger, cs *ChainState, cfg MinerConfig) (*Miner, error) {
	if cs == nil {
		return nil, errors.New("node: miner needs a chain state")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1 << 20
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.MaxBlockBytes <= 0 {
		cfg.MaxBlockBytes = 900_000
	}
	if cfg.MaxTxPerBlock <= 0 {
		cfg.MaxTxPerBlock = 2_000
	}
	backend, err := NewSearchBackend(cfg.Backend, cfg.Threads)
	if err != nil {
		return nil, err
	}
	return &Miner{
		log:     ComponentLogger(log, "miner"),
		cs:      cs,
		backend: backend,
		cfg:     cfg,
		tkr:     ticker.New(cfg.Debounce),
	}, nil
}

// Epoch returns the current template generation.
func (m *Miner) Epoch() uint64 { return m.epoch.Load() }

// Run mines until ctx is cancelled. Each found block is submitted through
// the chain writer like any network block; rejection (a race with a
// network block at the same height) just rebuilds the template.
func (m *Miner) Run(ctx context.Context) error {
	tips := m.cs.SubscribeTips(8)
	txs := m.cs.SubscribeTxs(256)
	m.tkr.Resume()
	defer m.tkr.Stop()

	m.log.Info().Str("backend", m.backend.Name()).Msg("miner started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.epoch.Add(1)
		block, err := m.buildTemplate()
		if err != nil {
			m.log.Error().Err(err).Msg("template build failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		searchCtx, preempt := context.WithCancel(ctx)
		go m.watchPreemption(searchCtx, preempt, tips, txs)
		solved, err := m.solve(searchCtx, block)
		preempt()
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() == nil {
				continue // preempted: rebuild on the new tip/mempool
			}
			return err
		}
		if submitErr := m.cs.SubmitBlock(solved, ""); submitErr != nil {
			m.log.Debug().Err(submitErr).Msg("mined block rejected, rebuilding")
			continue
		}
		hash := solved.Hash()
		m.log.Info().Hex("hash", hash[:]).Uint64("nonce", solved.Header.Nonce).
			Int("txs", len(solved.Txs)).Msg("block mined")
	}
}

// watchPreemption cancels the running search on a tip change immediately,
// or on a mempool update once the debounce window ticks.
func (m *Miner) watchPreemption(ctx context.Context, preempt context.CancelFunc, tips <-chan TipEvent, txs <-chan TxEvent) {
	dirty := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-tips:
			preempt()
			return
		case <-txs:
			dirty = true
		case <-m.tkr.Ticks():
			if dirty {
				preempt()
				return
			}
		}
	}
}

// solve iterates nonce batches over the template until the backend finds a
// winner or the context is cancelled.
func (m *Miner) solve(ctx context.Context, block *consensus.Block) (*consensus.Block, error) {
	headerBytes := consensus.EncodeBlockHeader(&block.Header)
	prefix := headerBytes[:len(headerBytes)-8] // nonce is the trailing u64
	target := consensus.Target(block.Header.Difficulty)

	start := uint64(0)
	for {
		res, err := m.backend.Search(ctx, SearchJob{
			Prefix:     prefix,
			StartNonce: start,
			Count:      m.cfg.BatchSize,
			Target:     target,
		})
		if err != nil {
			return nil, err
		}
		if res != nil {
			block.Header.Nonce = res.Nonce
			return block, nil
		}
		start += m.cfg.BatchSize
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// buildTemplate assembles the next block on the current tip: expected
// difficulty, timestamp max(now, MTP+1), coinbase paying subsidy plus the
// fees of the selected transactions, then mempool transactions by fee rate
// within the block limits, respecting in-mempool dependencies.
func (m *Miner) buildTemplate() (*consensus.Block, error) {
	height, prev, difficulty, mtpFloor, err := m.cs.NextBlockContext()
	if err != nil {
		return nil, err
	}
	timestamp := time.Now().Unix()
	if timestamp <= mtpFloor {
		timestamp = mtpFloor + 1
	}

	selected, totalFees := m.selectTransactions()
	reward, err := consensus.AddValue(consensus.BlockSubsidy(height), totalFees)
	if err != nil {
		return nil, err
	}
	coinbase := &consensus.Transaction{
		Version: 1,
		Inputs: []consensus.TxInput{{
			Prev:            consensus.OutPoint{Txid: consensus.CoinbaseTxid, Index: consensus.CoinbaseVout},
			SignatureScript: consensus.EncodeHeightScript(height),
		}},
		Outputs: []consensus.TxOutput{{
			Value:     reward,
			Recipient: m.cfg.Address,
		}},
	}
	block := &consensus.Block{
		Header: consensus.BlockHeader{
			Version:    1,
			PrevHash:   prev,
			Timestamp:  timestamp,
			Difficulty: difficulty,
		},
		Txs: append([]*consensus.Transaction{coinbase}, selected...),
	}
	root, err := block.MerkleRoot()
	if err != nil {
		return nil, err
	}
	block.Header.MerkleRoot = root
	return block, nil
}

// selectTransactions walks the fee-rate snapshot, deferring transactions
// whose in-mempool parents are not selected yet; after each selection that
// follows a deferral the walk restarts from the top so a deferred child is
// taken right after its parent. It stops when a block limit is hit.
func (m *Miner) selectTransactions() ([]*consensus.Transaction, uint64) {
	entries := m.cs.Mempool().SnapshotByFeeRate()
	selected := make([]*consensus.Transaction, 0, len(entries))
	inBlock := make(map[consensus.Hash256]struct{}, len(entries))
	var totalFees uint64
	blockBytes := consensus.BlockHeaderBytes + 128 // header + coinbase estimate

	deferred := false
	for i := 0; i < len(entries); i++ {
		e := entries[i]
		if _, done := inBlock[e.Txid]; done {
			continue
		}
		if len(selected) >= m.cfg.MaxTxPerBlock || blockBytes+e.Size > m.cfg.MaxBlockBytes {
			break
		}
		dependsOnUnselected := false
		for _, in := range e.Tx.Inputs {
			if m.cs.Mempool().Contains(in.Prev.Txid) {
				if _, ok := inBlock[in.Prev.Txid]; !ok {
					dependsOnUnselected = true
					break
				}
			}
		}
		if dependsOnUnselected {
			deferred = true
			continue
		}
		sum, err := consensus.AddValue(totalFees, e.Fee)
		if err != nil {
			break // adding this fee would overflow the value range
		}
		selected = append(selected, e.Tx)
		inBlock[e.Txid] = struct{}{}
		totalFees = sum
		blockBytes += e.Size
		if deferred {
			deferred = false
			i = -1 // a deferred child may now have all its parents in the block
		}
	}
	return selected, totalFees
}
