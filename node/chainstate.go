package node

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/queue"
	"github.com/rs/zerolog"

	"github.com/astram-project/astram-node/consensus"
	"github.com/astram-project/astram-node/node/store"
)

// ErrOrphanBlock marks a block whose parent is unknown; the block was
// parked in the orphan pool and the submitter should request the parent.
var ErrOrphanBlock = errors.New("node: block parent unknown, held as orphan")

// TipEvent is published to subscribers after every tip transition, once the
// transition's write batch is durable. Block is the new tip's body.
type TipEvent struct {
	Hash   consensus.Hash256
	Height uint64
	Block  *consensus.Block
	From   string // peer that delivered the winning block, empty for local
}

// TxEvent is published after a transaction is admitted to the mempool so
// the P2P engine can relay it.
type TxEvent struct {
	Txid consensus.Hash256
	From string // peer that delivered it, empty for local submissions
}

type blockWork struct {
	block *consensus.Block
	from  string
	resp  chan error
}

type txWork struct {
	tx   *consensus.Transaction
	from string
	resp chan error
}

// ChainState is the single chain-writer actor: every mutation of the chain
// store, UTXO set, and mempool-tip reconciliation flows through its Run
// loop, one item at a time. Readers (miner, RPC, P2P handlers) use the
// snapshot accessors, which never block the writer for longer than one
// index lookup.
type ChainState struct {
	log      zerolog.Logger
	db       *store.DB
	orphans  *store.OrphanPool
	mempool  *Mempool
	params   NetworkParams
	opts     store.ApplyOptions
	failures *FailureCounters

	work *queue.ConcurrentQueue

	mu       sync.RWMutex
	tip      store.Manifest
	tipEntry consensus.ChainEntry

	subMu    sync.Mutex
	tipSubs  []chan TipEvent
	txSubs   []chan TxEvent
	quit     chan struct{}
	stopOnce sync.Once
}

func NewChainState(log zerolog.Logger, db *store.DB, mempool *Mempool, params NetworkParams, checkpoints map[uint64]consensus.Hash256) (*ChainState, error) {
	cs := &ChainState{
		log:      ComponentLogger(log, "chainstate"),
		db:       db,
		orphans:  store.NewOrphanPool(),
		mempool:  mempool,
		params:   params,
		opts:     store.ApplyOptions{ChainID: params.ChainID, Checkpoints: checkpoints},
		failures: NewFailureCounters(),
		work:     queue.NewConcurrentQueue(64),
		quit:     make(chan struct{}),
	}
	manifest, has, err := db.Manifest()
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, fmt.Errorf("node: chain not initialized, run InitGenesis first")
	}
	entry, ok, err := db.GetIndex(manifest.TipHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("node: tip %x missing from block index", manifest.TipHash)
	}
	cs.tip = manifest
	cs.tipEntry = entry
	return cs, nil
}

// Start launches the writer loop. Stop drains nothing: queued work is
// abandoned, which is safe because every step is an atomic write batch.
func (cs *ChainState) Start() {
	cs.work.Start()
	go cs.run()
}

func (cs *ChainState) Stop() {
	cs.stopOnce.Do(func() {
		close(cs.quit)
		cs.work.Stop()
	})
}

func (cs *ChainState) run() {
	for {
		select {
		case <-cs.quit:
			return
		case item, ok := <-cs.work.ChanOut():
			if !ok {
				return
			}
			switch w := item.(type) {
			case blockWork:
				w.resp <- cs.processBlock(w.block, w.from)
			case txWork:
				w.resp <- cs.processTx(w.tx, w.from)
			}
		}
	}
}

// SubmitBlock hands a block to the writer and waits for the verdict.
func (cs *ChainState) SubmitBlock(block *consensus.Block, from string) error {
	resp := make(chan error, 1)
	select {
	case cs.work.ChanIn() <- blockWork{block: block, from: from, resp: resp}:
	case <-cs.quit:
		return errors.New("node: chain writer stopped")
	}
	select {
	case err := <-resp:
		return err
	case <-cs.quit:
		return errors.New("node: chain writer stopped")
	}
}

// SubmitTx hands a transaction to the writer for mempool admission.
func (cs *ChainState) SubmitTx(tx *consensus.Transaction, from string) error {
	resp := make(chan error, 1)
	select {
	case cs.work.ChanIn() <- txWork{tx: tx, from: from, resp: resp}:
	case <-cs.quit:
		return errors.New("node: chain writer stopped")
	}
	select {
	case err := <-resp:
		return err
	case <-cs.quit:
		return errors.New("node: chain writer stopped")
	}
}

func (cs *ChainState) processTx(tx *consensus.Transaction, from string) error {
	tip := cs.Tip()
	err := cs.mempool.Admit(tx, cs.db, tip.TipHeight+1, cs.params.ChainID, time.Now())
	if err != nil {
		cs.failures.Count(err)
		return err
	}
	cs.publishTx(TxEvent{Txid: tx.Txid(), From: from})
	return nil
}

func (cs *ChainState) processBlock(block *consensus.Block, from string) error {
	hash := block.Hash()
	if entry, ok, err := cs.db.GetIndex(hash); err != nil {
		return err
	} else if ok {
		if entry.Status == consensus.StatusInvalid {
			return &consensus.ConsensusError{Code: consensus.ErrSecurityConstraint, Msg: "block already marked invalid"}
		}
		return nil // duplicate
	}

	if err := consensus.ValidateHeaderTimeliness(&block.Header, time.Now().Unix()); err != nil {
		cs.failures.Count(err)
		return err
	}

	parentEntry, parentKnown, err := cs.db.GetIndex(block.Header.PrevHash)
	if err != nil {
		return err
	}
	if !parentKnown {
		cs.orphans.Add(block, time.Now())
		cs.log.Debug().Hex("hash", hash[:]).Hex("parent", block.Header.PrevHash[:]).Msg("parked orphan block")
		return ErrOrphanBlock
	}
	if parentEntry.Status == consensus.StatusInvalid {
		err := &consensus.ConsensusError{Code: consensus.ErrPreviousNotFound, Msg: "parent is invalid"}
		cs.failures.Count(err)
		return err
	}

	if err := cs.connectOrPark(block, parentEntry, from); err != nil {
		return err
	}

	// A newly indexed block may be the parent some orphans were waiting
	// for; promote them in arrival order (their own parents connect first).
	for _, child := range cs.orphans.TakeChildren(hash) {
		if err := cs.processBlock(child, ""); err != nil && !errors.Is(err, ErrOrphanBlock) {
			cs.log.Debug().Err(err).Msg("promoted orphan rejected")
		}
	}
	return nil
}

// connectOrPark either extends the active tip, or stores the block on a
// side branch and reorganizes if that branch now carries more work.
func (cs *ChainState) connectOrPark(block *consensus.Block, parent consensus.ChainEntry, from string) error {
	hash := block.Hash()
	tip := cs.Tip()

	if block.Header.PrevHash == tip.TipHash {
		if err := cs.db.ApplyBlockAsNewTip(block, cs.opts); err != nil {
			cs.failures.Count(err)
			cs.markInvalid(hash, block.Header, parent)
			return err
		}
		cs.afterTipChange(block, hash, parent.Height+1, nil, from)
		return nil
	}

	// Side branch: check the header against its own ancestor line, store
	// the body, and index it with its cumulative work. Full transaction
	// validation happens only if the branch wins and its blocks connect.
	height := parent.Height + 1
	ctx, err := cs.sideChainContext(&parent, height)
	if err != nil {
		return err
	}
	if err := consensus.ValidateHeader(&block.Header, height, ctx); err != nil {
		cs.failures.Count(err)
		cs.markInvalid(hash, block.Header, parent)
		return err
	}
	entry := consensus.ChainEntry{
		Header:         block.Header,
		CumulativeWork: consensus.AccumulateWork(parent.CumulativeWork, block.Header.Difficulty),
		Height:         height,
		Status:         consensus.StatusValid,
	}
	if err := cs.db.PutBlockBytes(hash, consensus.EncodeBlock(block)); err != nil {
		return err
	}
	if err := cs.db.PutHeader(hash, block.Header); err != nil {
		return err
	}
	if err := cs.db.PutIndex(hash, entry); err != nil {
		return err
	}

	tipEntry := cs.TipEntry()
	if entry.CumulativeWork.Cmp(tipEntry.CumulativeWork) <= 0 {
		cs.log.Debug().Hex("hash", hash[:]).Uint64("height", height).Msg("stored side-branch block")
		return nil
	}
	return cs.reorgTo(hash, entry, block, from)
}

func (cs *ChainState) reorgTo(newTip consensus.Hash256, entry consensus.ChainEntry, newTipBlock *consensus.Block, from string) error {
	old := cs.Tip()
	fork, err := cs.db.ForkPoint(old.TipHash, newTip)
	if err != nil {
		return err
	}
	disconnected, err := cs.db.BlocksBetween(fork, old.TipHash)
	if err != nil {
		return err
	}

	err = cs.db.ReorgToTip(newTip, cs.opts, func(depth uint64, oldTip, nt consensus.Hash256) {
		cs.log.Error().Uint64("depth", depth).
			Hex("old_tip", oldTip[:]).Hex("new_tip", nt[:]).
			Msg("CRITICAL: deep reorganization in progress")
	})
	if err != nil {
		// A refused or failed reorg leaves the store back on the old tip
		// (ReorgToTip restores the original chain on a mid-connect
		// failure), so the cached tip and every reader snapshot stay
		// consistent without further action here.
		switch {
		case errors.Is(err, store.ErrReorgCrossesCheckpoint):
			cs.failures.Count(&consensus.ConsensusError{Code: consensus.ErrCheckpointViolation, Msg: err.Error()})
		case errors.Is(err, store.ErrReorgTooDeep):
			cs.failures.Count(&consensus.ConsensusError{Code: consensus.ErrReorgTooDeep, Msg: err.Error()})
		default:
			cs.failures.Count(err)
		}
		cs.log.Warn().Err(err).Hex("candidate", newTip[:]).Msg("reorganization abandoned, original chain kept")
		return err
	}

	// Offer the losing branch's transactions back to the mempool after the
	// winning branch's confirmations have been reconciled; admission rules
	// silently drop anything now confirmed or conflicted.
	connected, err := cs.db.BlocksBetween(fork, newTip)
	if err == nil {
		for _, b := range connected {
			cs.mempool.RemoveConfirmed(b)
		}
	}
	for _, b := range disconnected {
		for _, tx := range b.Txs[1:] {
			if admitErr := cs.mempool.Admit(tx, cs.db, entry.Height+1, cs.params.ChainID, time.Now()); admitErr != nil {
				cs.log.Debug().Err(admitErr).Msg("disconnected tx not re-admitted")
			}
		}
	}

	cs.afterTipChange(newTipBlock, newTip, entry.Height, disconnected, from)
	cs.log.Info().Hex("new_tip", newTip[:]).Uint64("height", entry.Height).
		Int("disconnected", len(disconnected)).Msg("chain reorganized")
	return nil
}

// afterTipChange refreshes the cached tip and notifies subscribers; called
// only from the writer loop, after the transition is durable.
func (cs *ChainState) afterTipChange(block *consensus.Block, hash consensus.Hash256, height uint64, disconnected []*consensus.Block, from string) {
	entry, ok, err := cs.db.GetIndex(hash)
	if err != nil || !ok {
		cs.log.Error().Err(err).Msg("tip entry unreadable after connect")
		return
	}
	cs.mu.Lock()
	cs.tip = store.Manifest{TipHash: hash, TipHeight: height}
	cs.tipEntry = entry
	cs.mu.Unlock()

	if disconnected == nil {
		cs.mempool.RemoveConfirmed(block)
	}
	cs.publishTip(TipEvent{Hash: hash, Height: height, Block: block, From: from})
	cs.log.Info().Hex("hash", hash[:]).Uint64("height", height).
		Uint32("difficulty", block.Header.Difficulty).Int("txs", len(block.Txs)).
		Msg("new tip")
}

func (cs *ChainState) markInvalid(hash consensus.Hash256, header consensus.BlockHeader, parent consensus.ChainEntry) {
	entry := consensus.ChainEntry{
		Header:         header,
		CumulativeWork: parent.CumulativeWork,
		Height:         parent.Height + 1,
		Status:         consensus.StatusInvalid,
	}
	if err := cs.db.PutIndex(hash, entry); err != nil {
		cs.log.Error().Err(err).Msg("failed to record invalid block")
	}
}

// sideChainContext assembles the validation context for a block whose
// ancestor line may diverge from the active chain, by walking PrevHash
// links through the block index instead of the height index.
func (cs *ChainState) sideChainContext(parent *consensus.ChainEntry, height uint64) (*consensus.AncestorContext, error) {
	ctx := &consensus.AncestorContext{
		Parent:       parent,
		ParentHeight: parent.Height,
		Checkpoints:  cs.opts.Checkpoints,
	}
	window := consensus.MTPWindow
	if int(parent.Height)+1 < window {
		window = int(parent.Height) + 1
	}
	onRetarget := height%consensus.RetargetInterval == 0 && height >= consensus.RetargetInterval
	walkBack := uint64(window)
	if onRetarget && consensus.RetargetInterval > walkBack {
		walkBack = consensus.RetargetInterval
	}

	timestamps := make([]int64, 0, window)
	cur := *parent
	for i := uint64(0); ; i++ {
		if i < uint64(window) {
			timestamps = append([]int64{cur.Header.Timestamp}, timestamps...)
		}
		if onRetarget && cur.Height == height-consensus.RetargetInterval {
			ctx.RetargetWindowStart = cur.Header.Timestamp
		}
		if cur.Height == 0 || i+1 >= walkBack {
			break
		}
		next, ok, err := cs.db.GetIndex(cur.Header.PrevHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		cur = next
	}
	ctx.MTPTimestamps = timestamps
	return ctx, nil
}

// Tip returns the current manifest snapshot.
func (cs *ChainState) Tip() store.Manifest {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.tip
}

// TipEntry returns the current tip's full index entry.
func (cs *ChainState) TipEntry() consensus.ChainEntry {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.tipEntry
}

// DB exposes the read-only store surface for P2P handlers and the miner.
func (cs *ChainState) DB() *store.DB { return cs.db }

// Mempool exposes the mempool's snapshot surface.
func (cs *ChainState) Mempool() *Mempool { return cs.mempool }

// Failures exposes the rejection counters for the status surface.
func (cs *ChainState) Failures() *FailureCounters { return cs.failures }

// Params returns the network identity the writer enforces.
func (cs *ChainState) Params() NetworkParams { return cs.params }

// SubscribeTips registers a tip-change channel. Channels are buffered by
// the caller; a slow subscriber drops events rather than blocking the
// writer.
func (cs *ChainState) SubscribeTips(buf int) <-chan TipEvent {
	ch := make(chan TipEvent, buf)
	cs.subMu.Lock()
	cs.tipSubs = append(cs.tipSubs, ch)
	cs.subMu.Unlock()
	return ch
}

// SubscribeTxs registers a tx-admission channel with the same drop policy.
func (cs *ChainState) SubscribeTxs(buf int) <-chan TxEvent {
	ch := make(chan TxEvent, buf)
	cs.subMu.Lock()
	cs.txSubs = append(cs.txSubs, ch)
	cs.subMu.Unlock()
	return ch
}

func (cs *ChainState) publishTip(ev TipEvent) {
	cs.subMu.Lock()
	defer cs.subMu.Unlock()
	for _, ch := range cs.tipSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (cs *ChainState) publishTx(ev TxEvent) {
	cs.subMu.Lock()
	defer cs.subMu.Unlock()
	for _, ch := range cs.txSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// NextBlockContext returns everything a miner needs to build a template on
// the current tip: next height, parent hash, the difficulty the next block
// must carry, and the MTP floor its timestamp must exceed.
func (cs *ChainState) NextBlockContext() (height uint64, prev consensus.Hash256, difficulty uint32, mtpFloor int64, err error) {
	tip := cs.TipEntry()
	tipHash := cs.Tip().TipHash
	height = tip.Height + 1

	window := consensus.MTPWindow
	if int(tip.Height)+1 < window {
		window = int(tip.Height) + 1
	}
	timestamps := make([]int64, 0, window)
	h := tip.Height
	for i := 0; i < window; i++ {
		hash, ok, gerr := cs.db.GetHeightHash(h)
		if gerr != nil || !ok {
			break
		}
		hdr, ok, gerr := cs.db.GetHeader(hash)
		if gerr != nil || !ok {
			break
		}
		timestamps = append([]int64{hdr.Timestamp}, timestamps...)
		if h == 0 {
			break
		}
		h--
	}
	mtpFloor = consensus.MedianTimePast(consensus.MTPWindowFor(timestamps, height))

	var windowStart int64
	if height%consensus.RetargetInterval == 0 && height >= consensus.RetargetInterval {
		if startHash, ok, gerr := cs.db.GetHeightHash(height - consensus.RetargetInterval); gerr == nil && ok {
			if startHdr, ok, gerr := cs.db.GetHeader(startHash); gerr == nil && ok {
				windowStart = startHdr.Timestamp
			}
		}
	}
	difficulty = consensus.ExpectedDifficulty(height, tip.Header.Difficulty, windowStart, tip.Header.Timestamp)
	return height, tipHash, difficulty, mtpFloor, nil
}
