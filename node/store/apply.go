package store

import (
	"fmt"

	"github.com/astram-project/astram-node/consensus"
	bolt "go.etcd.io/bbolt"
)

// ApplyOptions carries the external context ValidateHeader/ValidateBlock
// need beyond what the DB itself stores.
type ApplyOptions struct {
	ChainID     uint32
	Checkpoints map[uint64]consensus.Hash256
}

// ApplyBlockAsNewTip validates block against the current tip and, if valid,
// connects it: every spent UTXO is removed, every new output is created, the
// undo log is written, the block index and height index are updated, and
// the manifest advances to the new tip. All of this happens as one bbolt
// transaction, so a crash mid-apply leaves state exactly as it was before
// the call.
func (d *DB) ApplyBlockAsNewTip(block *consensus.Block, opts ApplyOptions) error {
	manifest, hasManifest, err := d.Manifest()
	if err != nil {
		return err
	}
	if hasManifest && block.Header.PrevHash != manifest.TipHash {
		return fmt.Errorf("store: block does not extend current tip")
	}

	var parent *consensus.ChainEntry
	var height uint64
	if hasManifest {
		p, ok, err := d.GetIndex(manifest.TipHash)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("store: tip missing from index")
		}
		parent = &p
		height = p.Height + 1
	}

	ctx, err := d.ancestorContext(parent, height, opts.Checkpoints)
	if err != nil {
		return err
	}

	if err := consensus.ValidateBlock(block, height, ctx, d, opts.ChainID); err != nil {
		return err
	}

	undo, created, err := computeUndo(block, height, d)
	if err != nil {
		return err
	}

	blockHash := block.Hash()
	parentWork := consensus.ZeroU256()
	if parent != nil {
		parentWork = parent.CumulativeWork
	}
	entry := consensus.ChainEntry{
		Header:         block.Header,
		CumulativeWork: consensus.AccumulateWork(parentWork, block.Header.Difficulty),
		Height:         height,
		Status:         consensus.StatusValid,
	}

	err = d.bdb.Update(func(tx *bolt.Tx) error {
		bu := tx.Bucket(bucketUTXO)
		for _, s := range undo.Spent {
			if err := bu.Delete(outpointKey(s.OutPoint)); err != nil {
				return err
			}
		}
		for _, c := range created {
			if err := bu.Put(outpointKey(c.op), encodeUtxoEntry(c.entry)); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketUndo).Put(blockHash[:], mustEncodeUndo(undo)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketIndex).Put(blockHash[:], encodeIndexEntry(entry)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketHeight).Put(heightKey(height), blockHash[:]); err != nil {
			return err
		}
		if err := tx.Bucket(bucketHeaders).Put(blockHash[:], consensus.EncodeBlockHeader(&block.Header)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBlocks).Put(blockHash[:], consensus.EncodeBlock(block)); err != nil {
			return err
		}
		return d.setManifestTx(tx, Manifest{TipHash: blockHash, TipHeight: height})
	})
	return err
}

type createdUTXO struct {
	op    consensus.OutPoint
	entry consensus.UtxoEntry
}

// computeUndo resolves every non-coinbase input's prior entry (for the undo
// log) and builds the set of new outputs the block creates.
func computeUndo(block *consensus.Block, height uint64, view consensus.UtxoView) (UndoRecord, []createdUTXO, error) {
	var undo UndoRecord
	var created []createdUTXO
	for txIdx, tx := range block.Txs {
		txid := tx.Txid()
		if !tx.IsCoinbase() {
			for _, in := range tx.Inputs {
				entry, ok := view.GetUTXO(in.Prev)
				if !ok {
					return undo, nil, fmt.Errorf("store: spent input missing from utxo set")
				}
				undo.Spent = append(undo.Spent, UndoSpent{OutPoint: in.Prev, Restored: *entry})
			}
		}
		for outIdx, out := range tx.Outputs {
			op := consensus.OutPoint{Txid: txid, Index: uint32(outIdx)}
			created = append(created, createdUTXO{op: op, entry: consensus.UtxoEntry{
				Value:       out.Value,
				Recipient:   out.Recipient,
				BlockHeight: height,
				IsCoinbase:  txIdx == 0,
			}})
			undo.Created = append(undo.Created, op)
		}
	}
	return undo, created, nil
}

func mustEncodeUndo(u UndoRecord) []byte {
	b, err := encodeUndoRecord(u)
	if err != nil {
		// encodeUndoRecord only fails above 2^32 entries, unreachable given
		// MaxTxInputs/MaxTxOutputs caps enforced before a block reaches here.
		panic(err)
	}
	return b
}

// ancestorContext assembles the validation context for a block at height,
// walking back the height index for the MTP window and (on a retarget
// boundary) the interval start timestamp.
func (d *DB) ancestorContext(parent *consensus.ChainEntry, height uint64, checkpoints map[uint64]consensus.Hash256) (*consensus.AncestorContext, error) {
	ctx := &consensus.AncestorContext{Parent: parent, Checkpoints: checkpoints}
	if parent == nil {
		return ctx, nil
	}
	ctx.ParentHeight = parent.Height
	window := consensus.MTPWindow
	if int(parent.Height)+1 < window {
		window = int(parent.Height) + 1
	}
	timestamps := make([]int64, 0, window)
	h := parent.Height
	for i := 0; i < window; i++ {
		hash, ok, err := d.GetHeightHash(h)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		hdr, ok, err := d.GetHeader(hash)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		timestamps = append([]int64{hdr.Timestamp}, timestamps...)
		if h == 0 {
			break
		}
		h--
	}
	ctx.MTPTimestamps = timestamps

	if height%consensus.RetargetInterval == 0 && height > 0 {
		startHeight := uint64(0)
		if height >= consensus.RetargetInterval {
			startHeight = height - consensus.RetargetInterval
		}
		if startHash, ok, err := d.GetHeightHash(startHeight); err == nil && ok {
			if startHdr, ok, err := d.GetHeader(startHash); err == nil && ok {
				ctx.RetargetWindowStart = startHdr.Timestamp
			}
		}
	}
	return ctx, nil
}
