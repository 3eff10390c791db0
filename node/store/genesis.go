package store

import (
	"fmt"

	"github.com/astram-project/astram-node/consensus"
	bolt "go.etcd.io/bbolt"
)

// InitGenesis writes the genesis block directly, bypassing
// ApplyBlockAsNewTip's "extends current tip" check and PoW/ancestor
// validation. It refuses to run if a manifest already exists.
func (d *DB) InitGenesis(genesis *consensus.Block) error {
	if _, has, err := d.Manifest(); err != nil {
		return err
	} else if has {
		return fmt.Errorf("store: chain already initialized")
	}
	root, err := genesis.MerkleRoot()
	if err != nil {
		return err
	}
	if root != genesis.Header.MerkleRoot {
		return fmt.Errorf("store: genesis merkle root mismatch")
	}
	hash := genesis.Hash()
	entry := consensus.ChainEntry{
		Header:         genesis.Header,
		CumulativeWork: consensus.WorkForDifficulty(genesis.Header.Difficulty),
		Height:         0,
		Status:         consensus.StatusValid,
	}
	return d.bdb.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketHeaders).Put(hash[:], consensus.EncodeBlockHeader(&genesis.Header)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBlocks).Put(hash[:], consensus.EncodeBlock(genesis)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketIndex).Put(hash[:], encodeIndexEntry(entry)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketHeight).Put(heightKey(0), hash[:]); err != nil {
			return err
		}
		for txIdx, txn := range genesis.Txs {
			txid := txn.Txid()
			for outIdx, out := range txn.Outputs {
				op := consensus.OutPoint{Txid: txid, Index: uint32(outIdx)}
				entry := consensus.UtxoEntry{Value: out.Value, Recipient: out.Recipient, BlockHeight: 0, IsCoinbase: txIdx == 0}
				if err := tx.Bucket(bucketUTXO).Put(outpointKey(op), encodeUtxoEntry(entry)); err != nil {
					return err
				}
			}
		}
		return d.setManifestTx(tx, Manifest{TipHash: hash, TipHeight: 0})
	})
}
