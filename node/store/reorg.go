package store

import (
	"errors"
	"fmt"

	"github.com/astram-project/astram-node/consensus"
	bolt "go.etcd.io/bbolt"
)

// Typed refusals so the chain writer can count them under the right policy
// category.
var (
	ErrReorgTooDeep           = errors.New("store: reorg exceeds maximum depth")
	ErrReorgCrossesCheckpoint = errors.New("store: reorg would cross a checkpoint")
)

// MaxReorgDepth bounds how many blocks may be disconnected in a single
// reorg; a candidate requiring a deeper reorg is refused outright.
const MaxReorgDepth = 100

// CriticalReorgDepth is the depth past which a reorg, while still allowed,
// is logged as a critical event (possible deep chain split or attack).
const CriticalReorgDepth = 50

// ReorgCriticalFunc is invoked once a reorg's depth exceeds
// CriticalReorgDepth, before any disconnection happens, so the caller can
// log/alert before the switch takes effect. A nil func is fine; the reorg
// proceeds regardless of whether a handler is installed.
type ReorgCriticalFunc func(depth uint64, oldTip, newTip consensus.Hash256)

// findForkPoint returns the common ancestor hash of a and b: walk the
// deeper chain back to equal height, then both back until they meet.
func (d *DB) findForkPoint(a, b consensus.Hash256) (consensus.Hash256, error) {
	ea, ok, err := d.GetIndex(a)
	if err != nil {
		return consensus.Hash256{}, err
	}
	if !ok {
		return consensus.Hash256{}, fmt.Errorf("store: index missing for %x", a)
	}
	eb, ok, err := d.GetIndex(b)
	if err != nil {
		return consensus.Hash256{}, err
	}
	if !ok {
		return consensus.Hash256{}, fmt.Errorf("store: index missing for %x", b)
	}
	for ea.Height > eb.Height {
		a = ea.Header.PrevHash
		ea, ok, err = d.GetIndex(a)
		if err != nil || !ok {
			return consensus.Hash256{}, fmt.Errorf("store: index missing while walking back")
		}
	}
	for eb.Height > ea.Height {
		b = eb.Header.PrevHash
		eb, ok, err = d.GetIndex(b)
		if err != nil || !ok {
			return consensus.Hash256{}, fmt.Errorf("store: index missing while walking back")
		}
	}
	for a != b {
		a = ea.Header.PrevHash
		b = eb.Header.PrevHash
		ea, ok, err = d.GetIndex(a)
		if err != nil || !ok {
			return consensus.Hash256{}, fmt.Errorf("store: index missing while walking back")
		}
		eb, ok, err = d.GetIndex(b)
		if err != nil || !ok {
			return consensus.Hash256{}, fmt.Errorf("store: index missing while walking back")
		}
	}
	return a, nil
}

// pathFromAncestor returns the hashes strictly between ancestor and tip,
// ordered ascending by height (ancestor's child first, tip last).
func (d *DB) pathFromAncestor(ancestor, tip consensus.Hash256) ([]consensus.Hash256, error) {
	var out []consensus.Hash256
	cur := tip
	for cur != ancestor {
		out = append(out, cur)
		idx, ok, err := d.GetIndex(cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("store: index missing while tracing path")
		}
		cur = idx.Header.PrevHash
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ForkPoint exposes the common-ancestor computation so the chain writer can
// collect the to-be-disconnected branch (for mempool re-admission) before
// committing to a reorg.
func (d *DB) ForkPoint(a, b consensus.Hash256) (consensus.Hash256, error) {
	return d.findForkPoint(a, b)
}

// BlocksBetween returns the decoded block bodies strictly between ancestor
// and tip, ascending by height.
func (d *DB) BlocksBetween(ancestor, tip consensus.Hash256) ([]*consensus.Block, error) {
	path, err := d.pathFromAncestor(ancestor, tip)
	if err != nil {
		return nil, err
	}
	out := make([]*consensus.Block, 0, len(path))
	for _, hash := range path {
		raw, ok, err := d.GetBlockBytes(hash)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("store: block body missing for %x", hash)
		}
		block, err := consensus.DecodeBlock(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, block)
	}
	return out, nil
}

// disconnectToFork replays undo records from the current manifest tip back
// to fork, one committed write batch per block.
func (d *DB) disconnectToFork(fork consensus.Hash256) error {
	manifest, has, err := d.Manifest()
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("store: chain not initialized")
	}
	cur := manifest.TipHash
	for cur != fork {
		idx, ok, err := d.GetIndex(cur)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("store: index missing for %x", cur)
		}
		undo, ok, err := d.GetUndo(cur)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("store: undo record missing for %x", cur)
		}
		if err := d.bdb.Update(func(tx *bolt.Tx) error {
			bu := tx.Bucket(bucketUTXO)
			for _, c := range undo.Created {
				if err := bu.Delete(outpointKey(c)); err != nil {
					return err
				}
			}
			for _, s := range undo.Spent {
				if err := bu.Put(outpointKey(s.OutPoint), encodeUtxoEntry(s.Restored)); err != nil {
					return err
				}
			}
			return d.setManifestTx(tx, Manifest{TipHash: idx.Header.PrevHash, TipHeight: idx.Height - 1})
		}); err != nil {
			return err
		}
		cur = idx.Header.PrevHash
	}
	return nil
}

// connectPath applies stored block bodies tip-ward in order. On failure the
// offending block is marked invalid and the error returned; blocks already
// connected by this call stay connected (the caller compensates).
func (d *DB) connectPath(path []consensus.Hash256, opts ApplyOptions) error {
	for _, hash := range path {
		blockBytes, ok, err := d.GetBlockBytes(hash)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("store: block body missing for %x", hash)
		}
		block, err := consensus.DecodeBlock(blockBytes)
		if err != nil {
			return err
		}
		if err := d.ApplyBlockAsNewTip(block, opts); err != nil {
			idx, ok, _ := d.GetIndex(hash)
			if ok {
				idx.Status = consensus.StatusInvalid
				_ = d.PutIndex(hash, idx)
			}
			return err
		}
	}
	return nil
}

// ReorgToTip switches the active tip from the current manifest tip to
// newTip: disconnects blocks back to the common ancestor (replaying each
// block's undo record), then connects the new branch's blocks in order
// (re-validating each, since a competing branch's bodies were stored but
// never applied). Refuses reorgs deeper than MaxReorgDepth and reorgs that
// would cross a checkpoint-pinned height.
//
// If any connect step fails, the already-connected prefix of the new
// branch is disconnected again and the original chain is reconnected from
// its stored bodies, so the store always lands on either the old tip or
// the new tip. A failure during that restoration itself leaves no safe tip
// to report and is returned as a storage-fatal error.
func (d *DB) ReorgToTip(newTip consensus.Hash256, opts ApplyOptions, onCritical ReorgCriticalFunc) error {
	manifest, has, err := d.Manifest()
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("store: chain not initialized")
	}
	if manifest.TipHash == newTip {
		return nil
	}

	fork, err := d.findForkPoint(manifest.TipHash, newTip)
	if err != nil {
		return err
	}
	forkEntry, ok, err := d.GetIndex(fork)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("store: fork point missing from index")
	}
	depth := manifest.TipHeight - forkEntry.Height
	if depth > MaxReorgDepth {
		return fmt.Errorf("%w: depth %d > %d", ErrReorgTooDeep, depth, MaxReorgDepth)
	}
	for height := range opts.Checkpoints {
		if height > forkEntry.Height && height <= manifest.TipHeight {
			return fmt.Errorf("%w: height %d", ErrReorgCrossesCheckpoint, height)
		}
	}
	if depth > CriticalReorgDepth && onCritical != nil {
		onCritical(depth, manifest.TipHash, newTip)
	}

	// Record the old branch before touching anything; its bodies and undo
	// records stay in place and are what restoration replays.
	oldPath, err := d.pathFromAncestor(fork, manifest.TipHash)
	if err != nil {
		return err
	}
	newPath, err := d.pathFromAncestor(fork, newTip)
	if err != nil {
		return err
	}

	if err := d.disconnectToFork(fork); err != nil {
		return err
	}
	connectErr := d.connectPath(newPath, opts)
	if connectErr == nil {
		return nil
	}

	// The new branch failed full validation mid-connect. Unwind whatever
	// prefix connected, then reconnect the original chain; it validated
	// once against this same ancestor state, so replay must succeed.
	if err := d.disconnectToFork(fork); err != nil {
		return fmt.Errorf("store: reorg restore failed while unwinding: %w", err)
	}
	if err := d.connectPath(oldPath, opts); err != nil {
		return fmt.Errorf("store: reorg restore failed while reconnecting: %w", err)
	}
	return connectErr
}
