// Package store persists block headers, bodies, the chain index, the UTXO
// set, and undo log in a single bbolt database per network: one bucket per
// concern, explicit bucket-scoped transactions, and a small tip manifest
// separate from the block index.
package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/astram-project/astram-node/consensus"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketHeaders = []byte("headers_by_hash")
	bucketBlocks  = []byte("blocks_by_hash")
	bucketIndex   = []byte("index_by_hash")
	bucketHeight  = []byte("hash_by_height")
	bucketUTXO    = []byte("utxo_by_outpoint")
	bucketUndo    = []byte("undo_by_hash")
	bucketMeta    = []byte("meta")
)

const manifestKey = "tip_manifest"

// Manifest is the small pointer record identifying the active tip. The rest
// of chain state (index, UTXO, undo log) is derived and reconstructible
// from the blocks themselves; the manifest is the one thing that must be
// updated atomically with every tip change.
type Manifest struct {
	TipHash   consensus.Hash256 `json:"tip_hash"`
	TipHeight uint64            `json:"tip_height"`
}

// DB wraps a bbolt database holding one network's chain state.
type DB struct {
	dir    string
	bdb    *bolt.DB
	blocks *blockCache
}

// Open creates (if needed) and opens the bbolt database for network under
// datadir, creating every bucket this package uses.
func Open(datadir, network string) (*DB, error) {
	if datadir == "" {
		return nil, fmt.Errorf("store: datadir required")
	}
	dir := ChainDir(datadir, network)
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "chain.db")
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt: %w", err)
	}
	d := &DB{dir: dir, bdb: bdb, blocks: newBlockCache()}
	if err := d.bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketHeaders, bucketBlocks, bucketIndex, bucketHeight, bucketUTXO, bucketUndo, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	if d == nil || d.bdb == nil {
		return nil
	}
	return d.bdb.Close()
}

func (d *DB) Dir() string { return d.dir }

// Manifest returns the persisted tip pointer, or (Manifest{}, false) if the
// chain has not been initialized with a genesis block yet.
func (d *DB) Manifest() (Manifest, bool, error) {
	var m Manifest
	var found bool
	err := d.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(manifestKey))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &m)
	})
	return m, found, err
}

func (d *DB) setManifestTx(tx *bolt.Tx, m Manifest) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMeta).Put([]byte(manifestKey), b)
}

// PutHeader stores a decoded block header under its hash.
func (d *DB) PutHeader(hash consensus.Hash256, h consensus.BlockHeader) error {
	return d.bdb.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeaders).Put(hash[:], consensus.EncodeBlockHeader(&h))
	})
}

func (d *DB) GetHeader(hash consensus.Hash256) (consensus.BlockHeader, bool, error) {
	var h consensus.BlockHeader
	var ok bool
	err := d.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHeaders).Get(hash[:])
		if v == nil {
			return nil
		}
		var err error
		h, err = consensus.DecodeBlockHeader(v)
		ok = err == nil
		return err
	})
	return h, ok, err
}

// PutBlockBytes stores the canonical encoding of a full block.
func (d *DB) PutBlockBytes(hash consensus.Hash256, b []byte) error {
	if err := d.bdb.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).Put(hash[:], b)
	}); err != nil {
		return err
	}
	d.blocks.put(hash, append([]byte(nil), b...))
	return nil
}

func (d *DB) GetBlockBytes(hash consensus.Hash256) ([]byte, bool, error) {
	if raw, ok := d.blocks.get(hash); ok {
		return raw, true, nil
	}
	var out []byte
	err := d.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlocks).Get(hash[:])
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if out != nil {
		d.blocks.put(hash, out)
	}
	return out, out != nil, err
}

func (d *DB) PutIndex(hash consensus.Hash256, e consensus.ChainEntry) error {
	return d.bdb.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndex).Put(hash[:], encodeIndexEntry(e))
	})
}

func (d *DB) GetIndex(hash consensus.Hash256) (consensus.ChainEntry, bool, error) {
	var e consensus.ChainEntry
	var ok bool
	err := d.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIndex).Get(hash[:])
		if v == nil {
			return nil
		}
		var err error
		e, err = decodeIndexEntry(v)
		ok = err == nil
		return err
	})
	return e, ok, err
}

// PutHeightHash records the active-chain hash at a height, so height-indexed
// lookups (ancestor walks, MTP windows) don't require a full chain index
// walk from the tip every time.
func (d *DB) PutHeightHash(height uint64, hash consensus.Hash256) error {
	return d.bdb.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeight).Put(heightKey(height), hash[:])
	})
}

func (d *DB) GetHeightHash(height uint64) (consensus.Hash256, bool, error) {
	var h consensus.Hash256
	var ok bool
	err := d.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHeight).Get(heightKey(height))
		if v == nil {
			return nil
		}
		copy(h[:], v)
		ok = true
		return nil
	})
	return h, ok, err
}

func heightKey(height uint64) []byte {
	return []byte(fmt.Sprintf("%020d", height))
}

func (d *DB) GetUTXO(op consensus.OutPoint) (*consensus.UtxoEntry, bool) {
	var out *consensus.UtxoEntry
	_ = d.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUTXO).Get(outpointKey(op))
		if v == nil {
			return nil
		}
		e, err := decodeUtxoEntry(v)
		if err != nil {
			return err
		}
		out = &e
		return nil
	})
	return out, out != nil
}

func (d *DB) PutUndo(hash consensus.Hash256, u UndoRecord) error {
	b, err := encodeUndoRecord(u)
	if err != nil {
		return err
	}
	return d.bdb.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUndo).Put(hash[:], b)
	})
}

func (d *DB) GetUndo(hash consensus.Hash256) (UndoRecord, bool, error) {
	var u UndoRecord
	var ok bool
	err := d.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUndo).Get(hash[:])
		if v == nil {
			return nil
		}
		var err error
		u, err = decodeUndoRecord(v)
		ok = err == nil
		return err
	})
	return u, ok, err
}
