// Package consensus implements the core data model, canonical codec, and
// consensus validation rules for the ASTRAM chain: transaction and block
// parsing, Merkle roots, proof-of-work and difficulty retargeting, and UTXO
// state transitions. It has no network or storage dependency; callers feed
// it bytes and ancestor context and get back typed values or a tagged error.
package consensus

import "bytes"

// Hash256 is an opaque 32-byte digest. Equality and ordering are defined so
// it can key maps and sort deterministically. It has no String method;
// format it with %x for lowercase hex.
type Hash256 [32]byte

func (h Hash256) Less(o Hash256) bool { return bytes.Compare(h[:], o[:]) < 0 }

func (h Hash256) IsZero() bool { return h == Hash256{} }

var ZeroHash Hash256

// Address is a 20-byte public-key hash. BlockRewardSentinel is the all-zero
// address; the genesis coinbase output pays it and is stored as a UtxoEntry
// with that recipient, which burns the genesis reward.
type Address [20]byte

var BlockRewardSentinel = Address{}

// OutPoint identifies a transaction output uniquely across the chain.
type OutPoint struct {
	Txid  Hash256
	Index uint32
}

// CoinbaseVout is the sentinel index used by the single coinbase input's
// null prevout; CoinbaseTxid is the accompanying null txid.
const CoinbaseVout = ^uint32(0)

var CoinbaseTxid Hash256

// TxInput spends a prior output. The coinbase input's Prev is the null
// OutPoint and its ScriptSig carries arbitrary bytes, including the block
// height (see EncodeHeightScript) to keep coinbase txids unique per height.
type TxInput struct {
	Prev            OutPoint
	SignatureScript []byte
	Sequence        uint32
}

func (in TxInput) IsCoinbasePrevout() bool {
	return in.Prev.Txid == CoinbaseTxid && in.Prev.Index == CoinbaseVout
}

// TxOutput carries value (base units, 1 ASRM = 1e18) and a recipient
// address. Every admitted output's value is >= 1 base unit.
type TxOutput struct {
	Value     uint64
	Recipient Address
}

// Transaction is the wire/consensus transaction shape. Inputs/outputs are
// capped at 1000 each and the canonical serialization is capped at 100KB;
// both limits are enforced by ValidateTxStateless.
type Transaction struct {
	Version  uint32
	Inputs   []TxInput
	Outputs  []TxOutput
	LockTime uint32
}

const (
	MaxTxInputs    = 1000
	MaxTxOutputs   = 1000
	MaxTxSizeBytes = 100_000
	MinOutputValue = 1
)

// IsCoinbase reports whether tx has the single-null-prevout shape of a
// coinbase transaction. It does not check position within the block.
func (tx *Transaction) IsCoinbase() bool {
	if tx == nil || len(tx.Inputs) != 1 {
		return false
	}
	return tx.Inputs[0].IsCoinbasePrevout()
}

// Txid returns the canonical transaction id: double_sha256 of the
// canonical serialization.
func (tx *Transaction) Txid() Hash256 {
	return DoubleSHA256(EncodeTx(tx))
}

// SizeBytes returns the canonical serialized size of tx.
func (tx *Transaction) SizeBytes() int {
	return len(EncodeTx(tx))
}

// BlockHeader is the 88-byte (4+32+32+8+4+8) fixed-width consensus header.
type BlockHeader struct {
	Version    uint32
	PrevHash   Hash256
	MerkleRoot Hash256
	Timestamp  int64
	Difficulty uint32
	Nonce      uint64
}

const BlockHeaderBytes = 4 + 32 + 32 + 8 + 4 + 8

// Hash returns the canonical block hash: double_sha256 of the canonical
// header serialization.
func (h *BlockHeader) Hash() Hash256 {
	return DoubleSHA256(EncodeBlockHeader(h))
}

// Block is a header plus its transaction list; Txs[0] must be the coinbase.
type Block struct {
	Header BlockHeader
	Txs    []*Transaction
}

func (b *Block) Hash() Hash256 { return b.Header.Hash() }

// MerkleRoot recomputes the canonical Merkle root over b.Txs' txids.
func (b *Block) MerkleRoot() (Hash256, error) {
	if len(b.Txs) == 0 {
		return Hash256{}, newErr(ErrEmptyBlock, "block has no transactions")
	}
	txids := make([]Hash256, len(b.Txs))
	for i, tx := range b.Txs {
		txids[i] = tx.Txid()
	}
	return MerkleRoot(txids)
}

// UtxoEntry is the persisted representation of one unspent output.
type UtxoEntry struct {
	Value       uint64
	Recipient   Address
	BlockHeight uint64
	IsCoinbase  bool
}

// ChainStatus classifies a block's place in the block index.
type ChainStatus byte

const (
	StatusValid ChainStatus = iota
	StatusOrphan
	StatusInvalid
)

// ChainEntry is the block-index record keyed by block hash.
type ChainEntry struct {
	Header         BlockHeader
	CumulativeWork U256
	Height         uint64
	Status         ChainStatus
}

// CoinbaseMaturity is the number of confirmations a coinbase output must
// accumulate before it is spendable.
const CoinbaseMaturity = 100
