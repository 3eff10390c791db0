package consensus

import (
	"math/bits"

	"github.com/astram-project/astram-node/crypto"
)

// MinRelayFeeBase and MinRelayFeePerByte set the minimum relay fee a
// non-coinbase transaction must pay: a flat 0.0001 ASRM base plus 200 Gwei
// per byte, where 1 Gwei = 1e9 base units on the 1 ASRM = 1e18 scale fixed
// in subsidy.go.
const (
	MinRelayFeeBase    = BaseUnitsPerASRM / 10_000
	MinRelayFeePerByte = 200_000_000_000
)

// MinRelayFee returns the minimum fee a transaction of sizeBytes must pay
// to be relayed or mined.
func MinRelayFee(sizeBytes int) uint64 {
	return MinRelayFeeBase + MinRelayFeePerByte*uint64(sizeBytes)
}

// AddValue accumulates base-unit amounts, failing on uint64 overflow so
// value conservation is never checked against a wrapped sum. Three mature
// 8-ASRM coinbase outputs already exceed 2^64 base units, so overflow is a
// reachable input, not a theoretical one.
func AddValue(sum, v uint64) (uint64, error) {
	next, carry := bits.Add64(sum, v, 0)
	if carry != 0 {
		return 0, newErr(ErrOversizedField, "value sum overflows")
	}
	return next, nil
}

// UtxoView is the minimal read interface ValidateTx needs against chain
// state: look up an unspent output by outpoint. node/store provides the
// concrete bbolt-backed implementation; consensus stays storage-agnostic.
type UtxoView interface {
	GetUTXO(OutPoint) (*UtxoEntry, bool)
}

// AncestorContext carries everything ValidateHeader/ValidateBlock need from
// chain state beyond the header itself: the parent's record, the ancestor
// timestamp window for MTP and retargeting, and the checkpoint policy.
type AncestorContext struct {
	Parent              *ChainEntry
	ParentHeight        uint64
	MTPTimestamps       []int64 // oldest-first, ending at the parent
	RetargetWindowStart int64   // timestamp(h-RetargetInterval), only meaningful on a retarget boundary
	Checkpoints         map[uint64]Hash256
}

// ValidateTxStateless checks everything about tx that does not require
// chain or UTXO context: structural bounds, no duplicate inputs, every
// output meets the minimum value, and (for non-coinbase transactions only)
// a well-formed per-input signature script.
func ValidateTxStateless(tx *Transaction) error {
	if len(tx.Inputs) == 0 {
		return newErr(ErrInvalidCoinbase, "transaction has no inputs")
	}
	if len(tx.Inputs) > MaxTxInputs {
		return newErr(ErrOversizedField, "too many inputs")
	}
	if len(tx.Outputs) == 0 || len(tx.Outputs) > MaxTxOutputs {
		return newErr(ErrOversizedField, "invalid output count")
	}
	if tx.SizeBytes() > MaxTxSizeBytes {
		return newErr(ErrTooLong, "transaction exceeds max size")
	}
	seen := make(map[OutPoint]struct{}, len(tx.Inputs))
	for _, in := range tx.Inputs {
		if _, dup := seen[in.Prev]; dup {
			return newErr(ErrDuplicateInput, "duplicate input outpoint")
		}
		seen[in.Prev] = struct{}{}
	}
	for _, out := range tx.Outputs {
		if out.Value < MinOutputValue {
			return newErr(ErrInvalidCoinbase, "output below minimum value")
		}
	}
	if !tx.IsCoinbase() {
		for _, in := range tx.Inputs {
			if _, _, err := ParseSignatureScript(in.SignatureScript); err != nil {
				return newErr(ErrSignatureFailure, "malformed signature script")
			}
		}
	}
	return nil
}

// ValidateTxAgainstUTXO resolves every input against view, checks coinbase
// maturity, verifies signatures, and returns the total fee (sum(inputs) -
// sum(outputs)). tipHeight is the height the transaction would be confirmed
// at (current tip height + 1 for mempool admission, the block's own height
// during block validation).
func ValidateTxAgainstUTXO(tx *Transaction, view UtxoView, tipHeight uint64, chainID uint32) (fee uint64, err error) {
	var totalIn uint64
	for i, in := range tx.Inputs {
		entry, ok := view.GetUTXO(in.Prev)
		if !ok {
			return 0, newErr(ErrUtxoNotFound, "input references unknown or spent output")
		}
		if entry.IsCoinbase && tipHeight-entry.BlockHeight < CoinbaseMaturity {
			return 0, newErr(ErrUtxoOwnershipFailure, "coinbase output not yet mature")
		}
		sig, pubkey, perr := ParseSignatureScript(in.SignatureScript)
		if perr != nil {
			return 0, newErr(ErrSignatureFailure, "malformed signature script")
		}
		pub, perr := crypto.ParsePublicKey(pubkey)
		if perr != nil {
			return 0, newErr(ErrSignatureFailure, "malformed public key")
		}
		if crypto.AddressFromPublicKey(pub) != entry.Recipient {
			return 0, newErr(ErrUtxoOwnershipFailure, "signature key does not match output owner")
		}
		digest := SighashDigest(tx, i, chainID)
		if !crypto.Verify(pubkey, sig, digest) {
			return 0, newErr(ErrSignatureFailure, "signature verification failed")
		}
		if totalIn, err = AddValue(totalIn, entry.Value); err != nil {
			return 0, err
		}
	}
	var totalOut uint64
	for _, out := range tx.Outputs {
		if totalOut, err = AddValue(totalOut, out.Value); err != nil {
			return 0, err
		}
	}
	if totalOut > totalIn {
		return 0, newErr(ErrInsufficientFee, "outputs exceed inputs")
	}
	fee = totalIn - totalOut
	if fee < MinRelayFee(tx.SizeBytes()) {
		return 0, newErr(ErrInsufficientFee, "fee below minimum relay rate")
	}
	return fee, nil
}

// ValidateHeaderTimeliness checks h.Timestamp against the validator's local
// clock (now, unix seconds): a header more than MaxFutureDrift seconds
// ahead is rejected. This is deliberately split from ValidateHeader, which
// must stay a pure function of header + ancestor context so it can be
// replayed deterministically during reorg and test fixtures.
func ValidateHeaderTimeliness(h *BlockHeader, now int64) error {
	if h.Timestamp > now+MaxFutureDrift {
		return newErr(ErrTimestampTooFuture, "timestamp too far ahead of local clock")
	}
	return nil
}

// ValidateHeader runs the header-level gates that do not require the block
// body: well-formed fields, difficulty and timestamp range, proof-of-work,
// and continuity/retarget agreement with the parent.
func ValidateHeader(h *BlockHeader, height uint64, ctx *AncestorContext) error {
	if h.Difficulty < MinDifficulty || h.Difficulty > MaxDifficulty {
		return newErr(ErrDifficultyOutOfRange, "difficulty outside [1,32]")
	}
	if h.Timestamp < GenesisTimestamp {
		return newErr(ErrTimestampTooOld, "timestamp precedes genesis")
	}
	if !PowOk(h.Hash(), h.Difficulty) {
		return newErr(ErrInvalidPoW, "hash does not satisfy target")
	}
	if ctx.Parent == nil {
		return nil
	}
	if h.PrevHash != ctx.Parent.Header.Hash() {
		return newErr(ErrPreviousNotFound, "prev_hash does not match parent")
	}
	expected := ExpectedDifficulty(height, ctx.Parent.Header.Difficulty, ctx.RetargetWindowStart, ctx.Parent.Header.Timestamp)
	if h.Difficulty != expected {
		return newErr(ErrDifficultyOutOfRange, "difficulty does not match expected value")
	}
	delta := int64(h.Difficulty) - int64(ctx.Parent.Header.Difficulty)
	if delta > MaxAdjacentDifficultyDelta || delta < -MaxAdjacentDifficultyDelta {
		return newErr(ErrDifficultyOutOfRange, "difficulty moved too far from parent")
	}
	mtp := MedianTimePast(MTPWindowFor(ctx.MTPTimestamps, height))
	if h.Timestamp <= mtp {
		return newErr(ErrTimestampTooOld, "timestamp not after median-time-past")
	}
	return nil
}

// ValidateBlock runs the full ordered gate sequence against a complete
// block: header checks, structure (coinbase position, Merkle root),
// checkpoint policy, every transaction's stateless checks (coinbase
// included), UTXO-relative checks for every non-coinbase transaction, and
// the coinbase value ceiling.
func ValidateBlock(b *Block, height uint64, ctx *AncestorContext, view UtxoView, chainID uint32) error {
	if err := ValidateHeader(&b.Header, height, ctx); err != nil {
		return err
	}
	if len(b.Txs) == 0 {
		return newErr(ErrEmptyBlock, "block has no transactions")
	}
	if !b.Txs[0].IsCoinbase() {
		return newErr(ErrInvalidCoinbase, "first transaction is not coinbase")
	}
	for _, tx := range b.Txs[1:] {
		if tx.IsCoinbase() {
			return newErr(ErrInvalidCoinbase, "coinbase transaction outside position 0")
		}
	}
	root, err := b.MerkleRoot()
	if err != nil {
		return err
	}
	if root != b.Header.MerkleRoot {
		return newErr(ErrMerkleRootMismatch, "merkle root mismatch")
	}
	if pin, ok := ctx.Checkpoints[height]; ok && pin != b.Header.Hash() {
		return newErr(ErrCheckpointViolation, "block hash does not match checkpoint")
	}

	var totalFees uint64
	seenAcrossBlock := make(map[OutPoint]struct{})
	for _, tx := range b.Txs {
		if err := ValidateTxStateless(tx); err != nil {
			return err
		}
		if tx.IsCoinbase() {
			continue
		}
		for _, in := range tx.Inputs {
			if _, dup := seenAcrossBlock[in.Prev]; dup {
				return newErr(ErrDuplicateInput, "input double-spent within block")
			}
			seenAcrossBlock[in.Prev] = struct{}{}
		}
		fee, err := ValidateTxAgainstUTXO(tx, view, height, chainID)
		if err != nil {
			return err
		}
		if totalFees, err = AddValue(totalFees, fee); err != nil {
			return err
		}
	}

	var coinbaseOut uint64
	for _, out := range b.Txs[0].Outputs {
		var err error
		if coinbaseOut, err = AddValue(coinbaseOut, out.Value); err != nil {
			return err
		}
	}
	ceiling, err := AddValue(BlockSubsidy(height), totalFees)
	if err != nil {
		return err
	}
	if coinbaseOut > ceiling {
		return newErr(ErrInvalidCoinbase, "coinbase value exceeds subsidy plus fees")
	}
	return nil
}
