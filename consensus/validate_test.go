package consensus

import (
	"testing"

	"github.com/astram-project/astram-node/crypto"
)

type fakeUTXOSet map[OutPoint]*UtxoEntry

func (s fakeUTXOSet) GetUTXO(op OutPoint) (*UtxoEntry, bool) {
	e, ok := s[op]
	return e, ok
}

func signedSpendTx(t *testing.T, priv *crypto.PrivateKey, prev OutPoint, value uint64, to Address, fee uint64) *Transaction {
	t.Helper()
	tx := &Transaction{
		Version: 1,
		Inputs:  []TxInput{{Prev: prev, Sequence: 0xffffffff}},
		Outputs: []TxOutput{{Value: value - fee, Recipient: to}},
	}
	digest := SighashDigest(tx, 0, 1)
	sig := crypto.Sign(priv, digest)
	pub := crypto.SerializeCompressed(priv.PubKey())
	tx.Inputs[0].SignatureScript = BuildSignatureScript(sig, pub)
	return tx
}

func TestValidateTxAgainstUTXOAcceptsValidSpend(t *testing.T) {
	priv, _ := crypto.GeneratePrivateKey()
	addr := crypto.AddressFromPublicKey(priv.PubKey())
	prev := OutPoint{Txid: Hash256{7}, Index: 0}
	utxo := fakeUTXOSet{prev: {Value: 10_000_000_000_000_000, Recipient: addr, BlockHeight: 1}}

	fee := MinRelayFee(500) // bound above the actual serialized size
	tx := signedSpendTx(t, priv, prev, utxo[prev].Value, Address{2}, fee)

	gotFee, err := ValidateTxAgainstUTXO(tx, utxo, 2, 1)
	if err != nil {
		t.Fatalf("expected valid spend, got %v", err)
	}
	if gotFee != fee {
		t.Fatalf("fee mismatch: got %d want %d", gotFee, fee)
	}
}

func TestValidateTxAgainstUTXORejectsWrongSigner(t *testing.T) {
	owner, _ := crypto.GeneratePrivateKey()
	attacker, _ := crypto.GeneratePrivateKey()
	ownerAddr := crypto.AddressFromPublicKey(owner.PubKey())
	prev := OutPoint{Txid: Hash256{7}, Index: 0}
	utxo := fakeUTXOSet{prev: {Value: 10_000_000_000_000_000, Recipient: ownerAddr, BlockHeight: 1}}

	tx := signedSpendTx(t, attacker, prev, utxo[prev].Value, Address{2}, MinRelayFee(500))
	if _, err := ValidateTxAgainstUTXO(tx, utxo, 2, 1); err == nil {
		t.Fatal("expected rejection: signer does not own the output")
	}
}

func TestValidateTxAgainstUTXORejectsImmatureCoinbase(t *testing.T) {
	priv, _ := crypto.GeneratePrivateKey()
	addr := crypto.AddressFromPublicKey(priv.PubKey())
	prev := OutPoint{Txid: Hash256{7}, Index: 0}
	utxo := fakeUTXOSet{prev: {Value: InitialSubsidy, Recipient: addr, BlockHeight: 10, IsCoinbase: true}}

	tx := signedSpendTx(t, priv, prev, utxo[prev].Value, Address{2}, MinRelayFee(500))
	if _, err := ValidateTxAgainstUTXO(tx, utxo, 50, 1); err == nil {
		t.Fatal("expected rejection: coinbase not yet mature")
	}
	if _, err := ValidateTxAgainstUTXO(tx, utxo, 10+CoinbaseMaturity, 1); err != nil {
		t.Fatalf("expected acceptance once mature, got %v", err)
	}
}

func TestValidateTxAgainstUTXORejectsInputValueOverflow(t *testing.T) {
	priv, _ := crypto.GeneratePrivateKey()
	addr := crypto.AddressFromPublicKey(priv.PubKey())

	// Three 8-ASRM outputs sum to 24e18 base units, past the uint64 range;
	// the wrapped total would otherwise pass the conservation gate while
	// minting value.
	utxo := make(fakeUTXOSet)
	tx := &Transaction{Version: 1, Outputs: []TxOutput{{Value: 1, Recipient: Address{2}}}}
	for i := 0; i < 3; i++ {
		prev := OutPoint{Txid: Hash256{byte(i + 1)}, Index: 0}
		utxo[prev] = &UtxoEntry{Value: 8 * BaseUnitsPerASRM, Recipient: addr, BlockHeight: 1}
		tx.Inputs = append(tx.Inputs, TxInput{Prev: prev, Sequence: 0xffffffff})
	}
	pub := crypto.SerializeCompressed(priv.PubKey())
	for i := range tx.Inputs {
		sig := crypto.Sign(priv, SighashDigest(tx, i, 1))
		tx.Inputs[i].SignatureScript = BuildSignatureScript(sig, pub)
	}

	_, err := ValidateTxAgainstUTXO(tx, utxo, 2, 1)
	if err == nil {
		t.Fatal("expected rejection: input value sum overflows uint64")
	}
	if code, ok := CodeOf(err); !ok || code != ErrOversizedField {
		t.Fatalf("expected overflow to surface as %s, got %v", ErrOversizedField, err)
	}
}

func TestAddValueOverflowBoundary(t *testing.T) {
	if _, err := AddValue(^uint64(0), 1); err == nil {
		t.Fatal("expected overflow error at the boundary")
	}
	if got, err := AddValue(^uint64(0)-1, 1); err != nil || got != ^uint64(0) {
		t.Fatalf("expected exact max value, got %d err %v", got, err)
	}
}

func TestValidateTxStatelessRejectsDuplicateInput(t *testing.T) {
	tx := &Transaction{
		Version: 1,
		Inputs: []TxInput{
			{Prev: OutPoint{Txid: Hash256{1}, Index: 0}},
			{Prev: OutPoint{Txid: Hash256{1}, Index: 0}},
		},
		Outputs: []TxOutput{{Value: 1, Recipient: Address{1}}},
	}
	if err := ValidateTxStateless(tx); err == nil {
		t.Fatal("expected rejection of duplicate input outpoint")
	}
}

func TestValidateHeaderRejectsBadPoW(t *testing.T) {
	h := &BlockHeader{Timestamp: GenesisTimestamp + 1, Difficulty: 32}
	if err := ValidateHeader(h, 1, &AncestorContext{}); err == nil {
		t.Fatal("expected rejection: astronomically unlikely to satisfy difficulty 32")
	}
}

func TestValidateHeaderRejectsOutOfRangeDifficulty(t *testing.T) {
	h := &BlockHeader{Timestamp: GenesisTimestamp + 1, Difficulty: MaxDifficulty + 1}
	if err := ValidateHeader(h, 1, &AncestorContext{}); err == nil {
		t.Fatal("expected rejection of out-of-range difficulty")
	}
}
