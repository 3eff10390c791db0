package node

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/astram-project/astram-node/consensus"
	"github.com/astram-project/astram-node/crypto"
	"github.com/astram-project/astram-node/node/store"
)

// fakeUtxoView is an in-memory UTXO set for admission tests.
type fakeUtxoView map[consensus.OutPoint]consensus.UtxoEntry

func (v fakeUtxoView) GetUTXO(op consensus.OutPoint) (*consensus.UtxoEntry, bool) {
	e, ok := v[op]
	if !ok {
		return nil, false
	}
	return &e, true
}

type testKey struct {
	priv *crypto.PrivateKey
	pub  []byte
	addr consensus.Address
}

func newTestKey(t *testing.T) testKey {
	t.Helper()
	priv, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	pub := crypto.SerializeCompressed(priv.PubKey())
	return testKey{priv: priv, pub: pub, addr: crypto.AddressFromPublicKey(priv.PubKey())}
}

// signedSpend builds a fully signed single-input transaction spending prev
// (owned by key) and paying value minus fee back to the key's own address.
func signedSpend(t *testing.T, key testKey, prev consensus.OutPoint, prevValue, fee uint64, chainID uint32) *consensus.Transaction {
	t.Helper()
	tx := &consensus.Transaction{
		Version: 1,
		Inputs:  []consensus.TxInput{{Prev: prev}},
		Outputs: []consensus.TxOutput{{Value: prevValue - fee, Recipient: key.addr}},
	}
	digest := consensus.SighashDigest(tx, 0, chainID)
	sig := crypto.Sign(key.priv, digest)
	tx.Inputs[0].SignatureScript = consensus.BuildSignatureScript(sig, key.pub)
	return tx
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

// mineHeaderFor brute-forces a nonce for the header's own difficulty;
// tests only use difficulty 1.
func mineHeaderFor(t *testing.T, h *consensus.BlockHeader) {
	t.Helper()
	for nonce := uint64(0); nonce < 10_000_000; nonce++ {
		h.Nonce = nonce
		if consensus.PowOk(h.Hash(), h.Difficulty) {
			return
		}
	}
	t.Fatal("failed to mine header within test budget")
}

func coinbaseTx(height uint64, value uint64, recipient consensus.Address) *consensus.Transaction {
	return &consensus.Transaction{
		Version: 1,
		Inputs: []consensus.TxInput{{
			Prev:            consensus.OutPoint{Txid: consensus.CoinbaseTxid, Index: consensus.CoinbaseVout},
			SignatureScript: consensus.EncodeHeightScript(height),
		}},
		Outputs: []consensus.TxOutput{{Value: value, Recipient: recipient}},
	}
}

// mineBlockOn assembles and mines a block of txs on parent at the given
// height, paying the full subsidy plus fees to recipient.
func mineBlockOn(t *testing.T, parent consensus.Hash256, height uint64, timestamp int64, recipient consensus.Address, fees uint64, txs []*consensus.Transaction) *consensus.Block {
	t.Helper()
	all := append([]*consensus.Transaction{coinbaseTx(height, consensus.BlockSubsidy(height)+fees, recipient)}, txs...)
	b := &consensus.Block{
		Header: consensus.BlockHeader{
			Version:    1,
			PrevHash:   parent,
			Timestamp:  timestamp,
			Difficulty: 1,
		},
		Txs: all,
	}
	root, err := b.MerkleRoot()
	if err != nil {
		t.Fatalf("merkle root: %v", err)
	}
	b.Header.MerkleRoot = root
	mineHeaderFor(t, &b.Header)
	return b
}

// newTestChain opens a fresh store with a mined genesis paying addr and a
// running chain-writer around it.
func newTestChain(t *testing.T, addr consensus.Address, checkpoints map[uint64]consensus.Hash256) (*ChainState, *consensus.Block) {
	t.Helper()
	db, err := store.Open(t.TempDir(), "testnet")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	genesis := mineBlockOn(t, consensus.ZeroHash, 0, consensus.GenesisTimestamp, addr, 0, nil)
	if err := db.InitGenesis(genesis); err != nil {
		t.Fatalf("InitGenesis: %v", err)
	}
	mp := NewMempool(testLogger(), MempoolLimits{MaxCount: 100, MaxBytes: 1 << 20})
	cs, err := NewChainState(testLogger(), db, mp, TestnetParams, checkpoints)
	if err != nil {
		t.Fatalf("NewChainState: %v", err)
	}
	cs.Start()
	t.Cleanup(cs.Stop)
	return cs, genesis
}
