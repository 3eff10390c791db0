// Package node wires the consensus kernel, chain store, mempool, miner, and
// P2P engine into a running ASTRAM node: one chain-writer actor owns every
// mutation of chain state, and the other components (miner, RPC readers,
// network tasks) interact with it through channels and snapshots.
package node

import (
	"github.com/astram-project/astram-node/consensus"
)

// NetworkParams fixes the identity and defaults of one ASTRAM network.
type NetworkParams struct {
	Name      string
	NetworkID string
	ChainID   uint32
	Magic     uint32
	P2PPort   uint16
}

var (
	MainnetParams = NetworkParams{
		Name:      "mainnet",
		NetworkID: "Astram-mainnet",
		ChainID:   1,
		Magic:     0x41535452, // "ASTR"
		P2PPort:   8335,
	}
	TestnetParams = NetworkParams{
		Name:      "testnet",
		NetworkID: "Astram-testnet",
		ChainID:   8888,
		Magic:     0x41535454, // "ASTT"
		P2PPort:   18335,
	}
)

// ParamsForNetwork resolves a network name to its parameters; unknown names
// fall back to testnet so a typo can never join mainnet by accident.
func ParamsForNetwork(name string) NetworkParams {
	if name == MainnetParams.Name {
		return MainnetParams
	}
	return TestnetParams
}

// GenesisBlock builds the deterministic genesis block for a network. The
// genesis header carries the chain id as its nonce and is installed by store.InitGenesis
// without a PoW check; its coinbase pays the unspendable zero address, so
// the genesis subsidy is burned rather than claimable.
func GenesisBlock(p NetworkParams) *consensus.Block {
	coinbase := &consensus.Transaction{
		Version: 1,
		Inputs: []consensus.TxInput{{
			Prev:            consensus.OutPoint{Txid: consensus.CoinbaseTxid, Index: consensus.CoinbaseVout},
			SignatureScript: consensus.EncodeHeightScript(0),
		}},
		Outputs: []consensus.TxOutput{{
			Value:     consensus.InitialSubsidy,
			Recipient: consensus.Address{},
		}},
	}
	b := &consensus.Block{
		Header: consensus.BlockHeader{
			Version:    1,
			Timestamp:  consensus.GenesisTimestamp,
			Difficulty: 1,
			Nonce:      uint64(p.ChainID), // distinct genesis hash per network
		},
		Txs: []*consensus.Transaction{coinbase},
	}
	root, err := b.MerkleRoot()
	if err != nil {
		// A one-transaction block always has a Merkle root.
		panic(err)
	}
	b.Header.MerkleRoot = root
	return b
}
