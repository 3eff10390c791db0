package store

import "github.com/astram-project/astram-node/consensus"

// Checkpoints pins known-good block hashes at specific heights per network.
// A reorg that would rewrite a checkpointed height is refused outright
// (consensus.ErrCheckpointViolation / store.ReorgToTip's cross-checkpoint
// check), bounding how much history a network-wide eclipse or long-range
// attack can rewrite. Empty until operators record early-chain checkpoints
// after mainnet launch; the mechanism is exercised by tests with synthetic
// pins.
func Checkpoints(network string) map[uint64]consensus.Hash256 {
	switch network {
	case "mainnet":
		return map[uint64]consensus.Hash256{}
	default:
		return map[uint64]consensus.Hash256{}
	}
}
