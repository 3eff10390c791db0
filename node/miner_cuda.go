//go:build !cuda

package node

// The repository contains no CUDA implementation: default builds get this
// constructor, which always fails fast with ErrCudaUnavailable. NewMiner
// returns that error, so selecting the cuda backend stops the miner from
// starting; there is no fallback to the CPU backend.
func newCudaBackend() (SearchBackend, error) {
	return nil, ErrCudaUnavailable
}
