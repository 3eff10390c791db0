package node

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/astram-project/astram-node/consensus"
)

// SearchJob describes one nonce batch: hash double_sha256(prefix ||
// nonce_le8 || suffix) for nonce in [StartNonce, StartNonce+Count) and
// report the first nonce whose hash, read big-endian, is below Target.
// Every backend must produce byte-identical results for the same job.
type SearchJob struct {
	Prefix     []byte
	Suffix     []byte
	StartNonce uint64
	Count      uint64
	Target     consensus.U256
}

// SearchResult is a winning nonce and the hash it produced.
type SearchResult struct {
	Nonce uint64
	Hash  consensus.Hash256
}

// SearchBackend is the mining capability the driver schedules over. Search
// returns (nil, nil) when the batch is exhausted without a hit, and returns
// promptly with ctx.Err() once ctx is cancelled (preemption).
type SearchBackend interface {
	Name() string
	Search(ctx context.Context, job SearchJob) (*SearchResult, error)
}

// NewSearchBackend builds the backend named by the mining_backend config
// value.
func NewSearchBackend(kind string, threads int) (SearchBackend, error) {
	switch kind {
	case "cpu":
		return NewCPUBackend(threads), nil
	case "cuda":
		return newCudaBackend()
	default:
		return nil, fmt.Errorf("node: unknown mining backend %q", kind)
	}
}

// searchHash is the one hashing rule both backends implement.
func searchHash(scratch []byte, prefixLen int, nonce uint64) consensus.Hash256 {
	binary.LittleEndian.PutUint64(scratch[prefixLen:prefixLen+8], nonce)
	return consensus.DoubleSHA256(scratch)
}

// CPUBackend searches a batch with N worker goroutines striding the nonce
// space, sharing an atomic winner index checked every cancelCheckInterval
// hashes; a worker stops once it is past the lowest winning index found so
// far, so the result is the lowest winning nonce of the batch.
type CPUBackend struct {
	workers int
}

func NewCPUBackend(workers int) *CPUBackend {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &CPUBackend{workers: workers}
}

func (b *CPUBackend) Name() string { return "cpu" }

// cancelCheckInterval bounds how many hashes a worker computes between
// looks at the winner index and the context.
const cancelCheckInterval = 4096

func (b *CPUBackend) Search(ctx context.Context, job SearchJob) (*SearchResult, error) {
	if job.Count == 0 {
		return nil, nil
	}
	target := job.Target

	// winnerIdx holds the batch-relative index of the best hit so far.
	// Workers abort only once their own index passes it, so the result is
	// always the lowest winning nonce regardless of goroutine scheduling —
	// the CPU and CUDA backends must agree byte-for-byte.
	var (
		winnerIdx atomic.Uint64
		mu        sync.Mutex
		winner    *SearchResult
		wg        sync.WaitGroup
	)
	winnerIdx.Store(^uint64(0))
	for w := 0; w < b.workers; w++ {
		wg.Add(1)
		go func(offset uint64) {
			defer wg.Done()
			scratch := make([]byte, len(job.Prefix)+8+len(job.Suffix))
			copy(scratch, job.Prefix)
			copy(scratch[len(job.Prefix)+8:], job.Suffix)
			stride := uint64(b.workers)
			for i := offset; i < job.Count; i += stride {
				if i%cancelCheckInterval < stride {
					if i > winnerIdx.Load() || ctx.Err() != nil {
						return
					}
				}
				h := searchHash(scratch, len(job.Prefix), job.StartNonce+i)
				if consensus.U256FromBytesBE(h).Cmp(target) < 0 {
					mu.Lock()
					if winner == nil || i < winnerIdx.Load() {
						winner = &SearchResult{Nonce: job.StartNonce + i, Hash: h}
						winnerIdx.Store(i)
					}
					mu.Unlock()
					return
				}
			}
		}(uint64(w))
	}
	wg.Wait()
	if winner == nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return winner, nil
}

// ErrCudaUnavailable is returned when the node was built without CUDA
// support but mining_backend=cuda was requested.
var ErrCudaUnavailable = errors.New("node: cuda mining backend not built in")
