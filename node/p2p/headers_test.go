package p2p

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/astram-project/astram-node/consensus"
)

func TestBuildLocatorHeightsExponentialSpacing(t *testing.T) {
	heights := BuildLocatorHeights(100)
	// The first 10 step by one from the tip.
	for i := 0; i < 10; i++ {
		if heights[i] != uint64(100-i) {
			t.Fatalf("heights[%d] = %d, want %d", i, heights[i], 100-i)
		}
	}
	// Afterwards the step doubles each entry.
	if heights[10] != 89 || heights[11] != 85 || heights[12] != 77 {
		t.Fatalf("unexpected exponential tail: %v", heights[10:13])
	}
	if heights[len(heights)-1] != 0 {
		t.Fatal("locator must end at genesis")
	}
	if len(heights) > MaxLocatorHashes {
		t.Fatalf("locator too long: %d", len(heights))
	}
}

func TestBuildLocatorHeightsShortChain(t *testing.T) {
	heights := BuildLocatorHeights(3)
	want := []uint64{3, 2, 1, 0}
	if len(heights) != len(want) {
		t.Fatalf("got %v", heights)
	}
	for i := range want {
		if heights[i] != want[i] {
			t.Fatalf("got %v, want %v", heights, want)
		}
	}
}

// mineTestHeader brute-forces a difficulty-1 header; four leading zero bits
// fall out of the nonce search almost immediately.
func mineTestHeader(t *testing.T, h *consensus.BlockHeader) {
	t.Helper()
	for nonce := uint64(0); nonce < 10_000_000; nonce++ {
		h.Nonce = nonce
		if consensus.PowOk(h.Hash(), h.Difficulty) {
			return
		}
	}
	t.Fatal("failed to mine test header")
}

func newTestSync(t *testing.T, genesis consensus.BlockHeader, submitted *[]consensus.Hash256) *HeaderSync {
	t.Helper()
	genesisHash := genesis.Hash()
	return NewHeaderSync(zerolog.Nop(), DefaultSyncConfig(),
		func(hash consensus.Hash256) (HeaderMeta, bool) {
			if hash == genesisHash {
				return HeaderMeta{Height: 0, Difficulty: genesis.Difficulty, Timestamp: genesis.Timestamp}, true
			}
			return HeaderMeta{}, false
		},
		func(hash consensus.Hash256) bool { return hash == genesisHash },
		func(b *consensus.Block, from string) error {
			*submitted = append(*submitted, b.Hash())
			return nil
		},
	)
}

func TestAcceptHeadersQueuesBodiesInOrder(t *testing.T) {
	genesis := consensus.BlockHeader{Version: 1, Timestamp: consensus.GenesisTimestamp, Difficulty: 1}
	mineTestHeader(t, &genesis)

	h1 := consensus.BlockHeader{Version: 1, PrevHash: genesis.Hash(), Timestamp: genesis.Timestamp + 1, Difficulty: 1}
	mineTestHeader(t, &h1)
	h2 := consensus.BlockHeader{Version: 1, PrevHash: h1.Hash(), Timestamp: genesis.Timestamp + 2, Difficulty: 1}
	mineTestHeader(t, &h2)

	var submitted []consensus.Hash256
	s := newTestSync(t, genesis, &submitted)
	if err := s.AcceptHeaders([]consensus.BlockHeader{h1, h2}); err != nil {
		t.Fatalf("AcceptHeaders: %v", err)
	}
	if s.PendingBodies() != 2 {
		t.Fatalf("expected 2 pending bodies, got %d", s.PendingBodies())
	}

	reqs := s.NextRequests(time.Now())
	if len(reqs) != 2 || reqs[0] != h1.Hash() || reqs[1] != h2.Hash() {
		t.Fatalf("unexpected requests: %v", reqs)
	}

	// Bodies arriving out of order apply in height order.
	b1 := &consensus.Block{Header: h1, Txs: []*consensus.Transaction{{Version: 1}}}
	b2 := &consensus.Block{Header: h2, Txs: []*consensus.Transaction{{Version: 1}}}
	if err := s.OnBody(b2, "x"); err != nil {
		t.Fatalf("OnBody b2: %v", err)
	}
	if len(submitted) != 0 {
		t.Fatal("b2 must wait for b1")
	}
	if err := s.OnBody(b1, "x"); err != nil {
		t.Fatalf("OnBody b1: %v", err)
	}
	if len(submitted) != 2 || submitted[0] != b1.Hash() || submitted[1] != b2.Hash() {
		t.Fatalf("bodies applied out of order: %v", submitted)
	}
}

func TestAcceptHeadersRejectsUnknownParent(t *testing.T) {
	genesis := consensus.BlockHeader{Version: 1, Timestamp: consensus.GenesisTimestamp, Difficulty: 1}
	mineTestHeader(t, &genesis)
	orphan := consensus.BlockHeader{Version: 1, PrevHash: consensus.Hash256{0xff}, Timestamp: genesis.Timestamp + 1, Difficulty: 1}
	mineTestHeader(t, &orphan)

	var submitted []consensus.Hash256
	s := newTestSync(t, genesis, &submitted)
	if err := s.AcceptHeaders([]consensus.BlockHeader{orphan}); err == nil {
		t.Fatal("expected rejection of a header with an unknown parent")
	}
}

func TestAcceptHeadersRejectsBadPoW(t *testing.T) {
	genesis := consensus.BlockHeader{Version: 1, Timestamp: consensus.GenesisTimestamp, Difficulty: 1}
	mineTestHeader(t, &genesis)
	bad := consensus.BlockHeader{Version: 1, PrevHash: genesis.Hash(), Timestamp: genesis.Timestamp + 1, Difficulty: 1}
	// Find a nonce that does NOT satisfy the target.
	for nonce := uint64(0); ; nonce++ {
		bad.Nonce = nonce
		if !consensus.PowOk(bad.Hash(), bad.Difficulty) {
			break
		}
	}
	var submitted []consensus.Hash256
	s := newTestSync(t, genesis, &submitted)
	if err := s.AcceptHeaders([]consensus.BlockHeader{bad}); err == nil {
		t.Fatal("expected rejection of a header failing proof-of-work")
	}
}
