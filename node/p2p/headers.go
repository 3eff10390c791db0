package p2p

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/astram-project/astram-node/consensus"
)

// BuildLocatorHeights returns the exponentially spaced heights of a block
// locator: the last 10 heights step by one, then the step doubles, always
// ending at genesis.
func BuildLocatorHeights(tipHeight uint64) []uint64 {
	heights := make([]uint64, 0, MaxLocatorHashes)
	step := uint64(1)
	h := tipHeight
	for {
		heights = append(heights, h)
		if h == 0 || len(heights) >= MaxLocatorHashes-1 {
			break
		}
		if len(heights) >= 10 {
			step *= 2
		}
		if h < step {
			h = 0
		} else {
			h -= step
		}
	}
	if heights[len(heights)-1] != 0 {
		heights = append(heights, 0)
	}
	return heights
}

// BuildLocator maps locator heights to active-chain hashes via heightHash.
func BuildLocator(tipHeight uint64, heightHash func(uint64) (consensus.Hash256, bool)) []consensus.Hash256 {
	heights := BuildLocatorHeights(tipHeight)
	out := make([]consensus.Hash256, 0, len(heights))
	for _, h := range heights {
		if hash, ok := heightHash(h); ok {
			out = append(out, hash)
		}
	}
	return out
}

// HeaderMeta is what header-first sync needs to know about an ancestor.
type HeaderMeta struct {
	Height     uint64
	Difficulty uint32
	Timestamp  int64
}

// SyncConfig tunes the body-download window.
type SyncConfig struct {
	// Window bounds how many block bodies may be in flight at once, so a
	// long headers lead never balloons memory.
	Window int
	// RequestTimeout requeues a body that a peer never delivered.
	RequestTimeout time.Duration
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{Window: 64, RequestTimeout: 30 * time.Second}
}

// HeaderSync drives header-first sync: headers are validated individually
// (PoW, difficulty continuity against their parent) and recorded in a
// header-only index; missing bodies are requested within a window and
// applied in height order through submit.
type HeaderSync struct {
	log zerolog.Logger
	cfg SyncConfig

	// resolve looks a header up in the chain's block index; have reports
	// whether a body is already stored; submit hands a downloaded body to
	// the chain writer.
	resolve func(consensus.Hash256) (HeaderMeta, bool)
	have    func(consensus.Hash256) bool
	submit  func(*consensus.Block, string) error

	mu       sync.Mutex
	metas    map[consensus.Hash256]HeaderMeta
	queue    []consensus.Hash256 // bodies needed, height order
	queued   map[consensus.Hash256]struct{}
	inflight map[consensus.Hash256]time.Time
	bodies   map[consensus.Hash256]*consensus.Block
}

func NewHeaderSync(log zerolog.Logger, cfg SyncConfig,
	resolve func(consensus.Hash256) (HeaderMeta, bool),
	have func(consensus.Hash256) bool,
	submit func(*consensus.Block, string) error,
) *HeaderSync {
	if cfg.Window <= 0 {
		cfg.Window = 64
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &HeaderSync{
		log:      log.With().Str("component", "headersync").Logger(),
		cfg:      cfg,
		resolve:  resolve,
		have:     have,
		submit:   submit,
		metas:    make(map[consensus.Hash256]HeaderMeta),
		queued:   make(map[consensus.Hash256]struct{}),
		inflight: make(map[consensus.Hash256]time.Time),
		bodies:   make(map[consensus.Hash256]*consensus.Block),
	}
}

// AcceptHeaders validates a headers batch individually and queues the
// bodies we lack. A header whose parent is unknown to both the chain and
// the in-memory header index fails the batch; the caller penalizes the
// sender.
func (s *HeaderSync) AcceptHeaders(headers []consensus.BlockHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range headers {
		h := &headers[i]
		hash := h.Hash()
		if _, seen := s.metas[hash]; seen {
			continue
		}
		if h.Difficulty < consensus.MinDifficulty || h.Difficulty > consensus.MaxDifficulty {
			return fmt.Errorf("p2p: header %x difficulty out of range", hash[:8])
		}
		if !consensus.PowOk(hash, h.Difficulty) {
			return fmt.Errorf("p2p: header %x fails proof-of-work", hash[:8])
		}
		parent, ok := s.lookupLocked(h.PrevHash)
		if !ok {
			return fmt.Errorf("p2p: header %x has unknown parent", hash[:8])
		}
		delta := int64(h.Difficulty) - int64(parent.Difficulty)
		if delta > consensus.MaxAdjacentDifficultyDelta || delta < -consensus.MaxAdjacentDifficultyDelta {
			return fmt.Errorf("p2p: header %x difficulty discontinuity", hash[:8])
		}
		if h.Timestamp <= parent.Timestamp-consensus.MaxFutureDrift {
			return fmt.Errorf("p2p: header %x timestamp regression", hash[:8])
		}
		meta := HeaderMeta{Height: parent.Height + 1, Difficulty: h.Difficulty, Timestamp: h.Timestamp}
		s.metas[hash] = meta
		if !s.have(hash) {
			if _, dup := s.queued[hash]; !dup {
				s.queue = append(s.queue, hash)
				s.queued[hash] = struct{}{}
			}
		}
	}
	return nil
}

func (s *HeaderSync) lookupLocked(hash consensus.Hash256) (HeaderMeta, bool) {
	if m, ok := s.metas[hash]; ok {
		return m, true
	}
	return s.resolve(hash)
}

// NextRequests returns up to the window's worth of body hashes to request,
// marking them in flight. Timed-out requests are re-issued.
func (s *HeaderSync) NextRequests(now time.Time) []consensus.Hash256 {
	s.mu.Lock()
	defer s.mu.Unlock()

	for hash, since := range s.inflight {
		if now.Sub(since) > s.cfg.RequestTimeout {
			delete(s.inflight, hash)
		}
	}
	budget := s.cfg.Window - len(s.inflight)
	if budget <= 0 {
		return nil
	}
	var out []consensus.Hash256
	for _, hash := range s.queue {
		if len(out) >= budget {
			break
		}
		if _, waiting := s.inflight[hash]; waiting {
			continue
		}
		if _, done := s.bodies[hash]; done {
			continue
		}
		s.inflight[hash] = now
		out = append(out, hash)
	}
	return out
}

// OnBody accepts a downloaded block body and applies every queued body that
// is now deliverable in height order. Bodies arriving out of order wait in
// memory, bounded by the request window.
func (s *HeaderSync) OnBody(block *consensus.Block, from string) error {
	hash := block.Hash()
	s.mu.Lock()
	if _, wanted := s.queued[hash]; !wanted {
		s.mu.Unlock()
		return nil // unsolicited or already applied; ignore
	}
	delete(s.inflight, hash)
	s.bodies[hash] = block

	var ready []*consensus.Block
	for len(s.queue) > 0 {
		next := s.queue[0]
		b, ok := s.bodies[next]
		if !ok {
			break
		}
		ready = append(ready, b)
		s.queue = s.queue[1:]
		delete(s.queued, next)
		delete(s.bodies, next)
	}
	s.mu.Unlock()

	for _, b := range ready {
		if err := s.submit(b, from); err != nil {
			s.log.Debug().Err(err).Msg("synced block rejected")
		}
	}
	return nil
}

// Meta returns the header-index record for hash, consulting the in-memory
// sync index first and the chain's resolver second.
func (s *HeaderSync) Meta(hash consensus.Hash256) (HeaderMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(hash)
}

// Wants reports whether hash is a body header-first sync is waiting for.
func (s *HeaderSync) Wants(hash consensus.Hash256) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queued[hash]
	return ok
}

// PendingBodies reports how many bodies are still queued.
func (s *HeaderSync) PendingBodies() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
