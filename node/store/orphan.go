package store

import (
	"sync"
	"time"

	"github.com/astram-project/astram-node/consensus"
)

// OrphanPoolCapacity and OrphanPoolTTL bound how many blocks with an unknown
// parent the node holds in memory waiting for that parent to arrive.
const (
	OrphanPoolCapacity = 100
	OrphanPoolTTL      = 1800 * time.Second
)

type orphanEntry struct {
	block     *consensus.Block
	arrivedAt time.Time
}

// OrphanPool holds blocks whose parent is not yet known, indexed by both
// their own hash and their parent's hash so a newly connected block can
// look up and promote its orphaned children in one step.
type OrphanPool struct {
	mu       sync.Mutex
	byHash   map[consensus.Hash256]*orphanEntry
	children map[consensus.Hash256][]consensus.Hash256
	order    []consensus.Hash256 // insertion order, oldest first, for eviction
}

func NewOrphanPool() *OrphanPool {
	return &OrphanPool{
		byHash:   make(map[consensus.Hash256]*orphanEntry),
		children: make(map[consensus.Hash256][]consensus.Hash256),
	}
}

// Add inserts block into the pool, evicting the oldest entry if the pool is
// at capacity. now is passed in explicitly so callers control the clock.
func (p *OrphanPool) Add(block *consensus.Block, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hash := block.Hash()
	if _, exists := p.byHash[hash]; exists {
		return
	}
	p.evictExpiredLocked(now)
	if len(p.order) >= OrphanPoolCapacity {
		p.evictOldestLocked()
	}
	p.byHash[hash] = &orphanEntry{block: block, arrivedAt: now}
	p.children[block.Header.PrevHash] = append(p.children[block.Header.PrevHash], hash)
	p.order = append(p.order, hash)
}

func (p *OrphanPool) evictOldestLocked() {
	if len(p.order) == 0 {
		return
	}
	oldest := p.order[0]
	p.order = p.order[1:]
	p.removeLocked(oldest)
}

func (p *OrphanPool) evictExpiredLocked(now time.Time) {
	kept := p.order[:0]
	for _, h := range p.order {
		if e, ok := p.byHash[h]; ok && now.Sub(e.arrivedAt) > OrphanPoolTTL {
			p.removeLocked(h)
			continue
		}
		kept = append(kept, h)
	}
	p.order = kept
}

func (p *OrphanPool) removeLocked(hash consensus.Hash256) {
	entry, ok := p.byHash[hash]
	if !ok {
		return
	}
	delete(p.byHash, hash)
	siblings := p.children[entry.block.Header.PrevHash]
	for i, h := range siblings {
		if h == hash {
			p.children[entry.block.Header.PrevHash] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
}

// TakeChildren removes and returns every orphan whose declared parent is
// parentHash, for the caller to attempt connecting now that the parent is
// known.
func (p *OrphanPool) TakeChildren(parentHash consensus.Hash256) []*consensus.Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	hashes := p.children[parentHash]
	delete(p.children, parentHash)
	out := make([]*consensus.Block, 0, len(hashes))
	for _, h := range hashes {
		if e, ok := p.byHash[h]; ok {
			out = append(out, e.block)
			delete(p.byHash, h)
		}
	}
	if len(hashes) > 0 {
		kept := p.order[:0]
		remaining := make(map[consensus.Hash256]struct{}, len(hashes))
		for _, h := range hashes {
			remaining[h] = struct{}{}
		}
		for _, h := range p.order {
			if _, gone := remaining[h]; !gone {
				kept = append(kept, h)
			}
		}
		p.order = kept
	}
	return out
}

func (p *OrphanPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byHash)
}
