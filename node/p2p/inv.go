package p2p

import (
	"container/list"
	"sync"
	"time"

	"github.com/astram-project/astram-node/consensus"
)

// knownInvSize bounds the per-peer duplicate-announcement filter.
const knownInvSize = 4096

// knownInv is a small LRU set of inventory hashes a peer has already seen
// (sent to us or announced by us), used to suppress duplicate Invs.
type knownInv struct {
	mu    sync.Mutex
	items map[consensus.Hash256]*list.Element
	order *list.List // front = most recent
}

func newKnownInv() *knownInv {
	return &knownInv{
		items: make(map[consensus.Hash256]*list.Element),
		order: list.New(),
	}
}

// Add records h, returning true if it was new.
func (k *knownInv) Add(h consensus.Hash256) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if el, ok := k.items[h]; ok {
		k.order.MoveToFront(el)
		return false
	}
	k.items[h] = k.order.PushFront(h)
	if k.order.Len() > knownInvSize {
		oldest := k.order.Back()
		k.order.Remove(oldest)
		delete(k.items, oldest.Value.(consensus.Hash256))
	}
	return true
}

func (k *knownInv) Contains(h consensus.Hash256) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.items[h]
	return ok
}

// Block announcements per peer are capped at blockAnnounceLimit per
// blockAnnounceWindow; excess announcements are dropped silently (no
// penalty, no processing).
const (
	blockAnnounceLimit  = 10
	blockAnnounceWindow = time.Minute
)

// announceRate is a sliding-window counter for block announcements.
type announceRate struct {
	mu    sync.Mutex
	times []time.Time
}

// Allow records an announcement at now and reports whether it is within
// the rate limit.
func (a *announceRate) Allow(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := now.Add(-blockAnnounceWindow)
	kept := a.times[:0]
	for _, t := range a.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.times = kept
	if len(a.times) >= blockAnnounceLimit {
		return false
	}
	a.times = append(a.times, now)
	return true
}
