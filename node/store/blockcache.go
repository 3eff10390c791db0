package store

import (
	"container/list"
	"sync"

	"github.com/astram-project/astram-node/consensus"
)

// BlockCacheCapacity bounds the in-memory block body cache; the oldest
// entry is dropped first. Relay and reorg touch recent bodies repeatedly,
// so a small window avoids re-reading them from bbolt.
const BlockCacheCapacity = 500

type blockCache struct {
	mu    sync.Mutex
	items map[consensus.Hash256]*list.Element
	order *list.List // front = most recently stored
}

type blockCacheEntry struct {
	hash consensus.Hash256
	raw  []byte
}

func newBlockCache() *blockCache {
	return &blockCache{
		items: make(map[consensus.Hash256]*list.Element),
		order: list.New(),
	}
}

func (c *blockCache) get(hash consensus.Hash256) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[hash]
	if !ok {
		return nil, false
	}
	return el.Value.(*blockCacheEntry).raw, true
}

func (c *blockCache) put(hash consensus.Hash256, raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.items[hash]; dup {
		return
	}
	c.items[hash] = c.order.PushFront(&blockCacheEntry{hash: hash, raw: raw})
	if c.order.Len() > BlockCacheCapacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*blockCacheEntry).hash)
	}
}
