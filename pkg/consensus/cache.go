package consensus

import (
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
)

// defaultCacheCapacity bounds how many recent payloads/transactions the
// relay cache remembers, mirroring the teacher's fixed-size FIFO cache.
const defaultCacheCapacity = 100

// hashable is anything the relay cache can dedup by content hash.
type hashable interface {
	Hash() common.Hash
}

// relayCache is a bounded, thread-safe dedup cache for payloads this node
// has already seen or transactions it has already relayed, backed by an LRU
// instead of the teacher's hand-rolled container/list FIFO.
type relayCache struct {
	lru *lru.Cache
}

func newRelayCache(capacity int) *relayCache {
	c, err := lru.New(capacity)
	if err != nil {
		// Only returns an error for capacity <= 0, which never happens here.
		panic(err)
	}
	return &relayCache{lru: c}
}

// Add stores p if it isn't already present.
func (c *relayCache) Add(p hashable) {
	c.lru.Add(p.Hash(), p)
}

// Has reports whether h has already been seen.
func (c *relayCache) Has(h common.Hash) bool {
	return c.lru.Contains(h)
}

// Get returns the cached item for h, or nil if it isn't present.
func (c *relayCache) Get(h common.Hash) hashable {
	v, ok := c.lru.Get(h)
	if !ok {
		return nil
	}
	return v.(hashable)
}
