package store

import (
	"container/list"
	"sync"

	"github.com/MrWong99/semem/pkg/types"
)

// DefaultCacheSize is the default capacity of the interaction cache.
const DefaultCacheSize = 10_000

// lruCache is a fixed-capacity least-recently-used cache of
// interactions keyed by ID. Safe for concurrent use.
type lruCache struct {
	mu    sync.Mutex
	cap   int
	order *list.List // front = most recent; values are *lruEntry
	items map[string]*list.Element
}

type lruEntry struct {
	id string
	it *types.Interaction
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &lruCache{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

// get returns the cached interaction and marks it recently used.
func (c *lruCache) get(id string) (*types.Interaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).it, true
}

// put inserts or refreshes an entry, evicting the least recently used
// one when over capacity.
func (c *lruCache) put(id string, it *types.Interaction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[id]; ok {
		el.Value.(*lruEntry).it = it
		c.order.MoveToFront(el)
		return
	}
	c.items[id] = c.order.PushFront(&lruEntry{id: id, it: it})
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).id)
	}
}

// len returns the number of cached entries.
func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
