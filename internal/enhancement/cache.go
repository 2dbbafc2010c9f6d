package enhancement

import (
	"container/list"
	"time"

	"github.com/MrWong99/semem/pkg/types"
)

// DefaultCacheSize bounds the enhancement cache; inserting beyond it evicts
// the least recently used consultation.
const DefaultCacheSize = 4096

// cacheKey identifies one provider consultation.
type cacheKey struct {
	provider string
	query    string // normalized
}

type cacheEntry struct {
	key     cacheKey
	records []types.Interaction
	expires time.Time
}

// queryCache is an LRU keyed by (provider, normalized query) with per-entry
// expiry. An entry with zero records is a valid cached answer: the provider
// was consulted and had nothing. Not safe for concurrent use; the
// Coordinator guards it.
type queryCache struct {
	capacity int
	order    *list.List
	byKey    map[cacheKey]*list.Element
}

func newQueryCache(capacity int) *queryCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &queryCache{
		capacity: capacity,
		order:    list.New(),
		byKey:    make(map[cacheKey]*list.Element),
	}
}

// get returns a copy of the cached records for key and whether the entry is
// live. Expired entries are removed on access.
func (c *queryCache) get(key cacheKey, now time.Time) ([]types.Interaction, bool) {
	el, ok := c.byKey[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if now.After(entry.expires) {
		c.order.Remove(el)
		delete(c.byKey, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	records := make([]types.Interaction, len(entry.records))
	copy(records, entry.records)
	return records, true
}

// put inserts or replaces the entry for key with a copy of records.
func (c *queryCache) put(key cacheKey, records []types.Interaction, expires time.Time) {
	stored := make([]types.Interaction, len(records))
	copy(stored, records)

	if el, ok := c.byKey[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.records = stored
		entry.expires = expires
		c.order.MoveToFront(el)
		return
	}
	c.byKey[key] = c.order.PushFront(&cacheEntry{key: key, records: stored, expires: expires})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.byKey, oldest.Value.(*cacheEntry).key)
	}
}

func (c *queryCache) len() int {
	return c.order.Len()
}
