package querycache

import (
	"container/list"
	"expvar"
	"sync"
)

// lruEntry holds the key and value for a cache item.
type lruEntry struct {
	key   string
	value *Entry
}

// lruCache is a map of compiled entries with optional least-recently-used
// eviction. A capacity <= 0 means unbounded: nothing is ever evicted and the
// cache only shrinks through Clear.
type lruCache struct {
	mu         sync.Mutex
	capacity   int
	lruList    *list.List
	cacheItems map[string]*list.Element
	onEvicted  func(key string, value *Entry)

	hits   *expvar.Int
	misses *expvar.Int
}

func newLRUCache(capacity int, onEvicted func(key string, value *Entry)) *lruCache {
	return &lruCache{
		capacity:   capacity,
		lruList:    list.New(),
		cacheItems: make(map[string]*list.Element),
		onEvicted:  onEvicted,
	}
}

func (c *lruCache) setMetrics(hits, misses *expvar.Int) {
	c.hits = hits
	c.misses = misses
}

func (c *lruCache) get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cacheItems[key]; ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*lruEntry).value, true
	}

	if c.misses != nil {
		c.misses.Add(1)
	}
	return nil, false
}

// peek is get without touching recency or metrics.
func (c *lruCache) peek(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.cacheItems[key]; ok {
		return elem.Value.(*lruEntry).value, true
	}
	return nil, false
}

// put stores value unless the key is already present, in which case the
// existing entry wins and is returned. Entries are immutable once inserted.
func (c *lruCache) put(key string, value *Entry) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cacheItems[key]; ok {
		c.lruList.MoveToFront(elem)
		return elem.Value.(*lruEntry).value
	}

	if c.capacity > 0 && c.lruList.Len() >= c.capacity {
		c.evict()
	}

	element := c.lruList.PushFront(&lruEntry{key: key, value: value})
	c.cacheItems[key] = element
	return value
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// evict removes the least recently used item from the cache.
// Must be called with c.mu locked.
func (c *lruCache) evict() {
	if elem := c.lruList.Back(); elem != nil {
		removed := c.lruList.Remove(elem).(*lruEntry)
		delete(c.cacheItems, removed.key)
		if c.onEvicted != nil {
			c.onEvicted(removed.key, removed.value)
		}
	}
}

func (c *lruCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lruList = list.New()
	c.cacheItems = make(map[string]*list.Element)
	if c.hits != nil {
		c.hits.Set(0)
	}
	if c.misses != nil {
		c.misses.Set(0)
	}
}

// hitRate is useful for expvar.Func.
func (c *lruCache) hitRate() float64 {
	var hits, misses float64
	if c.hits != nil {
		hits = float64(c.hits.Value())
	}
	if c.misses != nil {
		misses = float64(c.misses.Value())
	}

	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return hits / total
}
