package blockmap

import (
	"container/list"
	"expvar"

	"github.com/INLOpen/nexusvolume/core"
)

// pageCacheEntry holds the key and page for a cached mapping page.
type pageCacheEntry struct {
	pbn  core.PhysicalBlockNumber
	page *TreePage
}

// PageCache is a fixed-size LRU cache of resident mapping pages. Pages that
// are dirty or mid-write are pinned and skipped during eviction; when every
// page is pinned the cache grows past capacity rather than dropping unwritten
// data. The cache is owned by a single zone thread and needs no locking.
type PageCache struct {
	capacity   int
	lruList    *list.List
	cacheItems map[core.PhysicalBlockNumber]*list.Element
	onEvicted  func(pbn core.PhysicalBlockNumber, page *TreePage)

	hits     *expvar.Int
	misses   *expvar.Int
	pressure *expvar.Int
}

// NewPageCache creates a page cache holding up to capacity pages.
func NewPageCache(capacity int, onEvicted func(pbn core.PhysicalBlockNumber, page *TreePage)) *PageCache {
	return &PageCache{
		capacity:   capacity,
		lruList:    list.New(),
		cacheItems: make(map[core.PhysicalBlockNumber]*list.Element),
		onEvicted:  onEvicted,
	}
}

// SetMetrics wires the cache's hit, miss and pressure counters.
func (c *PageCache) SetMetrics(hits, misses, pressure *expvar.Int) {
	c.hits = hits
	c.misses = misses
	c.pressure = pressure
}

// Get retrieves a resident page.
func (c *PageCache) Get(pbn core.PhysicalBlockNumber) (*TreePage, bool) {
	if elem, ok := c.cacheItems[pbn]; ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*pageCacheEntry).page, true
	}
	if c.misses != nil {
		c.misses.Add(1)
	}
	return nil, false
}

// Put adds a page to the cache, evicting the least recently used unpinned
// page if over capacity.
func (c *PageCache) Put(pbn core.PhysicalBlockNumber, page *TreePage) {
	if elem, ok := c.cacheItems[pbn]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*pageCacheEntry).page = page
		return
	}

	if c.lruList.Len() >= c.capacity {
		c.evict()
	}

	element := c.lruList.PushFront(&pageCacheEntry{pbn: pbn, page: page})
	c.cacheItems[pbn] = element
}

// Len returns the current number of resident pages.
func (c *PageCache) Len() int {
	return c.lruList.Len()
}

// evict removes the least recently used page that is not pinned. If every
// page is busy the cache stays over capacity and the pressure counter is
// bumped instead.
func (c *PageCache) evict() {
	for elem := c.lruList.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*pageCacheEntry)
		if entry.page.Busy() {
			continue
		}
		c.lruList.Remove(elem)
		delete(c.cacheItems, entry.pbn)
		if c.onEvicted != nil {
			c.onEvicted(entry.pbn, entry.page)
		}
		return
	}
	if c.pressure != nil {
		c.pressure.Add(1)
	}
}

// Clear removes all entries, invoking onEvicted for each. The caller must
// ensure no page is dirty or mid-write.
func (c *PageCache) Clear() {
	if c.onEvicted != nil {
		for _, elem := range c.cacheItems {
			entry := elem.Value.(*pageCacheEntry)
			c.onEvicted(entry.pbn, entry.page)
		}
	}
	c.lruList = list.New()
	c.cacheItems = make(map[core.PhysicalBlockNumber]*list.Element)
	if c.hits != nil {
		c.hits.Set(0)
	}
	if c.misses != nil {
		c.misses.Set(0)
	}
}

// HitRate reports the fraction of lookups served from the cache, for use
// with expvar.Func.
func (c *PageCache) HitRate() float64 {
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
