package catalog

import (
	"container/list"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/opensci/runcat/pkg/metrics"
)

// ttlCache is a size-bounded, TTL-expiring LRU cache of *Run, grounded on
// the same container/list LRU structure the Arkilian download cache
// uses, generalized with an expiry per entry.
type ttlCache struct {
	mu       sync.Mutex
	maxItems int
	ttl      time.Duration
	now      func() time.Time

	items map[string]*list.Element
	order *list.List // front = most recently used
}

type ttlCacheEntry struct {
	key       string
	run       *Run
	expiresAt time.Time
}

func newTTLCache(maxItems int, ttl time.Duration, now func() time.Time) *ttlCache {
	if now == nil {
		now = time.Now
	}
	return &ttlCache{
		maxItems: maxItems,
		ttl:      ttl,
		now:      now,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached Run for key, or nil if absent or expired. A
// hit promotes the entry to most-recently-used.
func (c *ttlCache) Get(key string) *Run {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil
	}
	entry := elem.Value.(*ttlCacheEntry)
	if c.now().After(entry.expiresAt) {
		c.removeLocked(elem)
		return nil
	}
	c.order.MoveToFront(elem)
	return entry.run
}

// Put records run under key, evicting the least-recently-used entry if
// the cache is at capacity.
func (c *ttlCache) Put(key string, run *Run) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*ttlCacheEntry)
		entry.run = run
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	entry := &ttlCacheEntry{key: key, run: run, expiresAt: expiresAt}
	elem := c.order.PushFront(entry)
	c.items[key] = elem

	for c.order.Len() > c.maxItems && c.maxItems > 0 {
		c.evictOldestLocked()
	}
}

// Delete removes key's entry, if present. The run cache does not call
// it; its entries leave only by TTL expiry or LRU eviction.
func (c *ttlCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeLocked(elem)
	}
}

func (c *ttlCache) evictOldestLocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	c.removeLocked(back)
	sampleProcessRSS()
}

// sampleProcessRSS publishes this process's current resident set size,
// cheap enough to call on every eviction since gopsutil reads it
// straight from the OS's process table rather than keeping its own
// counters.
func sampleProcessRSS() {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return
	}
	metrics.ProcessRSSBytes.Set(float64(info.RSS))
}

func (c *ttlCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*ttlCacheEntry)
	c.order.Remove(elem)
	delete(c.items, entry.key)
}

// Len returns the current entry count, including expired entries that
// have not yet been reaped (expiry is only checked on Get).
func (c *ttlCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
