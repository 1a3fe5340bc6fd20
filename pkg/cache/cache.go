package cache

import (
	"container/list"
	"sync"
)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64 // Number of cache hits
	Misses    int64 // Number of cache misses
	Size      int   // Current number of entries
	Bytes     int64 // Current accounted size
	Capacity  int   // Maximum number of entries
	MaxBytes  int64 // Maximum accounted size (0 = unlimited)
	Evictions int64 // Number of evicted entries
}

// Cache is a threadsafe LRU bounded by entry count and, optionally, by the
// summed size of its values.
type Cache[V any] struct {
	mu       sync.Mutex
	ll       *list.List
	items    map[string]*list.Element
	capacity int
	maxBytes int64
	bytes    int64
	sizeOf   func(V) int64
	stats    Stats
}

type entry[V any] struct {
	key   string
	value V
	size  int64
}

// New returns a cache holding at most capacity entries. When maxBytes > 0 and
// sizeOf is non-nil, values are also evicted to keep their summed size under
// maxBytes; a single value larger than maxBytes is never cached.
func New[V any](capacity int, maxBytes int64, sizeOf func(V) int64) *Cache[V] {
	if capacity <= 0 {
		capacity = 1024
	}
	if sizeOf == nil {
		maxBytes = 0
	}
	return &Cache[V]{
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		capacity: capacity,
		maxBytes: maxBytes,
		sizeOf:   sizeOf,
	}
}

// Bytes returns a cache of byte slices accounted by length.
func Bytes(capacity int, maxBytes int64) *Cache[[]byte] {
	return New(capacity, maxBytes, func(b []byte) int64 { return int64(len(b)) })
}

// Get retrieves a value if present.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.ll.MoveToFront(ele)
		c.stats.Hits++
		return ele.Value.(*entry[V]).value, true
	}
	c.stats.Misses++
	var zero V
	return zero, false
}

// Set inserts or updates a cache entry.
func (c *Cache[V]) Set(key string, value V) {
	var size int64
	if c.sizeOf != nil {
		size = c.sizeOf(value)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxBytes > 0 && size > c.maxBytes {
		if ele, ok := c.items[key]; ok {
			c.removeElement(ele)
		}
		return
	}
	if ele, ok := c.items[key]; ok {
		c.ll.MoveToFront(ele)
		ent := ele.Value.(*entry[V])
		c.bytes += size - ent.size
		ent.value = value
		ent.size = size
		c.evictOverflow()
		return
	}
	ele := c.ll.PushFront(&entry[V]{key: key, value: value, size: size})
	c.items[key] = ele
	c.bytes += size
	c.evictOverflow()
}

// Delete removes a key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.removeElement(ele)
	}
}

// evictOverflow drops least recently used entries until both bounds hold.
// The front element (the one just written) is never evicted.
func (c *Cache[V]) evictOverflow() {
	for c.ll.Len() > 1 && (c.ll.Len() > c.capacity || (c.maxBytes > 0 && c.bytes > c.maxBytes)) {
		c.removeElement(c.ll.Back())
		c.stats.Evictions++
	}
}

func (c *Cache[V]) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	ent := ele.Value.(*entry[V])
	c.bytes -= ent.size
	delete(c.items, ent.key)
}

// Stats returns current cache statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.ll.Len()
	s.Bytes = c.bytes
	s.Capacity = c.capacity
	s.MaxBytes = c.maxBytes
	return s
}

// Size returns the current number of entries in the cache.
func (c *Cache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
