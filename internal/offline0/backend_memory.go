package offline0

import (
	"sort"
	"strings"
	"sync"
)

type memItem struct {
	key  string
	val  []byte
	prev *memItem
	next *memItem
}

// MemoryBackend is a byte-bounded LRU. Meta keys are never evicted.
type MemoryBackend struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*memItem
	head  *memItem
	tail  *memItem
	total int64
}

func NewMemoryBackend(maxBytes int64) *MemoryBackend {
	return &MemoryBackend{maxBytes: maxBytes, items: map[string]*memItem{}}
}

func (c *MemoryBackend) Get(key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	c.moveToFront(it)
	return it.val, true, nil
}

func (c *MemoryBackend) Put(key string, val []byte) error {
	v := make([]byte, len(val))
	copy(v, val)
	sz := int64(len(v))

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total += sz - int64(len(it.val))
		it.val = v
		c.moveToFront(it)
	} else {
		it := &memItem{key: key, val: v}
		c.items[key] = it
		c.addToFront(it)
		c.total += sz
	}
	c.evictLocked(key)
	return nil
}

func (c *MemoryBackend) evictLocked(keep string) {
	if c.maxBytes <= 0 {
		return
	}
	for it := c.tail; it != nil && c.total > c.maxBytes; {
		prev := it.prev
		if it.key != keep && strings.HasPrefix(it.key, entryPrefix) {
			c.removeLocked(it)
		}
		it = prev
	}
}

func (c *MemoryBackend) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.removeLocked(it)
	}
	return nil
}

func (c *MemoryBackend) Iterate(prefix string, fn func(key string, val []byte) bool) error {
	c.mu.Lock()
	keys := make([]string, 0, len(c.items))
	vals := make(map[string][]byte, len(c.items))
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
			vals[k] = it.val
		}
	}
	c.mu.Unlock()

	sort.Strings(keys)
	for _, k := range keys {
		if !fn(k, vals[k]) {
			return nil
		}
	}
	return nil
}

func (c *MemoryBackend) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *MemoryBackend) Close() error { return nil }

func (c *MemoryBackend) removeLocked(it *memItem) {
	c.unlink(it)
	delete(c.items, it.key)
	c.total -= int64(len(it.val))
}

func (c *MemoryBackend) addToFront(it *memItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *MemoryBackend) unlink(it *memItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *MemoryBackend) moveToFront(it *memItem) {
	if c.head == it {
		return
	}
	c.unlink(it)
	c.addToFront(it)
}
