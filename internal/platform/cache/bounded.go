package cache

import (
	"container/list"
	"sync"
)

// DefaultCapacity is the capacity used when a non-positive capacity is requested.
const DefaultCapacity = 1024

// Bounded is a fixed-capacity associative cache that evicts by insertion order.
//
// Eviction follows write recency only: Set moves a key to the most recent
// position (whether it is new or already present) while Get and Has never touch
// the ordering. When a new key is inserted into a full cache the least recently
// written key is dropped, even if it was read a moment ago. This is not an LRU.
type Bounded[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[K]*list.Element
}

type boundedItem[K comparable, V any] struct {
	key   K
	value V
}

// NewBounded constructs a Bounded cache holding at most capacity keys.
func NewBounded[K comparable, V any](capacity int) *Bounded[K, V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bounded[K, V]{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[K]*list.Element, capacity),
	}
}

// Has reports whether key is cached.
func (c *Bounded[K, V]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Get returns the cached value for key. Ordering is left untouched.
func (c *Bounded[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return el.Value.(*boundedItem[K, V]).value, true
}

// Set stores value under key and marks key as the most recently written.
func (c *Bounded[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*boundedItem[K, V]).value = value
		c.order.MoveToBack(el)
		return
	}
	if c.order.Len() >= c.capacity {
		if oldest := c.order.Front(); oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*boundedItem[K, V]).key)
		}
	}
	c.items[key] = c.order.PushBack(&boundedItem[K, V]{key: key, value: value})
}

// Delete removes key if present.
func (c *Bounded[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Clear drops every key.
func (c *Bounded[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[K]*list.Element, c.capacity)
}

// Len returns the number of cached keys.
func (c *Bounded[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the maximum number of keys the cache holds.
func (c *Bounded[K, V]) Capacity() int {
	return c.capacity
}
