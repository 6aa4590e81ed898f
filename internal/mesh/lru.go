package mesh

import "container/list"

// lruCache is a small generic LRU map shared by the signing-key cache, the
// route cache, and the handshake/sync rate limiters: an ordered list with
// move-to-front on touch, where eviction pops the back. It generalizes the per-key map + background-ticker shape of
// the teacher's rate limiter into a hard-capacity, touch-on-hit structure.
type lruCache[K comparable, V any] struct {
	capacity int
	order    *list.List // front = most recently used
	items    map[K]*list.Element
}

type lruEntry[K comparable, V any] struct {
	key K
	val V
}

func newLRUCache[K comparable, V any](capacity int) *lruCache[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &lruCache[K, V]{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[K]*list.Element),
	}
}

// Get returns the value for key and touches it to the MRU position.
func (c *lruCache[K, V]) Get(key K) (V, bool) {
	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*lruEntry[K, V]).val, true
	}
	var zero V
	return zero, false
}

// Peek returns the value for key without affecting recency order.
func (c *lruCache[K, V]) Peek(key K) (V, bool) {
	if el, ok := c.items[key]; ok {
		return el.Value.(*lruEntry[K, V]).val, true
	}
	var zero V
	return zero, false
}

// Set inserts or updates key, moving it to the MRU position, and evicts the
// LRU entry if the cache is now over capacity.
func (c *lruCache[K, V]) Set(key K, val V) {
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry[K, V]).val = val
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&lruEntry[K, V]{key: key, val: val})
	c.items[key] = el
	c.evictOverCapacity()
}

func (c *lruCache[K, V]) evictOverCapacity() {
	for c.order.Len() > c.capacity {
		back := c.order.Back()
		if back == nil {
			return
		}
		be := back.Value.(*lruEntry[K, V])
		c.order.Remove(back)
		delete(c.items, be.key)
	}
}

// Touch moves an existing key to the MRU position without changing its
// value. The LRU "survives out-of-order arrivals" requirement (spec
// §4.E.4) is this: re-touching an entry protects it from eviction even
// when other fresh inserts would otherwise push the cache over capacity.
func (c *lruCache[K, V]) Touch(key K) bool {
	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.MoveToFront(el)
	return true
}

// Delete removes key if present.
func (c *lruCache[K, V]) Delete(key K) {
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Len returns the number of entries currently cached.
func (c *lruCache[K, V]) Len() int { return c.order.Len() }

// Clear empties the cache.
func (c *lruCache[K, V]) Clear() {
	c.order.Init()
	c.items = make(map[K]*list.Element)
}

// DeleteMatching removes every entry for which match returns true and
// reports how many were removed. Used for route-cache invalidation, which
// must scan every entry for ones whose key or hop list names a peer rather
// than delete one exact key.
func (c *lruCache[K, V]) DeleteMatching(match func(key K, val V) bool) int {
	removed := 0
	var next *list.Element
	for el := c.order.Front(); el != nil; el = next {
		next = el.Next()
		e := el.Value.(*lruEntry[K, V])
		if match(e.key, e.val) {
			c.order.Remove(el)
			delete(c.items, e.key)
			removed++
		}
	}
	return removed
}

// Keys returns all keys in MRU-to-LRU order, mainly for tests/snapshots.
func (c *lruCache[K, V]) Keys() []K {
	keys := make([]K, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*lruEntry[K, V]).key)
	}
	return keys
}
