package squashfs

import (
	"sync"
)

// cacheSlot is a single cache slot, whose lifecycle is, per spec §4.4:
// Unallocated -> Initializing(refcount=1,ready=false) -> Ready(refcount>=1)
// -> Unused(refcount=0) -> {reused | evicted}.
type cacheSlot[V any] struct {
	key     uint64
	value   V
	refcnt  int
	ready   bool
	waiting bool
	cv      *sync.Cond
}

// cache is a fixed-capacity, keyed, reference-counted block cache shared by
// both the metadata and data paths. It coalesces concurrent misses for the
// same key: the first Get on a missing key reserves a slot and becomes the
// sole initializer; every other concurrent Get on that key blocks in Get
// until Ready is called, then observes the same value.
//
// This is a direct translation of squashfuse's sqfs_cache (cache.c):
// one mutex guards all bookkeeping, one condition variable per slot signals
// "this slot became ready", and one cache-wide condition variable signals
// "a slot became available". Disposal and eviction are round-robin over
// slots with a zero refcount, not LRU — see "Open Questions resolved" in
// SPEC_FULL.md for why this single discipline was chosen over hash-bucketed
// eviction.
type cache[V any] struct {
	mu       sync.Mutex
	spaceCV  *sync.Cond
	dispose  func(V)
	slots    []*cacheSlot[V]
	initial  int // slots allocatable without waiting for space
	capacity int // hard ceiling on allocated slots
	avail    int // completely free slots (alloc'd-but-unused + never-alloc'd)
	evict    int // round-robin cursor for eviction
	waiters  int
}

// newCache builds a cache that may grow up to capacity slots, with `initial`
// of those immediately available without contending for eviction. dispose,
// if non-nil, runs against a slot's value when it is evicted.
func newCache[V any](initial, capacity int, dispose func(V)) *cache[V] {
	if dispose == nil {
		dispose = func(V) {}
	}
	c := &cache[V]{
		dispose:  dispose,
		initial:  initial,
		capacity: capacity,
		avail:    initial,
	}
	c.spaceCV = sync.NewCond(&c.mu)
	return c
}

// cacheHandle is a live reference into a cache slot. The caller must call
// Release exactly once when done; while any handle is outstanding for a key
// the slot cannot be evicted.
type cacheHandle[V any] struct {
	c    *cache[V]
	slot *cacheSlot[V]
}

// Value returns the slot's payload. Only valid to call after Ready (for the
// initializer) or after Get returns (for every other caller, which only
// ever observes ready slots).
func (h *cacheHandle[V]) Value() V {
	return h.slot.value
}

// Release decrements the slot's refcount. At zero it becomes an eviction
// candidate and a waiter, if any, is woken.
func (h *cacheHandle[V]) Release() {
	c := h.c
	c.mu.Lock()
	defer c.mu.Unlock()

	h.slot.refcnt--
	if h.slot.refcnt == 0 {
		c.avail++
		if c.waiters > 0 {
			c.spaceCV.Signal()
		}
	}
}

// Ready marks a just-initialized slot as usable and wakes any goroutines
// blocked waiting for it in Get. Must be called exactly once by whichever
// goroutine's Get call returned initialized=true.
func (h *cacheHandle[V]) Ready() {
	c := h.c
	c.mu.Lock()
	h.slot.ready = true
	if h.slot.waiting {
		h.slot.cv.Broadcast()
	}
	c.mu.Unlock()
}

// Get returns a handle to the slot for key, coalescing concurrent misses.
// initialized is true exactly once per key generation: the caller that
// receives initialized=true owns writing Value and must call Ready when
// done (even on error — see the block engine, which stores the error
// itself inside V and still calls Ready so waiters don't hang forever).
func (c *cache[V]) Get(key uint64) (h *cacheHandle[V], initialized bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		for _, s := range c.slots {
			if s == nil || s.key != key {
				continue
			}
			if s.refcnt == 0 {
				c.avail--
			}
			s.refcnt++
			for !s.ready {
				s.waiting = true
				s.cv.Wait()
			}
			return &cacheHandle[V]{c: c, slot: s}, false
		}

		if s := c.findFreeSlot(key); s != nil {
			return &cacheHandle[V]{c: c, slot: s}, true
		}

		c.waiters++
		c.spaceCV.Wait()
		c.waiters--
	}
}

// findFreeSlot implements sqfs_cache_find_free_entry: prefer a never-used
// slot under `initial`, then round-robin evict an unused existing slot,
// then grow up to `capacity`. Returns nil if nothing is free. Must be
// called with c.mu held.
func (c *cache[V]) findFreeSlot(key uint64) *cacheSlot[V] {
	if c.avail > 0 && len(c.slots) < c.initial {
		s := c.allocSlot(key)
		c.avail--
		return s
	}

	for i := 0; i < len(c.slots); i++ {
		j := (c.evict + i) % len(c.slots)
		s := c.slots[j]
		if s.refcnt == 0 {
			c.dispose(s.value)
			var zero V
			s.value = zero
			c.avail--
			c.evict = (j + 1) % len(c.slots)
			s.key = key
			s.ready = false
			s.refcnt = 1
			s.waiting = false
			return s
		}
	}

	if len(c.slots) < c.capacity {
		return c.allocSlot(key)
	}

	return nil
}

func (c *cache[V]) allocSlot(key uint64) *cacheSlot[V] {
	s := &cacheSlot[V]{
		key:    key,
		refcnt: 1,
		cv:     sync.NewCond(&c.mu),
	}
	c.slots = append(c.slots, s)
	return s
}
