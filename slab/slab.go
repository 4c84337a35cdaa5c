// Package slab implements the slab allocator (C3): page-backed caches of
// fixed-size objects, used as the backing store for package kmalloc.
//
// Grounded on original_source/kernel/mm/slab.c (slab_malloc, slab_free,
// slab_alloc_from_cache, slab_alloc_from_slab, slab_add_cache_frame,
// slab_cache_has_addr) and include/rotary/mm/slab.h.
package slab

import (
	"fmt"

	"nucleus/archops"
	"nucleus/internal/klog"
	"nucleus/kerrors"
	"nucleus/kutil"
	"nucleus/palloc"
)

// DefaultOrder is the buddy-allocator order used for every new slab,
// matching SLAB_DEFAULT_ORDER (16 pages per slab).
const DefaultOrder = 4

// headerReserve is the space carved out of the start of every slab for its
// header. The header itself is ordinary Go bookkeeping (a *header value),
// not serialized into the page's bytes the way the original places
// slab_header_t at PAGE_VA(new_page) — but the reservation is kept so the
// usable-object-region size calculation, and therefore object counts per
// slab, match the original's layout.
const headerReserve = 64

// nextPtrSize is the width in bytes of the free-list "next" pointer encoded
// into each free object's first bytes, matching struct slab_object_empty.
const nextPtrSize = 8

// header describes one slab: a contiguous run of 2^pageOrder pages holding
// objects of a single size.
type header struct {
	next *header

	startAddr palloc.Pa // first byte usable for objects
	endAddr   palloc.Pa // one past the last usable byte

	objectCount uint32
	objectSize  uint32
	freeCount   uint32
	pageOrder   uint32

	freeListHead palloc.Pa // 0 means empty; see Cache doc for why 0 is safe
}

// Cache manages allocation of fixed-size objects backed by one or more
// slabs. Objects are real addresses into the backing palloc.Pool: the
// free-list "next" pointer for an unused object is written into the
// object's own first nextPtrSize bytes, exactly as the original overlays
// struct slab_object_empty on unused object storage.
//
// A freeListHead (or a free-list "next" link) of 0 means "no further free
// object": every object address handed out by this cache is
// startAddr-or-later, and startAddr is always > 0 (it sits headerReserve
// bytes into the slab's first page, even when that page is PFN 0), so 0 can
// never collide with a real object address.
type Cache struct {
	Name       string
	ObjectSize uint32

	TotalSize  uint64
	AllocCount uint32

	lock      archops.Spinlock
	firstSlab *header

	pages *palloc.Allocator
	log   *klog.Logger
}

// NewCache creates a cache with no slabs yet; the first slab is added
// lazily on the first allocation.
func NewCache(name string, objectSize uint32, pages *palloc.Allocator, log *klog.Logger) *Cache {
	if log == nil {
		log = klog.Default
	}
	return &Cache{Name: name, ObjectSize: objectSize, pages: pages, log: log}
}

func writeNext(pool *palloc.Pool, addr palloc.Pa, next palloc.Pa) {
	kutil.Writen(pool.At(addr, nextPtrSize), nextPtrSize, 0, int(next))
}

func readNext(pool *palloc.Pool, addr palloc.Pa) palloc.Pa {
	return palloc.Pa(kutil.Readn(pool.At(addr, nextPtrSize), nextPtrSize, 0))
}

// addCacheFrame allocates a new slab's worth of pages and appends it to the
// cache's slab list, mirroring slab_add_cache_frame(). Caller must hold
// c.lock.
func (c *Cache) addCacheFrame() error {
	page, err := c.pages.Alloc(DefaultOrder)
	if err != nil {
		return kerrors.E(kerrors.OutOfMemory, "slab: failed to allocate backing pages for cache %q: %v", c.Name, err)
	}

	pageCount := uint32(1) << DefaultOrder
	totalSize := pageCount * palloc.PageSize
	start := palloc.AddrOf(page.PFN)

	h := &header{
		pageOrder:  DefaultOrder,
		objectSize: c.ObjectSize,
		startAddr:  start + headerReserve,
		endAddr:    start + palloc.Pa(totalSize),
	}
	usable := totalSize - headerReserve
	h.objectCount = usable / c.ObjectSize
	h.freeCount = h.objectCount

	c.TotalSize += uint64(totalSize)
	c.AllocCount += pageCount

	if c.firstSlab == nil {
		c.firstSlab = h
	} else {
		cur := c.firstSlab
		for cur.next != nil {
			cur = cur.next
		}
		cur.next = h
	}

	pool := c.pages.Pool()
	var prev palloc.Pa
	cur := h.startAddr
	for i := uint32(0); i < h.objectCount; i++ {
		if prev == 0 {
			h.freeListHead = cur
		} else {
			writeNext(pool, prev, cur)
		}
		prev = cur
		cur += palloc.Pa(c.ObjectSize)
	}
	if prev != 0 {
		writeNext(pool, prev, 0)
	}

	c.log.Trace("slab", "cache %q: added slab [0x%x,0x%x), %d objects", c.Name, h.startAddr, h.endAddr, h.objectCount)
	return nil
}

// allocFromSlab pops the head of h's free list. Caller must hold c.lock.
func (c *Cache) allocFromSlab(h *header) (palloc.Pa, error) {
	if h.freeCount == 0 || h.freeListHead == 0 {
		return 0, kerrors.E(kerrors.InvalidState, "slab: allocFromSlab on slab with no free objects")
	}
	obj := h.freeListHead
	h.freeListHead = readNext(c.pages.Pool(), obj)
	h.freeCount--
	return obj, nil
}

// allocFromCache finds the first slab with a free object and allocates
// from it. Caller must hold c.lock. Returns (0, err) if every slab is full.
func (c *Cache) allocFromCache() (palloc.Pa, error) {
	for h := c.firstSlab; h != nil; h = h.next {
		if h.freeCount > 0 {
			return c.allocFromSlab(h)
		}
	}
	return 0, kerrors.E(kerrors.OutOfMemory, "slab: no slab in cache %q has free objects", c.Name)
}

// Alloc allocates one object, growing the cache with a new slab if every
// existing slab is full.
func (c *Cache) Alloc() (palloc.Pa, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if obj, err := c.allocFromCache(); err == nil {
		return obj, nil
	}

	if err := c.addCacheFrame(); err != nil {
		return 0, err
	}
	return c.allocFromCache()
}

// Free returns obj to the slab that owns its address, inserting it into
// that slab's free list in address order (matching slab_free()'s
// ascending-address insertion, which keeps slabs compacting toward low
// addresses under access patterns with locality).
func (c *Cache) Free(obj palloc.Pa) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	pool := c.pages.Pool()
	for h := c.firstSlab; h != nil; h = h.next {
		if obj < h.startAddr || obj >= h.endAddr {
			continue
		}

		if h.freeListHead == 0 || obj < h.freeListHead {
			writeNext(pool, obj, h.freeListHead)
			h.freeListHead = obj
			h.freeCount++
			return nil
		}

		prev := h.freeListHead
		for {
			next := readNext(pool, prev)
			if next == 0 || obj < next {
				writeNext(pool, obj, next)
				writeNext(pool, prev, obj)
				h.freeCount++
				return nil
			}
			prev = next
		}
	}
	return kerrors.E(kerrors.NotFound, "slab: address 0x%x not owned by cache %q", obj, c.Name)
}

// HasAddr reports whether addr falls within any slab this cache owns,
// matching slab_cache_has_addr() — used by kmalloc's reverse dispatch on
// free.
func (c *Cache) HasAddr(addr palloc.Pa) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	for h := c.firstSlab; h != nil; h = h.next {
		if addr >= h.startAddr && addr < h.endAddr {
			return true
		}
	}
	return false
}

// Stats returns the cache's aggregate object count and free count across
// every slab, for the metrics package's Prometheus collector.
func (c *Cache) Stats() (objectCount, freeCount uint32) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for h := c.firstSlab; h != nil; h = h.next {
		objectCount += h.objectCount
		freeCount += h.freeCount
	}
	return objectCount, freeCount
}

// Debug renders the cache's slab list, mirroring slab_cache_print_debug().
func (c *Cache) Debug() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	s := fmt.Sprintf("Cache %q [objsize: %d]\n", c.Name, c.ObjectSize)
	if c.firstSlab == nil {
		return s + "  No slabs!\n"
	}
	for h := c.firstSlab; h != nil; h = h.next {
		pageCount := uint32(1) << h.pageOrder
		totalBytes := pageCount * palloc.PageSize
		s += fmt.Sprintf("  -> slab [0x%x,0x%x) pages=%d total=%d objtotal=%d objfree=%d objused=%d\n",
			h.startAddr, h.endAddr, pageCount, totalBytes, h.objectCount, h.freeCount, h.objectCount-h.freeCount)
	}
	return s
}
