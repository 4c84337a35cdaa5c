// Package kmalloc implements the general-purpose kernel allocator (C4): a
// facade dispatching to the smallest slab.Cache that fits a request, and
// routing frees back to the owning cache by address-range membership.
//
// Grounded on original_source/kernel/mm/kmalloc.c.
package kmalloc

import (
	"fmt"

	"nucleus/internal/klog"
	"nucleus/kerrors"
	"nucleus/palloc"
	"nucleus/slab"
)

// sizeClasses are the fixed object sizes kmalloc serves, matching the
// slab_caches table in kmalloc.c: 8B through 32KB in power-of-two steps.
var sizeClasses = []uint32{
	8, 16, 32, 64, 128, 256, 512,
	1024, 2048, 4096, 8192, 16384, 32768,
}

// MaxSize is the largest single allocation kmalloc can satisfy.
var MaxSize = sizeClasses[len(sizeClasses)-1]

// Allocator is the C4 kmalloc facade over a fixed table of slab caches.
type Allocator struct {
	caches []*slab.Cache
	log    *klog.Logger
}

// New creates a kmalloc facade with one cache per size class, all backed
// by pages pages.
func New(pages *palloc.Allocator, log *klog.Logger) *Allocator {
	if log == nil {
		log = klog.Default
	}
	a := &Allocator{log: log}
	for _, size := range sizeClasses {
		name := sizeClassName(size)
		a.caches = append(a.caches, slab.NewCache(name, size, pages, log))
	}
	return a
}

func sizeClassName(size uint32) string {
	if size < 1024 {
		return fmt.Sprintf("kmalloc-%d", size)
	}
	return fmt.Sprintf("kmalloc-%dk", size/1024)
}

// Caches returns the fixed size-class cache table, one per entry in
// sizeClasses, for introspection by the metrics package.
func (a *Allocator) Caches() []*slab.Cache {
	return a.caches
}

// Malloc allocates size bytes from the smallest size class that fits,
// matching kmalloc()'s first-fit-ascending scan. Returns kerrors.Invalid if
// size exceeds MaxSize.
func (a *Allocator) Malloc(size uint32) (palloc.Pa, error) {
	a.log.Trace("kmalloc", "Malloc(%d)", size)
	for i, class := range sizeClasses {
		if size <= class {
			return a.caches[i].Alloc()
		}
	}
	return 0, kerrors.E(kerrors.Invalid, "kmalloc: %d bytes exceeds max allocation size %d", size, MaxSize)
}

// Free returns an allocation to its owning cache, found by scanning each
// cache's address ranges, matching kfree()'s reverse dispatch.
func (a *Allocator) Free(addr palloc.Pa) error {
	for _, c := range a.caches {
		if c.HasAddr(addr) {
			return c.Free(addr)
		}
	}
	return kerrors.E(kerrors.NotFound, "kmalloc: address 0x%x not owned by any cache", addr)
}

// Debug renders every size class's cache state, mirroring
// kmalloc_print_debug().
func (a *Allocator) Debug() string {
	s := "kmalloc:\n"
	for _, c := range a.caches {
		s += c.Debug()
	}
	return s
}
