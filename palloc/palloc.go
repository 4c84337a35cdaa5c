// Package palloc implements the buddy page allocator (C2): power-of-two
// page blocks handed out from per-order free lists, split on demand and
// merged back together on free.
//
// Grounded on original_source/kernel/mm/palloc.c (buddy_init, page_alloc,
// page_free, buddy_split_block, buddy_merge_block).
package palloc

import (
	"fmt"

	"nucleus/archops"
	"nucleus/bootmem"
	"nucleus/internal/klog"
	"nucleus/kerrors"
)

// PageSize is the platform's base page size in bytes.
const PageSize = bootmem.PageSize

// MinOrder and MaxOrder bound the orders the buddy allocator manages: a
// block of order o spans 2^o pages. MaxOrder of 6 caps single allocations
// at 64 pages (256KiB with a 4KiB page size), matching ORDER_MAX.
const (
	MinOrder = 0
	MaxOrder = 6
)

// orderUsed marks a page struct that is currently allocated (not on any
// free list), mirroring ORDER_USED (-1) in the original.
const orderUsed = -1

// LowmemLimit is the physical address boundary between the low-memory zone
// (directly mapped in kernel virtual memory) and high memory, matching
// arch/paging.h's LOWMEM_PLIMIT.
const LowmemLimit Pa = 0x40000000

// Pa is a physical address. Pa, PFN and virtual addresses are deliberately
// distinct types (spec.md §9): conversions only ever happen through the
// named functions below.
type Pa uintptr

// PFN is a page-frame number: a physical address divided by PageSize.
type PFN uint32

// PFNOf converts a physical address to its containing page-frame number.
func PFNOf(pa Pa) PFN { return PFN(uintptr(pa) / PageSize) }

// AddrOf converts a page-frame number to the physical address of its first
// byte.
func AddrOf(pfn PFN) Pa { return Pa(uintptr(pfn) * PageSize) }

// SizeOrder returns the smallest order whose block (2^order pages) is at
// least size bytes, matching the SIZE_ORDER() macro.
func SizeOrder(size uintptr) uint32 {
	pages := size / PageSize
	if size%PageSize != 0 {
		pages++
	}
	var order uint32
	for uintptr(1)<<order < pages {
		order++
	}
	return order
}

// Flags records per-page metadata assigned at buddy_init time.
type Flags uint32

const (
	// FlagInvalid marks a page that must never be allocated: it isn't
	// backed by real memory until a later bootmem region marks it free.
	FlagInvalid Flags = 1 << iota
	// FlagZoneLowmem marks a page directly mapped in kernel virtual memory.
	FlagZoneLowmem
	// FlagZoneHighmem marks a page above LowmemLimit.
	FlagZoneHighmem
	// FlagKernel marks a page holding the kernel image or the page-struct
	// area itself; such pages are never freeable.
	FlagKernel
)

// Page is the per-page-frame record, one per physical page the allocator
// knows about.
type Page struct {
	PFN      PFN
	UseCount uint32
	Flags    Flags
	Order    int32 // orderUsed while allocated, a valid order while free

	prev, next *Page // intrusive free-list links for this page's order
}

// blockList tracks the free pages of one order.
type blockList struct {
	head      *Page // most-recently-freed page (LIFO head)
	freeCount uint32
}

func (b *blockList) pushFront(p *Page) {
	p.prev = nil
	p.next = b.head
	if b.head != nil {
		b.head.prev = p
	}
	b.head = p
	b.freeCount++
}

func (b *blockList) remove(p *Page) {
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		b.head = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	}
	p.prev, p.next = nil, nil
	b.freeCount--
}

// last returns the current LIFO head (the "last freed" page), or nil.
func (b *blockList) last() *Page { return b.head }

// Pool is the physical memory arena backing allocated pages: a flat byte
// slice indexed by page-frame number, so that callers needing real
// addressable storage (task kernel stacks, page tables) can read and write
// through an allocation rather than just holding accounting metadata.
type Pool struct {
	bytes []byte
}

// NewPool allocates a zeroed arena covering pageCount pages.
func NewPool(pageCount uint32) *Pool {
	return &Pool{bytes: make([]byte, uintptr(pageCount)*PageSize)}
}

// Bytes returns the backing storage for the page at pfn.
func (p *Pool) Bytes(pfn PFN) []byte {
	off := uintptr(pfn) * PageSize
	return p.bytes[off : off+PageSize]
}

// At returns length bytes of backing storage starting at physical address
// pa, for callers (slab's free-list encoding, pgtbl's table byte access)
// that address memory directly rather than through a PFN. Panics if the
// requested range falls outside the arena, a structural bug.
func (p *Pool) At(pa Pa, length uintptr) []byte {
	off := uintptr(pa)
	if off+length > uintptr(len(p.bytes)) {
		panic(fmt.Sprintf("palloc: Pool.At(0x%x, %d) out of range (arena size %d)", pa, length, len(p.bytes)))
	}
	return p.bytes[off : off+length]
}

// Allocator is the C2 buddy page allocator.
type Allocator struct {
	pages     []Page
	blocks    [MaxOrder + 1]blockList
	pool      *Pool
	kernelLow Pa // [kernelLow, kernelHigh) is never freeable
	kernelHigh Pa
	lock      archops.Spinlock
	log       *klog.Logger
}

// New initialises a buddy allocator covering highestPFN page frames. All
// pages start out FlagInvalid; callers must call MarkFree for each
// available bootmem region before allocating, mirroring the boot sequence
// where buddy_init() runs before bootmem hands its regions over.
//
// image is the kernel's physical footprint (matching palloc.c's use of the
// KERNEL_PHYS_START/END linker symbols); pages inside [image.Start,
// image.End) are marked FlagKernel. The page-struct records themselves live
// in an ordinary Go slice, not in the Pool, so no Pool pages are reserved or
// flagged for them.
func New(highestPFN uint32, image bootmem.Image, log *klog.Logger) *Allocator {
	if log == nil {
		log = klog.Default
	}
	a := &Allocator{
		pages:      make([]Page, highestPFN),
		pool:       NewPool(highestPFN),
		kernelLow:  Pa(image.Start),
		kernelHigh: Pa(image.End),
		log:        log,
	}
	for i := range a.pages {
		pfn := PFN(i)
		p := &a.pages[i]
		p.PFN = pfn
		p.Order = 0
		p.Flags = FlagInvalid

		addr := AddrOf(pfn)
		if addr < LowmemLimit {
			p.Flags |= FlagZoneLowmem
		} else {
			p.Flags |= FlagZoneHighmem
		}
		if addr >= a.kernelLow && addr < a.kernelHigh {
			p.Flags |= FlagKernel
		}
	}
	log.Trace("palloc", "New: %d pages, kernel [0x%x,0x%x)", highestPFN, a.kernelLow, a.kernelHigh)
	return a
}

// Pool returns the byte arena backing this allocator's pages.
func (a *Allocator) Pool() *Pool { return a.pool }

// PageCount returns the total number of page-frame records.
func (a *Allocator) PageCount() int { return len(a.pages) }

// PageFromPFN returns the page record for pfn. Panics on an out-of-range
// PFN, a structural bug rather than a recoverable condition.
func (a *Allocator) PageFromPFN(pfn PFN) *Page {
	if int(pfn) >= len(a.pages) {
		panic(fmt.Sprintf("palloc: PFN %d out of range (max %d)", pfn, len(a.pages)))
	}
	return &a.pages[pfn]
}

// MarkFree clears FlagInvalid on the pages covering [start, end) and hands
// them to the allocator via InitialFree, mirroring the boot sequence where
// bootmem's available regions are fed into buddy_init.
func (a *Allocator) MarkFree(start, end Pa) {
	startPFN := PFNOf(start)
	endPFN := PFNOf(end)
	for pfn := startPFN; pfn < endPFN; pfn++ {
		p := a.PageFromPFN(pfn)
		if p.Flags&FlagKernel != 0 {
			continue
		}
		p.Flags &^= FlagInvalid
		a.InitialFree(p)
	}
}

// InitialFree adds a page directly to the buddy allocator without the
// use-count and critical-page checks page_free performs, mirroring
// page_initial_free(): used only while priming the allocator from bootmem,
// when every page's use count is legitimately zero.
func (a *Allocator) InitialFree(p *Page) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.mergeBlock(p, 0)
}

// isCritical reports whether p holds kernel code, data, or the page-struct
// area and must never be freed.
func (a *Allocator) isCritical(p *Page) bool {
	return p.Flags&FlagKernel != 0
}

func (a *Allocator) buddyOf(p *Page, order uint32) *Page {
	buddyPFN := PFN(uint32(p.PFN) ^ (1 << order))
	return a.PageFromPFN(buddyPFN)
}

// Alloc allocates a block of 2^order contiguous pages, splitting a larger
// free block if none of the requested order are available. Returns
// kerrors.Invalid for an out-of-range order and kerrors.OutOfMemory if no
// block (even after splitting) can satisfy the request.
func (a *Allocator) Alloc(order uint32) (*Page, error) {
	if order < MinOrder || order > MaxOrder {
		return nil, kerrors.E(kerrors.Invalid, "palloc: invalid order %d", order)
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	if a.blocks[order].freeCount == 0 {
		a.splitBlock(order + 1)
		if a.blocks[order].freeCount == 0 {
			return nil, kerrors.E(kerrors.OutOfMemory, "palloc: no order-%d block available", order)
		}
	}

	p := a.blocks[order].last()
	if p == nil {
		return nil, kerrors.E(kerrors.OutOfMemory, "palloc: order-%d free list empty despite non-zero count", order)
	}
	a.removeBlock(p)
	p.UseCount++
	a.log.Trace("palloc", "Alloc(order=%d) -> pfn %d", order, p.PFN)
	return p, nil
}

// splitBlock finds a free block at order (recursing to order+1 if none are
// free there) and splits it into two order-1 blocks. Returns
// kerrors.OutOfMemory if no block at or above order can be split.
// Caller must hold a.lock.
func (a *Allocator) splitBlock(order uint32) error {
	if order > MaxOrder {
		return kerrors.E(kerrors.OutOfMemory, "palloc: cannot split beyond max order")
	}
	if a.blocks[order].freeCount == 0 {
		if err := a.splitBlock(order + 1); err != nil {
			return err
		}
		if a.blocks[order].freeCount == 0 {
			return kerrors.E(kerrors.OutOfMemory, "palloc: recursive split failed")
		}
	}

	target := a.blocks[order].last()
	if target == nil {
		return kerrors.E(kerrors.OutOfMemory, "palloc: no block to split at order %d", order)
	}
	a.removeBlock(target)

	lowerOrder := order - 1
	buddy := a.buddyOf(target, lowerOrder)
	a.addBlock(target, lowerOrder)
	a.addBlock(buddy, lowerOrder)
	return nil
}

// removeBlock takes p off its current order's free list and marks it used.
// Caller must hold a.lock.
func (a *Allocator) removeBlock(p *Page) {
	a.blocks[p.Order].remove(p)
	p.Order = orderUsed
}

// addBlock puts p onto order's free list (LIFO, at the head) and marks it
// free at that order. Caller must hold a.lock.
func (a *Allocator) addBlock(p *Page, order uint32) {
	p.Order = int32(order)
	a.blocks[order].pushFront(p)
}

// mergeBlock merges p with its buddy repeatedly while the buddy is free, of
// the same order, and not invalid, then adds the resulting block to its
// order's free list. Caller must hold a.lock.
func (a *Allocator) mergeBlock(p *Page, order uint32) {
	for order < MaxOrder {
		buddyPFN := PFN(uint32(p.PFN) ^ (1 << order))
		if int(buddyPFN) >= len(a.pages) {
			// The buddy would fall outside the page-struct table entirely
			// (the managed range isn't order-aligned at this size); nothing
			// to merge with.
			break
		}
		buddy := a.PageFromPFN(buddyPFN)
		if buddy.Order != int32(order) {
			break
		}
		if buddy.Flags&FlagInvalid != 0 {
			break
		}

		a.blocks[order].remove(buddy)

		// Continue from the lower-PFN half of the pair.
		p = a.PageFromPFN(PFN(uint32(p.PFN) &^ (1 << order)))
		higher := a.buddyOf(p, order)
		higher.Order = int32(order)

		order++
	}
	a.addBlock(p, order)
}

// Free returns a block of 2^order pages to the allocator, merging with its
// buddy where possible. If the page's use count is above one (it is
// shared), Free only decrements the use count and leaves the block
// allocated. Returns kerrors.Invalid if p is nil and kerrors.Critical if p
// is flagged FlagKernel.
func (a *Allocator) Free(p *Page, order uint32) error {
	if p == nil {
		return kerrors.E(kerrors.Invalid, "palloc: Free of nil page")
	}
	if a.isCritical(p) {
		return kerrors.E(kerrors.Critical, "palloc: attempted to free kernel page pfn %d", p.PFN)
	}

	a.log.Trace("palloc", "Free(pfn=%d order=%d) use_count=%d", p.PFN, order, p.UseCount)

	if p.UseCount > 1 {
		a.lock.Lock()
		p.UseCount--
		a.lock.Unlock()
		return nil
	}

	a.lock.Lock()
	defer a.lock.Unlock()
	p.Order = int32(order)
	a.mergeBlock(p, order)
	if p.UseCount > 0 {
		p.UseCount--
	}
	return nil
}

// FreeCount returns the number of free blocks at order, for tests and
// metrics.
func (a *Allocator) FreeCount(order uint32) uint32 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.blocks[order].freeCount
}

// Snapshot is a point-in-time view of allocator occupancy, used by the
// metrics package's Prometheus collector.
type Snapshot struct {
	PageCount    int
	FreeByOrder  [MaxOrder + 1]uint32
	LowmemPages  int
	HighmemPages int
}

// Snapshot captures the allocator's current state.
func (a *Allocator) Snapshot() Snapshot {
	a.lock.Lock()
	defer a.lock.Unlock()
	s := Snapshot{PageCount: len(a.pages)}
	for i := range a.blocks {
		s.FreeByOrder[i] = a.blocks[i].freeCount
	}
	for i := range a.pages {
		if a.pages[i].Flags&FlagZoneLowmem != 0 {
			s.LowmemPages++
		} else if a.pages[i].Flags&FlagZoneHighmem != 0 {
			s.HighmemPages++
		}
	}
	return s
}

// Debug renders allocator occupancy, mirroring buddy_print_debug().
func (a *Allocator) Debug() string {
	s := a.Snapshot()
	out := fmt.Sprintf("palloc: %d pages, max order %d\n", s.PageCount, MaxOrder)
	for i, fc := range s.FreeByOrder {
		out += fmt.Sprintf("  order[%d] free: %d\n", i, fc)
	}
	return out
}
