// Package bootmem implements the early boot memory allocator (C1): the
// one-shot, first-fit region allocator that hands out space before the
// buddy page allocator (package palloc) exists, and that later hands the
// buddy allocator its initial set of free regions.
//
// Grounded on original_source/kernel/mm/bootmem.c.
package bootmem

import (
	"fmt"

	"nucleus/internal/klog"
	"nucleus/kerrors"
	"nucleus/kutil"
)

// PageSize is the platform's base page size in bytes.
const PageSize = 4096

// MaxRegions bounds the region table, matching MAX_MEM_REGIONS in the
// original source.
const MaxRegions = 32

// Kind distinguishes available memory from memory the bootloader reserved
// for other use.
type Kind int

const (
	Reserved Kind = iota
	Available
)

// Region describes one registered span of physical memory. StartAddr
// advances as bootmem.Alloc() consumes space from it; OrigStartAddr is
// kept so BytesUsed can report bootstrap consumption (a feature present in
// the original's debug dump but dropped by the distillation).
type Region struct {
	StartAddr     uintptr
	EndAddr       uintptr
	OrigStartAddr uintptr
	Kind          Kind
	valid         bool
}

// BytesUsed reports how much of the region has been consumed by Alloc.
func (r Region) BytesUsed() uintptr {
	return r.StartAddr - r.OrigStartAddr
}

func (r Region) Len() uintptr {
	if r.EndAddr < r.StartAddr {
		return 0
	}
	return r.EndAddr - r.StartAddr
}

// Image describes the kernel's physical footprint, used to reject or split
// regions that overlap it. In a real boot this comes from linker symbols;
// here it is supplied explicitly by the caller (see SPEC_FULL.md's
// Configuration section).
type Image struct {
	Start uintptr
	End   uintptr
}

// Allocator is the C1 boot memory allocator.
type Allocator struct {
	regions    [MaxRegions]Region
	count      int
	highestPFN uint32
	image      Image
	log        *klog.Logger
}

// New constructs a boot memory allocator for a kernel image occupying
// [image.Start, image.End).
func New(image Image, log *klog.Logger) *Allocator {
	if log == nil {
		log = klog.Default
	}
	return &Allocator{image: image, log: log}
}

func alignUp(v, a uintptr) uintptr   { return kutil.Roundup(v, a) }
func alignDown(v, a uintptr) uintptr { return kutil.Rounddown(v, a) }

// AddRegion registers a region of memory, splitting it around the kernel
// image if it overlaps and rejecting it if it falls entirely inside.
// Mirrors bootmem_add_mem_region()'s recursive split behaviour.
func (a *Allocator) AddRegion(start, end uintptr, kind Kind) error {
	start = alignUp(start, PageSize)
	end = alignDown(end, PageSize)

	kstart := alignUp(a.image.Start, PageSize)
	kend := alignUp(a.image.End, PageSize)

	a.log.Trace("bootmem", "AddRegion(start=0x%x end=0x%x kind=%d)", start, end, kind)

	if a.count == MaxRegions {
		return kerrors.E(kerrors.Invalid, "bootmem: region table full (max %d)", MaxRegions)
	}
	if kind != Reserved && kind != Available {
		return kerrors.E(kerrors.Invalid, "bootmem: unknown region kind %d", kind)
	}
	if start > end {
		return kerrors.E(kerrors.Invalid, "bootmem: start after end")
	}
	if start == end || end-start < PageSize {
		return kerrors.E(kerrors.Invalid, "bootmem: region smaller than a page")
	}
	if start >= kstart && end <= kend {
		return kerrors.E(kerrors.Invalid, "bootmem: region entirely inside kernel image")
	}

	if start < kstart && end > kend {
		a.log.Trace("bootmem", "region surrounds kernel image, splitting")
		if err := a.AddRegion(start, kstart, kind); err != nil {
			return err
		}
		return a.AddRegion(kend, end, kind)
	} else if start < kstart && end > kstart {
		end = kstart
	} else if start < kend && end > kend {
		start = kend
	}

	if pfn := uint32(end / PageSize); pfn > a.highestPFN {
		a.highestPFN = pfn
	}

	for i := range a.regions {
		if !a.regions[i].valid {
			a.regions[i] = Region{
				StartAddr:     start,
				EndAddr:       end,
				OrigStartAddr: start,
				Kind:          kind,
				valid:         true,
			}
			a.count++
			return nil
		}
	}
	return kerrors.E(kerrors.OutOfMemory, "bootmem: no free region slots")
}

// Alloc performs a first-fit allocation of size bytes aligned to alignment
// from the first AVAILABLE region that fits, advancing that region's
// start. Returns the allocated physical address.
func (a *Allocator) Alloc(size, alignment uintptr) (uintptr, error) {
	if alignment == 0 {
		alignment = 1
	}
	for i := range a.regions {
		r := &a.regions[i]
		if !r.valid || r.Kind != Available {
			continue
		}
		alignedStart := alignUp(r.StartAddr, alignment)
		if alignedStart >= r.EndAddr {
			continue
		}
		if r.EndAddr-alignedStart >= size {
			r.StartAddr = alignedStart + size
			a.log.Trace("bootmem", "Alloc(size=%d align=%d) -> 0x%x", size, alignment, alignedStart)
			return alignedStart, nil
		}
	}
	return 0, kerrors.E(kerrors.OutOfMemory, "bootmem: no region satisfies %d bytes (align %d)", size, alignment)
}

// HighestPFN returns the exclusive end, in page frames, of the highest
// registered region (one past its last page frame), used by palloc as the
// page count to size its page-frame table.
func (a *Allocator) HighestPFN() uint32 { return a.highestPFN }

// Regions returns a snapshot of the registered region table for
// iteration by mark-free passes and metrics.
func (a *Allocator) Regions() []Region {
	out := make([]Region, 0, a.count)
	for _, r := range a.regions {
		if r.valid {
			out = append(out, r)
		}
	}
	return out
}

// Reset clears all allocator state, for test isolation. Mirrors
// bootmem_reset().
func (a *Allocator) Reset() {
	a.regions = [MaxRegions]Region{}
	a.count = 0
	a.highestPFN = 0
}

// Debug renders the allocator's state, mirroring bootmem_print_debug().
func (a *Allocator) Debug() string {
	s := fmt.Sprintf("bootmem: %d regions, highest pfn %d\n", a.count, a.highestPFN)
	for i, r := range a.regions {
		if !r.valid {
			continue
		}
		s += fmt.Sprintf("  region[%d]: 0x%x -> 0x%x (%d bytes used)\n", i, r.StartAddr, r.EndAddr, r.BytesUsed())
	}
	return s
}
