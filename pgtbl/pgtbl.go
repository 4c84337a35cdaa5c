// Package pgtbl implements architecture-independent two-level page table
// operations (C5): directory creation with kernel-half cloning, single and
// bulk map/unmap, and range copy with SHARE/COPY semantics (COW rejected).
//
// Grounded on original_source/kernel/mm/ptable.c and the x86 backend's
// structure layout in arch/x86/include/arch/ptable.h, generalised away from
// that backend's bit-field structs: entries are encoded/decoded as plain
// 32-bit words (address in the high 20 bits, flags in the low 12, exactly
// MAKE_PDE/MAKE_PTE's layout) and read/written through the same
// palloc.Pool byte arena backing every other physical-memory structure in
// this tree, rather than through architecture-specific bit-field structs.
package pgtbl

import (
	"nucleus/archops"
	"nucleus/internal/klog"
	"nucleus/kerrors"
	"nucleus/kutil"
	"nucleus/palloc"
)

// Entries per directory/table level, matching PAGE_DIR_SIZE/PAGE_TABLE_SIZE.
const (
	DirSize   = 1024
	TableSize = 1024
)

// entrySize is the byte width of one directory/table entry.
const entrySize = 4

// Entry flag bits, matching arch/x86/include/arch/ptable.h's PDE_*/PTE_*
// (the two are unified here since this substrate never needs to
// distinguish their bit layouts).
const (
	Present Flags = 1 << iota
	Writable
	User
	Huge Flags = 0x80 // PDE_PAGE_SIZE_4M
)

// Flags are the per-entry attribute bits.
type Flags uint32

// Va is a virtual address. Kept distinct from palloc.Pa and palloc.PFN per
// spec.md §9: conversions between address spaces only ever happen through
// named functions, and there are none here — pgtbl never interprets a Va
// beyond indexing into a directory.
type Va uintptr

// MapFlags are the subset of a mapping's permissions pgtbl.Map itself
// cares about; vmspace translates its broader flag set down to this.
type MapFlags uint32

const MapWrite MapFlags = 1 << 0

// Ops holds everything directory operations need that isn't per-directory
// state: the page allocator backing every directory/table/leaf page, the
// TLB invalidation collaborator, and the kernel's canonical page directory
// template, whose upper half (covering kernelBoundary and above) is cloned
// into every new directory.
type Ops struct {
	pages          *palloc.Allocator
	tlb            archops.TLBInvalidator
	kernelPDEIndex int
	kernelPGD      palloc.Pa
	log            *klog.Logger
}

// NewOps constructs the shared operations context. kernelPGD is the
// physical address of a page directory whose entries at and above
// kernelBoundary's directory index are already populated with the kernel's
// mappings — normally built during arch-specific boot, which is out of
// scope here (spec.md §1); tests build one directly with Map.
func NewOps(pages *palloc.Allocator, tlb archops.TLBInvalidator, kernelBoundary uintptr, kernelPGD palloc.Pa, log *klog.Logger) *Ops {
	if log == nil {
		log = klog.Default
	}
	return &Ops{
		pages:          pages,
		tlb:            tlb,
		kernelPDEIndex: pdeIndex(Va(kernelBoundary)),
		kernelPGD:      kernelPGD,
		log:            log,
	}
}

func pdeIndex(va Va) int { return int((uint32(va) >> 22) & 0x3FF) }
func pteIndex(va Va) int { return int((uint32(va) >> 12) & 0x3FF) }

func makeEntry(addr palloc.Pa, flags Flags) uint32 {
	return uint32(addr)&0xFFFFF000 | (uint32(flags) & 0xFFF)
}
func entryExists(e uint32) bool    { return e&uint32(Present) != 0 }
func entryIsHuge(e uint32) bool    { return e&uint32(Huge) != 0 }
func entryAddr(e uint32) palloc.Pa { return palloc.Pa(e &^ 0xFFF) }

func (o *Ops) readEntry(table palloc.Pa, index int) uint32 {
	buf := o.pages.Pool().At(table+palloc.Pa(index*entrySize), entrySize)
	return uint32(kutil.Readn(buf, entrySize, 0))
}

func (o *Ops) writeEntry(table palloc.Pa, index int, val uint32) {
	buf := o.pages.Pool().At(table+palloc.Pa(index*entrySize), entrySize)
	kutil.Writen(buf, entrySize, 0, int(val))
}

func (o *Ops) zeroPage(pfn palloc.PFN) {
	buf := o.pages.Pool().Bytes(pfn)
	for i := range buf {
		buf[i] = 0
	}
}

// Directory is one task's (or the kernel's) top-level page directory.
type Directory struct {
	pgd *palloc.Page
}

// Pa returns the physical address of the directory's backing page, for
// archops.Switcher/CR3-equivalent use.
func (d *Directory) Pa() palloc.Pa { return palloc.AddrOf(d.pgd.PFN) }

// NewDirectory allocates a fresh top-level directory and clones the
// kernel's half of the address space into it, matching ptable_pgd_new():
// "There is no scenario where we want to create a page table without the
// kernel mappings."
func (o *Ops) NewDirectory() (*Directory, error) {
	page, err := o.pages.Alloc(0)
	if err != nil {
		return nil, kerrors.E(kerrors.OutOfMemory, "pgtbl: failed to allocate directory page: %v", err)
	}
	o.zeroPage(page.PFN)

	pgdPA := palloc.AddrOf(page.PFN)
	for idx := o.kernelPDEIndex; idx < DirSize; idx++ {
		e := o.readEntry(o.kernelPGD, idx)
		o.writeEntry(pgdPA, idx, e)
	}

	return &Directory{pgd: page}, nil
}

// FreeDirectory walks every user-half directory entry, freeing each
// present leaf page, then the subtable page, then the directory page
// itself, matching ptable_pgd_free(). Huge (4MiB) entries skip the
// subtable walk, since they were never backed by an allocated subtable.
func (o *Ops) FreeDirectory(d *Directory) error {
	pgdPA := d.Pa()
	for idx := 0; idx < o.kernelPDEIndex; idx++ {
		e := o.readEntry(pgdPA, idx)
		if !entryExists(e) {
			continue
		}
		if entryIsHuge(e) {
			continue
		}

		pgtPA := entryAddr(e)
		for pteIdx := 0; pteIdx < TableSize; pteIdx++ {
			pte := o.readEntry(pgtPA, pteIdx)
			if !entryExists(pte) {
				continue
			}
			leaf := o.pages.PageFromPFN(palloc.PFNOf(entryAddr(pte)))
			if err := o.pages.Free(leaf, 0); err != nil {
				return err
			}
		}

		pgtPage := o.pages.PageFromPFN(palloc.PFNOf(pgtPA))
		if err := o.pages.Free(pgtPage, 0); err != nil {
			return err
		}
	}

	pgdPage := o.pages.PageFromPFN(palloc.PFNOf(pgdPA))
	return o.pages.Free(pgdPage, 0)
}

// ensureSubtable returns the physical address of the page table backing
// va's directory entry in d, allocating and attaching one if it doesn't
// exist yet.
func (o *Ops) ensureSubtable(d *Directory, va Va) (palloc.Pa, error) {
	pgdPA := d.Pa()
	idx := pdeIndex(va)
	e := o.readEntry(pgdPA, idx)
	if entryExists(e) {
		return entryAddr(e), nil
	}

	page, err := o.pages.Alloc(0)
	if err != nil {
		return 0, kerrors.E(kerrors.OutOfMemory, "pgtbl: failed to allocate subtable for va 0x%x: %v", va, err)
	}
	o.zeroPage(page.PFN)
	pgtPA := palloc.AddrOf(page.PFN)
	o.writeEntry(pgdPA, idx, makeEntry(pgtPA, Present|Writable|User))
	return pgtPA, nil
}

// Map installs a single leaf mapping va -> pa in d, allocating an
// intermediate subtable if one doesn't already cover va. Matches
// ptable_map().
func (o *Ops) Map(d *Directory, va Va, pa palloc.Pa, flags MapFlags) error {
	pgtPA, err := o.ensureSubtable(d, va)
	if err != nil {
		return err
	}

	leafFlags := Present | User
	if flags&MapWrite != 0 {
		leafFlags |= Writable
	}
	o.writeEntry(pgtPA, pteIndex(va), makeEntry(pa, leafFlags))
	o.log.Trace("pgtbl", "Map(va=0x%x -> pa=0x%x flags=%d)", va, pa, flags)
	return nil
}

// MapMany installs count contiguous leaf mappings starting at va/pa.
// Matches ptable_map_many().
func (o *Ops) MapMany(d *Directory, va Va, pa palloc.Pa, count int, flags MapFlags) error {
	for i := 0; i < count; i++ {
		off := palloc.Pa(i * palloc.PageSize)
		if err := o.Map(d, va+Va(off), pa+off, flags); err != nil {
			return err
		}
	}
	return nil
}

// Unmap clears va's leaf mapping in d, optionally freeing the backing
// page, and invalidates the TLB entry for va. Matches ptable_unmap().
func (o *Ops) Unmap(d *Directory, va Va, freeBacking bool) error {
	if err := o.unmapOne(d, va, freeBacking); err != nil {
		return err
	}
	o.tlb.InvalidatePage(uintptr(va))
	return nil
}

// unmapOne clears va's leaf mapping without invalidating the TLB, so
// UnmapMany can invalidate the whole run at once instead of page by page.
func (o *Ops) unmapOne(d *Directory, va Va, freeBacking bool) error {
	pgdPA := d.Pa()
	idx := pdeIndex(va)
	e := o.readEntry(pgdPA, idx)
	if !entryExists(e) {
		return kerrors.E(kerrors.NotFound, "pgtbl: no subtable for va 0x%x", va)
	}

	pgtPA := entryAddr(e)
	pIdx := pteIndex(va)
	pte := o.readEntry(pgtPA, pIdx)
	if !entryExists(pte) {
		return kerrors.E(kerrors.NotFound, "pgtbl: no mapping for va 0x%x", va)
	}

	if freeBacking {
		leaf := o.pages.PageFromPFN(palloc.PFNOf(entryAddr(pte)))
		if err := o.pages.Free(leaf, 0); err != nil {
			return err
		}
	}

	o.writeEntry(pgtPA, pIdx, 0)
	return nil
}

// UnmapMany clears count contiguous leaf mappings starting at va, then
// invalidates the whole range in a single TLB shootdown instead of one per
// page — matching ptable_unmap_many() and what a real shootdown would do
// for a contiguous run.
func (o *Ops) UnmapMany(d *Directory, va Va, count int, freeBacking bool) error {
	for i := 0; i < count; i++ {
		if err := o.unmapOne(d, va+Va(i*palloc.PageSize), freeBacking); err != nil {
			return err
		}
	}
	o.tlb.InvalidateRange(uintptr(va), count)
	return nil
}

// CopyMode selects copy_range's behaviour for each source leaf.
type CopyMode int

const (
	// Share aliases the destination leaf to the same physical page,
	// incrementing its use count.
	Share CopyMode = iota
	// Copy allocates a fresh page per source leaf and duplicates its
	// contents.
	Copy
	// Cow is accepted as a value but always rejected by CopyRange: real
	// copy-on-write is out of scope for this core (spec.md §4.5).
	Cow
)

// CopyRange copies present leaf mappings in [lo, hi) from src into dst
// under mode, matching ptable_copy_range(). Both the first and last
// directory entries spanned by the range are truncated to their partial
// sub-indices (spec.md §4.5's edge case) even when lo and hi fall in the
// same directory entry — the original C implementation's else-if chain
// only truncates the end index when it differs from the start index,
// which under-copies a range entirely contained in one directory entry;
// this implementation truncates both ends unconditionally.
func (o *Ops) CopyRange(src, dst *Directory, lo, hi Va, mode CopyMode) error {
	if mode == Cow {
		return kerrors.E(kerrors.Invalid, "pgtbl: copy-on-write is not implemented")
	}

	srcPA := src.Pa()
	startPDE, endPDE := pdeIndex(lo), pdeIndex(hi)
	startPTE, endPTE := pteIndex(lo), pteIndex(hi)

	for curPDE := startPDE; curPDE <= endPDE; curPDE++ {
		oldPDE := o.readEntry(srcPA, curPDE)
		if !entryExists(oldPDE) {
			continue
		}

		dstPA := dst.Pa()
		newPDE := o.readEntry(dstPA, curPDE)
		if !entryExists(newPDE) {
			page, err := o.pages.Alloc(0)
			if err != nil {
				return kerrors.E(kerrors.OutOfMemory, "pgtbl: CopyRange failed to allocate subtable: %v", err)
			}
			o.zeroPage(page.PFN)
			newPDE = makeEntry(palloc.AddrOf(page.PFN), Present|Writable|User)
			o.writeEntry(dstPA, curPDE, newPDE)
		}

		oldPgtPA := entryAddr(oldPDE)
		newPgtPA := entryAddr(newPDE)

		curStart, curEnd := 0, TableSize
		if curPDE == startPDE {
			curStart = startPTE
		}
		if curPDE == endPDE {
			curEnd = endPTE
		}

		for i := curStart; i < curEnd; i++ {
			oldPTE := o.readEntry(oldPgtPA, i)
			if !entryExists(oldPTE) {
				continue
			}

			switch mode {
			case Share:
				srcPage := o.pages.PageFromPFN(palloc.PFNOf(entryAddr(oldPTE)))
				srcPage.UseCount++
				o.writeEntry(newPgtPA, i, oldPTE)
			case Copy:
				newPage, err := o.pages.Alloc(0)
				if err != nil {
					return kerrors.E(kerrors.OutOfMemory, "pgtbl: CopyRange failed to allocate leaf copy: %v", err)
				}
				copy(o.pages.Pool().Bytes(newPage.PFN), o.pages.Pool().Bytes(palloc.PFNOf(entryAddr(oldPTE))))
				o.writeEntry(newPgtPA, i, makeEntry(palloc.AddrOf(newPage.PFN), Present|User))
			}
		}
	}
	return nil
}

// PgtIsClear reports whether every entry in the page table at pa is empty,
// matching ptable_pgt_is_clear().
func (o *Ops) PgtIsClear(pa palloc.Pa) bool {
	for i := 0; i < TableSize; i++ {
		if o.readEntry(pa, i) != 0 {
			return false
		}
	}
	return true
}

// GetPTE returns the raw leaf entry word for va in d, and whether it (and
// its covering subtable) exist, matching ptable_get_pte()'s use for
// retrieving a mapping's physical address and attributes.
func (o *Ops) GetPTE(d *Directory, va Va) (entry uint32, ok bool) {
	pgdPA := d.Pa()
	pde := o.readEntry(pgdPA, pdeIndex(va))
	if !entryExists(pde) {
		return 0, false
	}
	pte := o.readEntry(entryAddr(pde), pteIndex(va))
	return pte, entryExists(pte)
}
