// Package vmspace implements a task's virtual address space (C6): a page
// directory plus an ordered list of mappings, populated lazily on page
// fault.
//
// Grounded on original_source/kernel/mm/vm.c (vm_space_new/destroy,
// vm_space_add_map/delete_map, vm_space_page_fault/map_page), generalised
// away from the teacher's vm/as.go's copy-on-write and file-backed-mapping
// machinery (Vm_t.Vmregion, Pgfault's VANON/VFILE/VSANON cases) down to the
// flag set and single lazy-fault path spec.md §4.6 describes.
package vmspace

import (
	"nucleus/internal/klog"
	"nucleus/kerrors"
	"nucleus/palloc"
	"nucleus/pgtbl"
)

// Flags describe what a mapping permits, matching VM_MAP_* in
// include/rotary/mm/vm.h.
type Flags uint32

const (
	Read Flags = 1 << iota
	Write
	Exec
	Shared
	IO
	Reserved
)

// Mapping is a half-open virtual range [Start, End) with a permission set,
// owned by exactly one Space. Matches struct vm_map, minus the intrusive
// list node (the owning Space keeps mappings in a plain slice).
type Mapping struct {
	Start, End pgtbl.Va
	Flags      Flags
}

// contains reports whether va falls within [m.Start, m.End).
func (m Mapping) contains(va pgtbl.Va) bool {
	return va >= m.Start && va < m.End
}

// Space is one task's virtual address space: a page directory and the
// mappings describing which ranges are valid, independent of which leaves
// are actually present in the directory at any moment. Matches struct
// vm_space.
type Space struct {
	dir      *pgtbl.Directory
	mappings []Mapping
	users    uint32

	ops *pgtbl.Ops
	pgs *palloc.Allocator
	log *klog.Logger
}

// New allocates a fresh page directory (already carrying the kernel half,
// per pgtbl.Ops.NewDirectory) and returns an empty address space with
// users=1. Matches vm_space_new().
func New(ops *pgtbl.Ops, pgs *palloc.Allocator, log *klog.Logger) (*Space, error) {
	if log == nil {
		log = klog.Default
	}
	dir, err := ops.NewDirectory()
	if err != nil {
		return nil, kerrors.E(kerrors.OutOfMemory, "vmspace: failed to create directory: %v", err)
	}
	log.Trace("vmspace", "New() users=1")
	return &Space{dir: dir, users: 1, ops: ops, pgs: pgs, log: log}, nil
}

// Directory returns the space's page directory, for archops.Switcher/CR3
// loading and for callers that need to map or unmap leaves directly.
func (s *Space) Directory() *pgtbl.Directory { return s.dir }

// Users returns the current reference count.
func (s *Space) Users() uint32 { return s.users }

// Retain increments the space's reference count, for a second task sharing
// this address space (e.g. kernel threads sharing the idle task's space).
func (s *Space) Retain() { s.users++ }

// Destroy frees the page directory (and every page it still maps), then
// invalidates the space. Matches vm_space_destroy(). Callers still holding
// a reference must call Release instead if more than one user remains.
func (s *Space) Destroy() error {
	if err := s.ops.FreeDirectory(s.dir); err != nil {
		return kerrors.E(kerrors.Invalid, "vmspace: failed to free directory: %v", err)
	}
	s.dir = nil
	s.mappings = nil
	return nil
}

// Release drops one reference, destroying the space once no users remain.
func (s *Space) Release() error {
	if s.users > 0 {
		s.users--
	}
	if s.users == 0 {
		return s.Destroy()
	}
	return nil
}

// AddMap appends a mapping to the space's mapping list without touching the
// directory — population happens lazily on fault. Matches
// vm_space_add_map(). The caller must ensure the new range does not
// overlap an existing mapping (spec.md §4.6's non-overlap invariant); this
// is not re-validated here since every caller in this tree already
// allocates disjoint ranges.
func (s *Space) AddMap(m Mapping) {
	s.mappings = append(s.mappings, m)
	s.log.Trace("vmspace", "AddMap([0x%x, 0x%x) flags=%d)", m.Start, m.End, m.Flags)
}

// DeleteMap removes a mapping matching m's range from the space's mapping
// list. Matches vm_space_delete_map(). Returns kerrors.NotFound if no such
// mapping exists.
func (s *Space) DeleteMap(m Mapping) error {
	for i, existing := range s.mappings {
		if existing.Start == m.Start && existing.End == m.End {
			s.mappings = append(s.mappings[:i], s.mappings[i+1:]...)
			return nil
		}
	}
	return kerrors.E(kerrors.NotFound, "vmspace: no mapping [0x%x, 0x%x) to delete", m.Start, m.End)
}

// find returns the mapping covering va, if any.
func (s *Space) find(va pgtbl.Va) (Mapping, bool) {
	for _, m := range s.mappings {
		if m.contains(va) {
			return m, true
		}
	}
	return Mapping{}, false
}

// Resolve handles a page fault at faultVA: it scans the space's mappings
// for one that covers the address, and on a hit allocates a fresh page and
// installs it into the directory with the mapping's permissions. Matches
// vm_space_page_fault()/vm_space_map_page().
//
// The fault resolver does not re-check whether faultVA was already
// present — per spec.md §4.6, the hardware must only have faulted because
// the leaf was absent, so a spurious fault here is a programming error
// rather than a case to handle gracefully.
func (s *Space) Resolve(faultVA pgtbl.Va) error {
	s.log.Trace("vmspace", "Resolve(fault at 0x%x)", faultVA)
	m, ok := s.find(faultVA)
	if !ok {
		s.log.Trace("vmspace", "Resolve(): no mapping covers 0x%x", faultVA)
		return kerrors.E(kerrors.NotFound, "vmspace: no mapping covers fault address 0x%x", faultVA)
	}

	page, err := s.pgs.Alloc(0)
	if err != nil {
		return kerrors.E(kerrors.OutOfMemory, "vmspace: failed to allocate page for fault at 0x%x: %v", faultVA, err)
	}

	leafVA := pgtbl.Va(uintptr(faultVA) &^ (palloc.PageSize - 1))
	mapFlags := pgtbl.MapFlags(0)
	if m.Flags&Write != 0 {
		mapFlags |= pgtbl.MapWrite
	}
	if err := s.ops.Map(s.dir, leafVA, palloc.AddrOf(page.PFN), mapFlags); err != nil {
		return kerrors.E(kerrors.Invalid, "vmspace: failed to install mapping for fault at 0x%x: %v", faultVA, err)
	}
	return nil
}
