package pgtbl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nucleus/archops/sim"
	"nucleus/bootmem"
	"nucleus/palloc"
)

const kernelBoundary = 0xC0000000 // 3GiB split, matching a classic higher-half kernel

type testEnv struct {
	ops       *Ops
	pages     *palloc.Allocator
	tlb       *sim.TLB
	kernelDir *Directory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	pages := palloc.New(512, bootmem.Image{Start: 0, End: 0}, nil)
	pages.MarkFree(0, palloc.AddrOf(palloc.PFN(512)))

	tlb := &sim.TLB{}

	kernelPage, err := pages.Alloc(0)
	require.NoError(t, err)
	kernelDir := &Directory{pgd: kernelPage}

	ops := NewOps(pages, tlb, kernelBoundary, kernelDir.Pa(), nil)

	// Populate one kernel-half mapping in the template so clone tests have
	// something to look for.
	phys, err := pages.Alloc(0)
	require.NoError(t, err)
	require.NoError(t, ops.Map(kernelDir, Va(kernelBoundary+0x1000), palloc.AddrOf(phys.PFN), MapWrite))

	return &testEnv{ops: ops, pages: pages, tlb: tlb, kernelDir: kernelDir}
}

func TestNewDirectory_ClonesKernelHalf(t *testing.T) {
	e := newTestEnv(t)
	d, err := e.ops.NewDirectory()
	require.NoError(t, err)

	_, ok := e.ops.GetPTE(d, Va(kernelBoundary+0x1000))
	require.True(t, ok, "kernel mapping should be present in a freshly created directory")

	_, ok = e.ops.GetPTE(d, Va(0x1000))
	require.False(t, ok, "user half of a new directory should start empty")
}

func TestMapThenGetPTE(t *testing.T) {
	e := newTestEnv(t)
	d, err := e.ops.NewDirectory()
	require.NoError(t, err)

	target, err := e.pages.Alloc(0)
	require.NoError(t, err)
	pa := palloc.AddrOf(target.PFN)

	require.NoError(t, e.ops.Map(d, Va(0x400000), pa, MapWrite))
	entry, ok := e.ops.GetPTE(d, Va(0x400000))
	require.True(t, ok)
	require.Equal(t, pa, entryAddr(entry))
}

func TestUnmap_ClearsMappingAndInvalidatesTLB(t *testing.T) {
	e := newTestEnv(t)
	d, err := e.ops.NewDirectory()
	require.NoError(t, err)

	target, err := e.pages.Alloc(0)
	require.NoError(t, err)
	require.NoError(t, e.ops.Map(d, Va(0x400000), palloc.AddrOf(target.PFN), 0))

	require.NoError(t, e.ops.Unmap(d, Va(0x400000), false))
	_, ok := e.ops.GetPTE(d, Va(0x400000))
	require.False(t, ok)

	pages, _ := e.tlb.Stats()
	require.Equal(t, 1, pages)
}

func TestUnmap_MissingMappingErrors(t *testing.T) {
	e := newTestEnv(t)
	d, err := e.ops.NewDirectory()
	require.NoError(t, err)
	require.Error(t, e.ops.Unmap(d, Va(0x400000), false))
}

func TestMapMany_UnmapMany(t *testing.T) {
	e := newTestEnv(t)
	d, err := e.ops.NewDirectory()
	require.NoError(t, err)

	base, err := e.pages.Alloc(2) // 4 contiguous pages
	require.NoError(t, err)
	basePA := palloc.AddrOf(base.PFN)

	require.NoError(t, e.ops.MapMany(d, Va(0x500000), basePA, 4, MapWrite))
	for i := 0; i < 4; i++ {
		_, ok := e.ops.GetPTE(d, Va(0x500000+i*palloc.PageSize))
		require.True(t, ok)
	}

	require.NoError(t, e.ops.UnmapMany(d, Va(0x500000), 4, false))
	for i := 0; i < 4; i++ {
		_, ok := e.ops.GetPTE(d, Va(0x500000+i*palloc.PageSize))
		require.False(t, ok)
	}

	pages, ranges := e.tlb.Stats()
	require.Equal(t, 0, pages, "UnmapMany must not invalidate page-by-page")
	require.Equal(t, 1, ranges, "UnmapMany invalidates the whole contiguous run in one shootdown")
}

func TestCopyRange_Share_AliasesSamePage(t *testing.T) {
	e := newTestEnv(t)
	src, err := e.ops.NewDirectory()
	require.NoError(t, err)
	dst, err := e.ops.NewDirectory()
	require.NoError(t, err)

	target, err := e.pages.Alloc(0)
	require.NoError(t, err)
	require.NoError(t, e.ops.Map(src, Va(0x600000), palloc.AddrOf(target.PFN), MapWrite))

	require.NoError(t, e.ops.CopyRange(src, dst, Va(0x600000), Va(0x601000), Share))

	entry, ok := e.ops.GetPTE(dst, Va(0x600000))
	require.True(t, ok)
	require.Equal(t, palloc.AddrOf(target.PFN), entryAddr(entry))
	require.EqualValues(t, 2, target.UseCount, "sharing should bump the source page's use count")
}

func TestCopyRange_Copy_DuplicatesContent(t *testing.T) {
	e := newTestEnv(t)
	src, err := e.ops.NewDirectory()
	require.NoError(t, err)
	dst, err := e.ops.NewDirectory()
	require.NoError(t, err)

	target, err := e.pages.Alloc(0)
	require.NoError(t, err)
	e.pages.Pool().Bytes(target.PFN)[0] = 0x42
	require.NoError(t, e.ops.Map(src, Va(0x600000), palloc.AddrOf(target.PFN), MapWrite))

	require.NoError(t, e.ops.CopyRange(src, dst, Va(0x600000), Va(0x601000), Copy))

	entry, ok := e.ops.GetPTE(dst, Va(0x600000))
	require.True(t, ok)
	newPA := entryAddr(entry)
	require.NotEqual(t, palloc.AddrOf(target.PFN), newPA)
	require.Equal(t, byte(0x42), e.pages.Pool().At(newPA, 1)[0])
}

func TestCopyRange_Cow_Rejected(t *testing.T) {
	e := newTestEnv(t)
	src, err := e.ops.NewDirectory()
	require.NoError(t, err)
	dst, err := e.ops.NewDirectory()
	require.NoError(t, err)
	require.Error(t, e.ops.CopyRange(src, dst, Va(0x600000), Va(0x601000), Cow))
}

func TestCopyRange_TruncatesWithinSinglePDE(t *testing.T) {
	e := newTestEnv(t)
	src, err := e.ops.NewDirectory()
	require.NoError(t, err)
	dst, err := e.ops.NewDirectory()
	require.NoError(t, err)

	// Two mappings in the same directory entry; only the first should be
	// in range [0x400000, 0x401000).
	p1, err := e.pages.Alloc(0)
	require.NoError(t, err)
	p2, err := e.pages.Alloc(0)
	require.NoError(t, err)
	require.NoError(t, e.ops.Map(src, Va(0x400000), palloc.AddrOf(p1.PFN), 0))
	require.NoError(t, e.ops.Map(src, Va(0x401000), palloc.AddrOf(p2.PFN), 0))

	require.NoError(t, e.ops.CopyRange(src, dst, Va(0x400000), Va(0x401000), Share))

	_, ok := e.ops.GetPTE(dst, Va(0x400000))
	require.True(t, ok)
	_, ok = e.ops.GetPTE(dst, Va(0x401000))
	require.False(t, ok, "range end is exclusive and within the same PDE as start")
}

func TestPgtIsClear(t *testing.T) {
	e := newTestEnv(t)
	d, err := e.ops.NewDirectory()
	require.NoError(t, err)

	pgdPA := d.Pa()
	kernelPDE := e.ops.readEntry(pgdPA, pdeIndex(Va(kernelBoundary+0x1000)))
	require.False(t, e.ops.PgtIsClear(entryAddr(kernelPDE)), "subtable holding a live kernel mapping should not read as clear")

	target, err := e.pages.Alloc(0)
	require.NoError(t, err)
	require.NoError(t, e.ops.Map(d, Va(0x400000), palloc.AddrOf(target.PFN), 0))
	userPDE := e.ops.readEntry(pgdPA, pdeIndex(Va(0x400000)))
	require.False(t, e.ops.PgtIsClear(entryAddr(userPDE)))
}

func TestFreeDirectory_FreesUserHalfPages(t *testing.T) {
	e := newTestEnv(t)
	d, err := e.ops.NewDirectory()
	require.NoError(t, err)

	target, err := e.pages.Alloc(0)
	require.NoError(t, err)
	require.NoError(t, e.ops.Map(d, Va(0x400000), palloc.AddrOf(target.PFN), MapWrite))

	require.NoError(t, e.ops.FreeDirectory(d))
	require.EqualValues(t, 0, target.UseCount, "leaf page should have been freed")
}
