package vmm

import (
	"testing"

	"capos/kernel"
	"capos/kernel/mm"
	"capos/kernel/mm/pmm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTables(t *testing.T, frames int) (*pmm.Allocator, *PageTable) {
	t.Helper()
	alloc, err := pmm.NewAllocator(uintptr(frames) * mm.PageSize)
	require.NoError(t, err)

	master, err := NewKernelPageTable(alloc)
	require.NoError(t, err)
	return alloc, master
}

func TestPageTableEntryEncoding(t *testing.T) {
	specs := []struct {
		perm Permission
		exp  pageTableEntry
	}{
		{PermRO, 0x00042aa2},
		{PermRW, 0x00042ff2},
		{PermRWPriv, 0x00042552},
	}

	for specIndex, spec := range specs {
		pte := smallEntry(0x42000, spec.perm)
		assert.Equal(t, spec.exp, pte, "[spec %d]", specIndex)
		assert.Equal(t, pteTypeSmall, pte.Type(), "[spec %d]", specIndex)
		assert.Equal(t, uintptr(0x42000), pte.SmallBase(), "[spec %d]", specIndex)
		assert.Equal(t, spec.perm, pte.smallPerm(), "[spec %d]", specIndex)
	}

	section := sectionEntry(0x00300000, PermRWPriv)
	assert.Equal(t, pteTypeSection, section.Type())
	assert.Equal(t, uintptr(0x00300000), section.SectionBase())
	assert.Equal(t, PermRWPriv, section.sectionPerm())

	coarse := coarseEntry(0x1c00)
	assert.Equal(t, pteTypeCoarse, coarse.Type())
	assert.Equal(t, uintptr(0x1c00), coarse.CoarseBase())

	assert.True(t, l2FreeSentinel.freeSlot())
	assert.False(t, pageTableEntry(0).freeSlot())
	assert.False(t, smallEntry(0x80000000, PermRW).freeSlot())
}

func TestKernelPageTable(t *testing.T) {
	alloc, master := newTestTables(t, 32)
	assert.Equal(t, 28, alloc.FreeFrames())
	assert.True(t, mm.PageAligned(master.PhysAddr()))
	assert.Zero(t, master.PhysAddr()%(uintptr(l1Frames)*mm.PageSize))

	specs := []struct {
		virtAddr uintptr
		expPhys  uintptr
	}{
		{mm.KernelStart, 0},
		{mm.KernelStart + 0x1234, 0x1234},
		{mm.KernelStart + 3*mm.SectionSize + 8, 3*mm.SectionSize + 8},
		{0xfffffffc, 0x3ffffffc},
	}

	for specIndex, spec := range specs {
		physAddr, perm, err := master.Translate(spec.virtAddr)
		require.NoError(t, err, "[spec %d]", specIndex)
		assert.Equal(t, spec.expPhys, physAddr, "[spec %d]", specIndex)
		assert.Equal(t, PermRWPriv, perm, "[spec %d]", specIndex)
	}

	_, _, err := master.Translate(0x8000)
	assert.Equal(t, ErrInvalidMapping, err)
	assert.Equal(t, ErrMappingExists, master.MapPage(mm.KernelStart, 0, PermRW))
}

func TestPageTableMapUnmap(t *testing.T) {
	alloc, master := newTestTables(t, 32)
	pt, err := NewPageTable(alloc, master)
	require.NoError(t, err)

	// kernel half is shared
	physAddr, perm, err := pt.Translate(mm.KernelStart + 0x10)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x10), physAddr)
	assert.Equal(t, PermRWPriv, perm)

	assert.Equal(t, ErrUnaligned, pt.MapPage(0x8001, 0x2000, PermRW))
	assert.Equal(t, ErrUnaligned, pt.MapPage(0x8000, 0x2001, PermRW))

	require.NoError(t, pt.MapPage(0x8000, 0x5000, PermRO))
	physAddr, perm, err = pt.Translate(0x8abc)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x5abc), physAddr)
	assert.Equal(t, PermRO, perm)
	assert.True(t, pt.IsMapped(0x8000))
	assert.False(t, pt.IsMapped(0x9000))

	assert.Equal(t, ErrMappingExists, pt.MapPage(0x8000, 0x6000, PermRW))

	require.NoError(t, pt.UnmapPage(0x8000))
	assert.False(t, pt.IsMapped(0x8000))
	assert.Equal(t, ErrInvalidMapping, pt.UnmapPage(0x8000))
	assert.Equal(t, ErrInvalidMapping, pt.UnmapPage(0x4000000))

	// the released coarse table leaves the first-level entry disabled
	l1, err := pt.readEntry(pt.l1EntryAddr(0x8000))
	require.NoError(t, err)
	assert.Equal(t, pteTypeDisabled, l1.Type())
}

func TestPageTableL2Recycling(t *testing.T) {
	alloc, master := newTestTables(t, 32)
	pt, err := NewPageTable(alloc, master)
	require.NoError(t, err)

	// four sections fill the four quarters of a single coarse page
	sections := []uintptr{0x0, 0x100000, 0x200000, 0x300000}
	for specIndex, base := range sections {
		require.NoError(t, pt.MapPage(base+0x1000, 0x1000, PermRW), "[spec %d]", specIndex)
		require.NoError(t, pt.MapPage(base+0x2000, 0x2000, PermRW), "[spec %d]", specIndex)
	}

	stats := pt.Stats()
	assert.Equal(t, 1, stats.L2Pages)
	assert.Equal(t, 1, stats.L2Allocs)
	assert.Equal(t, 3, stats.L2Reuses)

	l1, err := pt.readEntry(pt.l1EntryAddr(0x100000))
	require.NoError(t, err)
	releasedTable := l1.CoarseBase()

	// unmapping one page keeps the table alive
	require.NoError(t, pt.UnmapPage(0x101000))
	assert.True(t, pt.IsMapped(0x102000))
	require.NoError(t, pt.UnmapPage(0x102000))

	freeFrames := alloc.FreeFrames()
	require.NoError(t, pt.MapPage(0x500000, 0x3000, PermRW))
	assert.Equal(t, freeFrames, alloc.FreeFrames(), "expected released quarter to be reused")

	l1, err = pt.readEntry(pt.l1EntryAddr(0x500000))
	require.NoError(t, err)
	assert.Equal(t, releasedTable, l1.CoarseBase())

	// with every quarter in use a new page must be allocated
	require.NoError(t, pt.MapPage(0x600000, 0x3000, PermRW))
	assert.Equal(t, freeFrames-1, alloc.FreeFrames())
	assert.Equal(t, 2, pt.Stats().L2Pages)

	require.NoError(t, pt.Destroy())
	assert.Equal(t, 28, alloc.FreeFrames())
}

func TestNewPageTableOutOfMemory(t *testing.T) {
	alloc, master := newTestTables(t, 6)
	_, err := NewPageTable(alloc, master)
	assert.True(t, kernel.IsKind(err, kernel.KindFatal))
	assert.Equal(t, 2, alloc.FreeFrames())
}
